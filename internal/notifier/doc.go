// Package notifier delivers marker change notifications to subscribers.
//
// Delivery goes through a Sender per channel (SNS email fan-out, a Telegram
// operator chat, or a log-only sink). The Service wraps senders with a token
// bucket rate limit, bounded retry with jittered backoff and an optional
// dedup window that can be persisted in the store so restarts do not repeat
// a message.
//
// # Modes
//
// Deliver sends synchronously and returns the final error so callers can
// account for each recipient. Notify enqueues onto a worker pool supervised
// by the runtime supervisor and returns as soon as the job is queued.
//
// # History
//
// The service keeps a small in-memory history of recent deliveries for the
// status endpoint.
package notifier
