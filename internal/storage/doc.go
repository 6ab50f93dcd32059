// Package storage persists marker records and run history.
//
// Drivers:
//   - "file": JSON journal + snapshot, no external services
//   - "sqlite": SQLite database file (pure Go driver)
//   - "redis": Redis hash per store prefix
//
// All drivers also keep notifier dedup state so repeated runs do not
// re-send the same status to the same subscriber.
package storage
