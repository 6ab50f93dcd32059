package notifier

import (
	"context"
	"time"
)

// Subject is the subject line of every subscriber message.
const Subject = "Update From Change Observer"

// Config controls delivery.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notification is one message to one recipient.
type Notification struct {
	Channel   string
	MarkerID  string
	Recipient string
	Subject   string
	Text      string
}

// Sender delivers a notification over one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, n Notification) error
}

// DedupStore persists suppress-until markers across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

// Observer receives delivery outcomes. Metrics hook in here.
type Observer interface {
	Delivered(channel string)
	Failed(channel string)
	Deduped(channel string)
}

type HistoryItem struct {
	At        time.Time `json:"at"`
	Channel   string    `json:"channel"`
	MarkerID  string    `json:"markerId,omitempty"`
	Recipient string    `json:"recipient"`
	Error     string    `json:"error,omitempty"`
}
