package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// TaskOptions tune how one task is queued. Tasks run exactly once; callers
// that need retries do them inside Run.
type TaskOptions struct {
	Overlap OverlapPolicy
}

// RunState gates overlap for SkipIfRunning: a task is skipped while another
// with the same key is queued or running.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Done, when set, is called exactly once with the final result after the
// task ran, was dropped as stale, or was abandoned on shutdown. It is not
// called when enqueueing fails; the caller sees that error directly.
type Task struct {
	ID      string
	Name    string
	Key     string // overlap key, defaults to Name
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Done    func(err error)
	Opt     TaskOptions
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Dropped  uint64        `json:"dropped"`
	History  []HistoryItem `json:"history"`
}
