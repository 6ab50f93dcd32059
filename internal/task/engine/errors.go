package engine

import "errors"

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrStale       = errors.New("task dropped: waited too long in queue")
	// ErrPanic wraps a panic recovered from Task.Run.
	ErrPanic = errors.New("task panicked")
)

// NotRun reports whether err means the task was dropped or abandoned by
// the engine before Run finished, as opposed to Run itself failing.
func NotRun(err error) bool {
	return errors.Is(err, ErrDisabled) || errors.Is(err, ErrStopped) || errors.Is(err, ErrStopping) ||
		errors.Is(err, ErrQueueFull) || errors.Is(err, ErrOverlapSkip) || errors.Is(err, ErrStale)
}
