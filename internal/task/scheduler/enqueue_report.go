package scheduler

import (
	"errors"
	"time"

	"changeobserver/internal/task/engine"
	logx "changeobserver/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// an overlapping trigger is normal when a run outlasts its interval
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Info("schedule trigger skipped: previous run still active", logx.String("schedule", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
