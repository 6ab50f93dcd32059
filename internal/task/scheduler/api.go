package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"changeobserver/internal/task/engine"
	logx "changeobserver/pkg/logx"

	"github.com/robfig/cron/v3"
)

// AddSchedule parses schedule and registers the job. Scheduled jobs skip a
// trigger while a previous run is still queued or running.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	p, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	expr := p.Cron
	if p.Kind == KindInterval {
		expr = "@every " + p.Every.String()
	}
	return s.add(name, expr, timeout, engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}, job)
}

// AddDaily registers job at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) error {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(atHHMM), "%d:%d", &h, &m); err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("invalid time %q, expected HH:MM", atHHMM)
	}
	return s.AddSchedule(name, fmt.Sprintf("cron:%d %d * * *", m, h), timeout, job)
}

func (s *Service) add(name, expr string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("schedule %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// upsert by name
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, schedule: expr, timeout: timeout, job: job, opt: opt})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("schedule", expr), logx.String("next", s.previewLocked(expr, 3)))
	return nil
}

// Remove unregisters a schedule by name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// Trigger enqueues a registered job now, outside its schedule. The overlap
// policy still applies, so a trigger during a run returns ErrOverlapSkip.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("schedule %q not registered", name)
	}
	return s.enqueue(*def)
}

func (s *Service) enqueue(d scheduleDef) error {
	if s.engine == nil {
		return engine.ErrDisabled
	}
	return s.engine.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
	})
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	eid, err := s.c.AddJob(d.schedule, cron.FuncJob(func() {
		s.reportEnqueueError(def.name, s.enqueue(def))
	}))
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// previewLocked lists the next n trigger times for log output.
func (s *Service) previewLocked(expr string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
