package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "changeobserver/internal/runtime/supervisor"
	logx "changeobserver/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool with per-task timeout, panic recovery
// and overlap gating. It is safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	enqWG    sync.WaitGroup

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	inFlight int32
	idSeq    uint64
	dropped  uint64

	lastDropWarnAt int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState
}

// finish releases overlap gating and reports the final result.
func (qt queuedTask) finish(err error) {
	if qt.state != nil {
		qt.state.release()
	}
	if qt.task.Done != nil {
		qt.task.Done(err)
	}
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, states: map[string]*RunState{}}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		rtsup.WithCancelOnError(false),
	)
	stopCh, queue, sup, workers := s.stopCh, s.q, s.sup, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

// Stop halts intake, cancels running tasks and reports ErrStopped to every
// task still queued.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, q := s.sup, s.q
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		s.enqWG.Wait()
		_ = sup.Wait(context.Background())
		for {
			select {
			case qt := <-q:
				qt.finish(ErrStopped)
				continue
			default:
			}
			break
		}
		s.mu.Lock()
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds t without blocking and fails with ErrQueueFull when full.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is accepted, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), atomic.AddUint64(&s.idSeq, 1))
	}

	s.mu.Lock()
	cfg, q, stopCh := s.cfg, s.q, s.stopCh
	stopping := s.stopDone != nil
	if !cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if q == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if stopping {
		s.mu.Unlock()
		return ErrStopping
	}
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt}

	if qt.opt.Overlap == OverlapSkipIfRunning {
		st := s.stateFor(t.Key, t.Name)
		if !st.tryAcquire() {
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
		qt.state = st
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			if qt.state != nil {
				qt.state.release()
			}
			s.onDropped(now, t, "queue full")
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		if qt.state != nil {
			qt.state.release()
		}
		return ctx.Err()
	case <-stopCh:
		if qt.state != nil {
			qt.state.release()
		}
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:  cfg.Enabled,
		Workers:  cfg.Workers,
		InFlight: int(atomic.LoadInt32(&s.inFlight)),
		Dropped:  atomic.LoadUint64(&s.dropped),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(key, name string) *RunState {
	key = strings.TrimSpace(key)
	if key == "" {
		key = name
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) onDropped(now time.Time, t Task, reason string) {
	atomic.AddUint64(&s.dropped, 1)
	prev := atomic.LoadInt64(&s.lastDropWarnAt)
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if atomic.CompareAndSwapInt64(&s.lastDropWarnAt, prev, now.UnixNano()) {
		s.log.Warn("task dropped", logx.String("task", t.Name), logx.String("id", t.ID), logx.String("reason", reason), logx.Int64("dropped", int64(atomic.LoadUint64(&s.dropped))))
	}
}
