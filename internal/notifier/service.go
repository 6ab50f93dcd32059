package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"changeobserver/internal/fault"
	rtsup "changeobserver/internal/runtime/supervisor"
	logx "changeobserver/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	n   Notification
	key string
}

// Service is the delivery pipeline. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	senders map[string]Sender
	store   DedupStore
	obs     Observer

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

// WithDedupStore enables cross-restart dedup when Config.PersistDedup is set.
func WithDedupStore(st DedupStore) Option { return func(s *Service) { s.store = st } }

func WithObserver(o Observer) Option { return func(s *Service) { s.obs = o } }

func New(cfg Config, log logx.Logger, senders []Sender, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, senders: map[string]Sender{}, dedup: map[string]time.Time{}}
	for _, snd := range senders {
		if snd != nil {
			s.senders[snd.Channel()] = snd
		}
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// HasChannel reports whether a sender is registered for channel.
func (s *Service) HasChannel(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.senders[channel]
	return ok
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the async workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			return nil
		})
	}
}

// Stop blocks new jobs and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
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
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues n for async delivery.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- job{n: n, key: dedupKey(n)}:
		return nil
	default:
		s.log.Warn("notification dropped", logx.String("channel", n.Channel), logx.String("recipient", n.Recipient))
		return ErrQueueFull
	}
}

// Deliver sends n synchronously through the limiter and retry policy and
// returns the last error. A deduplicated message returns nil.
func (s *Service) Deliver(ctx context.Context, n Notification) error {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	s.mu.Unlock()
	if !enabled {
		return ErrDisabled
	}
	return s.deliver(ctx, job{n: n, key: dedupKey(n)})
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(n Notification, err error) {
	it := HistoryItem{At: time.Now().UTC(), Channel: n.Channel, MarkerID: n.MarkerID, Recipient: n.Recipient}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			if err := s.deliver(ctx, j); err != nil {
				s.log.Warn("async notification failed", logx.String("channel", j.n.Channel), logx.String("recipient", j.n.Recipient), logx.Err(err))
			}
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) error {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	snd := s.senders[j.n.Channel]
	s.mu.Unlock()

	if snd == nil {
		return fault.Configurationf("notifier", "no sender for channel %q", j.n.Channel)
	}
	if strings.TrimSpace(j.n.Text) == "" {
		return fault.Validationf("notifier", "empty notification text")
	}
	if j.n.Subject == "" {
		j.n.Subject = Subject
	}

	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, j.key, cfg) {
		s.log.Debug("notification deduplicated", logx.String("channel", j.n.Channel), logx.String("recipient", j.n.Recipient))
		if s.obs != nil {
			s.obs.Deduped(j.n.Channel)
		}
		return nil
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := snd.Send(callCtx, j.n)
		cancel()
		if err == nil {
			s.persist(ctx, j.key, cfg)
			s.appendHistory(j.n, nil)
			if s.obs != nil {
				s.obs.Delivered(j.n.Channel)
			}
			return nil
		}
		lastErr = err
		s.log.Debug("notification send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt >= attempts || !fault.Retryable(err) {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			attempt = attempts
		}
	}

	s.forget(j.key)
	s.appendHistory(j.n, lastErr)
	if s.obs != nil {
		s.obs.Failed(j.n.Channel)
	}
	return lastErr
}

func dedupKey(n Notification) string {
	h := fnv.New64a()
	for _, part := range []string{n.Channel, n.Recipient, n.MarkerID, n.Text} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var oldest string
		var oldestAt time.Time
		for k, u := range s.dedup {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()
	return true
}

// persist records a delivered key so a restarted process keeps suppressing it.
func (s *Service) persist(ctx context.Context, key string, cfg Config) {
	if cfg.DedupWindow <= 0 || !cfg.PersistDedup || s.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := s.store.PutDedup(cctx, key, time.Now().Add(cfg.DedupWindow)); err != nil {
		s.log.Debug("dedup persist failed", logx.Err(err))
	}
}

// forget drops a dedup entry so a failed message can be retried later.
func (s *Service) forget(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
