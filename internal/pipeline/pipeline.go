package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	"changeobserver/internal/notifier"
	"changeobserver/internal/storage"
	"changeobserver/internal/task/engine"
	logx "changeobserver/pkg/logx"

	"github.com/google/uuid"
)

// DefaultEligibility is how recently a marker must have changed for its
// subscribers to be notified.
const DefaultEligibility = 24 * time.Hour

type Imagery interface {
	Latest(ctx context.Context, c marker.Coordinate) (marker.ImageReference, error)
	Historical(ctx context.Context, c marker.Coordinate) ([]marker.ImageReference, error)
}

type Detector interface {
	Detect(ctx context.Context, ref marker.ImageReference) ([]string, error)
}

type Dispatcher interface {
	Deliver(ctx context.Context, n notifier.Notification) error
}

type RunLog interface {
	AppendRun(ctx context.Context, r storage.RunRecord) error
}

// Observer receives run and marker outcomes.
type Observer interface {
	MarkerOutcome(pass, outcome string)
	RunFinished(r Result)
}

type Config struct {
	// Eligibility is the notify window; 0 means DefaultEligibility.
	Eligibility time.Duration
	// Channel is the notifier channel used for subscriber messages.
	Channel string
}

// Deps are the collaborators of a run. Executor is optional; without it
// markers are processed sequentially.
type Deps struct {
	Markers    storage.MarkerRepository
	Runs       RunLog
	Imagery    Imagery
	Detector   Detector
	Dispatcher Dispatcher
	Executor   *engine.Service
	Observer   Observer
}

type Pipeline struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	hooks []func(ctx context.Context, r Result)
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithRunHook registers fn to be called after each run with its result.
func WithRunHook(fn func(ctx context.Context, r Result)) Option {
	return func(p *Pipeline) { p.hooks = append(p.hooks, fn) }
}

func New(cfg Config, deps Deps, log logx.Logger, opts ...Option) (*Pipeline, error) {
	if deps.Markers == nil || deps.Imagery == nil || deps.Detector == nil || deps.Dispatcher == nil {
		return nil, fault.Configurationf("pipeline", "markers, imagery, detector and dispatcher are required")
	}
	if cfg.Eligibility <= 0 {
		cfg.Eligibility = DefaultEligibility
	}
	if cfg.Channel == "" {
		cfg.Channel = notifier.ChannelEmail
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pipeline{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "pipeline")), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Run executes one observation cycle. The returned error is non-nil only
// when the run could not start (the marker load failed); per-marker failures
// are reported in the result.
func (p *Pipeline) Run(ctx context.Context, trigger string) (Result, error) {
	start := p.now()
	res := Result{RunID: uuid.NewString(), Trigger: trigger, StartedAt: start.UTC()}
	log := p.log.With(logx.String("run_id", res.RunID), logx.String("trigger", trigger))
	log.Info("run started")

	markers, err := p.deps.Markers.List(ctx)
	if err != nil {
		log.Error("marker load failed; run aborted", logx.Err(err))
		res.Error = err.Error()
		p.finish(ctx, log, &res, start)
		return res, err
	}
	res.Processed = len(markers)
	res.Markers = make([]MarkerResult, len(markers))

	// Pass 1 commits every update before pass 2 reads any marker.
	current := make([]marker.Marker, len(markers))
	p.each(ctx, "update", markers, func(tctx context.Context, i int, m marker.Marker) {
		updated, mr := p.updateOne(tctx, log, m)
		current[i] = updated
		res.Markers[i] = mr
	}, func(i int, m marker.Marker, err error) {
		current[i] = m
		res.Markers[i] = MarkerResult{MarkerID: m.ID, Update: abortOutcome(err), Error: err.Error()}
	})
	for _, mr := range res.Markers {
		p.observe("update", mr.Update)
	}

	p.each(ctx, "notify", current, func(tctx context.Context, i int, m marker.Marker) {
		p.notifyOne(tctx, log, m, &res.Markers[i])
	}, func(i int, m marker.Marker, err error) {
		res.Markers[i].Notify = abortOutcome(err)
		if res.Markers[i].Error == "" {
			res.Markers[i].Error = err.Error()
		}
	})
	for _, mr := range res.Markers {
		if mr.Notify != "" {
			p.observe("notify", mr.Notify)
		}
	}

	p.finish(ctx, log, &res, start)
	return res, nil
}

func (p *Pipeline) finish(ctx context.Context, log logx.Logger, res *Result, start time.Time) {
	res.Took = p.now().Sub(start)
	res.finalize()
	log.Info("run finished",
		logx.String("status", res.Status),
		logx.Int("processed", res.Processed),
		logx.Int("updated", res.Updated),
		logx.Int("no_data", res.NoData),
		logx.Int("failed", res.Failed),
		logx.Int("notified", res.Notified),
		logx.Duration("took", res.Took),
	)

	if p.deps.Runs != nil {
		// the run budget may be spent; the record still gets a short window
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := p.deps.Runs.AppendRun(rctx, storage.RunRecord{
			ID:        res.RunID,
			Trigger:   res.Trigger,
			StartedAt: res.StartedAt,
			TookMS:    res.Took.Milliseconds(),
			Status:    res.Status,
			Processed: res.Processed,
			Updated:   res.Updated,
			NoData:    res.NoData,
			Failed:    res.Failed,
			Notified:  res.Notified,
			Error:     res.Error,
		})
		cancel()
		if err != nil {
			log.Warn("run record not saved", logx.Err(err))
		}
	}
	if p.deps.Observer != nil {
		p.deps.Observer.RunFinished(*res)
	}
	for _, h := range p.hooks {
		h(ctx, *res)
	}
}

func (p *Pipeline) observe(pass, outcome string) {
	if p.deps.Observer != nil {
		p.deps.Observer.MarkerOutcome(pass, outcome)
	}
}

// each runs fn for every marker and returns once all have finished. With
// an executor the markers run concurrently. A marker whose work panicked or
// could not be scheduled is passed to aborted; abortOutcome tells the two
// apart.
func (p *Pipeline) each(ctx context.Context, pass string, markers []marker.Marker, fn func(ctx context.Context, i int, m marker.Marker), aborted func(i int, m marker.Marker, err error)) {
	if p.deps.Executor == nil || !p.deps.Executor.Enabled() {
		for i, m := range markers {
			if err := ctx.Err(); err != nil {
				aborted(i, m, err)
				continue
			}
			if err := p.guard(pass, m, func() { fn(ctx, i, m) }); err != nil {
				aborted(i, m, err)
			}
		}
		return
	}

	var wg sync.WaitGroup
	for i, m := range markers {
		wg.Add(1)
		err := p.deps.Executor.Submit(ctx, engine.Task{
			Name: pass + ":" + m.ID,
			Run: func(tctx context.Context) error {
				// the task honors both the run budget and engine shutdown
				rctx, cancel := context.WithCancel(ctx)
				defer cancel()
				stop := context.AfterFunc(tctx, cancel)
				defer stop()
				fn(rctx, i, m)
				return nil
			},
			Done: func(err error) {
				if err != nil {
					aborted(i, m, err)
				}
				wg.Done()
			},
		})
		if err != nil {
			aborted(i, m, err)
			wg.Done()
		}
	}
	wg.Wait()
}

// guard runs fn and turns a panic into an engine.ErrPanic error, matching
// what the executor reports.
func (p *Pipeline) guard(pass string, m marker.Marker, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", engine.ErrPanic, r)
			p.log.Error("marker task panicked", logx.String("pass", pass), logx.String("marker_id", m.ID), logx.Any("panic", r))
		}
	}()
	fn()
	return nil
}

// abortOutcome is OutcomeFailed for work that ran and panicked, and
// OutcomeDeferred for work the run never got to.
func abortOutcome(err error) string {
	if errors.Is(err, engine.ErrPanic) {
		return OutcomeFailed
	}
	return OutcomeDeferred
}
