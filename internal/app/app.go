// Package app wires the observer's components and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"changeobserver/internal/blob"
	"changeobserver/internal/cloud"
	"changeobserver/internal/config"
	"changeobserver/internal/detect"
	"changeobserver/internal/fault"
	"changeobserver/internal/httpapi"
	"changeobserver/internal/imagery"
	"changeobserver/internal/metrics"
	"changeobserver/internal/notifier"
	"changeobserver/internal/pipeline"
	"changeobserver/internal/runtime/supervisor"
	"changeobserver/internal/storage"
	"changeobserver/internal/task/engine"
	"changeobserver/internal/task/scheduler"
	logx "changeobserver/pkg/logx"
)

// RunName is the schedule and task name of the observation run.
const RunName = "observe"

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	// missing lists absent required settings; unavailable is the first
	// error that keeps runs from starting. Either puts the app in degraded
	// mode: the API stays up and answers with configuration errors.
	missing     []string
	unavailable error

	sess    *cloud.Session
	store   storage.Store
	blob    blob.Store
	metrics *metrics.Metrics
	notif   *notifier.Service
	runs    *engine.Service
	markers *engine.Service
	sched   *scheduler.Service
	pipe    *pipeline.Pipeline
	http    *httpapi.Server

	mu         sync.Mutex
	runTimeout time.Duration
	schedule   string
	opsChatID  atomic.Int64
}

type Option func(*options)

type options struct {
	lookup func(string) (string, bool)
	log    *logx.Logger
}

// WithEnv replaces the environment lookup used for config overrides.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = lookup }
}

// WithLogger replaces the configured logging service.
func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = &log }
}

// New loads the configuration and builds every component. Only an
// unreadable or invalid config file is fatal; missing settings and
// unavailable backends leave the app running degraded.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{lookup: os.LookupEnv}
	for _, fn := range opts {
		fn(&o)
	}
	cfgm := config.NewManager(cfgPath)
	cfgm.SetEnv(o.lookup)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, metrics: metrics.New()}
	if o.log != nil {
		a.log = *o.log
	} else {
		a.logs, a.log = logx.New(mapLogging(cfg))
	}
	log := a.log.With(logx.String("comp", "app"))
	a.log = log

	a.missing = cfg.Missing()
	if len(a.missing) > 0 {
		a.degrade(fault.Configurationf("app", "missing configuration: %s", strings.Join(a.missing, ", ")))
	}

	a.sess = cloud.NewSession(mapCloud(cfg))
	a.openStorage(cfg)
	a.openBlob(cfg)
	a.buildNotifier(cfg)

	a.markers = engine.New(mapMarkerEngine(cfg), log.With(logx.String("comp", "engine.markers")))
	a.runs = engine.New(mapRunEngine(), log.With(logx.String("comp", "engine.runs")))
	a.opsChatID.Store(cfg.Telegram.OpsChatID)
	a.buildPipeline(cfg)

	a.sched = scheduler.New(mapScheduler(cfg), a.runs, log.With(logx.String("comp", "scheduler")))
	if err := a.register(cfg); err != nil {
		a.closeResources()
		return nil, fault.Configuration("scheduler.schedule", err)
	}

	deps := httpapi.Deps{
		Trigger:  a,
		RunName:  RunName,
		Missing:  a.missing,
		Metrics:  a.metrics,
		MetricsH: a.metrics.Handler(),
		Health:   a.health,
	}
	if a.store != nil {
		deps.Markers = a.store
		deps.Runs = a.store
	}
	if a.blob != nil {
		if dir, ok := blob.Root(a.blob); ok {
			deps.ImagesDir = dir
		}
	}
	a.http = httpapi.New(mapHTTP(cfg), deps, log)

	if a.unavailable != nil {
		log.Error("running degraded; runs will fail until configuration is fixed", logx.Err(a.unavailable))
	}
	return a, nil
}

func (a *App) degrade(err error) {
	if a.unavailable == nil {
		a.unavailable = err
	}
}

func (a *App) openStorage(cfg *config.Config) {
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		return
	}
	st, err := storage.Open(mapStorageConfig(cfg), a.log)
	if err != nil {
		a.log.Error("storage unavailable", logx.String("driver", cfg.Storage.Driver), logx.Err(err))
		a.degrade(err)
		return
	}
	a.store = st
	a.log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
}

func (a *App) openBlob(cfg *config.Config) {
	if strings.TrimSpace(cfg.Blob.Bucket) == "" {
		return
	}
	b, err := blob.Open(mapBlob(cfg), a.sess, a.log)
	if err != nil {
		a.log.Error("blob store unavailable", logx.Err(err))
		a.degrade(err)
		return
	}
	a.blob = b
}

func (a *App) buildNotifier(cfg *config.Config) {
	senders := []notifier.Sender{notifier.NewLogSender(a.log.With(logx.String("comp", "notifier.log")))}
	if arn := strings.TrimSpace(cfg.Notifier.TopicARN); arn != "" {
		s, err := notifier.NewSNSSender(arn, a.sess)
		if err != nil {
			a.degrade(err)
		} else {
			senders = append(senders, s)
		}
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		s, err := notifier.NewTelegramSender(notifier.TelegramConfig{Token: cfg.Telegram.Token, API: cfg.Telegram.APIURL})
		if err != nil {
			a.log.Warn("telegram sender disabled", logx.Err(err))
		} else {
			senders = append(senders, s)
		}
	}
	opts := []notifier.Option{notifier.WithObserver(a.metrics)}
	if a.store != nil && cfg.Notifier.PersistDedup {
		opts = append(opts, notifier.WithDedupStore(a.store))
	}
	a.notif = notifier.New(mapNotifier(cfg), a.log.With(logx.String("comp", "notifier")), senders, opts...)
}

func (a *App) buildPipeline(cfg *config.Config) {
	if a.store == nil || a.blob == nil {
		a.degrade(fault.Configurationf("app", "marker store and blob store are required"))
		return
	}
	prov, err := imagery.New(mapImagery(cfg), a.blob, a.log)
	if err != nil {
		a.log.Error("imagery provider unavailable", logx.Err(err))
		a.degrade(err)
		return
	}
	det := detect.New(mapDetect(cfg), a.sess, a.blob, a.log)
	a.pipe, err = pipeline.New(mapPipeline(cfg), pipeline.Deps{
		Markers:    a.store,
		Runs:       a.store,
		Imagery:    prov,
		Detector:   det,
		Dispatcher: a.notif,
		Executor:   a.markers,
		Observer:   a.metrics,
	}, a.log, pipeline.WithRunHook(a.reportRun))
	if err != nil {
		a.degrade(err)
	}
}

// register (re)adds the run schedule from cfg.
func (a *App) register(cfg *config.Config) error {
	timeout := config.Duration(cfg.Scheduler.RunTimeout, 10*time.Minute)
	a.mu.Lock()
	a.runTimeout = timeout
	a.schedule = cfg.Scheduler.Schedule
	a.mu.Unlock()
	return a.sched.AddSchedule(RunName, cfg.Scheduler.Schedule, timeout, func(ctx context.Context) error {
		_, err := a.Run(ctx, "schedule")
		return err
	})
}

func (a *App) timeout() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runTimeout
}

// Run executes one observation run now, in the caller's goroutine.
func (a *App) Run(ctx context.Context, trigger string) (pipeline.Result, error) {
	if a.unavailable != nil || a.pipe == nil {
		err := a.unavailable
		if err == nil {
			err = fault.Configurationf("app", "pipeline unavailable")
		}
		res := pipeline.Result{Trigger: trigger, Status: pipeline.StatusFailed, StartedAt: time.Now().UTC(), Error: err.Error()}
		a.metrics.RunFinished(res)
		a.log.Error("run refused", logx.String("trigger", trigger), logx.Err(err))
		return res, err
	}
	return a.pipe.Run(ctx, trigger)
}

// Trigger queues a manual run on the run engine. A run already queued or
// in progress makes it fail with engine.ErrOverlapSkip.
func (a *App) Trigger(name string) error {
	if name != RunName {
		return fmt.Errorf("unknown run %q", name)
	}
	return a.runs.Enqueue(engine.Task{
		Name:    RunName,
		Timeout: a.timeout(),
		Run: func(ctx context.Context) error {
			_, err := a.Run(ctx, "manual")
			return err
		},
		Opt: engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
	})
}

// RunOnce performs a single run with the marker pool and notifier started
// and stops both afterwards, draining queued notifications. The scheduler
// and HTTP API are not started.
func (a *App) RunOnce(ctx context.Context) (pipeline.Result, error) {
	a.notif.Start(ctx)
	a.markers.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.markers.Stop(stopCtx)
		a.notif.Stop(stopCtx)
	}()
	if d := a.timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return a.Run(ctx, "once")
}

// Handler exposes the HTTP API (tests).
func (a *App) Handler() http.Handler { return a.http.Handler() }

func (a *App) health() map[string]any {
	out := map[string]any{
		"scheduler": a.sched.Snapshot(),
		"runs":      a.runs.Snapshot(),
	}
	if a.unavailable != nil {
		out["status"] = "degraded"
		out["error"] = a.unavailable.Error()
	}
	if a.sup != nil {
		out["tasks"] = a.sup.Snapshot()
	}
	return out
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}
