package app

import (
	"strings"
	"time"

	"changeobserver/internal/blob"
	"changeobserver/internal/cloud"
	"changeobserver/internal/config"
	"changeobserver/internal/detect"
	"changeobserver/internal/httpapi"
	"changeobserver/internal/imagery"
	"changeobserver/internal/notifier"
	"changeobserver/internal/pipeline"
	"changeobserver/internal/storage"
	"changeobserver/internal/task/engine"
	"changeobserver/internal/task/scheduler"
	"changeobserver/pkg/httpx"
	logx "changeobserver/pkg/logx"
)

// The map* helpers turn the file config into component configs. Durations
// were checked by config.Validate, so parse failures fall back to defaults.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	switch driver {
	case "sqlite", "sqlite3":
		out.BusyTimeout = config.Duration(sc.BusyTimeout, time.Second)
	case "redis":
		out.Redis = storage.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		}
	}
	return out
}

func mapCloud(cfg *config.Config) cloud.Config {
	return cloud.Config{
		Region:          cfg.AWS.Region,
		Endpoint:        cfg.AWS.Endpoint,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
	}
}

func mapBlob(cfg *config.Config) blob.Config {
	return blob.Config{
		Driver:    cfg.Blob.Driver,
		Bucket:    cfg.Blob.Bucket,
		Dir:       cfg.Blob.Dir,
		BaseURL:   cfg.Blob.BaseURL,
		PublicURL: cfg.Blob.PublicURL,
	}
}

func mapImagery(cfg *config.Config) imagery.Config {
	ic := cfg.Imagery
	return imagery.Config{
		ClientID:          ic.ClientID,
		ClientSecret:      ic.ClientSecret,
		TokenURL:          ic.TokenURL,
		ProcessURL:        ic.ProcessURL,
		Collection:        ic.Collection,
		Buffer:            ic.Buffer,
		Resolution:        ic.Resolution,
		Timeout:           config.Duration(ic.Timeout, 60*time.Second),
		RequestsPerSecond: ic.RatePerSec,
		Retry:             httpx.Policy{Attempts: ic.RetryMax + 1, Jitter: 0.2},
	}
}

func mapDetect(cfg *config.Config) detect.Config {
	return detect.Config{MinConfidence: cfg.Detection.MinConfidence, MaxLabels: cfg.Detection.MaxLabels}
}

func mapNotifier(cfg *config.Config) notifier.Config {
	nc := cfg.Notifier
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       config.Duration(nc.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   config.Duration(nc.RetryMaxDelay, 10*time.Second),
		SendTimeout:     15 * time.Second,
		DedupWindow:     config.Duration(nc.DedupWindow, 0),
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	return out
}

// mapMarkerEngine sizes the pool that runs per-marker work within a run.
func mapMarkerEngine(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	return engine.Config{
		Enabled:       true,
		Workers:       te.Workers,
		QueueSize:     te.QueueSize,
		MaxQueueDelay: config.Duration(te.MaxQueueDelay, 0),
		HistorySize:   te.HistorySize,
	}
}

// mapRunEngine is the single-slot queue scheduled and manual runs go through.
func mapRunEngine() engine.Config {
	return engine.Config{Enabled: true, Workers: 1, QueueSize: 4, HistorySize: 50}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapPipeline(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Eligibility: config.Duration(cfg.Pipeline.Eligibility, pipeline.DefaultEligibility),
		Channel:     cfg.Notifier.Channel,
	}
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	hc := cfg.HTTP
	return httpapi.Config{
		Enabled:      hc.Enabled,
		Addr:         hc.Addr,
		ReadTimeout:  config.Duration(hc.ReadTimeout, 15*time.Second),
		WriteTimeout: config.Duration(hc.WriteTimeout, 30*time.Second),
		IdleTimeout:  60 * time.Second,
		RatePerSec:   hc.RatePerSec,
		Burst:        hc.Burst,
	}
}
