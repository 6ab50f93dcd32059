package config

import (
	"reflect"
	"sort"
	"strings"

	logx "changeobserver/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log attributes describing the new values. Secrets are reported
// only as set or unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.redis.prefix", newCfg.Storage.Redis.Prefix),
		)
	}
	if !reflect.DeepEqual(oldCfg.Blob, newCfg.Blob) {
		changed = append(changed, "blob")
		attrs = append(attrs, logx.String("blob.driver", newCfg.Blob.Driver), logx.String("blob.bucket", newCfg.Blob.Bucket))
	}
	if !reflect.DeepEqual(oldCfg.AWS, newCfg.AWS) {
		changed = append(changed, "aws")
		attrs = append(attrs,
			logx.String("aws.region", newCfg.AWS.Region),
			logx.Bool("aws.static_credentials", newCfg.AWS.AccessKeyID != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Imagery, newCfg.Imagery) {
		changed = append(changed, "imagery")
		attrs = append(attrs,
			logx.Bool("imagery.client_set", newCfg.Imagery.ClientID != ""),
			logx.Float64("imagery.buffer", newCfg.Imagery.Buffer),
		)
	}
	if !reflect.DeepEqual(oldCfg.Detection, newCfg.Detection) {
		changed = append(changed, "detection")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.String("notifier.channel", newCfg.Notifier.Channel),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Int64("telegram.ops_chat_id", newCfg.Telegram.OpsChatID),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", newCfg.Scheduler.Schedule),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		attrs = append(attrs, logx.Int("task_engine.workers", newCfg.TaskEngine.Workers))
	}
	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		attrs = append(attrs, logx.String("pipeline.eligibility", newCfg.Pipeline.Eligibility))
	}
	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether any changed section can only take
// effect after a restart.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "http", "storage", "blob", "aws", "imagery", "detection", "telegram", "task_engine":
			return true
		}
	}
	return false
}
