package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"changeobserver/internal/fault"
	"changeobserver/internal/notifier"
)

const (
	DefaultSchedule   = "0 0 * * *"
	DefaultRunTimeout = "10m"
)

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "s3"
	}
	if c.Notifier.Channel == "" {
		c.Notifier.Channel = notifier.ChannelEmail
	}
	if c.Scheduler.Schedule == "" {
		c.Scheduler.Schedule = DefaultSchedule
	}
	if c.Scheduler.RunTimeout == "" {
		c.Scheduler.RunTimeout = DefaultRunTimeout
	}
	if c.Pipeline.Eligibility == "" {
		c.Pipeline.Eligibility = "24h"
	}
}

// envOverrides maps environment variables to config fields.
var envOverrides = map[string]func(c *Config, v string){
	"TABLE_NAME":             func(c *Config, v string) { c.Storage.Redis.Prefix = v },
	"STORAGE_DRIVER":         func(c *Config, v string) { c.Storage.Driver = v },
	"STORAGE_PATH":           func(c *Config, v string) { c.Storage.Path = v },
	"REDIS_ADDR":             func(c *Config, v string) { c.Storage.Redis.Addr = v },
	"REDIS_PASSWORD":         func(c *Config, v string) { c.Storage.Redis.Password = v },
	"BUCKET_NAME":            func(c *Config, v string) { c.Blob.Bucket = v },
	"AWS_REGION":             func(c *Config, v string) { c.AWS.Region = v },
	"AWS_ENDPOINT_URL":       func(c *Config, v string) { c.AWS.Endpoint = v },
	"TOPIC_ARN":              func(c *Config, v string) { c.Notifier.TopicARN = v },
	"SENTINEL_CLIENT_ID":     func(c *Config, v string) { c.Imagery.ClientID = v },
	"SENTINEL_CLIENT_SECRET": func(c *Config, v string) { c.Imagery.ClientSecret = v },
	"TELEGRAM_TOKEN":         func(c *Config, v string) { c.Telegram.Token = v },
	"TELEGRAM_OPS_CHAT_ID": func(c *Config, v string) {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			c.Telegram.OpsChatID = id
		}
	},
}

// ApplyEnv overrides fields from non-empty environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for key, set := range envOverrides {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			set(c, strings.TrimSpace(v))
		}
	}
}

// Validate rejects malformed values. It does not require the deployment
// settings that Missing reports.
func (c *Config) Validate() error {
	var errs []error
	durations := map[string]string{
		"http.read_timeout":           c.HTTP.ReadTimeout,
		"http.write_timeout":          c.HTTP.WriteTimeout,
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"imagery.timeout":             c.Imagery.Timeout,
		"notifier.retry_base":         c.Notifier.RetryBase,
		"notifier.retry_max_delay":    c.Notifier.RetryMaxDelay,
		"notifier.dedup_window":       c.Notifier.DedupWindow,
		"scheduler.run_timeout":       c.Scheduler.RunTimeout,
		"task_engine.max_queue_delay": c.TaskEngine.MaxQueueDelay,
		"pipeline.eligibility":        c.Pipeline.Eligibility,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "", "file", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch strings.ToLower(c.Blob.Driver) {
	case "", "s3", "local":
	default:
		errs = append(errs, fmt.Errorf("blob.driver: unknown driver %q", c.Blob.Driver))
	}
	switch c.Notifier.Channel {
	case notifier.ChannelEmail, notifier.ChannelLog:
	default:
		errs = append(errs, fmt.Errorf("notifier.channel: unknown channel %q", c.Notifier.Channel))
	}
	if c.Imagery.Buffer < 0 {
		errs = append(errs, fmt.Errorf("imagery.buffer must be > 0"))
	}
	if c.Detection.MinConfidence < 0 || c.Detection.MinConfidence > 100 {
		errs = append(errs, fmt.Errorf("detection.min_confidence must be within [0, 100]"))
	}
	if len(errs) > 0 {
		return fault.Configuration("config", errors.Join(errs...))
	}
	return nil
}

// Missing lists the deployment settings the observer cannot work without:
// the marker store, the image bucket and the notification channel.
func (c *Config) Missing() []string {
	var out []string
	switch strings.ToLower(c.Storage.Driver) {
	case "":
		out = append(out, "storage.driver")
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			out = append(out, "storage.path")
		}
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			out = append(out, "storage.redis.addr")
		}
		if strings.TrimSpace(c.Storage.Redis.Prefix) == "" {
			out = append(out, "storage.redis.prefix (TABLE_NAME)")
		}
	}
	if strings.TrimSpace(c.Blob.Bucket) == "" {
		out = append(out, "blob.bucket (BUCKET_NAME)")
	}
	if c.Notifier.Channel == notifier.ChannelEmail && strings.TrimSpace(c.Notifier.TopicARN) == "" {
		out = append(out, "notifier.topic_arn (TOPIC_ARN)")
	}
	return out
}
