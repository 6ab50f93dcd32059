package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"changeobserver/internal/fault"
)

func env(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "observer.yaml", `
storage:
  driver: sqlite
  path: ./data/observer.db
blob:
  bucket: images
notifier:
  enabled: true
  topic_arn: arn:aws:sns:eu-west-1:1:topic
`)
	m := NewManager(p)
	m.SetEnv(env(nil))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Schedule != DefaultSchedule {
		t.Fatalf("schedule=%q", cfg.Scheduler.Schedule)
	}
	if cfg.Notifier.Channel != "email" || cfg.Blob.Driver != "s3" || cfg.Pipeline.Eligibility != "24h" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if got := cfg.Missing(); len(got) != 0 {
		t.Fatalf("missing=%v", got)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "observer.json", `{"storage":{"driver":"file"},"bogus":1}`)
	m := NewManager(p)
	m.SetEnv(env(nil))
	_, err := m.Parse()
	if !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "observer.json", `{"storage":{"driver":"file"}}{}`)
	m := NewManager(p)
	m.SetEnv(env(nil))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "observer.yaml", "storage:\n  driver: redis\n  redis:\n    addr: 127.0.0.1:6379\n    prefix: file-prefix\n")
	m := NewManager(p)
	m.SetEnv(env(map[string]string{
		"TABLE_NAME":           "markers",
		"BUCKET_NAME":          "bucket-1",
		"TOPIC_ARN":            "arn:topic",
		"AWS_REGION":           "us-east-1",
		"TELEGRAM_OPS_CHAT_ID": "-100200",
		"TELEGRAM_TOKEN":       "   ",
	}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.Redis.Prefix != "markers" || cfg.Blob.Bucket != "bucket-1" || cfg.Notifier.TopicARN != "arn:topic" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.AWS.Region != "us-east-1" || cfg.Telegram.OpsChatID != -100200 {
		t.Fatalf("aws/telegram overrides: %+v %+v", cfg.AWS, cfg.Telegram)
	}
	if cfg.Telegram.Token != "" {
		t.Fatalf("blank env value must not override")
	}
}

func TestMissingRequiredSettings(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "nothing configured",
			cfg:  Config{Notifier: NotifierConfig{Channel: "email"}},
			want: []string{"storage.driver", "blob.bucket (BUCKET_NAME)", "notifier.topic_arn (TOPIC_ARN)"},
		},
		{
			name: "redis without table",
			cfg: Config{
				Storage:  StorageConfig{Driver: "redis", Redis: RedisConfig{Addr: "x:1"}},
				Blob:     BlobConfig{Bucket: "b"},
				Notifier: NotifierConfig{Channel: "log"},
			},
			want: []string{"storage.redis.prefix (TABLE_NAME)"},
		},
		{
			name: "log channel needs no topic",
			cfg: Config{
				Storage:  StorageConfig{Driver: "file", Path: "./data/markers"},
				Blob:     BlobConfig{Bucket: "b"},
				Notifier: NotifierConfig{Channel: "log"},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := tc.cfg.Missing()
			if !slices.Equal(got, tc.want) {
				t.Fatalf("Missing()=%v want %v", got, tc.want)
			}
		})
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Storage:   StorageConfig{Driver: "mongo"},
		Scheduler: SchedulerConfig{RunTimeout: "ten minutes"},
		Notifier:  NotifierConfig{Channel: "pigeon"},
	}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	if !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("want configuration error, got %v", err)
	}
	for _, want := range []string{"storage.driver", "scheduler.run_timeout", "notifier.channel"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Scheduler: SchedulerConfig{Schedule: "0 0 * * *"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Scheduler: SchedulerConfig{Schedule: "every:1h"}}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"scheduler", "telegram"}) {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if !RestartRequired(changed) {
		t.Fatalf("telegram change requires restart")
	}
	if RestartRequired([]string{"scheduler", "notifier", "logging"}) {
		t.Fatalf("hot sections must not require restart")
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "observer.yaml", "scheduler:\n  schedule: \"0 0 * * *\"\n")
	m := NewManager(p)
	m.SetEnv(env(nil))
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// let the watcher register before writing
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte("scheduler:\n  schedule: \"every:1h\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Scheduler.Schedule != "every:1h" {
			t.Fatalf("schedule=%q", cfg.Scheduler.Schedule)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload published")
	}
	cancel()
	<-done
}

func TestReloadKeepsCurrentOnInvalidFile(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "observer.json", `{"scheduler":{"schedule":"0 0 * * *"}}`)
	m := NewManager(p)
	m.SetEnv(env(nil))
	cur, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := os.WriteFile(p, []byte(`{"scheduler":`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.reload(context.Background()) {
		t.Fatalf("invalid file must not publish")
	}
	if m.Get() != cur {
		t.Fatalf("current config replaced")
	}
}
