package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"changeobserver/internal/fault"
	"changeobserver/internal/pipeline"
	"changeobserver/internal/task/engine"
	logx "changeobserver/pkg/logx"
)

func noEnv(string) (string, bool) { return "", false }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "observer.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func localConfig(t *testing.T) string {
	dir := t.TempDir()
	return writeConfig(t, fmt.Sprintf(`
storage:
  driver: file
  path: %s
blob:
  driver: local
  bucket: images
  dir: %s
imagery:
  client_id: id
  client_secret: secret
notifier:
  enabled: true
  channel: log
scheduler:
  enabled: false
  schedule: "0 0 * * *"
`, filepath.Join(dir, "markers"), filepath.Join(dir, "blobs")))
}

func newTestApp(t *testing.T, cfgPath string) *App {
	t.Helper()
	a, err := New(cfgPath, WithEnv(noEnv), WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func TestRunOnceWithEmptyStore(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, localConfig(t))
	defer func() { _ = a.Stop(context.Background(), StopOnce) }()

	res, err := a.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != pipeline.StatusOK || res.Processed != 0 || res.Trigger != "once" {
		t.Fatalf("result=%+v", res)
	}
	runs, err := a.store.ListRuns(context.Background(), 10)
	if err != nil || len(runs) != 1 || runs[0].ID != res.RunID {
		t.Fatalf("runs=%+v err=%v", runs, err)
	}
}

func TestDegradedWhenRequiredSettingsMissing(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, writeConfig(t, "scheduler:\n  enabled: false\n"))
	defer func() { _ = a.Stop(context.Background(), StopOnce) }()

	if len(a.missing) == 0 {
		t.Fatalf("expected missing settings")
	}
	res, err := a.RunOnce(context.Background())
	if !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("want configuration error, got %v", err)
	}
	if res.Status != pipeline.StatusFailed {
		t.Fatalf("status=%s", res.Status)
	}

	req := httptest.NewRequest(http.MethodPost, "/markers", strings.NewReader(`{"name":"x","longitude":1,"latitude":1}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "Server configuration error.") {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestInvalidConfigIsFatal(t *testing.T) {
	t.Parallel()
	_, err := New(writeConfig(t, "scheduler:\n  schedule: \"not a schedule\"\n"), WithEnv(noEnv), WithLogger(logx.Nop()))
	if !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestManualTriggerRecordsRun(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, localConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx, StopSignal)
	}()

	if err := a.Trigger(RunName); err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
		t.Fatalf("trigger: %v", err)
	}
	if err := a.Trigger("other"); err == nil {
		t.Fatalf("unknown run name accepted")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		runs, err := a.store.ListRuns(context.Background(), 1)
		if err != nil {
			t.Fatalf("list runs: %v", err)
		}
		if len(runs) == 1 {
			if runs[0].Trigger != "manual" {
				t.Fatalf("trigger=%q", runs[0].Trigger)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("manual run not recorded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	got := summarize(pipeline.Result{RunID: "r1", Trigger: "schedule", Processed: 3, Updated: 2, Failed: 1, Took: 1500 * time.Millisecond, Error: ""})
	want := "run r1 (schedule)\nprocessed 3, updated 2, no data 0, failed 1, notified 0\ntook 1.5s"
	if got != want {
		t.Fatalf("summarize:\n%s\nwant:\n%s", got, want)
	}
}
