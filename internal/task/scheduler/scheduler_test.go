package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"changeobserver/internal/task/engine"
	logx "changeobserver/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		kind    Kind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "0 0 * * *", kind: KindCron, cron: "0 0 * * *"},
		{in: "@daily", kind: KindCron, cron: "@daily"},
		{in: "cron:0 0 * * *", kind: KindCron, cron: "0 0 * * *"},
		{in: "6h", kind: KindInterval, every: 6 * time.Hour},
		{in: "02:30", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:90m", kind: KindInterval, every: 90 * time.Minute},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "tomorrow", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseSchedule(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseSchedule(%q): expected error, got %+v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Cron != tc.cron || got.Every != tc.every {
			t.Fatalf("ParseSchedule(%q)=%+v", tc.in, got)
		}
	}
}

func newScheduler(t *testing.T) (*Service, *engine.Service) {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop())
	eng.Start(context.Background())
	s := New(Config{Enabled: true}, eng, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s, eng
}

func TestTriggerRunsJobOnEngine(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(t)
	ran := make(chan struct{}, 1)
	if err := s.AddSchedule("observe", "0 0 * * *", time.Minute, func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.Trigger("observe"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run")
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() || snap.Timezone != "UTC" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if !snap.Schedules[0].Next.Equal(snap.Schedules[0].Next.Truncate(24 * time.Hour)) {
		t.Fatalf("daily run not at midnight UTC: %v", snap.Schedules[0].Next)
	}
}

func TestTriggerSkipsOverlap(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(t)
	started := make(chan struct{})
	release := make(chan struct{})
	_ = s.AddSchedule("observe", "@daily", time.Minute, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	if err := s.Trigger("observe"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	<-started
	if err := s.Trigger("observe"); !errors.Is(err, engine.ErrOverlapSkip) {
		t.Fatalf("err=%v", err)
	}
	close(release)
}

func TestAddScheduleValidates(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.AddSchedule("x", "61 * * * *", 0, job); err == nil {
		t.Fatalf("expected invalid cron error")
	}
	if err := s.AddSchedule("", "@daily", 0, job); err == nil {
		t.Fatalf("expected name error")
	}
	if err := s.AddDaily("x", "25:00", 0, job); err == nil {
		t.Fatalf("expected invalid HH:MM error")
	}
	if err := s.Trigger("missing"); err == nil {
		t.Fatalf("expected unknown schedule error")
	}
	if err := s.AddDaily("x", "00:00", 0, job); err != nil || !s.Remove("x") {
		t.Fatalf("AddDaily/Remove err=%v", err)
	}
}
