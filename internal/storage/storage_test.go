package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	logx "changeobserver/pkg/logx"
)

type openFn func(t *testing.T) Store

func drivers() map[string]openFn {
	return map[string]openFn{
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "observer.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "observer.sqlite")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addr: mr.Addr(), Prefix: "test"}}, logx.Nop())
			if err != nil {
				t.Fatalf("open redis: %v", err)
			}
			return st
		},
	}
}

func newMarker(t *testing.T, name string) marker.Marker {
	t.Helper()
	m, err := marker.New(name, marker.Coordinate{Longitude: 10.5, Latitude: -20.25})
	if err != nil {
		t.Fatalf("marker.New: %v", err)
	}
	return m
}

func TestMarkerCRUD(t *testing.T) {
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			id, err := st.Add(ctx, newMarker(t, "dam"))
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			if id == "" {
				t.Fatalf("expected generated id")
			}

			m, err := st.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if m.ID != id || m.Name != "dam" || m.Coordinate.Latitude != -20.25 {
				t.Fatalf("unexpected marker: %+v", m)
			}

			m.Record(marker.Observation{Timestamp: time.Now().UTC(), Labels: []string{"water"}})
			m.Touch(time.Now())
			if err := st.Update(ctx, m); err != nil {
				t.Fatalf("Update: %v", err)
			}

			all, err := st.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(all) != 1 || all[0].Status != marker.FirstObservationStatus || len(all[0].DetectedObjects) != 1 {
				t.Fatalf("unexpected list: %+v", all)
			}

			if err := st.Delete(ctx, id); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := st.Delete(ctx, id); err != nil {
				t.Fatalf("second Delete should be a no-op: %v", err)
			}
			if _, err := st.Get(ctx, id); !errors.Is(err, fault.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if err := st.Update(ctx, m); !errors.Is(err, fault.ErrNotFound) {
				t.Fatalf("update of deleted marker should be not found, got %v", err)
			}
		})
	}
}

func TestUpdateRacingDeleteDoesNotResurrect(t *testing.T) {
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			for i := 0; i < 25; i++ {
				id, err := st.Add(ctx, newMarker(t, "racer"))
				if err != nil {
					t.Fatalf("Add: %v", err)
				}
				m, err := st.Get(ctx, id)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				m.Touch(time.Now())

				var wg sync.WaitGroup
				var updErr, delErr error
				wg.Add(2)
				go func() { defer wg.Done(); updErr = st.Update(ctx, m) }()
				go func() { defer wg.Done(); delErr = st.Delete(ctx, id) }()
				wg.Wait()

				if delErr != nil {
					t.Fatalf("Delete: %v", delErr)
				}
				if updErr != nil && !errors.Is(updErr, fault.ErrNotFound) {
					t.Fatalf("Update: %v", updErr)
				}
				if _, err := st.Get(ctx, id); !errors.Is(err, fault.ErrNotFound) {
					t.Fatalf("iteration %d: deleted marker came back (update err %v, get err %v)", i, updErr, err)
				}
			}
		})
	}
}

func TestAddRejectsClientID(t *testing.T) {
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()

			m := newMarker(t, "x")
			m.ID = "client-chosen"
			if _, err := st.Add(context.Background(), m); !errors.Is(err, fault.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestIDsAreUnique(t *testing.T) {
	st := drivers()["sqlite"](t)
	defer st.Close()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := st.Add(context.Background(), newMarker(t, "m"))
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestRunsNewestFirst(t *testing.T) {
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				r := RunRecord{
					Trigger: "cron", StartedAt: base.Add(time.Duration(i) * time.Hour), Status: "ok",
					Processed: i, Updated: i * 10, NoData: i * 100, Failed: 1, Notified: 2,
				}
				if err := st.AppendRun(ctx, r); err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}
			runs, err := st.ListRuns(ctx, 2)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(runs) != 2 || runs[0].Processed != 2 || runs[1].Processed != 1 {
				t.Fatalf("unexpected runs: %+v", runs)
			}
			if r := runs[0]; r.Updated != 20 || r.NoData != 200 || r.Failed != 1 || r.Notified != 2 {
				t.Fatalf("counts not kept: %+v", r)
			}
		})
	}
}

func TestDedup(t *testing.T) {
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "k1", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "k1")
			if err != nil || !ok {
				t.Fatalf("GetDedup ok=%v err=%v", ok, err)
			}
			if !got.Equal(until) {
				t.Fatalf("until=%v want %v", got, until)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatalf("missing key reported present")
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observer.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	keep, err := st.Add(ctx, newMarker(t, "keep"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	drop, err := st.Add(ctx, newMarker(t, "drop"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := st.Delete(ctx, drop); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	all, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].ID != keep {
		t.Fatalf("unexpected markers after reopen: %+v", all)
	}
}

func TestOpenRequiresDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{}, logx.Nop()); !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
