package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"changeobserver/internal/detect"
	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	"changeobserver/internal/notifier"
	"changeobserver/internal/storage"
	"changeobserver/internal/task/engine"
	logx "changeobserver/pkg/logx"
)

var now = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

// events records the order of side effects across fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

type memRepo struct {
	mu      sync.Mutex
	ev      *events
	m       map[string]marker.Marker
	listErr error
	failIDs map[string]bool
	runs    []storage.RunRecord
}

func newRepo(ev *events, ms ...marker.Marker) *memRepo {
	r := &memRepo{ev: ev, m: map[string]marker.Marker{}, failIDs: map[string]bool{}}
	for _, m := range ms {
		r.m[m.ID] = m.Clone()
	}
	return r
}

func (r *memRepo) List(context.Context) ([]marker.Marker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]marker.Marker, 0, len(r.m))
	for _, m := range r.m {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) Get(_ context.Context, id string) (marker.Marker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.m[id]
	if !ok {
		return marker.Marker{}, fault.NotFound("repo.get", errors.New(id))
	}
	return m.Clone(), nil
}

func (r *memRepo) Add(context.Context, marker.Marker) (string, error) { return "", errors.New("unused") }
func (r *memRepo) Delete(context.Context, string) error              { return errors.New("unused") }

func (r *memRepo) Update(_ context.Context, m marker.Marker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failIDs[m.ID] {
		return fault.Storage("repo.update", errors.New("throttled"))
	}
	r.m[m.ID] = m.Clone()
	if r.ev != nil {
		r.ev.add("update:" + m.ID)
	}
	return nil
}

func (r *memRepo) AppendRun(_ context.Context, rec storage.RunRecord) error {
	r.mu.Lock()
	r.runs = append(r.runs, rec)
	r.mu.Unlock()
	return nil
}

func (r *memRepo) get(t *testing.T, id string) marker.Marker {
	t.Helper()
	m, err := r.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return m
}

type fakeImagery struct {
	mu             sync.Mutex
	latestErr      map[string]error // by coordinate string
	historicalErr  error
	historicalHits int
}

func (f *fakeImagery) Latest(_ context.Context, c marker.Coordinate) (marker.ImageReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.latestErr[c.String()]; err != nil {
		return marker.ImageReference{}, err
	}
	key := "images/" + c.String() + ".png"
	return marker.ImageReference{Description: "latest", Key: key, Bucket: "b", URL: "https://example.com/" + key}, nil
}

func (f *fakeImagery) Historical(_ context.Context, c marker.Coordinate) ([]marker.ImageReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historicalHits++
	if f.historicalErr != nil {
		return nil, f.historicalErr
	}
	return []marker.ImageReference{
		{Description: "Image from 6 months ago", Key: "h1"},
		{Description: "Image from 1 year ago", Key: "h2"},
		{Description: "Image from 2 years ago", Key: "h3"},
		{Description: "Image from 5 years ago", Key: "h4"},
	}, nil
}

type fakeDetector struct {
	mu     sync.Mutex
	labels map[string][]string // by image key
	errs   map[string]error
	panics map[string]bool
}

func (f *fakeDetector) Detect(_ context.Context, ref marker.ImageReference) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[ref.Key]; err != nil {
		return nil, err
	}
	if f.panics[ref.Key] {
		panic("detector exploded on " + ref.Key)
	}
	return append([]string(nil), f.labels[ref.Key]...), nil
}

func (f *fakeDetector) set(c marker.Coordinate, labels ...string) {
	f.mu.Lock()
	f.labels["images/"+c.String()+".png"] = labels
	f.mu.Unlock()
}

type fakeDispatcher struct {
	mu   sync.Mutex
	ev   *events
	sent []notifier.Notification
	fail map[string]bool
}

func (f *fakeDispatcher) Deliver(_ context.Context, n notifier.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[n.Recipient] {
		return fault.Dependency("sns.publish", errors.New("rejected"))
	}
	f.sent = append(f.sent, n)
	if f.ev != nil {
		f.ev.add("notify:" + n.MarkerID + ":" + n.Recipient)
	}
	return nil
}

type harness struct {
	repo *memRepo
	img  *fakeImagery
	det  *fakeDetector
	disp *fakeDispatcher
	ev   *events
	p    *Pipeline
}

func newHarness(t *testing.T, exec *engine.Service, ms ...marker.Marker) *harness {
	t.Helper()
	ev := &events{}
	h := &harness{
		repo: newRepo(ev, ms...),
		img:  &fakeImagery{latestErr: map[string]error{}},
		det:  &fakeDetector{labels: map[string][]string{}, errs: map[string]error{}, panics: map[string]bool{}},
		disp: &fakeDispatcher{ev: ev, fail: map[string]bool{}},
		ev:   ev,
	}
	p, err := New(Config{}, Deps{
		Markers:    h.repo,
		Runs:       h.repo,
		Imagery:    h.img,
		Detector:   h.det,
		Dispatcher: h.disp,
		Executor:   exec,
	}, logx.Nop(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.p = p
	return h
}

func (h *harness) run(t *testing.T) Result {
	t.Helper()
	res, err := h.p.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func mk(t *testing.T, id string, lon, lat float64, emails ...string) marker.Marker {
	t.Helper()
	c, err := marker.NewCoordinate(lon, lat)
	if err != nil {
		t.Fatalf("NewCoordinate: %v", err)
	}
	m, err := marker.New("site "+id, c)
	if err != nil {
		t.Fatalf("marker.New: %v", err)
	}
	m.ID = id
	m.SubscribedEmails = emails
	m.Touch(now.Add(-72 * time.Hour))
	return m
}

func TestFirstObservationDoesNotNotify(t *testing.T) {
	t.Parallel()

	m := mk(t, "m1", 10, 20, "a@example.com")
	h := newHarness(t, nil, m)
	h.det.set(m.Coordinate, "car", "tree")

	res := h.run(t)
	if res.Status != StatusOK || res.Processed != 1 || res.Updated != 1 || res.Notified != 0 {
		t.Fatalf("result=%+v", res)
	}
	got := h.repo.get(t, "m1")
	if got.Status != marker.FirstObservationStatus {
		t.Fatalf("status=%q", got.Status)
	}
	if len(got.DetectedObjects) != 1 || fmt.Sprint(got.DetectedObjects[0].Labels) != "[car tree]" {
		t.Fatalf("history=%+v", got.DetectedObjects)
	}
	if got.State() != marker.StateObserved || got.CurrentImage == nil || len(got.HistoricalImages) != 4 {
		t.Fatalf("marker=%+v", got)
	}
	if len(h.disp.sent) != 0 {
		t.Fatalf("unexpected notifications: %+v", h.disp.sent)
	}
	if len(h.repo.runs) != 1 || h.repo.runs[0].Status != StatusOK {
		t.Fatalf("runs=%+v", h.repo.runs)
	}
}

func TestFreshMarkerFirstRunDoesNotNotify(t *testing.T) {
	t.Parallel()

	// created an hour ago, so updatedAt alone would be inside the window
	m := mk(t, "m1", 10, 20, "a@example.com")
	m.Touch(now.Add(-time.Hour))
	h := newHarness(t, nil, m)
	h.det.set(m.Coordinate, "car")

	res := h.run(t)
	if res.Notified != 0 || len(h.disp.sent) != 0 {
		t.Fatalf("first observation notified: result=%+v sent=%+v", res, h.disp.sent)
	}
	if res.Markers[0].Notify != OutcomeIneligible {
		t.Fatalf("notify outcome=%q", res.Markers[0].Notify)
	}

	h.det.set(m.Coordinate, "car", "truck")
	res = h.run(t)
	if res.Notified != 1 || len(h.disp.sent) != 1 {
		t.Fatalf("second run should report the change: result=%+v", res)
	}
}

func TestChangeNotifiesEverySubscriber(t *testing.T) {
	t.Parallel()

	m := mk(t, "m1", 10, 20, "a@example.com", "b@example.com")
	m.DetectedObjects = marker.History{{Timestamp: now.Add(-24 * time.Hour), Labels: []string{"car", "tree"}}}
	h := newHarness(t, nil, m)
	h.det.set(m.Coordinate, "tree", "bus")

	res := h.run(t)
	want := "New objects: ['bus']\nObjects no longer detected: ['car']"
	got := h.repo.get(t, "m1")
	if got.Status != want {
		t.Fatalf("status=%q", got.Status)
	}
	if ts, _ := got.UpdatedTime(); !ts.Equal(now) {
		t.Fatalf("updatedAt=%q", got.UpdatedAt)
	}
	if res.Notified != 2 || len(h.disp.sent) != 2 {
		t.Fatalf("notified=%d sent=%+v", res.Notified, h.disp.sent)
	}
	n := h.disp.sent[0]
	if n.Subject != notifier.Subject || n.MarkerID != "m1" || n.Channel != notifier.ChannelEmail {
		t.Fatalf("notification=%+v", n)
	}
}

func TestHistoryKeepsLastThree(t *testing.T) {
	t.Parallel()

	m := mk(t, "m1", 1, 1)
	h := newHarness(t, nil, m)
	sets := [][]string{{"a"}, {"a", "b"}, {"b"}, {"c"}}
	for _, labels := range sets {
		h.det.set(m.Coordinate, labels...)
		h.run(t)
	}
	got := h.repo.get(t, "m1")
	if len(got.DetectedObjects) != marker.HistoryCapacity {
		t.Fatalf("history len=%d", len(got.DetectedObjects))
	}
	if fmt.Sprint(got.DetectedObjects[0].Labels) != "[a b]" || fmt.Sprint(got.DetectedObjects[2].Labels) != "[c]" {
		t.Fatalf("history=%+v", got.DetectedObjects)
	}
	if got.Status != "New objects: ['c']\nObjects no longer detected: ['b']" {
		t.Fatalf("status=%q", got.Status)
	}
	if h.img.historicalHits != 1 {
		t.Fatalf("historical fetched %d times, want once", h.img.historicalHits)
	}
}

func TestMarkerFailuresAreIsolated(t *testing.T) {
	t.Parallel()

	bad1 := mk(t, "m1", 1, 1)
	bad2 := mk(t, "m2", 2, 2)
	good := mk(t, "m3", 3, 3)
	nodata := mk(t, "m4", 4, 4)
	h := newHarness(t, nil, bad1, bad2, good, nodata)
	h.img.latestErr[bad1.Coordinate.String()] = fault.Dependency("imagery", errors.New("timeout"))
	h.det.errs["images/"+bad2.Coordinate.String()+".png"] = fault.Dependency("detect", detect.ErrUnknown)
	h.img.latestErr[nodata.Coordinate.String()] = fault.NoData("imagery", errors.New("empty"))
	h.det.set(good.Coordinate, "roof")

	res := h.run(t)
	if res.Status != StatusPartial || res.Processed != 4 || res.Updated != 1 || res.Failed != 2 || res.NoData != 1 {
		t.Fatalf("result=%+v", res)
	}
	byID := map[string]MarkerResult{}
	for _, mr := range res.Markers {
		byID[mr.MarkerID] = mr
	}
	if byID["m1"].Update != OutcomeFailed || byID["m2"].Update != OutcomeFailed || byID["m4"].Update != OutcomeNoData {
		t.Fatalf("outcomes=%+v", byID)
	}
	if got := h.repo.get(t, "m2"); len(got.DetectedObjects) != 0 || got.CurrentImage != nil {
		t.Fatalf("failed detection must not persist: %+v", got)
	}
	if got := h.repo.get(t, "m3"); len(got.DetectedObjects) != 1 {
		t.Fatalf("good marker not updated: %+v", got)
	}
}

func TestPanickingMarkerIsFailed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		workers int
	}{
		{"sequential", 0},
		{"executor", 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var exec *engine.Service
			if tc.workers > 0 {
				exec = engine.New(engine.Config{Enabled: true, Workers: tc.workers}, logx.Nop())
				exec.Start(context.Background())
				t.Cleanup(func() {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					exec.Stop(ctx)
				})
			}

			a, bad, c := mk(t, "m1", 1, 1), mk(t, "m2", 2, 2), mk(t, "m3", 3, 3)
			h := newHarness(t, exec, a, bad, c)
			h.det.set(a.Coordinate, "roof")
			h.det.set(c.Coordinate, "road")
			h.det.panics["images/"+bad.Coordinate.String()+".png"] = true

			res := h.run(t)
			byID := map[string]MarkerResult{}
			for _, mr := range res.Markers {
				byID[mr.MarkerID] = mr
			}
			if byID["m2"].Update != OutcomeFailed || byID["m2"].Error == "" {
				t.Fatalf("panicking marker=%+v", byID["m2"])
			}
			if byID["m1"].Update != OutcomeUpdated || byID["m3"].Update != OutcomeUpdated {
				t.Fatalf("siblings=%+v", byID)
			}
			if res.Updated != 2 || res.Failed != 1 || res.Status != StatusPartial {
				t.Fatalf("result=%+v", res)
			}
			if got := h.repo.get(t, "m2"); len(got.DetectedObjects) != 0 {
				t.Fatalf("panicking marker persisted: %+v", got)
			}
		})
	}
}

func TestStoreUpdateFailureIsIsolated(t *testing.T) {
	t.Parallel()

	a, b := mk(t, "m1", 1, 1), mk(t, "m2", 2, 2)
	h := newHarness(t, nil, a, b)
	h.repo.failIDs["m1"] = true

	res := h.run(t)
	if res.Updated != 1 || res.Failed != 1 {
		t.Fatalf("result=%+v", res)
	}
}

func TestMarkerLoadFailureAbortsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, mk(t, "m1", 1, 1))
	h.repo.listErr = fault.Storage("repo.list", errors.New("unreachable"))

	res, err := h.p.Run(context.Background(), "test")
	if !errors.Is(err, fault.ErrStorage) {
		t.Fatalf("err=%v", err)
	}
	if res.Status != StatusFailed || res.Processed != 0 {
		t.Fatalf("result=%+v", res)
	}
	if len(h.repo.runs) != 1 || h.repo.runs[0].Error == "" {
		t.Fatalf("runs=%+v", h.repo.runs)
	}
}

func TestHistoricalNoDataRetriedNextRun(t *testing.T) {
	t.Parallel()

	m := mk(t, "m1", 1, 1)
	h := newHarness(t, nil, m)
	h.img.historicalErr = fault.NoData("imagery.historical", errors.New("none"))

	if res := h.run(t); res.Updated != 1 {
		t.Fatalf("result=%+v", res)
	}
	if got := h.repo.get(t, "m1"); len(got.HistoricalImages) != 0 {
		t.Fatalf("historical=%+v", got.HistoricalImages)
	}

	h.img.historicalErr = nil
	h.run(t)
	if got := h.repo.get(t, "m1"); len(got.HistoricalImages) != 4 || h.img.historicalHits != 2 {
		t.Fatalf("historical=%d hits=%d", len(got.HistoricalImages), h.img.historicalHits)
	}
}

func TestEligibilityWindow(t *testing.T) {
	t.Parallel()

	prior := marker.History{{Timestamp: now.Add(-48 * time.Hour), Labels: []string{"car"}}}
	edge := mk(t, "edge", 1, 1, "a@example.com")
	edge.DetectedObjects = prior
	edge.Touch(now.Add(-24 * time.Hour))
	stale := mk(t, "stale", 2, 2, "b@example.com")
	stale.DetectedObjects = prior
	stale.Touch(now.Add(-24*time.Hour - time.Second))
	garbled := mk(t, "garbled", 3, 3, "c@example.com")
	garbled.DetectedObjects = prior
	garbled.UpdatedAt = "last tuesday"
	nosubs := mk(t, "nosubs", 4, 4)
	nosubs.DetectedObjects = prior
	nosubs.Touch(now)

	h := newHarness(t, nil, edge, stale, garbled, nosubs)
	for _, m := range []marker.Marker{edge, stale, garbled, nosubs} {
		h.det.set(m.Coordinate, "car") // no change, so updatedAt stays put
	}

	res := h.run(t)
	if len(h.disp.sent) != 1 || h.disp.sent[0].MarkerID != "edge" {
		t.Fatalf("sent=%+v", h.disp.sent)
	}
	byID := map[string]MarkerResult{}
	for _, mr := range res.Markers {
		byID[mr.MarkerID] = mr
	}
	if byID["stale"].Notify != OutcomeIneligible || byID["garbled"].Notify != OutcomeIneligible || byID["nosubs"].Notify != OutcomeNoSubs {
		t.Fatalf("outcomes=%+v", byID)
	}
	if got := h.repo.get(t, "edge"); got.Status != "No object changes." || got.UpdatedAt != edge.UpdatedAt {
		t.Fatalf("edge=%+v", got)
	}
}

func TestSubscriberFailuresAreIsolated(t *testing.T) {
	t.Parallel()

	m := mk(t, "m1", 1, 1, "a@example.com", "bad@example.com", "c@example.com")
	m.DetectedObjects = marker.History{{Timestamp: now.Add(-time.Hour), Labels: []string{"car"}}}
	h := newHarness(t, nil, m)
	h.det.set(m.Coordinate, "bus")
	h.disp.fail["bad@example.com"] = true

	res := h.run(t)
	if res.Notified != 2 || res.Markers[0].Failed != 1 || res.Status != StatusPartial {
		t.Fatalf("result=%+v", res)
	}
}

func TestUpdatesCommitBeforeNotifications(t *testing.T) {
	t.Parallel()

	exec := engine.New(engine.Config{Enabled: true, Workers: 4}, logx.Nop())
	exec.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		exec.Stop(ctx)
	})

	var ms []marker.Marker
	for i := 0; i < 8; i++ {
		m := mk(t, fmt.Sprintf("m%d", i), float64(i), float64(i), fmt.Sprintf("s%d@example.com", i))
		m.DetectedObjects = marker.History{{Timestamp: now.Add(-time.Hour), Labels: []string{"car"}}}
		ms = append(ms, m)
	}
	h := newHarness(t, exec, ms...)
	for _, m := range ms {
		h.det.set(m.Coordinate, "bus")
	}

	res := h.run(t)
	if res.Updated != 8 || res.Notified != 8 {
		t.Fatalf("result=%+v", res)
	}
	seenNotify := false
	for _, e := range h.ev.log {
		if e[:7] == "notify:" {
			seenNotify = true
			continue
		}
		if seenNotify {
			t.Fatalf("update after a notification: %v", h.ev.log)
		}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, Deps{}, logx.Nop()); !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("err=%v", err)
	}
}
