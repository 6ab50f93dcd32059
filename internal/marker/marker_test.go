package marker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"changeobserver/internal/fault"
)

func TestCoordinateBounds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		lon, lat float64
		ok       bool
	}{
		{-180, 0, true},
		{180, 0, true},
		{0, -90, true},
		{0, 90, true},
		{180.0001, 0, false},
		{0, -90.0001, false},
		{-180.0001, 0, false},
		{0, 90.0001, false},
	}
	for _, tc := range cases {
		_, err := NewCoordinate(tc.lon, tc.lat)
		if (err == nil) != tc.ok {
			t.Fatalf("NewCoordinate(%v,%v) err=%v want ok=%v", tc.lon, tc.lat, err, tc.ok)
		}
		if err != nil && !errors.Is(err, fault.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	}
}

func TestParseCoordinateRejectsNonNumeric(t *testing.T) {
	t.Parallel()

	if _, err := ParseCoordinate("abc", "10"); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	c, err := ParseCoordinate(" -73.9857 ", "40.7484")
	if err != nil {
		t.Fatalf("ParseCoordinate: %v", err)
	}
	if c.Longitude != -73.9857 || c.Latitude != 40.7484 {
		t.Fatalf("got %+v", c)
	}
}

func TestCoordinateUnmarshalAcceptsStrings(t *testing.T) {
	t.Parallel()

	var c Coordinate
	if err := json.Unmarshal([]byte(`{"longitude":"12.5","latitude":41.9}`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Longitude != 12.5 || c.Latitude != 41.9 {
		t.Fatalf("got %+v", c)
	}
	if err := json.Unmarshal([]byte(`{"longitude":"east","latitude":1}`), &c); err == nil {
		t.Fatalf("expected error for non-numeric longitude")
	}
}

func TestHistoryRingBuffer(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var h History
	for i := 0; i < 5; i++ {
		h = h.Append(Observation{Timestamp: base.AddDate(0, 0, i), Labels: []string{"x"}})
		if len(h) > HistoryCapacity {
			t.Fatalf("history grew to %d", len(h))
		}
	}
	if len(h) != HistoryCapacity {
		t.Fatalf("len=%d", len(h))
	}
	for i, o := range h {
		want := base.AddDate(0, 0, i+2)
		if !o.Timestamp.Equal(want) {
			t.Fatalf("h[%d]=%v want %v", i, o.Timestamp, want)
		}
	}
}

func TestRecordFirstObservation(t *testing.T) {
	t.Parallel()

	m, err := New("harbor", Coordinate{Longitude: 1, Latitude: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.State() != StateNew {
		t.Fatalf("state=%s", m.State())
	}
	status := m.Record(Observation{Labels: []string{"car", "tree"}})
	if status != FirstObservationStatus || m.Status != FirstObservationStatus {
		t.Fatalf("status=%q", status)
	}
	if len(m.DetectedObjects) != 1 || m.State() != StateObserved {
		t.Fatalf("history=%v state=%s", m.DetectedObjects, m.State())
	}

	status = m.Record(Observation{Labels: []string{"tree", "bus"}})
	want := "New objects: ['bus']\nObjects no longer detected: ['car']"
	if status != want {
		t.Fatalf("status=%q want %q", status, want)
	}
}

func TestUpdatedWithinInclusiveBoundary(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var m Marker

	m.Touch(now.Add(-24 * time.Hour))
	ok, err := m.UpdatedWithin(now, 24*time.Hour)
	if err != nil || !ok {
		t.Fatalf("exact boundary should be eligible: ok=%v err=%v", ok, err)
	}

	m.Touch(now.Add(-24*time.Hour - time.Second))
	ok, err = m.UpdatedWithin(now, 24*time.Hour)
	if err != nil || ok {
		t.Fatalf("one second past the window should not be eligible: ok=%v err=%v", ok, err)
	}
}

func TestUpdatedTimeFormats(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"2024-11-20T00:00:03.123456", "2024-11-20T00:00:03Z", "2024-11-20 00:00:03"} {
		m := Marker{UpdatedAt: s}
		if _, err := m.UpdatedTime(); err != nil {
			t.Fatalf("%q: %v", s, err)
		}
	}
	for _, s := range []string{"", "yesterday"} {
		m := Marker{UpdatedAt: s}
		if _, err := m.UpdatedTime(); err == nil {
			t.Fatalf("%q should not parse", s)
		}
	}
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	var m Marker
	if err := m.Subscribe("not-an-email"); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := m.Subscribe("a.b+c@example.org"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Subscribe("A.B+C@example.org"); err != nil {
		t.Fatalf("Subscribe dup: %v", err)
	}
	if len(m.SubscribedEmails) != 1 {
		t.Fatalf("subscribers=%v", m.SubscribedEmails)
	}
	if !m.Unsubscribe("a.b+c@example.org") || len(m.SubscribedEmails) != 0 {
		t.Fatalf("unsubscribe failed: %v", m.SubscribedEmails)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	m := Marker{
		CurrentImage:     &ImageReference{Key: "k"},
		DetectedObjects:  History{{Labels: []string{"a"}}},
		SubscribedEmails: []string{"x@y.z"},
	}
	cp := m.Clone()
	cp.CurrentImage.Key = "changed"
	cp.DetectedObjects[0].Labels[0] = "b"
	cp.SubscribedEmails[0] = "q@y.z"
	if m.CurrentImage.Key != "k" || m.DetectedObjects[0].Labels[0] != "a" || m.SubscribedEmails[0] != "x@y.z" {
		t.Fatalf("clone shares state with original: %+v", m)
	}
}

func TestImageReferenceWireNames(t *testing.T) {
	t.Parallel()

	ref := ImageReference{Description: "current", URL: "https://img/a.png", Key: "markers/m1/a.png", Bucket: "observer-images"}
	body, err := json.Marshal(ref)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	for _, k := range []string{"description", "imageURL", "s3_key", "s3_bucket_name"} {
		if _, ok := raw[k]; !ok {
			t.Fatalf("missing %q in %s", k, body)
		}
	}
	if _, ok := raw["key"]; ok {
		t.Fatalf("unexpected key field in %s", body)
	}

	stored := `{"id":"m1","name":"dam","coordinate":{"longitude":1,"latitude":2},
		"currentImage":{"description":"current","imageURL":"u1","s3_key":"k1","s3_bucket_name":"b1"},
		"historicalImages":[{"description":"old","imageURL":"u0","s3_key":"k0","s3_bucket_name":"b1"}]}`
	var m Marker
	if err := json.Unmarshal([]byte(stored), &m); err != nil {
		t.Fatalf("unmarshal marker: %v", err)
	}
	if m.CurrentImage == nil || m.CurrentImage.Key != "k1" || m.CurrentImage.Bucket != "b1" {
		t.Fatalf("current image not decoded: %+v", m.CurrentImage)
	}
	if len(m.HistoricalImages) != 1 || m.HistoricalImages[0].Key != "k0" {
		t.Fatalf("historical images not decoded: %+v", m.HistoricalImages)
	}
}

func TestComparedNeedsTwoObservations(t *testing.T) {
	t.Parallel()

	m, err := New("dam", Coordinate{Longitude: 1, Latitude: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Touch(time.Now())
	if m.Compared() {
		t.Fatalf("new marker reported a comparison")
	}
	m.Record(Observation{Timestamp: time.Now(), Labels: []string{"car"}})
	if m.Compared() {
		t.Fatalf("first observation reported a comparison: %q", m.Status)
	}
	m.Record(Observation{Timestamp: time.Now(), Labels: []string{"bus"}})
	if !m.Compared() {
		t.Fatalf("second observation should compare: %q", m.Status)
	}
}
