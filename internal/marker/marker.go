// Package marker holds the monitored-point model and its state transitions.
package marker

import (
	"strings"
	"time"

	"changeobserver/internal/diff"
	"changeobserver/internal/fault"
)

// FirstObservationStatus is the status set when a marker records its first observation.
const FirstObservationStatus = "First Observation Occured. Wait another day for more data."

type State string

const (
	StateNew      State = "NEW"
	StateObserved State = "OBSERVED"
)

// ImageReference points at an image stored in the blob store.
type ImageReference struct {
	Description string `json:"description"`
	URL         string `json:"imageURL"`
	Key         string `json:"s3_key"`
	Bucket      string `json:"s3_bucket_name"`
}

// Marker is the persisted record of a monitored point.
//
// UpdatedAt is kept as text so records written by other tools with an
// unexpected format still load; UpdatedTime parses it on demand.
type Marker struct {
	ID               string           `json:"markerId"`
	Name             string           `json:"name"`
	Coordinate       Coordinate       `json:"coordinate"`
	ImgURL           string           `json:"imgUrl,omitempty"`
	Tags             []string         `json:"tags,omitempty"`
	CurrentImage     *ImageReference  `json:"currentImage"`
	HistoricalImages []ImageReference `json:"historicalImages"`
	DetectedObjects  History          `json:"detectedObjects"`
	Status           string           `json:"status"`
	SubscribedEmails []string         `json:"subscribedEmails"`
	UpdatedAt        string           `json:"updatedAt"`
}

// New builds an unsaved marker. The id is assigned by the store on Add.
func New(name string, c Coordinate) (Marker, error) {
	if err := c.Validate(); err != nil {
		return Marker{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Marker{}, fault.Validationf("marker", "name is required")
	}
	return Marker{
		Name:             name,
		Coordinate:       c,
		HistoricalImages: []ImageReference{},
		DetectedObjects:  History{},
		SubscribedEmails: []string{},
	}, nil
}

func (m Marker) State() State {
	if len(m.DetectedObjects) == 0 {
		return StateNew
	}
	return StateObserved
}

// Validate checks the fields a stored marker must always satisfy.
func (m Marker) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fault.Validationf("marker", "name is required")
	}
	if err := m.Coordinate.Validate(); err != nil {
		return err
	}
	if len(m.DetectedObjects) > HistoryCapacity {
		return fault.Validationf("marker", "history holds %d observations, max %d", len(m.DetectedObjects), HistoryCapacity)
	}
	for _, e := range m.SubscribedEmails {
		if err := ValidateEmail(e); err != nil {
			return err
		}
	}
	return nil
}

// Record appends obs and updates the status. The first observation sets
// FirstObservationStatus; later ones describe the change against the
// previous observation.
func (m *Marker) Record(obs Observation) string {
	if prev, ok := m.DetectedObjects.Last(); ok {
		m.Status = diff.Compare(prev.Labels, obs.Labels)
	} else {
		m.Status = FirstObservationStatus
	}
	m.DetectedObjects = m.DetectedObjects.Append(obs)
	return m.Status
}

// Compared reports whether the status describes a change between two
// observations. A marker with fewer than two observations has nothing to
// compare, whatever UpdatedAt says.
func (m Marker) Compared() bool {
	return len(m.DetectedObjects) >= 2 && m.Status != FirstObservationStatus
}

// Touch stamps UpdatedAt with t in UTC.
func (m *Marker) Touch(t time.Time) {
	m.UpdatedAt = t.UTC().Format(time.RFC3339Nano)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// UpdatedTime parses UpdatedAt. Values without a zone are read as UTC.
func (m Marker) UpdatedTime() (time.Time, error) {
	s := strings.TrimSpace(m.UpdatedAt)
	if s == "" {
		return time.Time{}, fault.Validationf("marker.updatedAt", "timestamp is missing")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fault.Validationf("marker.updatedAt", "unparsable timestamp %q", s)
}

// UpdatedWithin reports whether the marker was updated in [now-window, now].
// The lower bound is inclusive.
func (m Marker) UpdatedWithin(now time.Time, window time.Duration) (bool, error) {
	t, err := m.UpdatedTime()
	if err != nil {
		return false, err
	}
	return !t.Before(now.Add(-window)), nil
}

// Clone returns a deep copy so concurrent tasks never share slices.
func (m Marker) Clone() Marker {
	cp := m
	if m.CurrentImage != nil {
		img := *m.CurrentImage
		cp.CurrentImage = &img
	}
	cp.Tags = append([]string(nil), m.Tags...)
	cp.HistoricalImages = append([]ImageReference(nil), m.HistoricalImages...)
	cp.SubscribedEmails = append([]string(nil), m.SubscribedEmails...)
	cp.DetectedObjects = make(History, len(m.DetectedObjects))
	for i, o := range m.DetectedObjects {
		cp.DetectedObjects[i] = Observation{Timestamp: o.Timestamp, Labels: append([]string(nil), o.Labels...)}
	}
	return cp
}
