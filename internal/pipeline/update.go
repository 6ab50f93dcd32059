package pipeline

import (
	"context"
	"errors"

	"changeobserver/internal/diff"
	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	logx "changeobserver/pkg/logx"
)

// updateOne refreshes one marker and persists it. It returns the marker as
// it now stands in the store: the updated copy on success, the original
// otherwise.
func (p *Pipeline) updateOne(ctx context.Context, log logx.Logger, orig marker.Marker) (marker.Marker, MarkerResult) {
	log = log.With(logx.String("marker_id", orig.ID))
	mr := MarkerResult{MarkerID: orig.ID}
	fail := func(stage string, err error) (marker.Marker, MarkerResult) {
		mr.Error = err.Error()
		if isNoData(err) {
			mr.Update = OutcomeNoData
			log.Info("no imagery this cycle", logx.String("stage", stage), logx.Err(err))
		} else {
			mr.Update = OutcomeFailed
			log.Error("marker update failed", logx.String("stage", stage), logx.Err(err))
		}
		return orig, mr
	}

	m := orig.Clone()

	ref, err := p.deps.Imagery.Latest(ctx, m.Coordinate)
	if err != nil {
		return fail("imagery.latest", err)
	}
	m.CurrentImage = &ref

	if len(m.HistoricalImages) == 0 {
		hist, err := p.deps.Imagery.Historical(ctx, m.Coordinate)
		switch {
		case isNoData(err):
			// captured on a later run
			log.Info("no historical imagery yet", logx.Err(err))
		case err != nil:
			return fail("imagery.historical", err)
		default:
			m.HistoricalImages = hist
		}
	}

	labels, err := p.deps.Detector.Detect(ctx, ref)
	if err != nil {
		return fail("detect", err)
	}

	now := p.now()
	status := m.Record(marker.Observation{Timestamp: now.UTC(), Labels: labels})
	if changed(status) {
		m.Touch(now)
	}

	if err := p.deps.Markers.Update(ctx, m); err != nil {
		return fail("store.update", err)
	}
	mr.Update = OutcomeUpdated
	mr.Status = status
	log.Info("marker updated", logx.String("status", status), logx.Strings("labels", labels), logx.Int("history", len(m.DetectedObjects)))
	return m, mr
}

// changed reports whether status describes an actual change in labels.
func changed(status string) bool {
	return status != marker.FirstObservationStatus && status != diff.NoChanges
}

func isNoData(err error) bool { return errors.Is(err, fault.ErrNoData) }
