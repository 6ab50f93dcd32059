package pipeline

import "time"

const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Outcome values for one marker in one pass.
const (
	OutcomeUpdated  = "updated"
	OutcomeNoData   = "no_data"
	OutcomeFailed   = "failed"
	OutcomeDeferred = "deferred"

	OutcomeNotified   = "notified"
	OutcomeIneligible = "ineligible"
	OutcomeNoSubs     = "no_subscribers"
)

// MarkerResult is the per-marker record of a run.
type MarkerResult struct {
	MarkerID string `json:"markerId"`
	Update   string `json:"update"`
	Status   string `json:"status,omitempty"`
	Notify   string `json:"notify,omitempty"`
	Sent     int    `json:"sent,omitempty"`
	Failed   int    `json:"failedDeliveries,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Result is what a run reports to its caller.
type Result struct {
	RunID     string         `json:"runId"`
	Trigger   string         `json:"trigger"`
	Status    string         `json:"status"`
	Processed int            `json:"processedCount"`
	Updated   int            `json:"updatedCount"`
	NoData    int            `json:"noDataCount"`
	Failed    int            `json:"failedCount"`
	Notified  int            `json:"notifiedCount"`
	StartedAt time.Time      `json:"startedAt"`
	Took      time.Duration  `json:"took"`
	Error     string         `json:"error,omitempty"`
	Markers   []MarkerResult `json:"markers,omitempty"`
}

func (r *Result) finalize() {
	for _, m := range r.Markers {
		switch m.Update {
		case OutcomeUpdated:
			r.Updated++
		case OutcomeNoData:
			r.NoData++
		case OutcomeFailed, OutcomeDeferred:
			r.Failed++
		}
		r.Notified += m.Sent
		if (m.Failed > 0 || m.Notify == OutcomeFailed) && m.Update != OutcomeFailed && m.Update != OutcomeDeferred {
			r.Failed++
		}
	}
	switch {
	case r.Error != "":
		r.Status = StatusFailed
	case r.Failed > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusOK
	}
}
