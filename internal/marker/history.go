package marker

import "time"

// HistoryCapacity is the number of observations a marker retains.
const HistoryCapacity = 3

// Observation is one detection result captured for a marker.
type Observation struct {
	Timestamp time.Time `json:"dateDetected"`
	Labels    []string  `json:"detectedObjects"`
}

// History is a bounded, oldest-first observation log.
type History []Observation

// Append adds o and evicts from the front until at most HistoryCapacity
// entries remain. The receiver is not modified.
func (h History) Append(o Observation) History {
	out := make(History, 0, HistoryCapacity+1)
	out = append(out, h...)
	out = append(out, o)
	if n := len(out) - HistoryCapacity; n > 0 {
		out = out[n:]
	}
	return out
}

// Last returns the most recent observation.
func (h History) Last() (Observation, bool) {
	if len(h) == 0 {
		return Observation{}, false
	}
	return h[len(h)-1], true
}
