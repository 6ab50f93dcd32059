// Package pipeline runs one observation cycle over every marker.
//
// A run has two passes. The update pass refreshes imagery, detects labels,
// classifies the change and persists each marker. The notify pass runs only
// after every update has committed and messages the subscribers of markers
// that changed in the trailing eligibility window.
//
// Each marker is an independent task: a failure is logged with the marker id
// and recorded in the run result, and never stops its siblings. Only the
// initial marker load is fatal.
package pipeline
