package imagery

import "time"

// WindowLength is the trailing span each composite covers.
const WindowLength = 30 * 24 * time.Hour

// Window is one requested time range.
type Window struct {
	// Description is recorded on the image reference ("latest", "1 year ago").
	Description string
	// KeyLabel goes into the object key; empty for the latest image.
	KeyLabel string
	Start    time.Time
	End      time.Time
}

// LatestWindow covers the trailing 30 days ending at now.
func LatestWindow(now time.Time) Window {
	now = now.UTC()
	return Window{Description: "latest", Start: now.Add(-WindowLength), End: now}
}

type anchor struct {
	label         string
	years, months int
}

var historicalAnchors = []anchor{
	{label: "6 months ago", months: -6},
	{label: "1 year ago", years: -1},
	{label: "2 years ago", years: -2},
	{label: "5 years ago", years: -5},
}

// HistoricalWindows returns the four fixed snapshots, newest first. Each
// covers the 30 days ending at its anchor.
func HistoricalWindows(now time.Time) []Window {
	now = now.UTC()
	out := make([]Window, 0, len(historicalAnchors))
	for _, a := range historicalAnchors {
		end := now.AddDate(a.years, a.months, 0)
		out = append(out, Window{
			Description: a.label,
			KeyLabel:    "Image from " + a.label,
			Start:       end.Add(-WindowLength),
			End:         end,
		})
	}
	return out
}
