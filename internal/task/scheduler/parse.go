package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the normalized form of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Parsed is a schedule string resolved to a cron expression or an interval.
//
// Accepted forms:
//   - cron: "0 0 * * *", "@daily", "@every 6h"
//   - interval duration: "55m", "2h30m"
//   - interval HH:MM: "02:30" (2 hours 30 minutes)
//
// The prefixes "cron:" and "every:" force one interpretation.
type Parsed struct {
	Kind  Kind
	Cron  string
	Every time.Duration
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseSchedule(raw string) (Parsed, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Parsed{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Parsed{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Parsed{Kind: KindCron, Cron: expr}, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return Parsed{}, err
		}
		return Parsed{Kind: KindInterval, Every: d}, nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return Parsed{Kind: KindCron, Cron: s}, nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return Parsed{}, fmt.Errorf("invalid schedule %q (use cron like '0 0 * * *', HH:MM like '02:30', or duration like '6h')", raw)
	}
	return Parsed{Kind: KindInterval, Every: d}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
