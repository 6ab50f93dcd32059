package scheduler

import (
	"context"
	"sync"
	"time"

	"changeobserver/internal/task/engine"
	logx "changeobserver/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA name, empty means UTC
}

type scheduleDef struct {
	name     string
	schedule string // normalized cron expression or @every
	timeout  time.Duration
	job      func(ctx context.Context) error
	opt      engine.TaskOptions
	entryID  cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Timeout  time.Duration `json:"timeout"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
