package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"herald/internal/task/engine"
	logx "herald/pkg/logx"
)

type Config struct {
	Timezone string // IANA name; empty means Local
}

type scheduleDef struct {
	name    string
	spec    string // cron spec or "@every <d>"
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     engine.TaskOptions
	entryID cron.EntryID
	spread  time.Duration // first-run delay for interval schedules
}

// Enqueuer is the slice of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Timeout string    `json:"timeout,omitempty"`
	Next    time.Time `json:"next,omitzero"`
	Prev    time.Time `json:"prev,omitzero"`
}
