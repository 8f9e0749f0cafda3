package cron

import (
	"time"

	"github.com/google/uuid"
)

const (
	KindCron  = "cron"  // robfig expression with seconds
	KindEvery = "every" // fixed interval
	KindAt    = "at"    // one shot
)

// Actions understood by the gateway.
const (
	ActionDailyTick = "daily_tick"
	ActionAutosave  = "autosave"
)

type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

type Payload struct {
	Action string `json:"action"`
	Note   string `json:"note,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:          uuid.NewString(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

// Every is a fixed-interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindEvery, EveryMs: d.Milliseconds()}
}

// Cron is an expression schedule, e.g. "0 0 0 * * *" for midnight.
func Cron(expr string) Schedule {
	return Schedule{Kind: KindCron, Expr: expr}
}
