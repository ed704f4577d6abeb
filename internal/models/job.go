package models

import (
	"encoding/json"
	"time"
)

// ScheduledJob is a delayed handler invocation held by the Redis scheduler.
type ScheduledJob struct {
	ID       string          `json:"id"`
	Handler  string          `json:"handler"`
	Group    string          `json:"group"`
	Priority string          `json:"priority"`
	Args     json.RawMessage `json:"args"`
	Attempts int             `json:"attempts"`
	RunAt    time.Time       `json:"run_at"`
}

// Decode unmarshals the job arguments into v.
func (j ScheduledJob) Decode(v any) error {
	return json.Unmarshal(j.Args, v)
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	QueueID  string    `json:"queue_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// DeadLetter is a scheduled job that exhausted its attempts.
type DeadLetter struct {
	Job    ScheduledJob `json:"job"`
	Error  string       `json:"error"`
	Failed time.Time    `json:"failed_at"`
}
