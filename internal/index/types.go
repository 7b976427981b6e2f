package index

import (
	"time"

	"github.com/vantle/stepflow/pkg/schema"
)

// RunSummary is the indexed view of one run. It mirrors the persisted run
// record closely enough for listing and audit; the record itself stays the
// source of truth.
type RunSummary struct {
	RunID        string           `json:"run_id"`
	Pipeline     string           `json:"pipeline"`
	Status       schema.RunStatus `json:"status"`
	CurrentStep  string           `json:"current_step,omitempty"`
	RecordDigest string           `json:"record_digest,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// SummaryFromRecord derives the indexed view from a run record and the
// digest of its persisted bytes. CurrentStep is the step in flight, or the
// next pending one, or empty once every step finished.
func SummaryFromRecord(rec *schema.RunRecord, digest string) *RunSummary {
	current := ""
	if s := rec.InterruptedStep(); s != nil {
		current = s.ID
	} else if i := rec.FirstNonCompleted(); i < len(rec.Steps) {
		current = rec.Steps[i].ID
	}
	return &RunSummary{
		RunID:        rec.RunID,
		Pipeline:     rec.Pipeline,
		Status:       rec.Status,
		CurrentStep:  current,
		RecordDigest: digest,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// RunFilter specifies criteria for listing indexed runs.
type RunFilter struct {
	Pipeline string            `json:"pipeline,omitempty"`
	Status   *schema.RunStatus `json:"status,omitempty"`
	Since    *time.Time        `json:"since,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// Schedule is a cron-triggered pipeline definition registered with the
// scheduler, keyed by the definition file path.
type Schedule struct {
	DefinitionPath string     `json:"definition_path"`
	Pipeline       string     `json:"pipeline"`
	CronSpec       string     `json:"cron_spec"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunID      string     `json:"last_run_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	CronSpec  *string    `json:"cron_spec,omitempty"`
	Enabled   *bool      `json:"enabled,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunID *string    `json:"last_run_id,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

// EventFilter specifies criteria for querying the event journal.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	StepID string     `json:"step_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}
