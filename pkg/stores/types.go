// Package stores persists run history in SQLite.
package stores

import (
	"context"
	"time"
)

// RunRecord is one persisted orchestration run.
type RunRecord struct {
	ID           string
	PlanID       string
	Policy       string
	Status       string
	Environments string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Total        int
	Succeeded    int
	Failed       int
	Skipped      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OutcomeRecord is one persisted unit outcome within a run.
type OutcomeRecord struct {
	ID           int64
	RunID        string
	UnitID       string
	Kind         string
	Environment  string
	Status       string
	Attempts     int
	LastError    *string
	VerifyStatus *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
}

// EventRecord is one progress event appended during a run.
type EventRecord struct {
	ID        int64
	RunID     string
	UnitID    *string
	Type      string
	Message   string
	CreatedAt time.Time
}

// Event types appended during a run.
const (
	EventRunStarted    = "run_started"
	EventUnitCompleted = "unit_completed"
	EventRunCompleted  = "run_completed"
)

// Store is the persistence surface for run history.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	CreateRun(ctx context.Context, run *RunRecord) error
	CompleteRun(ctx context.Context, id, status string, succeeded, failed, skipped int, completedAt time.Time) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)

	SaveOutcome(ctx context.Context, outcome *OutcomeRecord) error
	ListOutcomes(ctx context.Context, runID string) ([]*OutcomeRecord, error)

	AppendEvent(ctx context.Context, event *EventRecord) error
}
