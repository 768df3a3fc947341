package extraction

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a per-city extraction task.
type TaskStatus string

// Task status values persisted in storage.
const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskSkipped    TaskStatus = "SKIPPED"
)

// PlaceExtractionTask is one unit of extraction for one city under one
// campaign. State transitions flow through the methods below; attempts count
// claims, not failures.
type PlaceExtractionTask struct {
	ID          string
	CampaignID  string
	GeonameID   int64
	GeonameName string
	SearchSeed  string
	Status      TaskStatus
	Attempts    int
	LastError   string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewPlaceExtractionTask builds a PENDING task for the given city.
func NewPlaceExtractionTask(id, campaignID string, geo Geoname, seed string) *PlaceExtractionTask {
	return &PlaceExtractionTask{
		ID:          id,
		CampaignID:  campaignID,
		GeonameID:   geo.ID,
		GeonameName: geo.Name,
		SearchSeed:  seed,
		Status:      TaskPending,
	}
}

// Start claims the task, moving PENDING (or FAILED, on a resumed campaign) to
// IN_PROGRESS and incrementing the attempt counter.
func (t *PlaceExtractionTask) Start(now time.Time) error {
	if t.Status != TaskPending && t.Status != TaskFailed {
		return fmt.Errorf("%w: cannot start task in status %s", ErrConflict, t.Status)
	}
	t.Status = TaskInProgress
	t.Attempts++
	ts := now.UTC()
	t.StartedAt = &ts
	return nil
}

// Complete moves IN_PROGRESS to COMPLETED.
func (t *PlaceExtractionTask) Complete(now time.Time) error {
	if t.Status != TaskInProgress {
		return fmt.Errorf("%w: cannot complete task in status %s", ErrConflict, t.Status)
	}
	t.Status = TaskCompleted
	t.LastError = ""
	ts := now.UTC()
	t.CompletedAt = &ts
	return nil
}

// Fail moves IN_PROGRESS to FAILED and records the final error.
func (t *PlaceExtractionTask) Fail(reason string, now time.Time) error {
	if t.Status != TaskInProgress {
		return fmt.Errorf("%w: cannot fail task in status %s", ErrConflict, t.Status)
	}
	t.Status = TaskFailed
	t.LastError = reason
	ts := now.UTC()
	t.CompletedAt = &ts
	return nil
}

// Requeue returns a transiently failed IN_PROGRESS task to PENDING so a
// worker can claim it again. The attempt counter is preserved.
func (t *PlaceExtractionTask) Requeue(reason string) error {
	if t.Status != TaskInProgress {
		return fmt.Errorf("%w: cannot requeue task in status %s", ErrConflict, t.Status)
	}
	t.Status = TaskPending
	t.LastError = reason
	return nil
}

// Skip marks a PENDING task SKIPPED.
func (t *PlaceExtractionTask) Skip(reason string) error {
	if t.Status != TaskPending {
		return fmt.Errorf("%w: cannot skip task in status %s", ErrConflict, t.Status)
	}
	t.Status = TaskSkipped
	t.LastError = reason
	return nil
}

// ResetForResume reconciles an interrupted or failed task back to PENDING
// with a fresh attempt budget. No-op for terminal COMPLETED/SKIPPED tasks.
func (t *PlaceExtractionTask) ResetForResume() bool {
	if t.Status != TaskInProgress && t.Status != TaskFailed {
		return false
	}
	t.Status = TaskPending
	t.Attempts = 0
	t.StartedAt = nil
	t.CompletedAt = nil
	return true
}

// Exhausted reports whether the task has used up its attempt budget.
func (t *PlaceExtractionTask) Exhausted(maxAttempts int) bool {
	return t.Attempts >= maxAttempts
}
