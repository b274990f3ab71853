package tasks

import (
	"context"
	"errors"
	"time"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store is the durable keyed storage the correlation engine relies on. It is
// the single source of truth: no component caches task state across
// operations.
type Store interface {
	// GetAll returns every task ordered by creation time, newest first.
	GetAll(ctx context.Context) ([]Task, error)
	GetByID(ctx context.Context, id string) (Task, error)
	// Save is an idempotent upsert keyed by id; it overwrites any prior
	// record for that id regardless of its previous status.
	Save(ctx context.Context, task Task) error
	// Update fetches, merges the patch, stamps a fresh UpdatedAt and saves.
	// Returns ErrStoreNotFound when the id is absent.
	Update(ctx context.Context, id string, patch Patch) (Task, error)
	Remove(ctx context.Context, id string) (bool, error)
	Close() error
}

// Patch is a partial task mutation applied through the store's update path.
// Nil fields are left untouched.
type Patch struct {
	Status          *TaskStatus
	Notes           *string
	Selected        *Selected
	Response        *Response
	ActionResult    *ActionResult
	ExpiresAt       *time.Time
	ExpiresAtMs     *int64
	AttendingAt     *time.Time
	CompletedAt     *time.Time
	ExpiredAt       *time.Time
	CancelledAt     *time.Time
	LastTriggeredAt *time.Time
	TriggerCount    *int
}

// Apply merges the patch into a task snapshot and stamps UpdatedAt.
func (p Patch) Apply(t Task, now time.Time) Task {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
	if p.Selected != nil {
		t.Selected = p.Selected
	}
	if p.Response != nil {
		t.Response = p.Response
	}
	if p.ActionResult != nil {
		t.ActionResult = p.ActionResult
	}
	if p.ExpiresAt != nil {
		at := *p.ExpiresAt
		t.ExpiresAt = &at
	}
	if p.ExpiresAtMs != nil {
		t.ExpiresAtMs = *p.ExpiresAtMs
	}
	if p.AttendingAt != nil {
		at := *p.AttendingAt
		t.AttendingAt = &at
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		t.CompletedAt = &at
	}
	if p.ExpiredAt != nil {
		at := *p.ExpiredAt
		t.ExpiredAt = &at
	}
	if p.CancelledAt != nil {
		at := *p.CancelledAt
		t.CancelledAt = &at
	}
	if p.LastTriggeredAt != nil {
		at := *p.LastTriggeredAt
		t.LastTriggeredAt = &at
	}
	if p.TriggerCount != nil {
		t.TriggerCount = *p.TriggerCount
	}
	t.UpdatedAt = now.UTC()
	return t
}
