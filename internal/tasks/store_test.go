package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func storeBackends(t *testing.T) map[string]Store {
	t.Helper()
	sheets, err := NewSheetStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSheetStore() error = %v", err)
	}
	boltStore, err := NewBoltStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() {
		sheets.Close()
		boltStore.Close()
	})
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sheets": sheets,
		"bolt":   boltStore,
	}
}

func sampleTask(id string, status TaskStatus, createdAtMs int64) Task {
	created := time.UnixMilli(createdAtMs).UTC()
	return Task{
		ID:              id,
		Status:          status,
		To:              "5511999998888@s.whatsapp.net",
		Scope:           "private",
		RequestBodyType: "auto",
		SentMessageID:   "MSG-" + id,
		Expected: []ExpectedEntry{
			{Key: "yes", Aliases: []string{"sim"}},
		},
		CreatedAt:   created,
		CreatedAtMs: createdAtMs,
		UpdatedAt:   created,
		TimeoutMs:   20000,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := sampleTask("a", TaskStatusPending, 1000)
			expires := task.CreatedAt.Add(20 * time.Second)
			task.ExpiresAt = &expires
			task.ExpiresAtMs = expires.UnixMilli()

			if err := store.Save(ctx, task); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			got, err := store.GetByID(ctx, "a")
			if err != nil {
				t.Fatalf("GetByID() error = %v", err)
			}
			if got.Status != TaskStatusPending {
				t.Fatalf("got.Status = %q, want pending", got.Status)
			}
			if got.SentMessageID != "MSG-a" {
				t.Fatalf("got.SentMessageID = %q, want MSG-a", got.SentMessageID)
			}
			if len(got.Expected) != 1 || got.Expected[0].Key != "yes" {
				t.Fatalf("got.Expected = %+v, want one yes entry", got.Expected)
			}
			if got.ExpiresAtMs != task.ExpiresAtMs {
				t.Fatalf("got.ExpiresAtMs = %d, want %d", got.ExpiresAtMs, task.ExpiresAtMs)
			}
			if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
				t.Fatalf("got.ExpiresAt = %v, want %v", got.ExpiresAt, expires)
			}
		})
	}
}

func TestStoreSaveIsUpsert(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := sampleTask("a", TaskStatusPending, 1000)
			if err := store.Save(ctx, task); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			task.Status = TaskStatusCompleted
			if err := store.Save(ctx, task); err != nil {
				t.Fatalf("Save() second error = %v", err)
			}

			all, err := store.GetAll(ctx)
			if err != nil {
				t.Fatalf("GetAll() error = %v", err)
			}
			if len(all) != 1 {
				t.Fatalf("GetAll() len = %d, want 1", len(all))
			}
			if all[0].Status != TaskStatusCompleted {
				t.Fatalf("status after upsert = %q, want completed", all[0].Status)
			}
		})
	}
}

func TestStoreGetAllOrdersNewestFirst(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, task := range []Task{
				sampleTask("old", TaskStatusCompleted, 1000),
				sampleTask("new", TaskStatusPending, 3000),
				sampleTask("mid", TaskStatusPersistent, 2000),
			} {
				if err := store.Save(ctx, task); err != nil {
					t.Fatalf("Save(%s) error = %v", task.ID, err)
				}
			}

			all, err := store.GetAll(ctx)
			if err != nil {
				t.Fatalf("GetAll() error = %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("GetAll() len = %d, want 3", len(all))
			}
			wantOrder := []string{"new", "mid", "old"}
			for i, want := range wantOrder {
				if all[i].ID != want {
					t.Fatalf("GetAll()[%d].ID = %q, want %q", i, all[i].ID, want)
				}
			}
		})
	}
}

func TestStoreUpdateStampsUpdatedAt(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := sampleTask("a", TaskStatusPending, 1000)
			if err := store.Save(ctx, task); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			attending := TaskStatusAttending
			now := time.Now().UTC()
			updated, err := store.Update(ctx, "a", Patch{Status: &attending, AttendingAt: &now})
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			if updated.Status != TaskStatusAttending {
				t.Fatalf("updated.Status = %q, want attending", updated.Status)
			}
			if updated.AttendingAt == nil {
				t.Fatalf("updated.AttendingAt = nil, want timestamp")
			}
			if !updated.UpdatedAt.After(task.UpdatedAt) {
				t.Fatalf("updated.UpdatedAt = %v, want after %v", updated.UpdatedAt, task.UpdatedAt)
			}
			if updated.SentMessageID != task.SentMessageID {
				t.Fatalf("updated.SentMessageID = %q, want untouched %q", updated.SentMessageID, task.SentMessageID)
			}
		})
	}
}

func TestStoreUpdateUnknownID(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			status := TaskStatusCancelled
			_, err := store.Update(context.Background(), "missing", Patch{Status: &status})
			if !errors.Is(err, ErrStoreNotFound) {
				t.Fatalf("Update() error = %v, want ErrStoreNotFound", err)
			}
		})
	}
}

func TestStoreRemove(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Save(ctx, sampleTask("a", TaskStatusExpired, 1000)); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			removed, err := store.Remove(ctx, "a")
			if err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			if !removed {
				t.Fatalf("Remove() = false, want true")
			}

			removed, err = store.Remove(ctx, "a")
			if err != nil {
				t.Fatalf("Remove() second error = %v", err)
			}
			if removed {
				t.Fatalf("Remove() second = true, want false")
			}

			if _, err := store.GetByID(ctx, "a"); !errors.Is(err, ErrStoreNotFound) {
				t.Fatalf("GetByID() after remove error = %v, want ErrStoreNotFound", err)
			}
		})
	}
}

func TestSheetStoreMovesRowsBetweenSheets(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSheetStore(dir)
	if err != nil {
		t.Fatalf("NewSheetStore() error = %v", err)
	}
	ctx := context.Background()

	if err := store.Save(ctx, sampleTask("a", TaskStatusPending, 1000)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	completed := TaskStatusCompleted
	if _, err := store.Update(ctx, "a", Patch{Status: &completed}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	open, err := store.readSheetLocked(sheetOpen)
	if err != nil {
		t.Fatalf("readSheetLocked(open) error = %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open sheet len = %d, want 0", len(open))
	}
	done, err := store.readSheetLocked(sheetCompleted)
	if err != nil {
		t.Fatalf("readSheetLocked(completed) error = %v", err)
	}
	if len(done) != 1 || done[0].ID != "a" {
		t.Fatalf("completed sheet = %+v, want task a", done)
	}
}

func TestSheetStorePersistentLivesInOpenSheet(t *testing.T) {
	store, err := NewSheetStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSheetStore() error = %v", err)
	}
	if err := store.Save(context.Background(), sampleTask("p", TaskStatusPersistent, 1000)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	open, err := store.readSheetLocked(sheetOpen)
	if err != nil {
		t.Fatalf("readSheetLocked(open) error = %v", err)
	}
	if len(open) != 1 || open[0].Status != TaskStatusPersistent {
		t.Fatalf("open sheet = %+v, want the persistent task", open)
	}
}

func TestSheetStoreToleratesLegacyShortRows(t *testing.T) {
	record := taskToRecord(sampleTask("legacy", TaskStatusPending, 1000))
	// Rows written before the trigger columns existed stop at notes.
	legacy := record[:22]

	got, ok := taskFromRecord(legacy)
	if !ok {
		t.Fatalf("taskFromRecord(legacy) ok = false, want true")
	}
	if got.ID != "legacy" || got.TriggerCount != 0 || got.LastTriggeredAt != nil {
		t.Fatalf("taskFromRecord(legacy) = %+v, want zero trigger fields", got)
	}
}
