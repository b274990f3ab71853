package tasks

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeReplica struct {
	mu      sync.Mutex
	tasks   map[string]Task
	deleted []string
	latest  time.Time
}

func newFakeReplica() *fakeReplica {
	return &fakeReplica{tasks: make(map[string]Task)}
}

func (f *fakeReplica) Upsert(_ context.Context, task Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeReplica) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeReplica) LatestUpdatedAt(context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeReplica) FetchActive(context.Context) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, t := range f.tasks {
		if ActiveStatus(t.Status) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeReplica) Close() error { return nil }

func (f *fakeReplica) get(id string) (Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok
}

func TestSyncedStoreMirrorsWrites(t *testing.T) {
	replica := newFakeReplica()
	store := NewSyncedStore(NewInMemoryStore(), replica, nil)
	ctx := context.Background()

	if err := store.Save(ctx, sampleTask("a", TaskStatusPending, 1000)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	completed := TaskStatusCompleted
	if _, err := store.Update(ctx, "a", Patch{Status: &completed}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	removed, err := store.Remove(ctx, "a")
	if err != nil || !removed {
		t.Fatalf("Remove() = (%v, %v), want (true, nil)", removed, err)
	}

	// Close drains the op queue before returning.
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, ok := replica.get("a"); ok {
		t.Fatalf("replica still holds task a after delete")
	}
	if len(replica.deleted) != 1 || replica.deleted[0] != "a" {
		t.Fatalf("replica.deleted = %v, want [a]", replica.deleted)
	}
}

func TestSyncedStoreReadsAreLocal(t *testing.T) {
	replica := newFakeReplica()
	local := NewInMemoryStore()
	store := NewSyncedStore(local, replica, nil)
	defer store.Close()
	ctx := context.Background()

	// A record only the replica knows about must stay invisible.
	replica.tasks["ghost"] = sampleTask("ghost", TaskStatusPending, 1000)

	if err := store.Save(ctx, sampleTask("a", TaskStatusPending, 2000)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(all) != 1 || all[0].ID != "a" {
		t.Fatalf("GetAll() = %+v, want only the local task", all)
	}
	if _, err := store.GetByID(ctx, "ghost"); err != ErrStoreNotFound {
		t.Fatalf("GetByID(ghost) error = %v, want ErrStoreNotFound", err)
	}
}

func TestSyncOnStartupSeedsEmptyReplica(t *testing.T) {
	replica := newFakeReplica()
	local := NewInMemoryStore()
	store := NewSyncedStore(local, replica, nil)
	defer store.Close()
	ctx := context.Background()

	if err := local.Save(ctx, sampleTask("a", TaskStatusPending, 1000)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := local.Save(ctx, sampleTask("b", TaskStatusCompleted, 2000)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := store.SyncOnStartup(ctx); err != nil {
		t.Fatalf("SyncOnStartup() error = %v", err)
	}

	for _, id := range []string{"a", "b"} {
		if _, ok := replica.get(id); !ok {
			t.Fatalf("replica missing seeded task %s", id)
		}
	}
}

func TestSyncOnStartupRestoresFromNewerRemote(t *testing.T) {
	replica := newFakeReplica()
	local := NewInMemoryStore()
	store := NewSyncedStore(local, replica, nil)
	defer store.Close()
	ctx := context.Background()

	stale := sampleTask("stale", TaskStatusPending, 1000)
	stale.UpdatedAt = time.Now().Add(-time.Hour).UTC()
	if err := local.Save(ctx, stale); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	history := sampleTask("done", TaskStatusCompleted, 500)
	history.UpdatedAt = time.Now().Add(-2 * time.Hour).UTC()
	if err := local.Save(ctx, history); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	remote := sampleTask("remote", TaskStatusPending, 3000)
	remote.UpdatedAt = time.Now().UTC()
	replica.tasks["remote"] = remote
	replica.latest = remote.UpdatedAt

	if err := store.SyncOnStartup(ctx); err != nil {
		t.Fatalf("SyncOnStartup() error = %v", err)
	}

	if _, err := local.GetByID(ctx, "stale"); err != ErrStoreNotFound {
		t.Fatalf("GetByID(stale) error = %v, want removed", err)
	}
	if _, err := local.GetByID(ctx, "remote"); err != nil {
		t.Fatalf("GetByID(remote) error = %v, want restored", err)
	}
	// Terminal history is kept; only the active set is replaced.
	if _, err := local.GetByID(ctx, "done"); err != nil {
		t.Fatalf("GetByID(done) error = %v, want kept", err)
	}
}

func TestSyncOnStartupPushesNewerLocal(t *testing.T) {
	replica := newFakeReplica()
	local := NewInMemoryStore()
	store := NewSyncedStore(local, replica, nil)
	defer store.Close()
	ctx := context.Background()

	fresh := sampleTask("fresh", TaskStatusPending, 2000)
	fresh.UpdatedAt = time.Now().UTC()
	if err := local.Save(ctx, fresh); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	history := sampleTask("done", TaskStatusCancelled, 1000)
	history.UpdatedAt = fresh.UpdatedAt
	if err := local.Save(ctx, history); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	old := sampleTask("old", TaskStatusPending, 500)
	old.UpdatedAt = time.Now().Add(-time.Hour).UTC()
	replica.tasks["old"] = old
	replica.latest = old.UpdatedAt

	if err := store.SyncOnStartup(ctx); err != nil {
		t.Fatalf("SyncOnStartup() error = %v", err)
	}

	if _, ok := replica.get("fresh"); !ok {
		t.Fatalf("replica missing pushed active task")
	}
	if _, ok := replica.get("done"); ok {
		t.Fatalf("replica received terminal task, want active only")
	}
	if _, err := local.GetByID(ctx, "fresh"); err != nil {
		t.Fatalf("GetByID(fresh) error = %v, want untouched local", err)
	}
}
