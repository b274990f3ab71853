package tasks

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/IsaacDeMelo/botwpp/internal/observability"
)

// Replica is the remote mirror a SyncedStore pushes writes to.
type Replica interface {
	Upsert(ctx context.Context, task Task) error
	Delete(ctx context.Context, id string) error
	LatestUpdatedAt(ctx context.Context) (time.Time, error)
	FetchActive(ctx context.Context) ([]Task, error)
	Close() error
}

type replicaOpKind int

const (
	replicaOpUpsert replicaOpKind = iota
	replicaOpDelete
)

type replicaOp struct {
	kind replicaOpKind
	task Task
	id   string
}

// SyncedStore wraps a local Store and mirrors every write to a Replica from
// a single goroutine, so remote writes land in the same order the local ones
// happened. Replica failures are logged and never surface to callers; the
// local store stays authoritative.
type SyncedStore struct {
	local   Store
	replica Replica
	metrics *observability.Metrics

	ops      chan replicaOp
	done     chan struct{}
	closeOne sync.Once

	syncTimeout time.Duration
}

func NewSyncedStore(local Store, replica Replica, metrics *observability.Metrics) *SyncedStore {
	s := &SyncedStore{
		local:       local,
		replica:     replica,
		metrics:     metrics,
		ops:         make(chan replicaOp, 256),
		done:        make(chan struct{}),
		syncTimeout: 10 * time.Second,
	}
	go s.syncLoop()
	return s
}

func (s *SyncedStore) countSync(outcome string) {
	if s.metrics != nil {
		s.metrics.ReplicaSync.WithLabelValues(outcome).Inc()
	}
}

// SyncOnStartup reconciles local and remote state once at boot. The newer
// side wins: when the replica has fresher records (or the local store is
// empty) its active tasks replace the local active set; otherwise the local
// active set is pushed out to the replica.
func (s *SyncedStore) SyncOnStartup(ctx context.Context) error {
	localTasks, err := s.local.GetAll(ctx)
	if err != nil {
		return err
	}
	remoteLatest, err := s.replica.LatestUpdatedAt(ctx)
	if err != nil {
		return err
	}

	var localLatest time.Time
	for _, t := range localTasks {
		if t.UpdatedAt.After(localLatest) {
			localLatest = t.UpdatedAt
		}
	}

	if remoteLatest.IsZero() {
		// Fresh replica. Seed it with whatever the local side holds.
		for _, t := range localTasks {
			if err := s.replica.Upsert(ctx, t); err != nil {
				log.Printf("task replica: seed upsert failed for %s: %v", t.ID, err)
			}
		}
		return nil
	}

	if len(localTasks) == 0 || remoteLatest.After(localLatest) {
		remote, err := s.replica.FetchActive(ctx)
		if err != nil {
			return err
		}
		for _, t := range localTasks {
			if ActiveStatus(t.Status) {
				if _, err := s.local.Remove(ctx, t.ID); err != nil {
					return err
				}
			}
		}
		for _, t := range remote {
			if err := s.local.Save(ctx, t); err != nil {
				return err
			}
		}
		log.Printf("task replica: restored %d active task(s) from remote", len(remote))
		return nil
	}

	for _, t := range localTasks {
		if ActiveStatus(t.Status) {
			if err := s.replica.Upsert(ctx, t); err != nil {
				log.Printf("task replica: startup upsert failed for %s: %v", t.ID, err)
			}
		}
	}
	return nil
}

func (s *SyncedStore) syncLoop() {
	for op := range s.ops {
		ctx, cancel := context.WithTimeout(context.Background(), s.syncTimeout)
		var err error
		switch op.kind {
		case replicaOpUpsert:
			err = s.replica.Upsert(ctx, op.task)
		case replicaOpDelete:
			err = s.replica.Delete(ctx, op.id)
		}
		cancel()
		if err != nil {
			s.countSync("error")
			log.Printf("task replica: sync failed: %v", err)
			continue
		}
		s.countSync("ok")
	}
	close(s.done)
}

func (s *SyncedStore) enqueue(op replicaOp) {
	select {
	case s.ops <- op:
	default:
		// Dropping is preferable to blocking the matching hot path; the
		// next write for the same task re-converges the replica.
		s.countSync("dropped")
		log.Printf("task replica: sync queue full, dropping op for %s", op.task.ID+op.id)
	}
}

func (s *SyncedStore) GetAll(ctx context.Context) ([]Task, error) {
	return s.local.GetAll(ctx)
}

func (s *SyncedStore) GetByID(ctx context.Context, id string) (Task, error) {
	return s.local.GetByID(ctx, id)
}

func (s *SyncedStore) Save(ctx context.Context, task Task) error {
	if err := s.local.Save(ctx, task); err != nil {
		return err
	}
	s.enqueue(replicaOp{kind: replicaOpUpsert, task: task.Clone()})
	return nil
}

func (s *SyncedStore) Update(ctx context.Context, id string, patch Patch) (Task, error) {
	merged, err := s.local.Update(ctx, id, patch)
	if err != nil {
		return Task{}, err
	}
	s.enqueue(replicaOp{kind: replicaOpUpsert, task: merged.Clone()})
	return merged, nil
}

func (s *SyncedStore) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := s.local.Remove(ctx, id)
	if err != nil {
		return removed, err
	}
	if removed {
		s.enqueue(replicaOp{kind: replicaOpDelete, id: id})
	}
	return removed, nil
}

// Close stops accepting replica ops, waits for the queue to drain and closes
// both sides.
func (s *SyncedStore) Close() error {
	s.closeOne.Do(func() {
		close(s.ops)
	})
	select {
	case <-s.done:
	case <-time.After(s.syncTimeout):
		log.Printf("task replica: close timed out waiting for sync drain")
	}
	err := s.local.Close()
	if rerr := s.replica.Close(); err == nil {
		err = rerr
	}
	return err
}
