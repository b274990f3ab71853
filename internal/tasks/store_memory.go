package tasks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps tasks in a process-local map. It backs tests and
// deployments that opt out of durable storage.
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tasks: make(map[string]Task)}
}

func (s *InMemoryStore) GetAll(_ context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sortTasksByCreation(out)
	return out, nil
}

func (s *InMemoryStore) GetByID(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return t.Clone(), nil
}

func (s *InMemoryStore) Save(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *InMemoryStore) Update(_ context.Context, id string, patch Patch) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	merged := patch.Apply(t.Clone(), time.Now())
	s.tasks[id] = merged
	return merged.Clone(), nil
}

func (s *InMemoryStore) Remove(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	return ok, nil
}

func (s *InMemoryStore) Close() error { return nil }

func sortTasksByCreation(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		am, bm := a.CreatedAtMs, b.CreatedAtMs
		if am == 0 {
			am = a.CreatedAt.UnixMilli()
		}
		if bm == 0 {
			bm = b.CreatedAt.UnixMilli()
		}
		if am != bm {
			return am > bm
		}
		return a.ID > b.ID
	})
}
