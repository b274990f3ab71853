package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltTasksBucket = []byte("tasks")

// BoltStore keeps tasks in a single-file bbolt database, one JSON value per
// task id.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltTasksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create task bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetAll(_ context.Context) ([]Task, error) {
	var out []Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltTasksBucket).ForEach(func(_, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				// Skip corrupt records rather than failing the whole scan.
				return nil
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTasksByCreation(out)
	return out, nil
}

func (s *BoltStore) GetByID(_ context.Context, id string) (Task, error) {
	var t Task
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltTasksBucket).Get([]byte(id))
		if v == nil {
			return ErrStoreNotFound
		}
		return json.Unmarshal(v, &t)
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *BoltStore) Save(_ context.Context, task Task) error {
	b, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltTasksBucket).Put([]byte(task.ID), b)
	})
}

func (s *BoltStore) Update(_ context.Context, id string, patch Patch) (Task, error) {
	var merged Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltTasksBucket)
		v := bucket.Get([]byte(id))
		if v == nil {
			return ErrStoreNotFound
		}
		var t Task
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		merged = patch.Apply(t, time.Now())
		b, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), b)
	})
	if err != nil {
		return Task{}, err
	}
	return merged, nil
}

func (s *BoltStore) Remove(_ context.Context, id string) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltTasksBucket)
		if bucket.Get([]byte(id)) == nil {
			return nil
		}
		removed = true
		return bucket.Delete([]byte(id))
	})
	return removed, err
}

func (s *BoltStore) Close() error { return s.db.Close() }
