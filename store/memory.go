package store

import (
	"context"
	"slices"
	"sync"
)

type memoryStore struct {
	mutex  sync.RWMutex
	rows   map[int64]Entry
	byKey  map[string][]int64
	nextID int64
}

var _ Store = (*memoryStore)(nil)

// NewMemory returns a Store that keeps rows in process memory. Ids are
// assigned sequentially starting at 1. Nothing survives a restart.
func NewMemory() Store {
	return &memoryStore{
		rows:  make(map[int64]Entry),
		byKey: make(map[string][]int64),
	}
}

func (s *memoryStore) Insert(_ context.Context, e Entry) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.nextID++
	e.ID = s.nextID
	e.ExpireAt = NormalizeExpiry(e.ExpireAt)
	s.rows[e.ID] = e
	s.byKey[e.Key] = append(s.byKey[e.Key], e.ID)
	return e.ID, nil
}

func (s *memoryStore) UpdateByID(_ context.Context, e Entry) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	old, ok := s.rows[e.ID]
	if !ok {
		return 0, nil
	}
	if old.Key != e.Key {
		s.unindex(old.Key, old.ID)
		s.byKey[e.Key] = append(s.byKey[e.Key], e.ID)
		slices.Sort(s.byKey[e.Key])
	}
	e.ExpireAt = NormalizeExpiry(e.ExpireAt)
	s.rows[e.ID] = e
	return 1, nil
}

func (s *memoryStore) DeleteByKey(_ context.Context, key string) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ids := s.byKey[key]
	for _, id := range ids {
		delete(s.rows, id)
	}
	delete(s.byKey, key)
	return int64(len(ids)), nil
}

func (s *memoryStore) unindex(key string, id int64) {
	ids := slices.DeleteFunc(s.byKey[key], func(v int64) bool { return v == id })
	if len(ids) == 0 {
		delete(s.byKey, key)
		return
	}
	s.byKey[key] = ids
}

// first returns the lowest-id row for key. Callers hold the read lock.
func (s *memoryStore) first(key string) (Entry, bool) {
	ids := s.byKey[key]
	if len(ids) == 0 {
		return Entry{}, false
	}
	return s.rows[ids[0]], true
}

func (s *memoryStore) SelectIDAndExpireByKey(_ context.Context, key string) (Entry, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.first(key)
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{ID: e.ID, Key: e.Key, ExpireAt: e.ExpireAt}, true, nil
}

func (s *memoryStore) SelectFullByKey(_ context.Context, key string) (Entry, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.first(key)
	return e, ok, nil
}

func (s *memoryStore) SelectValueByKey(_ context.Context, key string) (string, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.first(key)
	return e.Value, ok, nil
}

func (s *memoryStore) Close() error {
	return nil
}
