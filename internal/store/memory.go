package store

import (
	"context"
	"sync"
	"time"

	"studentvc/pkg/platform/sentinel"
)

// Memory is an in-process Backend for tests and single instance demos.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
	clock   Clock
}

type MemoryOption func(*Memory)

func WithMemoryClock(clock Clock) MemoryOption {
	return func(m *Memory) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records: make(map[string]*Record),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Memory) Put(_ context.Context, subjectID, token string, status Status) (*Record, error) {
	if err := validate(subjectID, status); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(subjectID, token, status), nil
}

func (m *Memory) Insert(_ context.Context, subjectID, token string, status Status) (*Record, error) {
	if err := validate(subjectID, status); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[subjectID]; ok {
		return nil, sentinel.ErrConflict
	}
	return m.putLocked(subjectID, token, status), nil
}

func (m *Memory) putLocked(subjectID, token string, status Status) *Record {
	var version int64 = 1
	if prev, ok := m.records[subjectID]; ok {
		version = prev.Version + 1
	}
	rec := &Record{
		SubjectID: subjectID,
		Token:     token,
		Status:    status,
		IssuedAt:  m.clock().UTC(),
		Version:   version,
	}
	m.records[subjectID] = rec
	return rec.clone()
}

func (m *Memory) Get(_ context.Context, subjectID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[subjectID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec.clone(), nil
}

func (m *Memory) List(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.clone())
	}
	return out, nil
}

func (m *Memory) SetStatus(_ context.Context, subjectID string, status Status) (bool, error) {
	if err := validate(subjectID, status); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(subjectID, status), nil
}

func (m *Memory) SetStatusMany(_ context.Context, subjectIDs []string, status Status) ([]string, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := make([]string, 0, len(subjectIDs))
	for _, id := range subjectIDs {
		if m.setStatusLocked(id, status) {
			updated = append(updated, id)
		}
	}
	return updated, nil
}

func (m *Memory) setStatusLocked(subjectID string, status Status) bool {
	rec, ok := m.records[subjectID]
	if !ok {
		return false
	}
	now := m.clock().UTC()
	rec.Status = status
	rec.StatusUpdatedAt = &now
	rec.Version++
	return true
}
