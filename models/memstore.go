package models

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps snapshots in maps. Values are copied on the way in and
// out so callers never share a pointer with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]Project
	segments map[string]Segment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]Project),
		segments: make(map[string]Segment),
	}
}

func copyProject(p Project) *Project {
	p.SegmentIDs = append([]string(nil), p.SegmentIDs...)
	return &p
}

func (m *MemoryStore) SaveProject(_ context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = *copyProject(*p)
	return nil
}

func (m *MemoryStore) GetProject(_ context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return copyProject(p), nil
}

func (m *MemoryStore) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	return nil
}

func (m *MemoryStore) ListProjects(_ context.Context) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		res = append(res, copyProject(p))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) SaveSegment(_ context.Context, s *Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[s.ID] = *s
	return nil
}

func (m *MemoryStore) SaveSegments(_ context.Context, segments []*Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range segments {
		m.segments[s.ID] = *s
	}
	return nil
}

func (m *MemoryStore) GetSegment(_ context.Context, id string) (*Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.segments[id]
	if !ok {
		return nil, fmt.Errorf("segment %s: %w", id, ErrNotFound)
	}
	return &s, nil
}

func (m *MemoryStore) ListSegments(_ context.Context, projectID string) ([]*Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []*Segment
	for _, s := range m.segments {
		if s.ProjectID == projectID {
			s := s
			res = append(res, &s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Index < res[j].Index })
	return res, nil
}

func (m *MemoryStore) DeleteSegments(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.segments {
		if s.ProjectID == projectID {
			delete(m.segments, id)
		}
	}
	return nil
}
