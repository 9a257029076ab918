package directory

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store used by tests and single-node demos.
type Memory struct {
	mu      sync.Mutex
	users   map[string]Member
	teams   map[string]Team
	members map[GroupKind]map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		users:   map[string]Member{},
		teams:   map[string]Team{},
		members: map[GroupKind]map[string][]string{},
	}
}

func (m *Memory) ListUsers(_ context.Context, after string, limit int) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.users[id])
	}
	return out, nil
}

func (m *Memory) ListMembers(_ context.Context, kind GroupKind, groupID, after string, limit int) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := append([]string(nil), m.members[kind][groupID]...)
	sort.Strings(ids)
	out := make([]Member, 0, len(ids))
	for _, id := range ids {
		if id <= after {
			continue
		}
		u, ok := m.users[id]
		if !ok {
			u = Member{ID: id}
		}
		out = append(out, u)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetTeam(_ context.Context, teamID string) (Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[teamID]
	if !ok {
		return Team{}, ErrUnknownTeam
	}
	return t, nil
}

func (m *Memory) UpsertUser(_ context.Context, u Member) error {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpsertTeam(_ context.Context, t Team) error {
	m.mu.Lock()
	m.teams[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) ReplaceMembers(_ context.Context, kind GroupKind, groupID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[kind] == nil {
		m.members[kind] = map[string][]string{}
	}
	m.members[kind][groupID] = append([]string(nil), ids...)
	return nil
}
