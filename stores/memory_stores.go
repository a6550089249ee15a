package stores

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oarkflow/trustkit"
)

// MemoryAssignmentStore keeps assignments in memory for tests and demos.
type MemoryAssignmentStore struct {
	mu          sync.RWMutex
	assignments map[string]*trustkit.RoleAssignment
	order       []string
}

func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{assignments: make(map[string]*trustkit.RoleAssignment)}
}

func (s *MemoryAssignmentStore) SaveAssignment(ctx context.Context, a *trustkit.RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	dup := *a
	dup.Conditions = slices.Clone(a.Conditions)
	s.assignments[a.ID] = &dup
	return nil
}

func (s *MemoryAssignmentStore) ListAssignments(ctx context.Context) ([]*trustkit.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*trustkit.RoleAssignment, 0, len(s.order))
	for _, id := range s.order {
		dup := *s.assignments[id]
		out = append(out, &dup)
	}
	return out, nil
}

// MemoryEnforcer records blocks in memory with their expiry. It satisfies
// monitor.Enforcer.
type MemoryEnforcer struct {
	mu    sync.RWMutex
	now   func() time.Time
	users map[string]time.Time
	ips   map[string]time.Time
}

// NewMemoryEnforcer uses now for expiry checks; nil means time.Now.
func NewMemoryEnforcer(now func() time.Time) *MemoryEnforcer {
	if now == nil {
		now = time.Now
	}
	return &MemoryEnforcer{now: now, users: make(map[string]time.Time), ips: make(map[string]time.Time)}
}

func (m *MemoryEnforcer) BlockUser(ctx context.Context, userID string, d time.Duration, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = m.now().Add(d)
	return nil
}

func (m *MemoryEnforcer) BlockIP(ctx context.Context, ip string, d time.Duration, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ips[ip] = m.now().Add(d)
	return nil
}

func (m *MemoryEnforcer) IsUserBlocked(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.users[userID]
	return ok && m.now().Before(until), nil
}

func (m *MemoryEnforcer) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.ips[ip]
	return ok && m.now().Before(until), nil
}
