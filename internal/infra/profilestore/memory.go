// Package profilestore implements the identity.ProfileStore port.
package profilestore

import (
	"context"
	"strings"
	"sync"

	"github.com/mzlad1/mirabeauty-sub001/internal/domain/identity"
)

// MemoryStore keeps profiles in memory. A profile can be staged to become
// visible only after a number of lookups, mimicking a document store whose
// writes lag the identity provider.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]*identity.Profile
	pending  map[string]int
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*identity.Profile),
		pending:  make(map[string]int),
	}
}

// Put stores a profile, visible immediately.
func (s *MemoryStore) Put(profile identity.Profile) {
	s.PutAfter(profile, 0)
}

// PutAfter stores a profile that stays invisible for the next misses lookups.
func (s *MemoryStore) PutAfter(profile identity.Profile, misses int) {
	id := strings.TrimSpace(profile.IdentityID)
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[id] = profile.Clone()
	if misses > 0 {
		s.pending[id] = misses
	} else {
		delete(s.pending, id)
	}
}

// Delete removes a profile.
func (s *MemoryStore) Delete(identityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, identityID)
	delete(s.pending, identityID)
}

// GetProfile implements identity.ProfileStore.
func (s *MemoryStore) GetProfile(ctx context.Context, identityID string) (*identity.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.pending[identityID]; n > 0 {
		s.pending[identityID] = n - 1
		return nil, nil
	}
	profile, ok := s.profiles[identityID]
	if !ok {
		return nil, nil
	}
	return profile.Clone(), nil
}
