package credstore

import (
	"fmt"
	"sync"
)

// MemStore is an in-memory Store for tests and simulation mode. It has
// no durability; mutations only touch the map. The registration window
// is open unless a gate is attached with SetGate.
type MemStore struct {
	mu      sync.RWMutex
	gate    *RegistrationGate
	records map[string]Record
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// SetGate attaches a registration window to the store. Fixtures that
// never call it keep registration open forever.
func (s *MemStore) SetGate(gate *RegistrationGate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

// Credentials returns the stored credential bytes for id.
func (s *MemStore) Credentials(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]byte(nil), r.Credentials...), nil
}

// IsAdmin reports whether id has administrator rights.
func (s *MemStore) IsAdmin(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Admin, nil
}

// SetAdmin changes the admin flag of an existing record.
func (s *MemStore) SetAdmin(id string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.Admin = admin
	s.records[id] = r
	return nil
}

// HasEntry reports whether a record exists for id.
func (s *MemStore) HasEntry(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// SetCredentials creates or replaces a record through the bootstrap
// registration path, preserving the existing admin flag.
func (s *MemStore) SetCredentials(id string, credentials []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gate.Open() {
		return fmt.Errorf("%w: cannot set credentials for %q", ErrRegistrationClosed, id)
	}
	admin := false
	if r, ok := s.records[id]; ok {
		admin = r.Admin
	}
	s.records[id] = Record{ID: id, Credentials: append([]byte(nil), credentials...), Admin: admin}
	return nil
}

// AddEntry creates or replaces a record with an explicit admin flag.
func (s *MemStore) AddEntry(id string, credentials []byte, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = Record{ID: id, Credentials: append([]byte(nil), credentials...), Admin: admin}
	return nil
}

// RemoveEntry deletes the record for id.
func (s *MemStore) RemoveEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// RegistrationOpen reports whether the bootstrap window is open.
func (s *MemStore) RegistrationOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gate.Open()
}
