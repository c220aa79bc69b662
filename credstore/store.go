// Package credstore provides the durable credential store behind the
// authentication server: a mapping from user or client id to a
// credential record (password-derived key material plus an admin flag).
//
// Two implementations are provided: FileStore persists every mutation
// to a single file with atomic replace semantics, and MemStore is an
// in-memory fixture for tests and simulation mode. The server engine
// depends only on the Store interface.
package credstore

import (
	"errors"
	"time"

	"github.com/kardianos/authd/clock"
)

// Store errors. Mutating operations never leave the store partially
// updated: either the whole record is written and persisted, or the
// prior state remains authoritative.
var (
	// ErrNotFound indicates the referenced id has no record.
	ErrNotFound = errors.New("no such user")

	// ErrRegistrationClosed indicates an unauthenticated registration
	// was attempted outside the bootstrap registration window.
	ErrRegistrationClosed = errors.New("registration closed")
)

// Record is a whole credential record. Records are replaced as a unit,
// never partially updated.
type Record struct {
	ID          string `cbor:"id"`
	Credentials []byte `cbor:"credentials"`
	Admin       bool   `cbor:"admin"`
}

// Store is the credential store contract. All operations are safe for
// concurrent use; mutations are serialized per store and persist
// synchronously before returning.
type Store interface {
	// Credentials returns the stored credential bytes for id.
	Credentials(id string) ([]byte, error)

	// IsAdmin reports whether id has administrator rights.
	IsAdmin(id string) (bool, error)

	// SetAdmin changes the admin flag of an existing record and
	// persists immediately.
	SetAdmin(id string, admin bool) error

	// HasEntry reports whether a record exists for id.
	HasEntry(id string) bool

	// SetCredentials creates or replaces a record, preserving the
	// existing admin flag (false for new ids). This is the
	// unauthenticated bootstrap path: it fails with
	// ErrRegistrationClosed outside the registration window.
	SetCredentials(id string, credentials []byte) error

	// AddEntry creates or replaces a record with an explicit admin
	// flag. Callers are expected to have passed authorization checks
	// already; the registration window does not apply.
	AddEntry(id string, credentials []byte, admin bool) error

	// RemoveEntry deletes the record for id. Removing an absent id is
	// a no-op.
	RemoveEntry(id string) error

	// RegistrationOpen reports whether the bootstrap registration
	// window is currently open.
	RegistrationOpen() bool
}

// RegistrationGate implements the time-boxed bootstrap registration
// window: a configured duration measured from store construction during
// which unauthenticated registration is permitted. A zero length means
// registration is disabled. A nil *RegistrationGate is always open and
// is used by test fixtures.
type RegistrationGate struct {
	clk    clock.Clock
	start  time.Time
	length time.Duration
}

// NewRegistrationGate returns a gate that opens now and closes after
// length. The expiry check is a pure function of elapsed time since
// start; no synchronization is needed beyond the immutable fields.
func NewRegistrationGate(clk clock.Clock, length time.Duration) *RegistrationGate {
	if clk == nil {
		clk = clock.Real()
	}
	return &RegistrationGate{clk: clk, start: clk.Now(), length: length}
}

// Open reports whether the window is still open. The boundary is
// inclusive: a registration at exactly start+length is admitted.
func (g *RegistrationGate) Open() bool {
	if g == nil {
		return true
	}
	if g.length <= 0 {
		return false
	}
	return g.clk.Now().Sub(g.start) <= g.length
}
