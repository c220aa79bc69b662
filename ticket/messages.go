// Package ticket implements a Kerberos-style three-party ticket
// protocol for a centralized authentication service.
//
// A client authenticates once against the key distribution phase,
// obtains a renewable ticket, and subsequently proves possession of
// that ticket to the service phase without resending a password. The
// package provides both sides of the exchange:
//
//   - Engine: the server-side protocol engine (KDC, TGS, and SS phase
//     handlers plus the privileged credential-management operations)
//   - the client driver functions (HandleKeyDistributionCenterResponse
//     and friends) that construct requests and unwrap responses
//   - SessionManager: a login/logout state machine built on the driver
//   - Server / Remote: a length-prefixed TCP front and its matching
//     network client
//
// All protocol structures travel encrypted inside authenticated
// envelopes; the wire encoding is deterministic CBOR.
package ticket

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// TicketLifetime is the validity window stamped on every issued or
// renewed ticket.
const TicketLifetime = 5 * time.Minute

// encMode encodes with Core Deterministic Encoding so the same logical
// structure always produces identical bytes (the envelope MAC covers
// the encoding).
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ticket: CBOR encoder initialization failed: " + err.Error())
	}
}

// ValidityPeriod is the freshness window attached to a ticket.
// Timestamps are unix milliseconds; both bounds are inclusive.
type ValidityPeriod struct {
	Begin int64 `cbor:"begin"`
	End   int64 `cbor:"end"`
}

// Contains reports whether ts falls inside the period. Inclusive on
// both ends: a timestamp equal to Begin or End is accepted.
func (p ValidityPeriod) Contains(ts int64) bool {
	return ts >= p.Begin && ts <= p.End
}

// Ticket binds a client identity to a session key and a validity
// window. Tickets are always transmitted encrypted under a key known
// only to the issuer; the client never sees the plaintext. The session
// key inside is the shared secret for the next protocol phase.
type Ticket struct {
	ClientID      string         `cbor:"client_id"`
	ClientAddress string         `cbor:"client_address,omitempty"`
	SessionKey    []byte         `cbor:"session_key"`
	Validity      ValidityPeriod `cbor:"validity"`
}

// Authenticator is the client-issued freshness proof accompanying a
// ticket. It travels encrypted under the session key from the ticket
// it accompanies; a successful decryption proves recent possession of
// that key. Timestamp is unix milliseconds.
type Authenticator struct {
	ClientID  string `cbor:"client_id"`
	Timestamp int64  `cbor:"timestamp"`
}

// TicketSessionKey is the response envelope of the KDC and TGS phases:
// the new ticket encrypted for the next authority, and the new session
// key encrypted for the requester (under the long-term credential key
// in the KDC phase, under the previous session key in the TGS phase).
type TicketSessionKey struct {
	Ticket     []byte `cbor:"ticket"`
	SessionKey []byte `cbor:"session_key"`
}

// TicketAuthenticator is the unit the client presents on every
// authenticated call from the SS phase onward, and that the server
// returns refreshed.
type TicketAuthenticator struct {
	Ticket        []byte `cbor:"ticket"`
	Authenticator []byte `cbor:"authenticator"`
}

// CredentialChange carries the credential-management requests. Old and
// new credentials are encrypted under the caller's service-phase
// session key, except on the unauthenticated bootstrap path
// (RegisterClient) where NewCredentials holds the bare credential hash.
type CredentialChange struct {
	ID                  string              `cbor:"id"`
	OldCredentials      []byte              `cbor:"old_credentials,omitempty"`
	NewCredentials      []byte              `cbor:"new_credentials"`
	Admin               bool                `cbor:"admin,omitempty"`
	TicketAuthenticator TicketAuthenticator `cbor:"ticket_authenticator"`
}

// resolveIdentity splits a login identity into the id a credential
// record is stored under. Three forms are accepted: "alice" and
// "alice@" name the user alice; "@mower" names the registered non-user
// client mower.
func resolveIdentity(identity string) (id string, isUser bool, err error) {
	user, client, found := strings.Cut(identity, "@")
	user = strings.TrimSpace(user)
	if user != "" {
		return user, true, nil
	}
	if found {
		client = strings.TrimSpace(client)
		if client != "" {
			return client, false, nil
		}
	}
	return "", false, fmt.Errorf("%w: empty identity", ErrNotFound)
}
