package ticket

import (
	"crypto/hmac"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kardianos/authd/clock"
	"github.com/kardianos/authd/credstore"
)

// Service is the remote surface of the authentication server: the
// three ticket phases plus the credential-management operations. It is
// implemented in-process by Engine and over TCP by Remote; the session
// manager only ever sees this interface.
type Service interface {
	RequestTicketGrantingTicket(identity string) (TicketSessionKey, error)
	RequestClientServerTicket(wrapper TicketAuthenticator) (TicketSessionKey, error)
	ValidateClientServerTicket(wrapper TicketAuthenticator) (TicketAuthenticator, error)
	ChangeCredentials(change CredentialChange) (TicketAuthenticator, error)
	Register(change CredentialChange) (TicketAuthenticator, error)
	SetAdministrator(change CredentialChange) (TicketAuthenticator, error)
	RegisterClient(change CredentialChange) error
	InRegistrationMode() (bool, error)
}

// EngineConfig configures the protocol engine.
type EngineConfig struct {
	// Store holds the credential records. Required.
	Store credstore.Store

	// Clock drives validity windows. If nil, the real clock is used.
	Clock clock.Clock

	// TicketLifetime overrides the validity window length. Zero means
	// TicketLifetime (5 minutes).
	TicketLifetime time.Duration

	// Logger for engine events. If nil, logs are discarded.
	Logger *log.Logger
}

// Engine is the server-side ticket protocol engine. The two long-term
// keys are generated at construction, never leave the process, and are
// shared read-only across requests; the credential store is the only
// mutable state, and compound read-modify-write mutations are
// serialized by mu.
//
// The engine itself keeps no per-session state: all continuity between
// phases is carried inside the encrypted envelopes the client presents
// back.
type Engine struct {
	store    credstore.Store
	clk      clock.Clock
	lifetime time.Duration
	logger   *log.Logger

	// ticketGrantingKey encrypts tickets issued by the KDC phase;
	// serviceKey encrypts tickets from the TGS phase onward.
	ticketGrantingKey []byte
	serviceKey        []byte

	mu sync.Mutex
}

// NewEngine creates an engine with fresh long-term keys.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.TicketLifetime == 0 {
		cfg.TicketLifetime = TicketLifetime
	}

	tgKey, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	svcKey, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:             cfg.Store,
		clk:               cfg.Clock,
		lifetime:          cfg.TicketLifetime,
		logger:            cfg.Logger,
		ticketGrantingKey: tgKey,
		serviceKey:        svcKey,
	}, nil
}

func (e *Engine) newValidity() ValidityPeriod {
	now := e.clk.Now().UnixMilli()
	return ValidityPeriod{Begin: now, End: now + e.lifetime.Milliseconds()}
}

// RequestTicketGrantingTicket is the KDC phase: resolve the identity's
// credential key, mint a session key, and return the ticket-granting
// ticket sealed under the ticket-granting key together with the
// session key sealed under the resolved credential key. Only the
// legitimate credential holder can recover the session key.
func (e *Engine) RequestTicketGrantingTicket(identity string) (TicketSessionKey, error) {
	id, isUser, err := resolveIdentity(identity)
	if err != nil {
		return TicketSessionKey{}, err
	}

	credentials, err := e.store.Credentials(id)
	if err != nil {
		e.log("KDC request for unknown id %q", id)
		return TicketSessionKey{}, err
	}

	sessionKey, err := GenerateKey()
	if err != nil {
		return TicketSessionKey{}, err
	}

	tgt := Ticket{
		ClientID:   id,
		SessionKey: sessionKey,
		Validity:   e.newValidity(),
	}

	encTicket, err := seal(tgt, e.ticketGrantingKey, usageTicketGranting)
	if err != nil {
		return TicketSessionKey{}, err
	}
	encSessionKey, err := seal(sessionKey, credentials, usageSessionKey)
	if err != nil {
		return TicketSessionKey{}, err
	}

	e.log("issued ticket-granting ticket for %q (user=%v)", id, isUser)
	return TicketSessionKey{Ticket: encTicket, SessionKey: encSessionKey}, nil
}

// RequestClientServerTicket is the TGS phase: open the presented
// ticket-granting ticket and its authenticator, validate them, and
// trade them for a client-server ticket sealed under the service key.
// The new session key travels sealed under the previous one.
func (e *Engine) RequestClientServerTicket(wrapper TicketAuthenticator) (TicketSessionKey, error) {
	var tgt Ticket
	if err := open(wrapper.Ticket, e.ticketGrantingKey, usageTicketGranting, &tgt); err != nil {
		return TicketSessionKey{}, err
	}
	var auth Authenticator
	if err := open(wrapper.Authenticator, tgt.SessionKey, usageAuthenticator, &auth); err != nil {
		return TicketSessionKey{}, err
	}
	if err := validateTicket(tgt, auth); err != nil {
		e.log("TGS request rejected for %q: %v", tgt.ClientID, err)
		return TicketSessionKey{}, err
	}

	sessionKey, err := GenerateKey()
	if err != nil {
		return TicketSessionKey{}, err
	}

	cst := Ticket{
		ClientID:      tgt.ClientID,
		ClientAddress: tgt.ClientAddress,
		SessionKey:    sessionKey,
		Validity:      e.newValidity(),
	}

	encTicket, err := seal(cst, e.serviceKey, usageServiceTicket)
	if err != nil {
		return TicketSessionKey{}, err
	}
	encSessionKey, err := seal(sessionKey, tgt.SessionKey, usageSessionKey)
	if err != nil {
		return TicketSessionKey{}, err
	}

	e.log("issued client-server ticket for %q", tgt.ClientID)
	return TicketSessionKey{Ticket: encTicket, SessionKey: encSessionKey}, nil
}

// ValidateClientServerTicket is the SS phase: prove-you-are-still-
// authenticated. The validity period is renewed on success; the same
// check is the entry gate for every privileged operation below.
func (e *Engine) ValidateClientServerTicket(wrapper TicketAuthenticator) (TicketAuthenticator, error) {
	renewed, _, _, err := e.serviceCheck(wrapper)
	return renewed, err
}

// serviceCheck runs the SS-phase validation: open ticket and
// authenticator, validate, renew the validity period, and re-seal the
// ticket. It returns the refreshed wrapper plus the decrypted ticket
// and authenticator for operations that need the caller's identity and
// session key.
func (e *Engine) serviceCheck(wrapper TicketAuthenticator) (TicketAuthenticator, Ticket, Authenticator, error) {
	var cst Ticket
	if err := open(wrapper.Ticket, e.serviceKey, usageServiceTicket, &cst); err != nil {
		return TicketAuthenticator{}, Ticket{}, Authenticator{}, err
	}
	var auth Authenticator
	if err := open(wrapper.Authenticator, cst.SessionKey, usageAuthenticator, &auth); err != nil {
		return TicketAuthenticator{}, Ticket{}, Authenticator{}, err
	}
	if err := validateTicket(cst, auth); err != nil {
		return TicketAuthenticator{}, Ticket{}, Authenticator{}, err
	}

	cst.Validity = e.newValidity()
	encTicket, err := seal(cst, e.serviceKey, usageServiceTicket)
	if err != nil {
		return TicketAuthenticator{}, Ticket{}, Authenticator{}, err
	}

	renewed := TicketAuthenticator{Ticket: encTicket, Authenticator: wrapper.Authenticator}
	return renewed, cst, auth, nil
}

// ChangeCredentials lets an authenticated caller change their own
// credentials. Self-service only: the target id must equal the
// authenticated caller's id, and the presented old credentials must
// match the stored record.
func (e *Engine) ChangeCredentials(change CredentialChange) (TicketAuthenticator, error) {
	renewed, cst, auth, err := e.serviceCheck(change.TicketAuthenticator)
	if err != nil {
		return TicketAuthenticator{}, err
	}

	if change.ID != auth.ClientID {
		e.log("%q attempted credential change for %q", auth.ClientID, change.ID)
		return TicketAuthenticator{}, fmt.Errorf("%w: cannot change credentials of another user", ErrPermissionDenied)
	}

	var oldCredentials, newCredentials []byte
	if err := open(change.OldCredentials, cst.SessionKey, usageCredentialChange, &oldCredentials); err != nil {
		return TicketAuthenticator{}, err
	}
	if err := open(change.NewCredentials, cst.SessionKey, usageCredentialChange, &newCredentials); err != nil {
		return TicketAuthenticator{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stored, err := e.store.Credentials(change.ID)
	if err != nil {
		return TicketAuthenticator{}, err
	}
	if !hmac.Equal(oldCredentials, stored) {
		return TicketAuthenticator{}, fmt.Errorf("%w: the old password is wrong", ErrRejected)
	}
	admin, err := e.store.IsAdmin(change.ID)
	if err != nil {
		return TicketAuthenticator{}, err
	}
	if err := e.store.AddEntry(change.ID, newCredentials, admin); err != nil {
		return TicketAuthenticator{}, fmt.Errorf("%w: persisting credentials failed", ErrInternal)
	}

	e.log("credentials changed for %q", change.ID)
	return renewed, nil
}

// Register creates a new user on behalf of an authenticated
// administrator. Admins cannot overwrite themselves or any existing
// entry.
func (e *Engine) Register(change CredentialChange) (TicketAuthenticator, error) {
	renewed, cst, auth, err := e.serviceCheck(change.TicketAuthenticator)
	if err != nil {
		return TicketAuthenticator{}, err
	}

	admin, err := e.store.IsAdmin(auth.ClientID)
	if err != nil {
		return TicketAuthenticator{}, err
	}
	if !admin {
		e.log("non-admin %q attempted to register %q", auth.ClientID, change.ID)
		return TicketAuthenticator{}, fmt.Errorf("%w: registration requires administrator rights", ErrPermissionDenied)
	}

	var newCredentials []byte
	if err := open(change.NewCredentials, cst.SessionKey, usageCredentialChange, &newCredentials); err != nil {
		return TicketAuthenticator{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if change.ID == auth.ClientID || e.store.HasEntry(change.ID) {
		return TicketAuthenticator{}, fmt.Errorf("%w: cannot register an existing user", ErrRejected)
	}
	if err := e.store.AddEntry(change.ID, newCredentials, change.Admin); err != nil {
		return TicketAuthenticator{}, fmt.Errorf("%w: persisting credentials failed", ErrInternal)
	}

	e.log("%q registered %q (admin=%v)", auth.ClientID, change.ID, change.Admin)
	return renewed, nil
}

// SetAdministrator changes the admin flag of an existing user on
// behalf of an authenticated administrator. Admins cannot change their
// own flag.
func (e *Engine) SetAdministrator(change CredentialChange) (TicketAuthenticator, error) {
	renewed, _, auth, err := e.serviceCheck(change.TicketAuthenticator)
	if err != nil {
		return TicketAuthenticator{}, err
	}

	admin, err := e.store.IsAdmin(auth.ClientID)
	if err != nil {
		return TicketAuthenticator{}, err
	}
	if !admin {
		return TicketAuthenticator{}, fmt.Errorf("%w: changing administrator rights requires administrator rights", ErrPermissionDenied)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if change.ID == auth.ClientID {
		return TicketAuthenticator{}, fmt.Errorf("%w: cannot change your own administrator flag", ErrRejected)
	}
	if !e.store.HasEntry(change.ID) {
		return TicketAuthenticator{}, fmt.Errorf("%w: %s", ErrNotFound, change.ID)
	}
	if err := e.store.SetAdmin(change.ID, change.Admin); err != nil {
		return TicketAuthenticator{}, err
	}

	e.log("%q set admin=%v for %q", auth.ClientID, change.Admin, change.ID)
	return renewed, nil
}

// RegisterClient is the unauthenticated bootstrap path: it delegates
// to the store's registration-window-gated SetCredentials. The
// credential hash arrives in the clear since no session exists yet.
func (e *Engine) RegisterClient(change CredentialChange) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.SetCredentials(change.ID, change.NewCredentials); err != nil {
		return err
	}
	e.log("bootstrap-registered %q", change.ID)
	return nil
}

// InRegistrationMode reports whether the bootstrap registration window
// is currently open.
func (e *Engine) InRegistrationMode() (bool, error) {
	return e.store.RegistrationOpen(), nil
}

func (e *Engine) log(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf("[engine] "+format, args...)
	}
}
