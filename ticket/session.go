package ticket

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/kardianos/authd/clock"
)

// SessionManager orchestrates login, logout, and authenticated
// operations as a small state machine (logged out <-> logged in) on
// top of the client protocol driver. It is transport-agnostic: it
// talks to any Service, whether an in-process Engine or a Remote.
//
// Safe for concurrent use; the session state is guarded by a mutex.
type SessionManager struct {
	service Service
	clk     clock.Clock
	logger  *log.Logger

	mu         sync.Mutex
	clientID   string
	wrapper    TicketAuthenticator
	sessionKey []byte
	loggedIn   bool
}

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	// Service is the authentication service to talk to. Required.
	Service Service

	// Clock stamps authenticator timestamps. If nil, the real clock
	// is used.
	Clock clock.Clock

	// Logger for session events. If nil, logs are discarded.
	Logger *log.Logger
}

// NewSessionManager creates a logged-out session manager.
func NewSessionManager(cfg SessionConfig) (*SessionManager, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &SessionManager{service: cfg.Service, clk: cfg.Clock, logger: cfg.Logger}, nil
}

// Login drives the KDC and TGS phases and stores the resulting
// client-server wrapper and session key. On a decryption failure the
// password was wrong: the manager stays logged out and reports
// ErrDecryptionFailed. A protocol-level rejection from the server
// should be impossible with a correct peer (the driver builds ticket
// and authenticator pairs that are self-consistent) and is surfaced as
// ErrInternal.
func (s *SessionManager) Login(clientID, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()

	credentialHash := Hash(password)

	kdcResponse, err := s.service.RequestTicketGrantingTicket(clientID)
	if err != nil {
		return s.loginError(err)
	}
	wrapper, tgsKey, err := HandleKeyDistributionCenterResponse(clientID, credentialHash, kdcResponse, s.clk.Now())
	if err != nil {
		return s.loginError(err)
	}

	tgsResponse, err := s.service.RequestClientServerTicket(wrapper)
	if err != nil {
		return s.loginError(err)
	}
	wrapper, sessionKey, err := HandleTicketGrantingServiceResponse(clientID, tgsKey, tgsResponse, s.clk.Now())
	if err != nil {
		return s.loginError(err)
	}

	s.clientID = clientID
	s.wrapper = wrapper
	s.sessionKey = sessionKey
	s.loggedIn = true
	s.log("logged in as %q", clientID)
	return nil
}

func (s *SessionManager) loginError(err error) error {
	switch {
	case errors.Is(err, ErrDecryptionFailed):
		s.log("login failed: wrong password")
		return err
	case errors.Is(err, ErrRejected):
		// Ticket and authenticator were built by our own driver for
		// the same identity; the server rejecting them means one side
		// is broken, not that the user did anything wrong.
		return fmt.Errorf("%w: unexpected rejection during login: %v", ErrInternal, err)
	default:
		return err
	}
}

// Logout unconditionally clears the ticket wrapper and session key.
// Idempotent.
func (s *SessionManager) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *SessionManager) clearLocked() {
	s.clientID = ""
	s.wrapper = TicketAuthenticator{}
	s.sessionKey = nil
	s.loggedIn = false
}

// IsLoggedIn reports whether a ticket wrapper and session key are
// present. It does not re-validate freshness: staleness is discovered
// on the next server round-trip.
func (s *SessionManager) IsLoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn && s.sessionKey != nil
}

// ClientID returns the id of the logged-in client, or "".
func (s *SessionManager) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// ChangeCredentials changes the logged-in user's own password:
// refresh-then-act. Any decryption failure during the exchange forces
// a logout, so a corrupted or forged response cannot leave stale
// trusted state in memory.
func (s *SessionManager) ChangeCredentials(oldPassword, newPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn {
		return fmt.Errorf("%w: not logged in", ErrPermissionDenied)
	}

	err := s.privilegedLocked(func(request TicketAuthenticator) (TicketAuthenticator, error) {
		oldSealed, err := seal(Hash(oldPassword), s.sessionKey, usageCredentialChange)
		if err != nil {
			return TicketAuthenticator{}, err
		}
		newSealed, err := seal(Hash(newPassword), s.sessionKey, usageCredentialChange)
		if err != nil {
			return TicketAuthenticator{}, err
		}
		return s.service.ChangeCredentials(CredentialChange{
			ID:                  s.clientID,
			OldCredentials:      oldSealed,
			NewCredentials:      newSealed,
			TicketAuthenticator: request,
		})
	})
	if err == nil {
		s.log("changed credentials for %q", s.clientID)
	}
	return err
}

// Register creates a new user through the logged-in administrator's
// session.
func (s *SessionManager) Register(newID, password string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn {
		return fmt.Errorf("%w: not logged in", ErrPermissionDenied)
	}

	return s.privilegedLocked(func(request TicketAuthenticator) (TicketAuthenticator, error) {
		sealed, err := seal(Hash(password), s.sessionKey, usageCredentialChange)
		if err != nil {
			return TicketAuthenticator{}, err
		}
		return s.service.Register(CredentialChange{
			ID:                  newID,
			NewCredentials:      sealed,
			Admin:               admin,
			TicketAuthenticator: request,
		})
	})
}

// SetAdministrator changes another user's admin flag through the
// logged-in administrator's session.
func (s *SessionManager) SetAdministrator(targetID string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn {
		return fmt.Errorf("%w: not logged in", ErrPermissionDenied)
	}

	return s.privilegedLocked(func(request TicketAuthenticator) (TicketAuthenticator, error) {
		return s.service.SetAdministrator(CredentialChange{
			ID:                  targetID,
			Admin:               admin,
			TicketAuthenticator: request,
		})
	})
}

// RegisterClient performs the unauthenticated bootstrap registration.
// It needs no session and leaves the state machine untouched.
func (s *SessionManager) RegisterClient(id, password string) error {
	return s.service.RegisterClient(CredentialChange{
		ID:             id,
		NewCredentials: Hash(password),
	})
}

// privilegedLocked runs one privileged operation: stamp a fresh
// authenticator, invoke the operation, and verify and store the
// refreshed wrapper from the response. A decryption failure anywhere
// forces a logout. The caller must hold mu and be logged in.
func (s *SessionManager) privilegedLocked(operation func(TicketAuthenticator) (TicketAuthenticator, error)) error {
	request, err := InitServiceServerRequest(s.sessionKey, s.wrapper, s.clk.Now())
	if err != nil {
		return s.invalidateOnDecryptFailure(err)
	}

	response, err := operation(request)
	if err != nil {
		return s.invalidateOnDecryptFailure(err)
	}

	refreshed, err := HandleServiceServerResponse(s.sessionKey, request, response)
	if err != nil {
		return s.invalidateOnDecryptFailure(err)
	}
	s.wrapper = refreshed
	return nil
}

// invalidateOnDecryptFailure forces a logout when err is a decryption
// failure: a response we cannot decrypt means a corrupted or forged
// session, and keeping its key material would be trusting it.
func (s *SessionManager) invalidateOnDecryptFailure(err error) error {
	if errors.Is(err, ErrDecryptionFailed) {
		s.clearLocked()
		s.log("decryption failure during privileged operation, session invalidated")
	}
	return err
}

func (s *SessionManager) log(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[session] "+format, args...)
	}
}
