package ticket

import (
	"errors"
	"testing"
	"time"

	"github.com/kardianos/authd/clock"
	"github.com/kardianos/authd/credstore"
)

func newTestSession(t *testing.T) (*SessionManager, *Engine, *credstore.MemStore, *clock.Fake) {
	t.Helper()
	engine, store, clk := newTestEngine(t)
	session, err := NewSessionManager(SessionConfig{Service: engine, Clock: clk})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	return session, engine, store, clk
}

func TestSessionLoginLogout(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	if session.IsLoggedIn() {
		t.Fatal("fresh session reports logged in")
	}
	if err := session.Login("user", "password"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !session.IsLoggedIn() {
		t.Fatal("not logged in after successful login")
	}
	if session.ClientID() != "user" {
		t.Fatalf("ClientID = %q, want %q", session.ClientID(), "user")
	}

	session.Logout()
	if session.IsLoggedIn() {
		t.Fatal("logged in after logout")
	}
	if session.ClientID() != "" {
		t.Fatalf("ClientID = %q after logout", session.ClientID())
	}
	// Logout is idempotent.
	session.Logout()
}

func TestSessionLoginReplacesPrevious(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	if err := session.Login("user", "password"); err != nil {
		t.Fatalf("Login(user): %v", err)
	}
	if err := session.Login("admin", "password"); err != nil {
		t.Fatalf("Login(admin): %v", err)
	}
	if session.ClientID() != "admin" {
		t.Fatalf("ClientID = %q, want %q", session.ClientID(), "admin")
	}
}

func TestSessionWrongPassword(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	err := session.Login("user", "wrong")
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("Login with wrong password: got %v, want ErrDecryptionFailed", err)
	}
	if session.IsLoggedIn() {
		t.Fatal("logged in after failed login")
	}
}

func TestSessionUnknownUser(t *testing.T) {
	session, _, _, _ := newTestSession(t)
	if err := session.Login("nobody", "password"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Login as unknown user: got %v, want ErrNotFound", err)
	}
}

func TestSessionRequiresLogin(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	if err := session.ChangeCredentials("password", "new"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("ChangeCredentials while logged out: got %v, want ErrPermissionDenied", err)
	}
	if err := session.Register("carol", "pw", false); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Register while logged out: got %v, want ErrPermissionDenied", err)
	}
	if err := session.SetAdministrator("user", true); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("SetAdministrator while logged out: got %v, want ErrPermissionDenied", err)
	}
}

func TestSessionChangeCredentials(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	if err := session.Login("user", "password"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := session.ChangeCredentials("password", "correct horse"); err != nil {
		t.Fatalf("ChangeCredentials: %v", err)
	}
	if !session.IsLoggedIn() {
		t.Fatal("logged out by successful credential change")
	}

	// The session survives the change and further operations work.
	if err := session.ChangeCredentials("correct horse", "battery staple"); err != nil {
		t.Fatalf("second ChangeCredentials: %v", err)
	}

	session.Logout()
	if err := session.Login("user", "password"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("Login with retired password: got %v, want ErrDecryptionFailed", err)
	}
	if err := session.Login("user", "battery staple"); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
}

func TestSessionChangeCredentialsWrongOld(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	if err := session.Login("user", "password"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := session.ChangeCredentials("wrong", "new"); !errors.Is(err, ErrRejected) {
		t.Fatalf("ChangeCredentials with wrong old password: got %v, want ErrRejected", err)
	}
	// A rejection is not a compromise; the session stays up.
	if !session.IsLoggedIn() {
		t.Fatal("logged out by rejected credential change")
	}
}

func TestSessionRegisterAndSetAdministrator(t *testing.T) {
	session, _, store, _ := newTestSession(t)

	if err := session.Login("admin", "password"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := session.Register("carol", "carolpw", false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !store.HasEntry("carol") {
		t.Fatal("carol was not registered")
	}
	if err := session.SetAdministrator("carol", true); err != nil {
		t.Fatalf("SetAdministrator: %v", err)
	}
	if admin, _ := store.IsAdmin("carol"); !admin {
		t.Fatal("carol was not promoted")
	}
}

func TestSessionRegisterDenied(t *testing.T) {
	session, _, store, _ := newTestSession(t)

	if err := session.Login("user", "password"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := session.Register("carol", "carolpw", false); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Register as non-admin: got %v, want ErrPermissionDenied", err)
	}
	if store.HasEntry("carol") {
		t.Fatal("record created despite denied request")
	}
	if !session.IsLoggedIn() {
		t.Fatal("logged out by denied request")
	}
}

func TestSessionRegisterClient(t *testing.T) {
	session, _, store, _ := newTestSession(t)

	// Bootstrap registration needs no login.
	if err := session.RegisterClient("mower", "mowerpw"); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if !store.HasEntry("mower") {
		t.Fatal("client was not registered")
	}
	if session.IsLoggedIn() {
		t.Fatal("RegisterClient changed the session state")
	}
	if err := session.Login("@mower", "mowerpw"); err != nil {
		t.Fatalf("Login as registered client: %v", err)
	}
}

func TestSessionExpiresAfterIdle(t *testing.T) {
	session, _, _, clk := newTestSession(t)

	if err := session.Login("user", "password"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	clk.Advance(TicketLifetime + time.Second)

	if err := session.ChangeCredentials("password", "new"); !errors.Is(err, ErrRejected) {
		t.Fatalf("privileged op on expired ticket: got %v, want ErrRejected", err)
	}
}

// corruptingService passes everything through to the wrapped Service
// but flips a byte in the authenticator of privileged-operation
// responses, simulating a tampering peer.
type corruptingService struct {
	Service
	corrupt bool
}

func (c *corruptingService) ChangeCredentials(change CredentialChange) (TicketAuthenticator, error) {
	response, err := c.Service.ChangeCredentials(change)
	if err != nil {
		return response, err
	}
	if c.corrupt {
		response.Authenticator = append([]byte(nil), response.Authenticator...)
		response.Authenticator[0] ^= 0x01
	}
	return response, nil
}

func TestSessionInvalidatedOnCorruptResponse(t *testing.T) {
	engine, _, clk := newTestEngine(t)
	service := &corruptingService{Service: engine, corrupt: true}
	session, err := NewSessionManager(SessionConfig{Service: service, Clock: clk})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	if err := session.Login("user", "password"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := session.ChangeCredentials("password", "new"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("corrupted response: got %v, want ErrDecryptionFailed", err)
	}
	if session.IsLoggedIn() {
		t.Fatal("session survived a response it could not decrypt")
	}
}
