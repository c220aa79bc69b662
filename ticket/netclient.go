package ticket

import (
	"fmt"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Remote implements Service against a Server over TCP. Each call
// opens a fresh connection; the remote service keeps all session
// state inside the tickets themselves, so no connection affinity is
// needed.
type Remote struct {
	addr    string
	timeout time.Duration
}

var _ Service = (*Remote)(nil)

// NewRemote returns a client for the server at addr.
func NewRemote(addr string) *Remote {
	return &Remote{addr: addr, timeout: 10 * time.Second}
}

func (r *Remote) RequestTicketGrantingTicket(identity string) (TicketSessionKey, error) {
	var result TicketSessionKey
	err := r.call(opRequestTicketGrantingTicket, identity, &result)
	return result, err
}

func (r *Remote) RequestClientServerTicket(wrapper TicketAuthenticator) (TicketSessionKey, error) {
	var result TicketSessionKey
	err := r.call(opRequestClientServerTicket, wrapper, &result)
	return result, err
}

func (r *Remote) ValidateClientServerTicket(wrapper TicketAuthenticator) (TicketAuthenticator, error) {
	var result TicketAuthenticator
	err := r.call(opValidateClientServerTicket, wrapper, &result)
	return result, err
}

func (r *Remote) ChangeCredentials(change CredentialChange) (TicketAuthenticator, error) {
	var result TicketAuthenticator
	err := r.call(opChangeCredentials, change, &result)
	return result, err
}

func (r *Remote) Register(change CredentialChange) (TicketAuthenticator, error) {
	var result TicketAuthenticator
	err := r.call(opRegister, change, &result)
	return result, err
}

func (r *Remote) SetAdministrator(change CredentialChange) (TicketAuthenticator, error) {
	var result TicketAuthenticator
	err := r.call(opSetAdministrator, change, &result)
	return result, err
}

func (r *Remote) RegisterClient(change CredentialChange) error {
	return r.call(opRegisterClient, change, nil)
}

func (r *Remote) InRegistrationMode() (bool, error) {
	var open bool
	err := r.call(opInRegistrationMode, nil, &open)
	return open, err
}

// call performs one request/response exchange. result may be nil for
// operations with no response body.
func (r *Remote) call(op string, body any, result any) error {
	var encBody []byte
	if body != nil {
		var err error
		encBody, err = encMode.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	frame, err := encMode.Marshal(request{Op: op, Body: encBody})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	conn, err := net.DialTimeout("tcp", r.addr, r.timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(r.timeout))

	if err := writeFrame(conn, frame); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	respFrame, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var resp response
	if err := cbor.Unmarshal(respFrame, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		return errorFromCode(resp.Code, resp.Err)
	}
	if result != nil {
		if err := cbor.Unmarshal(resp.Body, result); err != nil {
			return fmt.Errorf("decode response body: %w", err)
		}
	}
	return nil
}
