package ticket

import (
	"fmt"
	"time"
)

// Client protocol driver: the stateless counterpart of the server
// engine. Each function consumes a server response (or prepares the
// next request) and hands back the updated envelope and key material;
// the SessionManager owns the state between calls.

// HandleKeyDistributionCenterResponse unwraps the KDC-phase response:
// it recovers the ticket-granting session key using the password-
// derived credential hash and builds the authenticator for the TGS
// phase. A wrong password surfaces as ErrDecryptionFailed here, since
// the session key envelope will not open.
func HandleKeyDistributionCenterResponse(clientID string, credentialHash []byte, response TicketSessionKey, now time.Time) (TicketAuthenticator, []byte, error) {
	var sessionKey []byte
	if err := open(response.SessionKey, credentialHash, usageSessionKey, &sessionKey); err != nil {
		return TicketAuthenticator{}, nil, err
	}
	if len(sessionKey) != keySize {
		return TicketAuthenticator{}, nil, fmt.Errorf("%w: malformed session key", ErrDecryptionFailed)
	}

	wrapper, err := wrapWithAuthenticator(clientID, sessionKey, response.Ticket, now)
	if err != nil {
		return TicketAuthenticator{}, nil, err
	}
	return wrapper, sessionKey, nil
}

// HandleTicketGrantingServiceResponse unwraps the TGS-phase response:
// it recovers the service session key using the previous phase's
// session key (which is thereby superseded) and builds the
// authenticator for the SS phase.
func HandleTicketGrantingServiceResponse(clientID string, tgsSessionKey []byte, response TicketSessionKey, now time.Time) (TicketAuthenticator, []byte, error) {
	var sessionKey []byte
	if err := open(response.SessionKey, tgsSessionKey, usageSessionKey, &sessionKey); err != nil {
		return TicketAuthenticator{}, nil, err
	}
	if len(sessionKey) != keySize {
		return TicketAuthenticator{}, nil, fmt.Errorf("%w: malformed session key", ErrDecryptionFailed)
	}

	wrapper, err := wrapWithAuthenticator(clientID, sessionKey, response.Ticket, now)
	if err != nil {
		return TicketAuthenticator{}, nil, err
	}
	return wrapper, sessionKey, nil
}

// InitServiceServerRequest stamps a fresh authenticator onto an
// existing wrapper before an SS-phase call. The ticket itself is
// opaque to the client; only the authenticator is rebuilt.
func InitServiceServerRequest(sessionKey []byte, wrapper TicketAuthenticator, now time.Time) (TicketAuthenticator, error) {
	var auth Authenticator
	if err := open(wrapper.Authenticator, sessionKey, usageAuthenticator, &auth); err != nil {
		return TicketAuthenticator{}, err
	}
	return wrapWithAuthenticator(auth.ClientID, sessionKey, wrapper.Ticket, now)
}

// HandleServiceServerResponse checks an SS-phase response against the
// request it answers: the returned authenticator must open under the
// session key and echo the request's authenticator, proving the
// response came from the holder of the service key chain. It returns
// the refreshed wrapper to present on the next call.
func HandleServiceServerResponse(sessionKey []byte, request, response TicketAuthenticator) (TicketAuthenticator, error) {
	var sent, echoed Authenticator
	if err := open(request.Authenticator, sessionKey, usageAuthenticator, &sent); err != nil {
		return TicketAuthenticator{}, err
	}
	if err := open(response.Authenticator, sessionKey, usageAuthenticator, &echoed); err != nil {
		return TicketAuthenticator{}, err
	}
	if sent != echoed {
		return TicketAuthenticator{}, fmt.Errorf("%w: response does not answer this request", ErrRejected)
	}
	return response, nil
}

func wrapWithAuthenticator(clientID string, sessionKey []byte, encTicket []byte, now time.Time) (TicketAuthenticator, error) {
	auth := Authenticator{ClientID: clientID, Timestamp: now.UnixMilli()}
	encAuth, err := seal(auth, sessionKey, usageAuthenticator)
	if err != nil {
		return TicketAuthenticator{}, err
	}
	return TicketAuthenticator{Ticket: encTicket, Authenticator: encAuth}, nil
}
