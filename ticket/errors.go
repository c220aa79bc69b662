package ticket

import (
	"errors"
	"fmt"

	"github.com/kardianos/authd/credstore"
)

// Failure taxonomy. Every operation reports exactly one of these kinds,
// wrapped once at the point of failure; callers test with errors.Is.
// The kinds round-trip over the wire so a remote caller sees the same
// sentinels as an in-process one.
var (
	// ErrDecryptionFailed means a wrong key or a corrupted envelope.
	// On the client this usually means a wrong password (login) or a
	// forged/stale session (privileged operations).
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrRejected means the ticket/authenticator validation failed:
	// identity mismatch, expired validity window, or an old-credential
	// mismatch. The server never retries; the client may
	// re-authenticate.
	ErrRejected = errors.New("ticket rejected")

	// ErrPermissionDenied means an authorization rule failed (not
	// self, not admin). Terminal.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInternal is an unexpected I/O failure or a protocol invariant
	// violated in a way that should be impossible with correct peers.
	// It is reported to remote callers without internal detail.
	ErrInternal = errors.New("internal server error")

	// ErrNotFound and ErrRegistrationClosed originate in the store and
	// are re-exported so protocol callers handle one package's errors.
	ErrNotFound           = credstore.ErrNotFound
	ErrRegistrationClosed = credstore.ErrRegistrationClosed
)

// Wire codes for the taxonomy. The transport carries the code instead
// of the error chain; errorFromCode rebuilds the matching sentinel on
// the far side.
const (
	codeNotFound           = "not_found"
	codeDecryptionFailed   = "decryption_failed"
	codeRejected           = "rejected"
	codePermissionDenied   = "permission_denied"
	codeRegistrationClosed = "registration_closed"
	codeInternal           = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return codeNotFound
	case errors.Is(err, ErrDecryptionFailed):
		return codeDecryptionFailed
	case errors.Is(err, ErrRejected):
		return codeRejected
	case errors.Is(err, ErrPermissionDenied):
		return codePermissionDenied
	case errors.Is(err, ErrRegistrationClosed):
		return codeRegistrationClosed
	default:
		return codeInternal
	}
}

func errorFromCode(code, message string) error {
	var sentinel error
	switch code {
	case codeNotFound:
		sentinel = ErrNotFound
	case codeDecryptionFailed:
		sentinel = ErrDecryptionFailed
	case codeRejected:
		sentinel = ErrRejected
	case codePermissionDenied:
		sentinel = ErrPermissionDenied
	case codeRegistrationClosed:
		sentinel = ErrRegistrationClosed
	default:
		sentinel = ErrInternal
	}
	if message == "" || message == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
