package ticket

import "fmt"

// validateTicket is the single enforcement point for identity binding
// and freshness. Every phase from TGS onward calls it before trusting
// a decrypted envelope:
//
//   - both client ids must be present,
//   - the authenticator's client id must match the ticket's
//     byte-for-byte,
//   - the authenticator's timestamp must fall within the ticket's
//     validity period (inclusive on both bounds, see
//     ValidityPeriod.Contains).
//
// Tickets outside the window are rejected, never silently extended.
func validateTicket(t Ticket, a Authenticator) error {
	if t.ClientID == "" {
		return fmt.Errorf("%w: missing client id in ticket", ErrRejected)
	}
	if a.ClientID == "" {
		return fmt.Errorf("%w: missing client id in authenticator", ErrRejected)
	}
	if a.ClientID != t.ClientID {
		return fmt.Errorf("%w: client ids do not match", ErrRejected)
	}
	if !t.Validity.Contains(a.Timestamp) {
		return fmt.Errorf("%w: session expired", ErrRejected)
	}
	return nil
}
