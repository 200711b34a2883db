package engine

import (
	"errors"
	"fmt"
)

// Boundary errors. The protocol layers map these to wire behavior: TFTP
// drops or returns file-not-found, HTTP returns 4xx/503, DHCP stays silent.
var (
	// ErrMalformedRequest marks an unparseable boot request. No state is
	// created or modified.
	ErrMalformedRequest = errors.New("malformed boot request")
	// ErrUnknownNode means no matching record exists and auto-discovery
	// is disabled.
	ErrUnknownNode = errors.New("unknown node")
	// ErrIllegalTransition is a state machine reject.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrBusy means the node lock acquisition wait was exceeded. Callers
	// may retry with backoff.
	ErrBusy = errors.New("busy")
	// ErrStoreUnavailable marks a transient repository failure. The
	// lifecycle never advances and no partial commit is fabricated.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrSelfApprovalForbidden rejects a vote whose identity equals the
	// approval requester.
	ErrSelfApprovalForbidden = errors.New("self approval forbidden")
	// ErrSessionClosed means the referenced boot session can no longer
	// accept reports.
	ErrSessionClosed = errors.New("session closed")
)

// TemplateError reports an unresolved placeholder in a workflow template.
// The workflow fails fast and the node is not advanced.
type TemplateError struct {
	Placeholder string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("unresolved template placeholder %q", e.Placeholder)
}
