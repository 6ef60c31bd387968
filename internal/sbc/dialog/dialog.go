// Package dialog defines the contract between the call-leg engine and the
// SIP transaction/dialog layer. The engine never parses SIP itself; it
// consumes requests and replies already broken into method, code, tags and
// a structured SDP body, and sends through the Dialog interface.
package dialog

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
)

// Status is the dialog-layer state as reported by the stack.
type Status int

const (
	// StatusDisconnected indicates no dialog exists (yet or anymore).
	StatusDisconnected Status = iota
	// StatusEarly indicates a provisional response created an early dialog.
	StatusEarly
	// StatusProceeding indicates the initial transaction is in progress.
	StatusProceeding
	// StatusConnected indicates the dialog is confirmed (2xx + ACK).
	StatusConnected
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusEarly:
		return "Early"
	case StatusProceeding:
		return "Proceeding"
	case StatusConnected:
		return "Connected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Headers is the subset of SIP headers the engine forwards verbatim.
// Keys are canonical header names.
type Headers map[string]string

// Clone returns a copy of the header set. Clone of nil is nil.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	c := make(Headers, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}

// Get returns the header value or "".
func (h Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	return h[name]
}

// Request is an inbound or relayed SIP request as delivered by the stack.
type Request struct {
	Method  sip.RequestMethod
	CSeq    uint32
	FromTag string
	ToTag   string
	Hdrs    Headers
	Body    *sdp.SessionDescription
}

// Reply is a SIP response as delivered by the stack.
type Reply struct {
	Method  sip.RequestMethod // method of the request this replies to
	Code    sip.StatusCode
	Reason  string
	CSeq    uint32
	CallID  string
	FromTag string
	ToTag   string
	Hdrs    Headers
	Body    *sdp.SessionDescription
}

// IsProvisional reports whether the reply is 1xx.
func (r *Reply) IsProvisional() bool { return r.Code < 200 }

// IsFinal reports whether the reply is final (>= 200).
func (r *Reply) IsFinal() bool { return r.Code >= 200 }

// IsSuccess reports whether the reply is 2xx.
func (r *Reply) IsSuccess() bool { return r.Code >= 200 && r.Code < 300 }

// Dialog is the engine-facing surface of one SIP dialog. Implementations
// live in the stack adapter; tests use a fake.
//
// SendRequest returns the CSeq the stack assigned to the request so that
// the caller can match the eventual reply.
type Dialog interface {
	CallID() string
	LocalTag() string
	RemoteTag() string
	Status() Status
	CSeq() uint32

	SendRequest(method sip.RequestMethod, body *sdp.SessionDescription, hdrs Headers) (uint32, error)
	Reply(req *Request, code sip.StatusCode, reason string, body *sdp.SessionDescription) error

	// UACInvitePending reports an outstanding INVITE transaction we initiated.
	UACInvitePending() bool
	// UASInvitePending reports an outstanding INVITE transaction we received.
	UASInvitePending() bool
}
