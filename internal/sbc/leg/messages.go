package leg

import (
	"log/slog"

	"github.com/pion/sdp/v3"

	"github.com/sebas/sbcengine/internal/sbc/dialog"
	"github.com/sebas/sbcengine/internal/sbc/media"
	"github.com/sebas/sbcengine/internal/sbc/registry"
)

// Message is implemented by every B2B message exchanged between legs
// through the session registry.
type Message interface {
	isB2BMessage()
}

// reliable is implemented by messages whose sender must learn exactly
// once whether processing happened.
type reliable interface {
	Message
	responder() *Responder
}

// mediaCarrier is implemented by messages that carry a shared media
// handle. The message itself holds one reference, taken when the
// handle is attached and released after the message is dispatched (or
// by the sender when delivery fails).
type mediaCarrier interface {
	Message
	mediaRef() *media.Session
}

// Responder resolves a reliable message exactly once. On resolve it
// posts the configured completion message back to the sender's tag.
// Double resolution is a bug and is logged loudly instead of sending.
type Responder struct {
	reg         *registry.SessionRegistry
	senderTag   string
	processed   Message
	unprocessed Message
	done        bool
}

// NewResponder builds a responder that delivers processed or
// unprocessed to senderTag through reg. Either completion message may
// be nil, in which case that outcome produces no traffic.
func NewResponder(reg *registry.SessionRegistry, senderTag string, processed, unprocessed Message) *Responder {
	return &Responder{reg: reg, senderTag: senderTag, processed: processed, unprocessed: unprocessed}
}

// Resolve fires the completion for the given outcome. Only the first
// call has effect.
func (r *Responder) Resolve(processed bool) {
	if r == nil {
		return
	}
	if r.done {
		slog.Error("[B2B] Responder resolved twice", "sender", r.senderTag, "processed", processed)
		return
	}
	r.done = true
	msg := r.unprocessed
	if processed {
		msg = r.processed
	}
	if msg == nil {
		return
	}
	if !r.reg.Send(r.senderTag, msg) {
		slog.Warn("[B2B] Completion message undeliverable", "sender", r.senderTag)
	}
}

// Resolved reports whether the responder already fired.
func (r *Responder) Resolved() bool {
	return r != nil && r.done
}

// markDone silences the responder without sending anything. Used by a
// sender that could not deliver the message in the first place.
func (r *Responder) markDone() {
	if r != nil {
		r.done = true
	}
}

// Connect instructs a freshly created leg to start its outbound INVITE.
type Connect struct {
	Hdrs dialog.Headers
	Body *sdp.SessionDescription
	// RCSeq is the CSeq of the caller's INVITE when the connect relays
	// an incoming call; replies are relayed back under this number.
	RCSeq         uint32
	RelayedInvite bool
}

func (*Connect) isB2BMessage() {}

// Reconnect instructs an already established leg to drop its current
// peer and re-INVITE toward the sender. Reliable: the sender learns
// whether the target processed it.
type Reconnect struct {
	// Role the receiving leg takes on in the new bridge.
	Role Role
	// SessionTag is the sender's tag, the new peer of the receiver.
	SessionTag string
	// CallID and RemoteTag identify the sender's dialog so the
	// receiver can keep the replacement rewrite table current.
	CallID        string
	RemoteTag     string
	Hdrs          dialog.Headers
	Body          *sdp.SessionDescription
	RCSeq         uint32
	RelayedInvite bool
	Mode          media.Mode
	Media         *media.Session

	resp *Responder
}

// NewReconnect builds a reconnect message on behalf of senderTag. An
// unprocessed outcome terminates the sender, mirroring the contract
// that an unanswered reconnect leaves no half-bridged leg behind.
func NewReconnect(reg *registry.SessionRegistry, role Role, senderTag string, hdrs dialog.Headers, body *sdp.SessionDescription) *Reconnect {
	return &Reconnect{
		Role:       role,
		SessionTag: senderTag,
		Hdrs:       hdrs.Clone(),
		Body:       body,
		resp:       NewResponder(reg, senderTag, nil, &Terminate{}),
	}
}

// AttachMedia puts a shared media handle on the message, taking the
// message's own reference.
func (m *Reconnect) AttachMedia(ms *media.Session, mode media.Mode) {
	if ms != nil {
		ms.AddReference()
	}
	m.Media = ms
	m.Mode = mode
}

func (*Reconnect) isB2BMessage()              {}
func (m *Reconnect) responder() *Responder    { return m.resp }
func (m *Reconnect) mediaRef() *media.Session { return m.Media }

// Replace asks a leg to forward the embedded Reconnect to its own peer
// and then step out of the call. Reliable.
type Replace struct {
	Reconnect *Reconnect

	resp *Responder
}

// NewReplace wraps rec for delivery to the leg being replaced.
func NewReplace(reg *registry.SessionRegistry, rec *Reconnect, senderTag string) *Replace {
	return &Replace{
		Reconnect: rec,
		resp:      NewResponder(reg, senderTag, nil, &Terminate{}),
	}
}

func (*Replace) isB2BMessage()           {}
func (m *Replace) responder() *Responder { return m.resp }

// ReplaceInProgress tells the initiator of a replace which concrete leg
// ends up as its peer, so the placeholder candidate can be filled in.
type ReplaceInProgress struct {
	DstSession string
}

func (*ReplaceInProgress) isB2BMessage() {}

// Disconnect asks a leg to detach from the bridge.
type Disconnect struct {
	PutRemoteOnHold      bool
	PreserveMediaSession bool
}

func (*Disconnect) isB2BMessage() {}

// ResumeHeld asks a leg to take its remote party off hold.
type ResumeHeld struct{}

func (*ResumeHeld) isB2BMessage() {}

// ChangeRtpMode propagates a media processing mode change to a peer or
// candidate leg, together with the freshly created handle (if any).
type ChangeRtpMode struct {
	Mode  media.Mode
	Media *media.Session
}

// NewChangeRtpMode builds the message, taking the message's reference
// on ms.
func NewChangeRtpMode(mode media.Mode, ms *media.Session) *ChangeRtpMode {
	if ms != nil {
		ms.AddReference()
	}
	return &ChangeRtpMode{Mode: mode, Media: ms}
}

func (*ChangeRtpMode) isB2BMessage()              {}
func (m *ChangeRtpMode) mediaRef() *media.Session { return m.Media }

// ApplyPendingUpdates re-enters the session-update queue after a retry
// timer fired. Always routed through the registry so the leg's own
// goroutine does the work.
type ApplyPendingUpdates struct{}

func (*ApplyPendingUpdates) isB2BMessage() {}

// Terminate tells a leg to tear itself down. Also serves as the
// unprocessed completion of reliable messages.
type Terminate struct{}

func (*Terminate) isB2BMessage() {}

// RelayedRequest carries an in-dialog request received on one leg to
// its peer for re-sending.
type RelayedRequest struct {
	SenderTag string
	Req       *dialog.Request
}

func (*RelayedRequest) isB2BMessage() {}

// RelayedReply carries a reply received on one leg back to the peer
// that relayed the original request. Reply.CSeq is rewritten to the
// request's number on the receiving dialog before sending. Forward is
// false for replies the engine generated rather than relayed.
type RelayedReply struct {
	SenderTag string
	Forward   bool
	Reply     *dialog.Reply
}

func (*RelayedReply) isB2BMessage() {}

// dialog plumbing events, posted into the mailbox by the signaling
// adapter.

type sipRequestEvent struct{ req *dialog.Request }
type sipReplyEvent struct{ reply *dialog.Reply }
type cancelEvent struct{ req *dialog.Request }
type byeEvent struct{ req *dialog.Request }
type remoteGoneEvent struct{ reply *dialog.Reply }
type timeoutEvent struct{ cause string }
type taskEvent struct{ fn func() }
