package leg

import (
	"github.com/pion/sdp/v3"

	"github.com/sebas/sbcengine/internal/sbc/sdputil"
)

// holdState tracks an in-flight hold or resume offer/answer exchange.
type holdState int

const (
	preserveHoldStatus holdState = iota
	holdRequested
	resumeRequested
)

// PutOnHold puts the remote party on hold through the session-update
// queue. No-op when already on hold.
func (l *CallLeg) PutOnHold() error {
	return l.UpdateSession(&holdUpdate{})
}

// ResumeHeldRemote takes the remote party off hold. Fails with
// ErrNoNonHoldSDP when no non-hold description was ever cached and the
// handler does not supply one.
func (l *CallLeg) ResumeHeldRemote() error {
	return l.UpdateSession(&resumeUpdate{})
}

// processBridgedOffer classifies an offer arriving from the peer leg
// before it goes out on this leg's dialog. Hold offers and, while on
// hold, resume offers get the handler's chance to rewrite them.
func (l *CallLeg) processBridgedOffer(offer *sdp.SessionDescription) *sdp.SessionDescription {
	if offer == nil {
		return nil
	}
	if held, method := sdputil.IsHoldRequest(offer); held {
		l.heldMethod = method
		l.handler.HoldRequested(l)
		l.holdState = holdRequested
		return l.handler.AlterHoldRequest(l, offer)
	}
	if l.onHold {
		l.handler.ResumeRequested(l)
		l.holdState = resumeRequested
		return l.handler.AlterResumeRequest(l, offer)
	}
	return offer
}

// completeOfferAnswer finishes a hold or resume exchange once the final
// answer for the offer is in.
func (l *CallLeg) completeOfferAnswer(success bool) {
	switch l.holdState {
	case holdRequested:
		if success {
			l.holdAccepted()
		} else {
			l.handler.HoldRejected(l)
		}
	case resumeRequested:
		if success {
			l.resumeAccepted()
		} else {
			l.handler.ResumeRejected(l)
		}
	}
	l.holdState = preserveHoldStatus
	if l.status == StatusDisconnecting {
		// parking finished, whatever the remote said about the hold
		l.updateCallStatus(StatusDisconnected)
	}
}

func (l *CallLeg) holdAccepted() {
	l.onHold = true
	if l.mediaSession != nil {
		// silence traffic sourced on the peer's side of the bridge
		l.mediaSession.Mute(!l.aLeg)
	}
	l.handler.HoldAccepted(l)
}

func (l *CallLeg) resumeAccepted() {
	l.onHold = false
	if l.mediaSession != nil {
		l.mediaSession.Unmute(!l.aLeg)
	}
	l.handler.ResumeAccepted(l)
}

// setLocalSDP records a body this leg sent out. The non-hold cache is
// only refreshed outside a hold exchange and while not on hold, so a
// later resume replays real media parameters.
func (l *CallLeg) setLocalSDP(body *sdp.SessionDescription) {
	if body == nil {
		return
	}
	l.establishedSDP = body
	if l.holdState == preserveHoldStatus && !l.onHold {
		l.nonHoldSDP = body
	}
}
