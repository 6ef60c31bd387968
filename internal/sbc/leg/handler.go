package leg

import (
	"github.com/pion/sdp/v3"

	"github.com/sebas/sbcengine/internal/sbc/dialog"
	"github.com/sebas/sbcengine/internal/sbc/sdputil"
)

// LegHandler receives lifecycle and hold/resume callbacks from a
// CallLeg. All callbacks run on the leg's own goroutine; calling back
// into the leg from them is safe. Embed NopLegHandler to implement a
// subset.
type LegHandler interface {
	// OnCallStatusChange fires on every bridge status transition.
	OnCallStatusChange(l *CallLeg, from, to CallStatus)

	// OnCallConnected fires when the winning 2xx is processed, before
	// the status moves to Connected.
	OnCallConnected(l *CallLeg, reply *dialog.Reply)

	// OnBLegRefused fires on the caller leg for every non-success final
	// reply from a candidate, before the engine gives up on the call.
	// Adding a new callee here implements serial forking.
	OnBLegRefused(l *CallLeg, reply *dialog.Reply)

	// OnCallFailed fires when establishing the call failed for good.
	OnCallFailed(l *CallLeg, reason FailReason, reply *dialog.Reply)

	// OnCallStopped fires once, right before the leg is destroyed.
	OnCallStopped(l *CallLeg)

	// Hold/resume negotiation hooks.
	HoldRequested(l *CallLeg)
	HoldAccepted(l *CallLeg)
	HoldRejected(l *CallLeg)
	ResumeRequested(l *CallLeg)
	ResumeAccepted(l *CallLeg)
	ResumeRejected(l *CallLeg)

	// CreateHoldRequest builds the hold offer for a locally originated
	// hold. AlterHoldRequest may rewrite a bridged hold offer before it
	// is sent onward; returning the offer unchanged is the default.
	CreateHoldRequest(l *CallLeg) (*sdp.SessionDescription, error)
	AlterHoldRequest(l *CallLeg, offer *sdp.SessionDescription) *sdp.SessionDescription

	// CreateResumeRequest and AlterResumeRequest are the resume-side
	// counterparts.
	CreateResumeRequest(l *CallLeg) (*sdp.SessionDescription, error)
	AlterResumeRequest(l *CallLeg, offer *sdp.SessionDescription) *sdp.SessionDescription
}

// NopLegHandler implements LegHandler with no-op callbacks and the
// default hold/resume offer builders.
type NopLegHandler struct{}

var _ LegHandler = (*NopLegHandler)(nil)

func (NopLegHandler) OnCallStatusChange(*CallLeg, CallStatus, CallStatus) {}
func (NopLegHandler) OnCallConnected(*CallLeg, *dialog.Reply)             {}
func (NopLegHandler) OnBLegRefused(*CallLeg, *dialog.Reply)               {}
func (NopLegHandler) OnCallFailed(*CallLeg, FailReason, *dialog.Reply)    {}
func (NopLegHandler) OnCallStopped(*CallLeg)                              {}
func (NopLegHandler) HoldRequested(*CallLeg)                              {}
func (NopLegHandler) HoldAccepted(*CallLeg)                               {}
func (NopLegHandler) HoldRejected(*CallLeg)                               {}
func (NopLegHandler) ResumeRequested(*CallLeg)                            {}
func (NopLegHandler) ResumeAccepted(*CallLeg)                             {}
func (NopLegHandler) ResumeRejected(*CallLeg)                             {}

// CreateHoldRequest derives a hold offer from the last cached non-hold
// description, falling back to the established one.
func (NopLegHandler) CreateHoldRequest(l *CallLeg) (*sdp.SessionDescription, error) {
	base := l.NonHoldSDP()
	if base == nil {
		base = l.EstablishedSDP()
	}
	if base == nil {
		return nil, ErrNoEstablishedSDP
	}
	return sdputil.CreateHoldRequest(base, l.HoldPolicy())
}

func (NopLegHandler) AlterHoldRequest(_ *CallLeg, offer *sdp.SessionDescription) *sdp.SessionDescription {
	return offer
}

// CreateResumeRequest replays the cached non-hold description with a
// bumped version.
func (NopLegHandler) CreateResumeRequest(l *CallLeg) (*sdp.SessionDescription, error) {
	base := l.NonHoldSDP()
	if base == nil {
		return nil, ErrNoNonHoldSDP
	}
	return sdputil.CreateResumeRequest(base)
}

func (NopLegHandler) AlterResumeRequest(_ *CallLeg, offer *sdp.SessionDescription) *sdp.SessionDescription {
	return offer
}
