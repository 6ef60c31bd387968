package leg

import (
	"math/rand"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/sebas/sbcengine/internal/sbc/dialog"
)

// StatusRequestPending is returned by a UAS that has its own re-INVITE
// in flight; the update is retried later instead of being dropped.
const StatusRequestPending sip.StatusCode = 491

// updateRetryJitterMax bounds the randomized retry delay after a 491.
// Both sides retrying immediately would collide again.
const updateRetryJitterMax = 2 * time.Second

// SessionUpdate is one serialized in-dialog session modification. At
// most one update owns an outstanding transaction at a time; the rest
// wait in the leg's queue. Apply may finish without a transaction (a
// no-op update), in which case HasCSeq stays false and the update is
// considered done.
type SessionUpdate interface {
	Apply(l *CallLeg) error
	HasCSeq() bool
	CSeq() uint32
	// Reset clears transaction bookkeeping so the update can be
	// re-applied after a 491.
	Reset()
}

// requestUpdate carries the transaction bookkeeping shared by all
// request-sending updates.
type requestUpdate struct {
	cseq uint32
	has  bool
}

func (u *requestUpdate) HasCSeq() bool { return u.has }
func (u *requestUpdate) CSeq() uint32  { return u.cseq }
func (u *requestUpdate) Reset()        { u.has, u.cseq = false, 0 }

func (u *requestUpdate) sent(cseq uint32) {
	u.cseq, u.has = cseq, true
}

// holdUpdate puts the remote party on hold.
type holdUpdate struct{ requestUpdate }

func (u *holdUpdate) Apply(l *CallLeg) error {
	if l.onHold {
		return nil
	}
	offer, err := l.handler.CreateHoldRequest(l)
	if err != nil {
		return err
	}
	// mark before sending so the hold body stays out of the non-hold cache
	l.holdState = holdRequested
	cseq, err := l.sendReinvite(offer, nil)
	if err != nil {
		l.holdState = preserveHoldStatus
		return err
	}
	u.sent(cseq)
	return nil
}

// resumeUpdate takes the remote party off hold.
type resumeUpdate struct{ requestUpdate }

func (u *resumeUpdate) Apply(l *CallLeg) error {
	if !l.onHold {
		return nil
	}
	offer, err := l.handler.CreateResumeRequest(l)
	if err != nil {
		return err
	}
	l.holdState = resumeRequested
	cseq, err := l.sendReinvite(offer, nil)
	if err != nil {
		l.holdState = preserveHoldStatus
		return err
	}
	u.sent(cseq)
	return nil
}

// reinviteUpdate sends a plain re-INVITE with the given body and
// headers, e.g. to re-anchor media after a non-relayed connect.
type reinviteUpdate struct {
	requestUpdate
	hdrs dialog.Headers
	body *sdp.SessionDescription
}

func (u *reinviteUpdate) Apply(l *CallLeg) error {
	cseq, err := l.sendReinvite(u.body, u.hdrs)
	if err != nil {
		return err
	}
	u.sent(cseq)
	return nil
}

// UpdateSession applies op immediately when the queue is empty and no
// INVITE transaction is pending, otherwise enqueues it. Errors from an
// immediate apply are returned to the caller; queued updates report
// failures through the log.
func (l *CallLeg) UpdateSession(op SessionUpdate) error {
	if len(l.pendingUpdates) > 0 || l.transactionPending() {
		l.pendingUpdates = append(l.pendingUpdates, op)
		return nil
	}
	if err := op.Apply(l); err != nil {
		return err
	}
	if op.HasCSeq() {
		l.pendingUpdates = append(l.pendingUpdates, op)
	}
	return nil
}

func (l *CallLeg) transactionPending() bool {
	return l.dlg.UACInvitePending() || l.dlg.UASInvitePending()
}

// onUpdateReply consumes the final reply to the queue head's request.
func (l *CallLeg) onUpdateReply(reply *dialog.Reply) {
	head := l.pendingUpdates[0]
	if reply.Code == StatusRequestPending {
		head.Reset()
		l.scheduleUpdateRetry()
		return
	}
	if !reply.IsSuccess() {
		l.log.Warn("[CallLeg] Session update rejected",
			"code", int(reply.Code), "reason", reply.Reason)
	}
	l.pendingUpdates = l.pendingUpdates[1:]
	l.applyPendingUpdates()
}

// scheduleUpdateRetry arms a one-shot jittered timer that re-enters the
// queue through the leg's mailbox. A second 491 while the timer is
// armed does not stack another timer.
func (l *CallLeg) scheduleUpdateRetry() {
	if l.retryTimerPending {
		return
	}
	l.retryTimerPending = true
	delay := time.Duration(rand.Int63n(int64(updateRetryJitterMax)))
	l.metrics.UpdateRetryScheduled()
	l.log.Debug("[CallLeg] Scheduling session update retry", "tag", l.tag, "delay", delay)
	tag, reg := l.tag, l.reg
	l.afterFunc(delay, func() {
		reg.Send(tag, &ApplyPendingUpdates{})
	})
}

// applyPendingUpdates drains the queue as far as the dialog allows. A
// pending retry timer or an outstanding transaction stops the drain.
func (l *CallLeg) applyPendingUpdates() {
	if l.retryTimerPending {
		return
	}
	for len(l.pendingUpdates) > 0 {
		head := l.pendingUpdates[0]
		if head.HasCSeq() {
			return // reply still outstanding
		}
		if l.transactionPending() {
			return
		}
		if err := head.Apply(l); err != nil {
			l.log.Error("[CallLeg] Session update failed", "tag", l.tag, "error", err)
			l.pendingUpdates = l.pendingUpdates[1:]
			continue
		}
		if head.HasCSeq() {
			return
		}
		l.pendingUpdates = l.pendingUpdates[1:]
	}
}
