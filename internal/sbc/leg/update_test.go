package leg

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/sebas/sbcengine/internal/sbc/dialog"
	"github.com/sebas/sbcengine/internal/sbc/registry"
	"github.com/sebas/sbcengine/internal/sbc/sdputil"
)

// timerCapture replaces the leg's retry timer with a manual trigger.
type timerCapture struct {
	delays []time.Duration
	fns    []func()
}

func (c *timerCapture) afterFunc(d time.Duration, fn func()) *time.Timer {
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, fn)
	return nil
}

// connectedLeg builds a standalone leg in Connected status with a
// cached session description, ready for hold/resume exercises.
func connectedLeg(t *testing.T) (*CallLeg, *fakeDialog, *timerCapture) {
	t.Helper()
	dlg := newFakeDialog("call-u", "u-tag", "remote-ft")
	dlg.status = dialog.StatusConnected
	l := NewALeg(dlg, Config{Registry: registry.NewSessionRegistry()})
	tc := &timerCapture{}
	l.afterFunc = tc.afterFunc
	l.status = StatusConnected
	l.statusFSM.m.SetState(StatusConnected.String())
	l.establishedSDP = testSDP(t, "10.0.0.1")
	l.nonHoldSDP = l.establishedSDP
	require.NoError(t, l.Start())
	return l, dlg, tc
}

func TestHoldRetriedAfter491(t *testing.T) {
	l, dlg, tc := connectedLeg(t)

	var holdErr error
	done := make(chan struct{})
	l.Do(func() {
		defer close(done)
		holdErr = l.PutOnHold()
	})
	<-done
	require.NoError(t, holdErr)

	req, ok := dlg.lastRequest()
	require.True(t, ok)
	require.Equal(t, sip.INVITE, req.method)

	dlg.finishUAC(StatusRequestPending)
	l.OnSipReply(&dialog.Reply{Method: sip.INVITE, Code: StatusRequestPending, CSeq: req.cseq})
	settle(t, l)

	require.Len(t, tc.delays, 1, "491 must arm exactly one retry timer")
	require.GreaterOrEqual(t, tc.delays[0], time.Duration(0))
	require.Less(t, tc.delays[0], updateRetryJitterMax)
	require.Equal(t, 1, dlg.requestCount(), "no resend before the timer fires")
	require.False(t, l.OnHold())

	// another collision report while the timer is armed must not stack
	l.Do(func() { l.scheduleUpdateRetry() })
	settle(t, l)
	require.Len(t, tc.delays, 1)

	tc.fns[0]()
	settle(t, l)
	require.Equal(t, 2, dlg.requestCount(), "retry must re-send the hold offer")
	retried, _ := dlg.lastRequest()
	require.NotEqual(t, req.cseq, retried.cseq)

	dlg.finishUAC(sip.StatusOK)
	l.OnSipReply(&dialog.Reply{Method: sip.INVITE, Code: sip.StatusOK, CSeq: retried.cseq})
	settle(t, l)

	require.True(t, l.OnHold())
	require.Empty(t, l.pendingUpdates)
}

func TestUpdateWaitsForPendingTransaction(t *testing.T) {
	l, dlg, _ := connectedLeg(t)

	// remote re-INVITE still open on this dialog
	dlg.mu.Lock()
	dlg.uasPending = true
	dlg.mu.Unlock()

	var holdErr error
	done := make(chan struct{})
	l.Do(func() {
		defer close(done)
		holdErr = l.PutOnHold()
	})
	<-done
	require.NoError(t, holdErr)
	settle(t, l)

	require.Zero(t, dlg.requestCount(), "hold must queue behind the open transaction")
	require.Len(t, l.pendingUpdates, 1)

	dlg.mu.Lock()
	dlg.uasPending = false
	dlg.mu.Unlock()
	l.Deliver(&ApplyPendingUpdates{})
	settle(t, l)

	require.Equal(t, 1, dlg.requestCount())
	req, _ := dlg.lastRequest()
	require.Equal(t, sip.INVITE, req.method)
}

func TestHoldThenResume(t *testing.T) {
	l, dlg, _ := connectedLeg(t)

	l.Do(func() { _ = l.PutOnHold() })
	settle(t, l)
	req, _ := dlg.lastRequest()
	dlg.finishUAC(sip.StatusOK)
	l.OnSipReply(&dialog.Reply{Method: sip.INVITE, Code: sip.StatusOK, CSeq: req.cseq})
	settle(t, l)
	require.True(t, l.OnHold())
	require.NotNil(t, l.NonHoldSDP())

	// the hold offer must not poison the resume cache
	l.Do(func() { _ = l.ResumeHeldRemote() })
	settle(t, l)
	req, _ = dlg.lastRequest()
	require.NotNil(t, req.body)
	held, _ := sdputil.IsHoldRequest(req.body)
	require.False(t, held, "resume offer must carry live media")

	dlg.finishUAC(sip.StatusOK)
	l.OnSipReply(&dialog.Reply{Method: sip.INVITE, Code: sip.StatusOK, CSeq: req.cseq})
	settle(t, l)
	require.False(t, l.OnHold())
}

func TestByeWhileOnHold(t *testing.T) {
	l, dlg, _ := connectedLeg(t)

	l.Do(func() { _ = l.PutOnHold() })
	settle(t, l)
	req, _ := dlg.lastRequest()
	dlg.finishUAC(sip.StatusOK)
	l.OnSipReply(&dialog.Reply{Method: sip.INVITE, Code: sip.StatusOK, CSeq: req.cseq})
	settle(t, l)
	require.True(t, l.OnHold())

	l.OnBye(&dialog.Request{Method: sip.BYE, CSeq: 7})
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("leg not destroyed after BYE")
	}
	rpl, ok := dlg.lastReply()
	require.True(t, ok)
	require.Equal(t, sip.StatusOK, rpl.code)
	require.Equal(t, uint32(7), rpl.cseq)
}

func TestHoldRejectedKeepsLegActive(t *testing.T) {
	l, dlg, _ := connectedLeg(t)

	l.Do(func() { _ = l.PutOnHold() })
	settle(t, l)
	req, _ := dlg.lastRequest()
	dlg.finishUAC(488)
	l.OnSipReply(&dialog.Reply{Method: sip.INVITE, Code: 488, Reason: "Not Acceptable Here", CSeq: req.cseq})
	settle(t, l)

	require.False(t, l.OnHold())
	require.Equal(t, StatusConnected, l.Status())
	require.Empty(t, l.pendingUpdates)
}
