package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/require"

	"github.com/sebas/sbcengine/internal/sbc/dialog"
)

type fakeDialog struct {
	mu       sync.Mutex
	callID   string
	localTag string
	cseq     uint32
	methods  []sip.RequestMethod
}

func (d *fakeDialog) CallID() string        { return d.callID }
func (d *fakeDialog) LocalTag() string      { return d.localTag }
func (d *fakeDialog) RemoteTag() string     { return "" }
func (d *fakeDialog) Status() dialog.Status { return dialog.StatusDisconnected }
func (d *fakeDialog) CSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cseq
}

func (d *fakeDialog) SendRequest(method sip.RequestMethod, _ *sdp.SessionDescription, _ dialog.Headers) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cseq++
	d.methods = append(d.methods, method)
	return d.cseq, nil
}

func (d *fakeDialog) Reply(*dialog.Request, sip.StatusCode, string, *sdp.SessionDescription) error {
	return nil
}

func (d *fakeDialog) UACInvitePending() bool { return false }
func (d *fakeDialog) UASInvitePending() bool { return false }

func (d *fakeDialog) sentINVITE() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.methods {
		if m == sip.INVITE {
			return true
		}
	}
	return false
}

func TestEngineBridgeAndShutdown(t *testing.T) {
	e := New(Config{})

	dlgA := &fakeDialog{callID: "call-a", localTag: "a-tag"}
	caller, err := e.NewCallerLeg(dlgA)
	require.NoError(t, err)
	require.Equal(t, 1, e.ActiveLegs())

	dlgB := &fakeDialog{callID: "call-b", localTag: "b-tag"}
	require.True(t, e.Bridge(caller, dlgB, nil))
	require.Eventually(t, func() bool {
		return e.ActiveLegs() == 2 && dlgB.sentINVITE()
	}, 2*time.Second, 10*time.Millisecond, "bridged leg must register and send its INVITE")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.Shutdown(ctx)
	require.Zero(t, e.ActiveLegs())
	require.Zero(t, e.Calls().Count())
}

func TestEngineShutdownIdleIsImmediate(t *testing.T) {
	e := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	e.Shutdown(ctx)
	require.Less(t, time.Since(start), time.Second)
}
