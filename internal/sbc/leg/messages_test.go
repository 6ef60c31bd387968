package leg

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sebas/sbcengine/internal/sbc/media"
	"github.com/sebas/sbcengine/internal/sbc/registry"
)

type stubMailbox struct {
	mu   sync.Mutex
	msgs []any
}

func (m *stubMailbox) Deliver(msg any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return true
}

func (m *stubMailbox) messages() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.msgs...)
}

func (m *stubMailbox) terminates() int {
	n := 0
	for _, msg := range m.messages() {
		if _, ok := msg.(*Terminate); ok {
			n++
		}
	}
	return n
}

func TestResponderFiresExactlyOnce(t *testing.T) {
	reg := registry.NewSessionRegistry()
	sender := &stubMailbox{}
	require.NoError(t, reg.Register("sender", sender))

	r := NewResponder(reg, "sender", nil, &Terminate{})
	require.False(t, r.Resolved())

	r.Resolve(false)
	require.True(t, r.Resolved())
	require.Equal(t, 1, sender.terminates())

	// second resolution must not produce more traffic
	r.Resolve(false)
	r.Resolve(true)
	require.Equal(t, 1, len(sender.messages()))
}

func TestResponderProcessedOutcome(t *testing.T) {
	reg := registry.NewSessionRegistry()
	sender := &stubMailbox{}
	require.NoError(t, reg.Register("sender", sender))

	r := NewResponder(reg, "sender", &ReplaceInProgress{DstSession: "x"}, &Terminate{})
	r.Resolve(true)

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	rip, ok := msgs[0].(*ReplaceInProgress)
	require.True(t, ok)
	require.Equal(t, "x", rip.DstSession)
	require.Zero(t, sender.terminates())
}

func TestResponderMarkDoneSilences(t *testing.T) {
	reg := registry.NewSessionRegistry()
	sender := &stubMailbox{}
	require.NoError(t, reg.Register("sender", sender))

	r := NewResponder(reg, "sender", nil, &Terminate{})
	r.markDone()
	r.Resolve(false)
	require.Empty(t, sender.messages())
}

func TestReplaceWithoutPeerRefusesHandover(t *testing.T) {
	reg := registry.NewSessionRegistry()
	initiator := &stubMailbox{}
	require.NoError(t, reg.Register("init", initiator))

	dlg := newFakeDialog("call-m", "m-tag", "remote-ft")
	l := NewALeg(dlg, Config{Registry: reg})
	require.NoError(t, l.Start())

	rec := NewReconnect(reg, RoleA, "init", nil, nil)
	rep := NewReplace(reg, rec, "init")
	require.True(t, reg.Send(l.Tag(), rep))
	settle(t, l)

	// both the replace and the embedded reconnect report failure
	require.Equal(t, 2, initiator.terminates())
	select {
	case <-l.Done():
		t.Fatal("leg without a peer must survive a bad replace")
	default:
	}
}

func TestDiscardReleasesMediaAndResolves(t *testing.T) {
	reg := registry.NewSessionRegistry()
	sender := &stubMailbox{}
	require.NoError(t, reg.Register("init", sender))

	dlg := newFakeDialog("call-d", "d-tag", "")
	l := NewALeg(dlg, Config{Registry: reg})

	rec := NewReconnect(reg, RoleA, "init", nil, nil)
	ms := media.NewSession(media.ModeRelay, nil, nil)
	rec.AttachMedia(ms, media.ModeRelay)
	require.Equal(t, 1, ms.RefCount())

	l.discardMessage(rec)

	require.True(t, ms.Closed(), "discard must drop the message's media reference")
	require.Equal(t, 1, sender.terminates())
}
