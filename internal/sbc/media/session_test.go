package media

import (
	"errors"
	"testing"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// captureSink records written packets.
type captureSink struct {
	packets []*rtp.Packet
}

func (c *captureSink) WriteRTP(p *rtp.Packet) error {
	c.packets = append(c.packets, p)
	return nil
}

func newPacket(pt uint8, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: pt, SequenceNumber: 1},
		Payload: payload,
	}
}

func TestReferenceCounting(t *testing.T) {
	s := NewSession(ModeRelay, nil, nil)
	if s.RefCount() != 0 {
		t.Fatalf("fresh session RefCount() = %d, want 0", s.RefCount())
	}

	s.AddReference()
	s.AddReference()
	if s.RefCount() != 2 {
		t.Fatalf("RefCount() = %d, want 2", s.RefCount())
	}

	if s.ReleaseReference() {
		t.Fatal("ReleaseReference() reported last holder too early")
	}
	if s.Closed() {
		t.Fatal("session closed while still referenced")
	}
	if !s.ReleaseReference() {
		t.Fatal("last ReleaseReference() did not report closure")
	}
	if !s.Closed() {
		t.Fatal("session not closed after last release")
	}

	// over-release must not reopen or panic
	if s.ReleaseReference() {
		t.Error("over-release reported closure again")
	}
}

func TestRelayForwardsAcrossBridge(t *testing.T) {
	aSink := &captureSink{}
	bSink := &captureSink{}
	s := NewSession(ModeRelay, aSink, bSink)
	s.AddReference()

	if err := s.Relay(true, newPacket(0, []byte{1, 2, 3})); err != nil {
		t.Fatalf("Relay(a->b) error = %v", err)
	}
	if err := s.Relay(false, newPacket(0, []byte{4, 5})); err != nil {
		t.Fatalf("Relay(b->a) error = %v", err)
	}

	if len(bSink.packets) != 1 || len(aSink.packets) != 1 {
		t.Fatalf("sinks got a=%d b=%d packets", len(aSink.packets), len(bSink.packets))
	}

	stats := s.Stats()
	if stats.PacketsA2B != 1 || stats.PacketsB2A != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.BytesA2B != 3 || stats.BytesB2A != 2 {
		t.Errorf("Stats() bytes = %+v", stats)
	}
}

func TestRelayMutedSourceIsDropped(t *testing.T) {
	bSink := &captureSink{}
	s := NewSession(ModeRelay, nil, bSink)
	s.AddReference()

	s.Mute(true)
	if !s.IsMuted(true) {
		t.Fatal("IsMuted(a) = false after Mute")
	}
	if err := s.Relay(true, newPacket(0, []byte{1})); err != nil {
		t.Fatalf("Relay() on muted source error = %v", err)
	}
	if len(bSink.packets) != 0 {
		t.Fatal("muted source leaked a packet")
	}

	s.Unmute(true)
	if err := s.Relay(true, newPacket(0, []byte{1})); err != nil {
		t.Fatalf("Relay() after Unmute error = %v", err)
	}
	if len(bSink.packets) != 1 {
		t.Fatal("packet not forwarded after Unmute")
	}
}

func TestRelayErrors(t *testing.T) {
	s := NewSession(ModeDirect, nil, nil)
	s.AddReference()
	if err := s.Relay(true, newPacket(0, nil)); !errors.Is(err, ErrDirectMode) {
		t.Errorf("direct mode Relay() error = %v, want ErrDirectMode", err)
	}

	s = NewSession(ModeRelay, nil, nil)
	s.AddReference()
	if err := s.Relay(true, newPacket(0, nil)); !errors.Is(err, ErrNoSink) {
		t.Errorf("sinkless Relay() error = %v, want ErrNoSink", err)
	}

	s.ReleaseReference()
	if err := s.Relay(true, newPacket(0, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("closed Relay() error = %v, want ErrClosed", err)
	}
}

func TestTranscodePCMUToPCMA(t *testing.T) {
	bSink := &captureSink{}
	s := NewSession(ModeTranscode, nil, bSink)
	s.AddReference()
	s.SetPayloadType(true, 0)  // PCMU negotiated toward A
	s.SetPayloadType(false, 8) // PCMA negotiated toward B

	in := []byte{0x00, 0x7f, 0xff, 0x80}
	if err := s.Relay(true, newPacket(0, in)); err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if len(bSink.packets) != 1 {
		t.Fatal("no packet forwarded")
	}

	got := bSink.packets[0]
	if got.PayloadType != 8 {
		t.Errorf("PayloadType = %d, want 8", got.PayloadType)
	}
	want := g711.Ulaw2Alaw(in)
	if string(got.Payload) != string(want) {
		t.Errorf("Payload = %v, want %v", got.Payload, want)
	}
}

func TestTranscodeSamePayloadPassesThrough(t *testing.T) {
	bSink := &captureSink{}
	s := NewSession(ModeTranscode, nil, bSink)
	s.AddReference()
	s.SetPayloadType(true, 0)
	s.SetPayloadType(false, 0)

	in := newPacket(0, []byte{1, 2, 3})
	if err := s.Relay(true, in); err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if bSink.packets[0] != in {
		t.Error("same-payload relay must not copy the packet")
	}
}

func TestChangeSessionReattachesSink(t *testing.T) {
	first := &captureSink{}
	second := &captureSink{}
	s := NewSession(ModeRelay, nil, first)
	s.AddReference()

	if err := s.Relay(true, newPacket(0, []byte{1})); err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	s.ChangeSession(false, second)
	if err := s.Relay(true, newPacket(0, []byte{2})); err != nil {
		t.Fatalf("Relay() error = %v", err)
	}

	if len(first.packets) != 1 || len(second.packets) != 1 {
		t.Errorf("sinks got first=%d second=%d packets",
			len(first.packets), len(second.packets))
	}
}
