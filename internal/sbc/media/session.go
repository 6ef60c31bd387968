// Package media provides the shared media session handle that a pair of
// bridged call legs attach to. The handle is reference counted: every leg
// (and every forking candidate entry) that keeps it must hold exactly one
// reference, and the handle shuts down when the last reference is
// released.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// Mode selects how media crosses the bridge.
type Mode int

const (
	// ModeDirect leaves media alone; no session handle is needed.
	ModeDirect Mode = iota
	// ModeRelay forwards RTP packets between the two sides.
	ModeRelay
	// ModeTranscode converts between G.711 variants while forwarding.
	ModeTranscode
)

// String returns the string representation of Mode.
func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "Direct"
	case ModeRelay:
		return "Relay"
	case ModeTranscode:
		return "Transcode"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// NeedsSession reports whether the mode requires a shared session handle.
func (m Mode) NeedsSession() bool { return m != ModeDirect }

// Sentinel errors.
var (
	ErrClosed     = errors.New("media session closed")
	ErrDirectMode = errors.New("no relay in direct mode")
	ErrNoSink     = errors.New("no sink attached for destination side")
)

// PacketWriter receives forwarded RTP packets for one side of the bridge.
type PacketWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// RFC 3551 static payload types handled by the transcode path.
const (
	payloadPCMU = 0
	payloadPCMA = 8
)

type side struct {
	sink    PacketWriter
	muted   bool
	payload uint8
	packets int64
	bytes   int64
}

// Session is the shared media handle. All methods are safe for concurrent
// use; the two legs touch it from their own goroutines.
type Session struct {
	mu     sync.Mutex
	mode   Mode
	refs   int
	closed bool
	a      side // side attached to the A-role leg
	b      side
}

// Stats is a snapshot of forwarded traffic.
type Stats struct {
	PacketsA2B int64
	PacketsB2A int64
	BytesA2B   int64
	BytesB2A   int64
}

// NewSession creates a handle with zero references; each holder must call
// AddReference. Either sink may be nil and attached later via
// ChangeSession (the usual case for a forking B leg).
func NewSession(mode Mode, aSink, bSink PacketWriter) *Session {
	return &Session{
		mode: mode,
		a:    side{sink: aSink, payload: payloadPCMU},
		b:    side{sink: bSink, payload: payloadPCMU},
	}
}

// Mode returns the relay mode the session was created with.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// AddReference registers one more holder.
func (s *Session) AddReference() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
}

// ReleaseReference drops one holder and reports whether this was the last
// one. On the last release the session is closed and further relaying
// fails with ErrClosed.
func (s *Session) ReleaseReference() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs <= 0 {
		slog.Error("[Media] Reference released on drained session")
		return false
	}
	s.refs--
	if s.refs == 0 {
		s.closed = true
		return true
	}
	return false
}

// RefCount returns the current number of holders.
func (s *Session) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Closed reports whether the last reference has been released.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ChangeSession re-attaches one side of the bridge to a new sink. Used
// when a leg adopts the session (connect, reconnect, role switch).
func (s *Session) ChangeSession(aLeg bool, sink PacketWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if aLeg {
		s.a.sink = sink
	} else {
		s.b.sink = sink
	}
}

// SetPayloadType records the payload type negotiated on one side, used by
// the transcode path to decide the conversion direction.
func (s *Session) SetPayloadType(aLeg bool, pt uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if aLeg {
		s.a.payload = pt
	} else {
		s.b.payload = pt
	}
}

// Mute stops forwarding packets originating from the given side. A held
// party's media is muted at the relay, not only in signaling.
func (s *Session) Mute(aLeg bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if aLeg {
		s.a.muted = true
	} else {
		s.b.muted = true
	}
}

// Unmute resumes forwarding packets originating from the given side.
func (s *Session) Unmute(aLeg bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if aLeg {
		s.a.muted = false
	} else {
		s.b.muted = false
	}
}

// IsMuted reports whether the given side's packets are dropped.
func (s *Session) IsMuted(aLeg bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if aLeg {
		return s.a.muted
	}
	return s.b.muted
}

// Relay forwards one packet across the bridge. Muted sources are dropped
// silently. In ModeTranscode a G.711 payload is converted when the two
// sides negotiated different variants.
func (s *Session) Relay(fromALeg bool, p *rtp.Packet) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.mode == ModeDirect {
		s.mu.Unlock()
		return ErrDirectMode
	}

	src, dst := &s.a, &s.b
	if !fromALeg {
		src, dst = &s.b, &s.a
	}
	if src.muted {
		s.mu.Unlock()
		return nil
	}
	sink := dst.sink
	if sink == nil {
		s.mu.Unlock()
		return ErrNoSink
	}

	out := p
	if s.mode == ModeTranscode && src.payload != dst.payload {
		out = transcodeG711(p, src.payload, dst.payload)
	}
	src.packets++
	src.bytes += int64(len(out.Payload))
	s.mu.Unlock()

	return sink.WriteRTP(out)
}

// transcodeG711 converts between PCMU and PCMA; anything else passes
// through untouched.
func transcodeG711(p *rtp.Packet, from, to uint8) *rtp.Packet {
	var payload []byte
	switch {
	case from == payloadPCMU && to == payloadPCMA:
		payload = g711.Ulaw2Alaw(p.Payload)
	case from == payloadPCMA && to == payloadPCMU:
		payload = g711.Alaw2Ulaw(p.Payload)
	default:
		return p
	}
	out := *p
	out.Payload = payload
	out.PayloadType = to
	return &out
}

// Stats returns a snapshot of forwarded traffic counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		PacketsA2B: s.a.packets,
		PacketsB2A: s.b.packets,
		BytesA2B:   s.a.bytes,
		BytesB2A:   s.b.bytes,
	}
}
