// Package sdputil classifies and rewrites SDP session descriptions for
// hold/resume negotiation. It operates on pion/sdp values; wire syntax is
// handled by the stack.
package sdputil

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// Activity is the stream direction of a media line.
type Activity int

const (
	SendRecv Activity = iota
	SendOnly
	RecvOnly
	Inactive
)

// String returns the SDP attribute name for the activity.
func (a Activity) String() string {
	switch a {
	case SendRecv:
		return "sendrecv"
	case SendOnly:
		return "sendonly"
	case RecvOnly:
		return "recvonly"
	case Inactive:
		return "inactive"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// HoldMethod is the way an offer expresses hold. The resume side must
// undo the same kind of hold the peer used, so zeroed connection
// addresses are tracked separately from direction attributes.
type HoldMethod int

const (
	// SendonlyStream marks media lines a=sendonly.
	SendonlyStream HoldMethod = iota
	// InactiveStream marks media lines a=inactive.
	InactiveStream
	// ZeroedConnection zeroes the connection address.
	ZeroedConnection
)

// String returns the string representation of HoldMethod.
func (m HoldMethod) String() string {
	switch m {
	case SendonlyStream:
		return "sendonly"
	case InactiveStream:
		return "inactive"
	case ZeroedConnection:
		return "zeroed-connection"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

func activityFromAttributes(attrs []sdp.Attribute, def Activity) Activity {
	for _, a := range attrs {
		switch a.Key {
		case "sendrecv":
			return SendRecv
		case "sendonly":
			return SendOnly
		case "recvonly":
			return RecvOnly
		case "inactive":
			return Inactive
		}
	}
	return def
}

func zeroConnection(c *sdp.ConnectionInformation) bool {
	if c == nil || c.Address == nil {
		return false
	}
	addr := c.Address.Address
	return addr == "0.0.0.0" || addr == "::" || addr == "0"
}

// IsHoldRequest reports whether the offer qualifies as a hold request: no
// media line is simultaneously send- and receive-active. Per-media
// activity defaults from the session-level attribute; a media line with a
// zeroed connection address counts as inactive regardless of attributes.
// The returned method is the kind of hold the offerer used, taken from
// the first media line (session level when there are none).
func IsHoldRequest(s *sdp.SessionDescription) (bool, HoldMethod) {
	sessActivity := activityFromAttributes(s.Attributes, SendRecv)
	sessZero := zeroConnection(s.ConnectionInformation)

	if len(s.MediaDescriptions) == 0 {
		if !sessZero && sessActivity == SendRecv {
			return false, SendonlyStream
		}
		return true, classify(sessZero, sessActivity)
	}

	held := true
	method := SendonlyStream
	for i, m := range s.MediaDescriptions {
		zero := sessZero
		if m.ConnectionInformation != nil {
			zero = zeroConnection(m.ConnectionInformation)
		}
		activity := activityFromAttributes(m.Attributes, sessActivity)
		if !zero && activity == SendRecv {
			held = false
		}
		if i == 0 {
			method = classify(zero, activity)
		}
	}
	return held, method
}

func classify(zero bool, activity Activity) HoldMethod {
	switch {
	case zero:
		return ZeroedConnection
	case activity == Inactive:
		return InactiveStream
	default:
		return SendonlyStream
	}
}

// MediaActivity returns the effective activity of each media line,
// with zeroed connection addresses reported as Inactive.
func MediaActivity(s *sdp.SessionDescription) []Activity {
	sessActivity := activityFromAttributes(s.Attributes, SendRecv)
	sessZero := zeroConnection(s.ConnectionInformation)

	out := make([]Activity, 0, len(s.MediaDescriptions))
	for _, m := range s.MediaDescriptions {
		zero := sessZero
		if m.ConnectionInformation != nil {
			zero = zeroConnection(m.ConnectionInformation)
		}
		activity := activityFromAttributes(m.Attributes, sessActivity)
		if zero {
			activity = Inactive
		}
		out = append(out, activity)
	}
	return out
}

// Clone deep-copies a session description via a marshal round trip.
func Clone(s *sdp.SessionDescription) (*sdp.SessionDescription, error) {
	raw, err := s.Marshal()
	if err != nil {
		return nil, fmt.Errorf("clone sdp: %w", err)
	}
	var c sdp.SessionDescription
	if err := c.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("clone sdp: %w", err)
	}
	return &c, nil
}

// stripDirection removes direction attributes from the set.
func stripDirection(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
		default:
			out = append(out, a)
		}
	}
	return out
}

func zeroedConnectionInfo(c *sdp.ConnectionInformation) *sdp.ConnectionInformation {
	nt, at := "IN", "IP4"
	if c != nil {
		if c.NetworkType != "" {
			nt = c.NetworkType
		}
		if c.AddressType != "" {
			at = c.AddressType
		}
	}
	addr := "0.0.0.0"
	if at == "IP6" {
		addr = "::"
	}
	return &sdp.ConnectionInformation{
		NetworkType: nt,
		AddressType: at,
		Address:     &sdp.Address{Address: addr},
	}
}

// CreateHoldRequest builds a hold offer from the given description using
// the requested method. The input is not modified.
func CreateHoldRequest(base *sdp.SessionDescription, method HoldMethod) (*sdp.SessionDescription, error) {
	hold, err := Clone(base)
	if err != nil {
		return nil, err
	}
	hold.Origin.SessionVersion++

	attr := "sendonly"
	if method != SendonlyStream {
		// zeroed connections are conventionally paired with a=inactive
		attr = "inactive"
	}

	hold.Attributes = stripDirection(hold.Attributes)
	for _, m := range hold.MediaDescriptions {
		m.Attributes = stripDirection(m.Attributes)
		m.Attributes = append(m.Attributes, sdp.Attribute{Key: attr})
		if method == ZeroedConnection {
			m.ConnectionInformation = zeroedConnectionInfo(m.ConnectionInformation)
		}
	}
	if method == ZeroedConnection && hold.ConnectionInformation != nil {
		hold.ConnectionInformation = zeroedConnectionInfo(hold.ConnectionInformation)
	}
	return hold, nil
}

// CreateResumeRequest builds a resume offer from the recorded non-hold
// description: same media activity, bumped origin version.
func CreateResumeRequest(nonHold *sdp.SessionDescription) (*sdp.SessionDescription, error) {
	resume, err := Clone(nonHold)
	if err != nil {
		return nil, err
	}
	resume.Origin.SessionVersion++
	return resume, nil
}
