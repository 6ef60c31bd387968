// Package leg implements the back-to-back call-leg engine: the call
// status state machine, the B2B message protocol between legs, the
// serialized session-update queue with 491 retry, and hold/resume
// negotiation. Legs talk to each other exclusively through the session
// registry; each leg mutates its own state only on its own goroutine.
package leg

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// CallStatus is the bridge-level state of a call leg.
type CallStatus int

const (
	// StatusDisconnected indicates no peer leg relationship exists.
	StatusDisconnected CallStatus = iota
	// StatusNoReply indicates at least one candidate peer, none answered yet.
	StatusNoReply
	// StatusRinging indicates a provisional reply with a to-tag pinned a peer.
	StatusRinging
	// StatusConnected indicates exactly one peer leg is established.
	StatusConnected
	// StatusDisconnecting indicates detaching while parking the remote on hold.
	StatusDisconnecting
)

// String returns the string representation of CallStatus.
func (s CallStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusNoReply:
		return "NoReply"
	case StatusRinging:
		return "Ringing"
	case StatusConnected:
		return "Connected"
	case StatusDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Role distinguishes the two sides of a bridge. A leg's role can change
// over its lifetime (reconnect, replace, park pickup).
type Role int

const (
	// RoleA is the caller side of the bridge.
	RoleA Role = iota
	// RoleB is the callee side of the bridge.
	RoleB
)

// String returns "A" or "B".
func (r Role) String() string {
	if r == RoleA {
		return "A"
	}
	return "B"
}

// FailReason classifies why establishing the call failed.
type FailReason int

const (
	// FailRefused indicates a non-success final reply with no candidates left.
	FailRefused FailReason = iota
	// FailCanceled indicates the caller gave up before an answer.
	FailCanceled
)

// String returns the string representation of FailReason.
func (r FailReason) String() string {
	if r == FailRefused {
		return "Refused"
	}
	return "Canceled"
}

// statusValidator checks call status transitions against the expected
// shape of the lifecycle. It documents the machine, it does not make
// policy: an unexpected transition is reported but still taken.
type statusValidator struct {
	m *fsm.FSM
}

func newStatusValidator() *statusValidator {
	return &statusValidator{m: fsm.NewFSM(
		StatusDisconnected.String(),
		fsm.Events{
			{Name: "establish", Src: []string{"Disconnected"}, Dst: "NoReply"},
			{Name: "ring", Src: []string{"NoReply"}, Dst: "Ringing"},
			{Name: "connect", Src: []string{"NoReply", "Ringing"}, Dst: "Connected"},
			{Name: "park", Src: []string{"NoReply", "Ringing", "Connected"}, Dst: "Disconnecting"},
			{Name: "drop", Src: []string{"NoReply", "Ringing", "Connected", "Disconnecting"}, Dst: "Disconnected"},
		},
		fsm.Callbacks{},
	)}
}

// statusEvent maps a target status to the FSM event that reaches it.
func statusEvent(to CallStatus) string {
	switch to {
	case StatusNoReply:
		return "establish"
	case StatusRinging:
		return "ring"
	case StatusConnected:
		return "connect"
	case StatusDisconnecting:
		return "park"
	default:
		return "drop"
	}
}

// fire advances the validator, forcing the state when the transition is
// not in the table.
func (v *statusValidator) fire(to CallStatus) error {
	err := v.m.Event(context.Background(), statusEvent(to))
	if err != nil {
		v.m.SetState(to.String())
	}
	return err
}
