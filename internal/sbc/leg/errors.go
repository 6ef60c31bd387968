package leg

import "errors"

var (
	// ErrInvalidState indicates an operation was attempted in a call
	// status that does not allow it.
	ErrInvalidState = errors.New("operation not allowed in current call status")

	// ErrNoPeer indicates the leg has no peer to bridge to.
	ErrNoPeer = errors.New("no peer leg")

	// ErrNoSuchLeg indicates the session registry has no leg under the
	// requested tag.
	ErrNoSuchLeg = errors.New("no such call leg")

	// ErrNoNonHoldSDP indicates a resume was requested but no non-hold
	// session description was ever cached.
	ErrNoNonHoldSDP = errors.New("no non-hold session description cached")

	// ErrNoEstablishedSDP indicates a hold offer was requested before
	// any session description was established.
	ErrNoEstablishedSDP = errors.New("no established session description")

	// ErrLegStopped indicates the leg has already been destroyed.
	ErrLegStopped = errors.New("call leg stopped")
)
