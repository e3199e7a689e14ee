package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Presence lifecycle.
	ErrInvalidTransition = "E_INVALID_TRANSITION"
	ErrAlreadyRoot       = "E_ALREADY_ROOT"
	ErrAlreadyChild      = "E_ALREADY_CHILD"
	ErrPeerTimeout       = "E_PEER_TIMEOUT"

	// Movement/landing.
	ErrNonFiniteState = "E_NON_FINITE_STATE"
	ErrPhysicsFault   = "E_PHYSICS_FAULT"
	ErrCrossRejected  = "E_CROSS_REJECTED"
	ErrLandingDenied  = "E_LANDING_DENIED"
	ErrSitRefused     = "E_SIT_REFUSED"

	// Neighbour bookkeeping.
	ErrNeighbourClose = "E_NEIGHBOUR_CLOSE_FAILED"

	ErrBadRequest = "E_BAD_REQUEST"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrInvalidTransition: {},
	ErrAlreadyRoot:       {},
	ErrAlreadyChild:      {},
	ErrPeerTimeout:       {},
	ErrNonFiniteState:    {},
	ErrPhysicsFault:      {},
	ErrCrossRejected:     {},
	ErrLandingDenied:     {},
	ErrSitRefused:        {},
	ErrNeighbourClose:    {},
	ErrBadRequest:        {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
