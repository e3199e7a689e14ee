package region

import "errors"

var (
	ErrInvalidTransition    = errors.New("lifecycle: invalid transition")
	ErrAlreadyRoot          = errors.New("presence is already root")
	ErrAlreadyChild         = errors.New("presence is already child")
	ErrPeerHandshakeTimeout = errors.New("origin region never confirmed")
	ErrNonFiniteState       = errors.New("non-finite position from physics")
	ErrPhysicsFault         = errors.New("physics callback out of bounds")
	ErrCrossRejected        = errors.New("peer refused the hand-off")
	ErrLandingDenied        = errors.New("landing constrained by telehub or landing point")
	ErrSitRefused           = errors.New("no suitable sit surface")
	ErrNeighbourCloseFailed = errors.New("neighbour child-agent close failed")
	ErrNotFound             = errors.New("presence not found")
)
