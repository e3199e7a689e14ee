package region

import (
	"context"

	"github.com/google/uuid"

	"regioncore.dev/internal/sim/mathx"
)

// The presence core consumes everything outside the region boundary through
// the interfaces in this file. Tests substitute fakes; cmd/server wires the
// NATS inter-region bus and the websocket sink, and runs without a physics
// scene.

// PhysicsActor is the mirror of one presence inside the physics world.
type PhysicsActor interface {
	Position() mathx.Vec3
	SetPosition(mathx.Vec3)
	Velocity() mathx.Vec3
	// SetMomentum forces the integrator's current momentum, carrying speed
	// across a teleport. TargetVelocity is the per-tick movement input.
	SetMomentum(mathx.Vec3)
	TargetVelocity(mathx.Vec3)
	SetOrientation(mathx.Quat)

	Flying() bool
	SetFlying(bool)

	IsColliding() bool
	SetColliding(bool)
	CollidingGround() bool
	CollidingObject() bool
}

// RayHit is one contact from a world ray-cast.
type RayHit struct {
	Position     mathx.Vec3
	Normal       mathx.Vec3
	Distance     float64
	LocalID      uint32
	VolumeDetect bool
}

// ContactPoint is one collision contact reported by the physics scene.
type ContactPoint struct {
	Position      mathx.Vec3
	Normal        mathx.Vec3
	Depth         float64
	RelativeSpeed float64
	CharacterFeet bool
}

// CollisionUpdate maps collider local id (0 = ground) to its deepest contact.
type CollisionUpdate map[uint32]ContactPoint

// PhysicsScene is the external physics capability.
type PhysicsScene interface {
	AddAvatar(name string, pos mathx.Vec3, size mathx.Vec3, feetOffset float64, flying bool) PhysicsActor
	RemoveAvatar(PhysicsActor)
	RaycastWorld(origin, dir mathx.Vec3, length float64, maxHits int) []RayHit
	// SitSolve asks the engine for a seat offset on the part surface at the
	// given hit point. ok=false means the engine declines.
	SitSolve(part *ScenePart, hit mathx.Vec3) (offset mathx.Vec3, ok bool)
	SubscribeCollisions(actor PhysicsActor, intervalMs int, fn func(CollisionUpdate))
	UnsubscribeCollisions(actor PhysicsActor)
}

// EntityUpdate is the motion state pushed to a client sink.
type EntityUpdate struct {
	LocalID         uint32
	Flags           uint8
	Position        mathx.Vec3
	Rotation        mathx.Quat
	Velocity        mathx.Vec3
	Acceleration    mathx.Vec3
	AngularVelocity mathx.Vec3
}

// SitResponse is the seat placement sent to the sitting client.
type SitResponse struct {
	PartLocalID     uint32
	Offset          mathx.Vec3
	Rotation        mathx.Quat
	CameraAtOffset  mathx.Vec3
	CameraEyeOffset mathx.Vec3
	ForceMouselook  bool
}

// CoarseLocation is one entry of a coarse location broadcast.
type CoarseLocation struct {
	AgentID  uuid.UUID
	Position mathx.Vec3
}

// ClientSink is the wire codec boundary for one connected client.
type ClientSink interface {
	SendAvatarDataImmediate(about *Presence)
	SendAppearance(agentID uuid.UUID, blob []byte)
	SendAnimations(agentID uuid.UUID, anims []string)
	SendEntityUpdate(u EntityUpdate)
	SendSitResponse(r SitResponse)
	SendCoarseLocations(you, prey int, locs []CoarseLocation)
	SendKillObject(localIDs []uint32)
	SendAlert(message, code string)
	SendCameraConstraint(plane mathx.Vec4)
	SendLocalTeleport(pos, look mathx.Vec3, flags uint32)
	SendTakeControls(controls uint32, passToAgent, take bool)
	SendHealth(health float64)
	// ReprioritizeQueues reorders the client's update queues around the new
	// position; it may take a while and is always called off-thread.
	ReprioritizeQueues()
}

// ChildAgentPosition is the position push sent to neighbour regions that hold
// a child copy of this presence.
type ChildAgentPosition struct {
	AgentID      uuid.UUID
	RegionHandle RegionHandle
	Position     mathx.Vec3
	Velocity     mathx.Vec3
	DrawDistance float64
}

// TransferModule performs cross-region hand-offs.
type TransferModule interface {
	// EnableChildAgents tells the neighbours to open child connections for p.
	EnableChildAgents(p *Presence) error
	// CrossToRegion hands the presence to the destination; false = refused.
	CrossToRegion(ctx context.Context, p *Presence, dest RegionHandle, pos mathx.Vec3) bool
	// ReleaseAgent notifies the origin region that the arrival completed.
	ReleaseAgent(callbackURI string, agentID uuid.UUID) error
	SendChildAgentPosition(handle RegionHandle, pos ChildAgentPosition) error
}

// GridService closes child agents on remote regions.
type GridService interface {
	CloseChildAgent(handle RegionHandle, agentID uuid.UUID, sessionToken string) error
}

// LandingType is a parcel's arrival routing mode.
type LandingType int

const (
	LandingNone LandingType = iota
	LandingDirect
	LandingPoint
)

// LandData is the parcel summary the core needs; geometry stays in the land
// channel.
type LandData struct {
	ParcelID     uuid.UUID
	LocalID      int
	OwnerID      uuid.UUID
	SeeAvatars   bool
	AllowSounds  bool
	LandingType  LandingType
	UserLocation mathx.Vec3
	UserLookAt   mathx.Vec3
}

// LandChannel answers parcel queries by position.
type LandChannel interface {
	LandAt(x, y float64) (LandData, bool)
	// AllowsAgent reports whether the parcel admits the avatar (bans, groups).
	AllowsAgent(land LandData, agentID uuid.UUID) bool
}

// Telehub is a region-scoped arrival override.
type Telehub struct {
	Position    mathx.Vec3
	SpawnPoints []mathx.Vec3
	Mode        SpawnMode
}

// Estate answers estate-level access questions.
type Estate interface {
	IsBanned(agentID uuid.UUID, pos mathx.Vec3) bool
	IsManager(agentID uuid.UUID) bool
	AllowDirectTeleport() bool
	Telehub() (Telehub, bool)
}

// CollisionKind tags script collision events.
type CollisionKind int

const (
	CollisionStart CollisionKind = iota
	CollisionContinue
	CollisionEnd
	LandCollisionStart
	LandCollisionContinue
	LandCollisionEnd
)

// ScriptEngine is the event sink for script runtimes.
type ScriptEngine interface {
	PostControlEvent(itemID uuid.UUID, objectID uuid.UUID, held, changed uint32)
	PostLinkChanged(groupID uuid.UUID)
	PostCollisionEvent(partLocalID uint32, kind CollisionKind, colliderLocalID uint32)
	// WantsCollisionEvents reports whether any script on the part subscribed.
	WantsCollisionEvents(partLocalID uint32) bool
	PostAvatarKilled(agentID uuid.UUID)
}

// AttachmentModule owns attachment persistence and rezzing.
type AttachmentModule interface {
	RezAttachments(p *Presence)
	DeleteAttachments(p *Presence)
	// RootLocalIDs lists the root part local ids of everything attached to p.
	RootLocalIDs(p *Presence) []uint32
	CopyTo(p *Presence) []byte
	CopyFrom(p *Presence, blob []byte)
}

// AudioModule queues collision sounds for the audio pipeline.
type AudioModule interface {
	QueueCollisionSound(colliderLocalID uint32, volume float64)
}

// Journal records lifecycle transitions and hand-offs for operators.
type Journal interface {
	Write(v any) error
}
