package region

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"regioncore.dev/internal/sim/mathx"
)

// AvatarKind distinguishes humans from server-driven characters.
type AvatarKind int

const (
	KindHuman AvatarKind = iota
	KindNonPlayerCharacter
)

// GodLevelThreshold is the elevated-access level at which parcel privacy and
// damage no longer apply.
const GodLevelThreshold = 200

// regionCenter is where a presence is re-homed when it has never held a
// finite position.
var regionCenter = mathx.Vec3{X: 127, Y: 127, Z: 127}

// Presence is the server-side representation of one user or NPC in this
// region. Component state is grouped per concern, each guarded by its own
// lock; no method holds two component locks at once.
type Presence struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	LocalID   uint32
	FirstName string
	LastName  string
	Kind      AvatarKind

	region *Region
	sink   ClientSink
	log    *log.Logger

	lifecycle lifecycleMachine

	// Kinematics and identity attributes.
	stateMu         sync.Mutex
	child           bool
	inTransit       bool
	loggingIn       bool
	godLevel        int
	pos             mathx.Vec3 // region-relative; seat-relative while sitting
	bodyRotation    mathx.Quat
	velocity        mathx.Vec3
	angularVelocity mathx.Vec3
	cameraPos       mathx.Vec3
	cameraAt        mathx.Vec3
	cameraLeft      mathx.Vec3
	cameraUp        mathx.Vec3
	collisionPlane  mathx.Vec4
	lastFinitePos   mathx.Vec3
	everFinite      bool
	drawDistance    float64
	regionView      float64
	health          float64
	invulnerable    bool
	appearanceBlob  []byte
	animations      []string
	defaultAnim     string
	appearanceSize  mathx.Vec3
	headRotation    mathx.Quat
	throttles       []byte

	motion     motionState
	seat       seatState
	parcel     parcelState
	controls   scriptControls
	sched      schedulerState
	transit    transitState
	neighbours neighbourState

	bodyMu sync.Mutex
	body   *PhysicalBody

	// Serialises child->root promotion so concurrent arrivals cannot both win.
	completeMovementLock sync.Mutex
}

type Identity struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	FirstName string
	LastName  string
	Kind      AvatarKind
	GodLevel  int
	LoggingIn bool
}

// NewPresence creates a presence in PreAdd; AddPresence moves it to Running.
func NewPresence(r *Region, sink ClientSink, ident Identity) *Presence {
	if ident.ID == uuid.Nil {
		ident.ID = uuid.New()
	}
	if ident.SessionID == uuid.Nil {
		ident.SessionID = uuid.New()
	}
	p := &Presence{
		ID:        ident.ID,
		SessionID: ident.SessionID,
		FirstName: ident.FirstName,
		LastName:  ident.LastName,
		Kind:      ident.Kind,
		region:    r,
		sink:      sink,
		log:       r.log,

		godLevel:       ident.GodLevel,
		loggingIn:      ident.LoggingIn,
		bodyRotation:   mathx.QuatIdentity,
		headRotation:   mathx.QuatIdentity,
		collisionPlane: mathx.DefaultPlane,
		drawDistance:   minDrawDistance,
		regionView:     minDrawDistance,
		health:         100,
		cameraAt:       mathx.Vec3{X: 1},
		cameraLeft:     mathx.Vec3{Y: 1},
		cameraUp:       mathx.Vec3{Z: 1},
	}
	p.motion.speedModifier = 1
	p.controls.regs = map[uuid.UUID]scriptControlReg{}
	p.neighbours.known = map[RegionHandle]neighbourInfo{}
	return p
}

func (p *Presence) Name() string { return p.FirstName + " " + p.LastName }

func (p *Presence) Region() *Region { return p.region }

func (p *Presence) Sink() ClientSink { return p.sink }

func (p *Presence) Lifecycle() LifecycleState { return p.lifecycle.current() }

func (p *Presence) IsChild() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.child
}

func (p *Presence) setChildFlag(v bool) {
	p.stateMu.Lock()
	p.child = v
	p.stateMu.Unlock()
}

func (p *Presence) IsInTransit() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.inTransit
}

func (p *Presence) setInTransit(v bool) {
	p.stateMu.Lock()
	p.inTransit = v
	p.stateMu.Unlock()
}

func (p *Presence) IsLoggingIn() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.loggingIn
}

func (p *Presence) SetLoggingIn(v bool) {
	p.stateMu.Lock()
	p.loggingIn = v
	p.stateMu.Unlock()
}

func (p *Presence) GodLevel() int {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.godLevel
}

func (p *Presence) IsGod() bool { return p.GodLevel() >= GodLevelThreshold }

func (p *Presence) Invulnerable() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.invulnerable
}

func (p *Presence) SetInvulnerable(v bool) {
	p.stateMu.Lock()
	p.invulnerable = v
	p.stateMu.Unlock()
}

func (p *Presence) Health() float64 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.health
}

const minDrawDistance = 32

func (p *Presence) DrawDistance() float64 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.drawDistance
}

func (p *Presence) SetDrawDistance(d float64) {
	max := p.region.tun.MaxDrawDistance
	p.stateMu.Lock()
	p.drawDistance = clamp(d, minDrawDistance, max)
	p.stateMu.Unlock()
}

// RegionViewDistance is the draw distance used for neighbour visibility.
func (p *Presence) RegionViewDistance() float64 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.regionView
}

func (p *Presence) SetRegionViewDistance(d float64) {
	max := p.region.tun.MaxRegionViewDistance
	p.stateMu.Lock()
	p.regionView = clamp(d, minDrawDistance, max)
	p.stateMu.Unlock()
}

// AbsolutePosition is the world placement. While sitting it is derived from
// the seat part so a moving seat carries the avatar with it.
func (p *Presence) AbsolutePosition() mathx.Vec3 {
	if part, ok := p.seatedPart(); ok {
		p.stateMu.Lock()
		rel := p.pos
		p.stateMu.Unlock()
		return part.WorldPosition().Add(part.WorldRotation().Rotate(rel))
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.pos
}

// setAbsolutePosition stores a (finite) region-relative position.
func (p *Presence) setAbsolutePosition(v mathx.Vec3) {
	p.stateMu.Lock()
	p.pos = v
	if v.IsFinite() {
		p.lastFinitePos = v
		p.everFinite = true
	}
	p.stateMu.Unlock()
}

// Rotation is the body rotation: world-relative standing, seat-relative while
// sitting.
func (p *Presence) Rotation() mathx.Quat {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.bodyRotation
}

func (p *Presence) setRotation(q mathx.Quat) {
	p.stateMu.Lock()
	p.bodyRotation = q
	p.stateMu.Unlock()
}

// WorldRotation composes the seat rotation when sitting.
func (p *Presence) WorldRotation() mathx.Quat {
	if part, ok := p.seatedPart(); ok {
		return part.WorldRotation().Mul(p.Rotation())
	}
	return p.Rotation()
}

func (p *Presence) Velocity() mathx.Vec3 {
	if b := p.Body(); b != nil {
		return b.actor.Velocity()
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.velocity
}

func (p *Presence) setVelocity(v mathx.Vec3) {
	p.stateMu.Lock()
	p.velocity = v
	p.stateMu.Unlock()
	if b := p.Body(); b != nil {
		b.actor.SetMomentum(v)
	}
}

func (p *Presence) AngularVelocity() mathx.Vec3 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.angularVelocity
}

func (p *Presence) CameraPosition() mathx.Vec3 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.cameraPos
}

func (p *Presence) CameraAxes() (at, left, up mathx.Vec3) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.cameraAt, p.cameraLeft, p.cameraUp
}

// CollisionPlane is the plane equation the client clamps the avatar against.
func (p *Presence) CollisionPlane() mathx.Vec4 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.collisionPlane
}

func (p *Presence) setCollisionPlane(v mathx.Vec4) {
	p.stateMu.Lock()
	p.collisionPlane = v
	p.stateMu.Unlock()
}

// Flying is derived through the physics body; a presence without a body is
// never flying.
func (p *Presence) Flying() bool {
	if b := p.Body(); b != nil {
		return b.actor.Flying()
	}
	return false
}

func (p *Presence) SetFlying(v bool) {
	if b := p.Body(); b != nil {
		b.actor.SetFlying(v)
	}
}

func (p *Presence) Appearance() []byte {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.appearanceBlob
}

func (p *Presence) SetAppearance(blob []byte, size mathx.Vec3) {
	p.stateMu.Lock()
	p.appearanceBlob = blob
	p.appearanceSize = size
	p.stateMu.Unlock()
}

func (p *Presence) Animations() []string {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	out := make([]string, len(p.animations))
	copy(out, p.animations)
	return out
}

func (p *Presence) setAnimation(anim string) {
	p.stateMu.Lock()
	p.defaultAnim = anim
	p.animations = []string{anim}
	p.stateMu.Unlock()
}

// AvatarHeight is the physics shape height, or the standard shape's.
func (p *Presence) AvatarHeight() float64 {
	p.stateMu.Lock()
	size := p.appearanceSize
	p.stateMu.Unlock()
	if size.Z > 0 {
		return size.Z
	}
	return standardAvatarSize.Z
}

// Throttles is the client's opaque bandwidth-throttle blob, carried through
// transit untouched.
func (p *Presence) Throttles() []byte {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.throttles
}

func (p *Presence) SetThrottles(b []byte) {
	p.stateMu.Lock()
	p.throttles = b
	p.stateMu.Unlock()
}

func (p *Presence) HeadRotation() mathx.Quat {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.headRotation
}

func (p *Presence) SetHeadRotation(q mathx.Quat) {
	p.stateMu.Lock()
	p.headRotation = q
	p.stateMu.Unlock()
}

func (p *Presence) Body() *PhysicalBody {
	p.bodyMu.Lock()
	defer p.bodyMu.Unlock()
	return p.body
}

// SetGodLevel flips elevated access and replays parcel privacy to peers.
func (p *Presence) SetGodLevel(level int) {
	p.stateMu.Lock()
	was := p.godLevel >= GodLevelThreshold
	p.godLevel = level
	now := p.godLevel >= GodLevelThreshold
	p.stateMu.Unlock()
	if was != now {
		p.godParcelToggle(now)
	}
}

// heartbeat runs this presence's share of one region tick.
func (p *Presence) heartbeat(now time.Time) {
	if p.lifecycle.current() != StateRunning {
		return
	}
	p.syncFromBody()
	p.applyPendingForce()
	p.assertMoveToColliding()
	if !p.IsChild() {
		p.CheckForBorderCrossing()
		p.controlsTick()
		p.healTick()
		p.schedulerTick(now)
	}
}

// syncFromBody pulls the integrator's truth into the presence each tick.
func (p *Presence) syncFromBody() {
	b := p.Body()
	if b == nil {
		return
	}
	pos := b.actor.Position()
	vel := b.actor.Velocity()
	if !pos.IsFinite() {
		p.recoverNonFinite()
		return
	}
	p.stateMu.Lock()
	p.pos = pos
	p.velocity = vel
	p.lastFinitePos = pos
	p.everFinite = true
	p.stateMu.Unlock()
}

func (p *Presence) healTick() {
	p.stateMu.Lock()
	if p.health < 100 {
		p.health += 0.03
		if p.health > 100 {
			p.health = 100
		}
	}
	p.stateMu.Unlock()
}
