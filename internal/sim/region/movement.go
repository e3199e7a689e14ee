package region

import (
	"sync"

	"regioncore.dev/internal/protocol"
	"regioncore.dev/internal/sim/mathx"
)

// NumMovementsBetweenRayCast paces the camera-collision probe.
const NumMovementsBetweenRayCast = 5

// stopSentinelZ marks "kill vertical momentum" in a queued movement force.
const stopSentinelZ = -9999

// directionImpulses maps each of the twelve direction bits to its unit
// impulse in the avatar frame. Nudges carry the same magnitude as primaries.
var directionImpulses = [...]struct {
	bit protocol.AgentControl
	vec mathx.Vec3
}{
	{protocol.ControlAtPos, mathx.Vec3{X: 1}},
	{protocol.ControlAtNeg, mathx.Vec3{X: -1}},
	{protocol.ControlLeftPos, mathx.Vec3{Y: 1}},
	{protocol.ControlLeftNeg, mathx.Vec3{Y: -1}},
	{protocol.ControlUpPos, mathx.Vec3{Z: 1}},
	{protocol.ControlUpNeg, mathx.Vec3{Z: -1}},
	{protocol.ControlNudgeAtPos, mathx.Vec3{X: 1}},
	{protocol.ControlNudgeAtNeg, mathx.Vec3{X: -1}},
	{protocol.ControlNudgeLeftPos, mathx.Vec3{Y: 1}},
	{protocol.ControlNudgeLeftNeg, mathx.Vec3{Y: -1}},
	{protocol.ControlNudgeUpPos, mathx.Vec3{Z: 1}},
	{protocol.ControlNudgeUpNeg, mathx.Vec3{Z: -1}},
}

type motionState struct {
	mu sync.Mutex

	// movementFlag holds the direction bits currently down, after the script
	// ignore mask; rawControls is the unmasked client bitset kept for C6.
	movementFlag      protocol.AgentControl
	rawControls       protocol.AgentControl
	agentControlFlags protocol.AgentControl

	speedModifier float64
	alwaysRun     bool
	stopActive    bool
	forceFly      bool
	flyDisabled   bool

	movingToTarget     bool
	moveToTarget       mathx.Vec3
	moveToVec          mathx.Vec3
	moveToLandAtTarget bool
	moveToAsserts      int

	forceToApply mathx.Vec3
	forcePending bool

	movementUpdateCount int
	doingCamRayCast     bool
	followCamAuto       bool
	mouselook           bool
	fallingAnim         bool
	hovering            bool
}

// AgentUpdateInput is one decoded AGENT_UPDATE packet.
type AgentUpdateInput struct {
	ControlFlags   protocol.AgentControl
	BodyRotation   mathx.Quat
	CameraCenter   mathx.Vec3
	CameraAtAxis   mathx.Vec3
	CameraLeftAxis mathx.Vec3
	CameraUpAxis   mathx.Vec3
	DrawDistance   float64
}

// MovementFlag exposes the held direction bits after script masking.
func (p *Presence) MovementFlag() protocol.AgentControl {
	p.motion.mu.Lock()
	defer p.motion.mu.Unlock()
	return p.motion.movementFlag
}

// ControlFlags is the masked client bitset motion acts on.
func (p *Presence) ControlFlags() protocol.AgentControl {
	p.motion.mu.Lock()
	defer p.motion.mu.Unlock()
	return p.motion.agentControlFlags
}

// RawControlFlags is the last unmasked client bitset, as scripts saw it
// before the ignore mask.
func (p *Presence) RawControlFlags() protocol.AgentControl {
	p.motion.mu.Lock()
	defer p.motion.mu.Unlock()
	return p.motion.rawControls
}

func (p *Presence) AgentControlStopActive() bool {
	p.motion.mu.Lock()
	defer p.motion.mu.Unlock()
	return p.motion.stopActive
}

func (p *Presence) SpeedModifier() float64 {
	p.motion.mu.Lock()
	defer p.motion.mu.Unlock()
	return p.motion.speedModifier
}

func (p *Presence) SetSpeedModifier(v float64) {
	p.motion.mu.Lock()
	p.motion.speedModifier = v
	p.motion.mu.Unlock()
}

func (p *Presence) SetAlwaysRun(v bool) {
	p.motion.mu.Lock()
	p.motion.alwaysRun = v
	p.motion.mu.Unlock()
}

func (p *Presence) AlwaysRun() bool {
	p.motion.mu.Lock()
	defer p.motion.mu.Unlock()
	return p.motion.alwaysRun
}

// SetForceFly and SetFlyDisabled are the estate-level overrides; precedence
// is force-fly > fly-disabled > client flag.
func (p *Presence) SetForceFly(v bool) {
	p.motion.mu.Lock()
	p.motion.forceFly = v
	p.motion.mu.Unlock()
}

func (p *Presence) SetFlyDisabled(v bool) {
	p.motion.mu.Lock()
	p.motion.flyDisabled = v
	p.motion.mu.Unlock()
}

// setFallingAnim is fed by the animator; AddNewMovement consults it.
func (p *Presence) setFallingAnim(v bool) {
	p.motion.mu.Lock()
	p.motion.fallingAnim = v
	p.motion.mu.Unlock()
}

// HandleAgentUpdate integrates one client input packet. Non-blocking: the
// camera ray-cast it may start runs on its own goroutine.
func (p *Presence) HandleAgentUpdate(in AgentUpdateInput) {
	if !p.AbsolutePosition().IsFinite() {
		p.recoverNonFinite()
	}
	if p.IsChild() || p.IsInTransit() {
		return
	}

	p.updateCameraAndDrawDistance(in)
	p.maybeStartCameraRayCast()

	if in.ControlFlags&protocol.ControlMouselook != 0 {
		p.motion.mu.Lock()
		p.motion.mouselook = true
		p.motion.mu.Unlock()
	} else {
		p.motion.mu.Lock()
		p.motion.mouselook = false
		p.motion.mu.Unlock()
	}

	if in.ControlFlags&protocol.ControlStandUp != 0 {
		p.StandUp()
	}
	if in.ControlFlags&protocol.ControlSitOnGround != 0 && !p.IsSatOnObject() {
		p.SitOnGround()
	}

	// Raw flags are what scripts observe edges against; motion only sees the
	// bits no script captured.
	raw := in.ControlFlags
	p.motion.mu.Lock()
	p.motion.rawControls = raw
	p.motion.mu.Unlock()
	flags := raw &^ protocol.AgentControl(p.ScriptIgnoreMask())

	p.applyFlyPrecedence(flags)

	if !p.IsSatOnObject() {
		p.setRotation(in.BodyRotation.Normalized())
	}

	update := p.integrateDirectionBits(flags)

	// STOP edge.
	p.motion.mu.Lock()
	wasStop := p.motion.stopActive
	p.motion.stopActive = flags&protocol.ControlStop != 0
	if wasStop != p.motion.stopActive {
		update = true
	}
	anyDirection := p.motion.movementFlag != 0
	moving := p.motion.movingToTarget
	p.motion.mu.Unlock()

	if moving && anyDirection {
		// Manual input wins over autopilot.
		p.ResetMoveToTarget()
		update = true
	} else if moving {
		if p.HandleMoveToTargetUpdate(1.0) {
			update = true
		}
	}

	if p.Flying() {
		p.applyFlyingRoll(flags)
	}

	if update {
		vec, braking := p.controlVector(flags)
		p.AddNewMovement(vec, 1, braking)
	}
}

func (p *Presence) updateCameraAndDrawDistance(in AgentUpdateInput) {
	p.stateMu.Lock()
	p.cameraPos = in.CameraCenter
	p.cameraAt = in.CameraAtAxis
	p.cameraLeft = in.CameraLeftAxis
	p.cameraUp = in.CameraUpAxis
	p.stateMu.Unlock()
	if in.DrawDistance > 0 {
		p.SetDrawDistance(in.DrawDistance)
		p.SetRegionViewDistance(in.DrawDistance)
	}

	// Follow-cam heuristic: an almost exactly upright camera looking nearly
	// straight down its own axis is script-driven.
	auto := abs(in.CameraUpAxis.Z-0.97) < 0.01 &&
		abs(in.CameraAtAxis.X) < 0.4 && abs(in.CameraAtAxis.Y) < 0.4
	p.motion.mu.Lock()
	p.motion.followCamAuto = auto
	p.motion.mu.Unlock()
}

// maybeStartCameraRayCast probes head-to-camera for an occluder every
// NumMovementsBetweenRayCast updates, single-flighted.
func (p *Presence) maybeStartCameraRayCast() {
	if p.IsSatOnObject() || p.region.physics == nil {
		p.motion.mu.Lock()
		p.motion.movementUpdateCount++
		p.motion.mu.Unlock()
		return
	}
	p.motion.mu.Lock()
	p.motion.movementUpdateCount++
	due := p.motion.movementUpdateCount%NumMovementsBetweenRayCast == 0
	start := due && !p.motion.doingCamRayCast && !p.motion.mouselook
	if start {
		p.motion.doingCamRayCast = true
	}
	p.motion.mu.Unlock()
	if !start {
		return
	}

	head := p.AbsolutePosition().Add(mathx.Vec3{Z: 0.37})
	cam := p.CameraPosition()
	dir := cam.Sub(head)
	length := dir.Length()
	go func() {
		defer func() {
			p.motion.mu.Lock()
			p.motion.doingCamRayCast = false
			p.motion.mu.Unlock()
		}()
		if length == 0 {
			return
		}
		hits := p.region.physics.RaycastWorld(head, dir.Scale(1/length), length, 10)
		for _, h := range hits {
			if h.VolumeDetect {
				continue
			}
			plane := planeFromHit(h)
			p.sink.SendCameraConstraint(plane)
			return
		}
		p.sink.SendCameraConstraint(mathx.Vec4{X: 0, Y: 0, Z: 0, W: 1})
	}()
}

// planeFromHit rounds the constraint plane the way the viewer expects:
// normal to 2 decimals, point to 1.
func planeFromHit(h RayHit) mathx.Vec4 {
	n := h.Normal.Normalized().Round(2)
	pt := h.Position.Round(1)
	return mathx.Vec4{X: n.X, Y: n.Y, Z: n.Z, W: -n.Dot(pt)}
}

func (p *Presence) applyFlyPrecedence(flags protocol.AgentControl) {
	p.motion.mu.Lock()
	force := p.motion.forceFly
	disabled := p.motion.flyDisabled
	p.motion.mu.Unlock()
	switch {
	case force:
		p.SetFlying(true)
	case disabled:
		p.SetFlying(false)
	default:
		p.SetFlying(flags&protocol.ControlFly != 0)
	}
}

// integrateDirectionBits edge-detects the twelve impulses into MovementFlag.
func (p *Presence) integrateDirectionBits(flags protocol.AgentControl) bool {
	p.motion.mu.Lock()
	defer p.motion.mu.Unlock()
	changed := false
	for _, d := range directionImpulses {
		down := flags&d.bit != 0
		was := p.motion.movementFlag&d.bit != 0
		if down && !was {
			p.motion.movementFlag |= d.bit
			changed = true
		} else if !down && was {
			p.motion.movementFlag &^= d.bit
			changed = true
		}
	}
	p.motion.agentControlFlags = flags
	return changed
}

// controlVector accumulates the impulses for the held direction bits.
func (p *Presence) controlVector(flags protocol.AgentControl) (mathx.Vec3, bool) {
	p.motion.mu.Lock()
	held := p.motion.movementFlag
	stop := p.motion.stopActive
	moving := p.motion.movingToTarget
	moveToVec := p.motion.moveToVec
	p.motion.mu.Unlock()
	_ = flags
	var v mathx.Vec3
	for _, d := range directionImpulses {
		if held&d.bit != 0 {
			v = v.Add(d.vec)
		}
	}
	if moving {
		v = v.Add(moveToVec)
	}
	return v, stop
}

// AddNewMovement converts an avatar-frame impulse into the force the physics
// body consumes on the next tick.
func (p *Presence) AddNewMovement(vec mathx.Vec3, scale float64, braking bool) {
	rot := p.Rotation()
	inputZ := vec.Z

	direction := rot.Rotate(vec)

	p.motion.mu.Lock()
	mouselook := p.motion.mouselook
	falling := p.motion.fallingAnim
	hovering := p.motion.hovering
	speedMod := p.motion.speedModifier
	p.motion.mu.Unlock()

	// In mouselook the camera pitch leaks into the rotated vector; WASD must
	// not climb.
	if mouselook && inputZ == 0 {
		direction.Z = 0
	}

	direction = direction.Scale(p.region.tun.MovementSpeedScale * speedMod * scale)

	if falling && !hovering {
		if braking {
			direction = mathx.Vec3{Z: stopSentinelZ}
		} else {
			direction = mathx.Vec3{}
		}
	}

	flying := p.Flying()
	if flying {
		if b := p.Body(); b != nil && b.actor.CollidingGround() && direction.Z < 0 {
			direction.Z = 0
		}
		direction = direction.Scale(p.region.tun.FlyingScale)
	} else if b := p.Body(); b != nil && b.actor.IsColliding() && direction.Z > 2 {
		direction.Z *= p.region.tun.JumpBoost
	}

	p.motion.mu.Lock()
	p.motion.forceToApply = direction
	p.motion.forcePending = true
	p.motion.mu.Unlock()
}

// applyPendingForce feeds the stored movement force to the body once per
// heartbeat.
func (p *Presence) applyPendingForce() {
	p.motion.mu.Lock()
	if !p.motion.forcePending {
		p.motion.mu.Unlock()
		return
	}
	force := p.motion.forceToApply
	p.motion.forcePending = false
	p.motion.mu.Unlock()

	b := p.Body()
	if b == nil {
		return
	}
	if force.Z == stopSentinelZ {
		// Kill vertical momentum, keep the fall from resuming this tick.
		v := b.actor.Velocity()
		b.actor.SetMomentum(mathx.Vec3{X: v.X, Y: v.Y})
		force.Z = 0
	}
	b.actor.TargetVelocity(force)
}

// recoverNonFinite restores the last finite position, or the region centre
// when there never was one, and rebuilds the physics mirror.
func (p *Presence) recoverNonFinite() {
	p.stateMu.Lock()
	target := p.lastFinitePos
	if !p.everFinite {
		target = regionCenter
	}
	p.pos = target
	p.velocity = mathx.Vec3{}
	p.stateMu.Unlock()

	p.log.Printf("region %s: presence %s non-finite position, re-homing to %v",
		p.region.cfg.Name, p.Name(), target)
	p.detachBody()
	if !p.IsChild() && !p.IsSatOnObject() {
		p.attachBody(target, false)
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
