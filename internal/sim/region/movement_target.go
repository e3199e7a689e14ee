package region

import (
	"regioncore.dev/internal/protocol"
	"regioncore.dev/internal/sim/mathx"
)

// MoveToTarget starts autopilot toward a world position. landAtTarget stops
// flight on arrival.
func (p *Presence) MoveToTarget(target mathx.Vec3, landAtTarget bool) {
	if p.IsChild() || p.IsSatOnObject() {
		return
	}
	p.motion.mu.Lock()
	p.motion.movingToTarget = true
	p.motion.moveToTarget = target
	p.motion.moveToLandAtTarget = landAtTarget
	p.motion.mu.Unlock()
	if p.HandleMoveToTargetUpdate(1.0) {
		vec, braking := p.controlVector(0)
		p.AddNewMovement(vec, 1, braking)
	}
}

// MovingToTarget reports whether autopilot is active, and where to.
func (p *Presence) MovingToTarget() (mathx.Vec3, bool) {
	p.motion.mu.Lock()
	defer p.motion.mu.Unlock()
	return p.motion.moveToTarget, p.motion.movingToTarget
}

// ResetMoveToTarget cancels autopilot and releases the direction bits it was
// holding down.
func (p *Presence) ResetMoveToTarget() {
	p.motion.mu.Lock()
	p.motion.movingToTarget = false
	p.motion.moveToTarget = mathx.Vec3{}
	p.motion.moveToLandAtTarget = false
	p.motion.movementFlag = 0
	p.motion.mu.Unlock()
}

// HandleMoveToTargetUpdate advances autopilot one input tick. It returns true
// when the movement force needs recomputing.
func (p *Presence) HandleMoveToTargetUpdate(tolerance float64) bool {
	p.motion.mu.Lock()
	active := p.motion.movingToTarget
	target := p.motion.moveToTarget
	landAt := p.motion.moveToLandAtTarget
	p.motion.mu.Unlock()
	if !active {
		return false
	}

	pos := p.AbsolutePosition()
	flying := p.Flying()

	var distSq float64
	if flying && !landAt {
		distSq = pos.DistSq(target)
	} else {
		distSq = pos.DistSq2D(target)
	}

	if distSq <= tolerance*tolerance {
		p.setAbsolutePosition(target)
		p.setVelocity(mathx.Vec3{})
		if landAt && flying {
			p.SetFlying(false)
		}
		p.motion.mu.Lock()
		p.motion.movingToTarget = false
		p.motion.moveToTarget = mathx.Vec3{}
		p.motion.moveToLandAtTarget = false
		p.motion.movementFlag = 0
		// The physics adapter only believes a grounded state after seeing it
		// asserted for several consecutive ticks.
		p.motion.moveToAsserts = p.region.tun.SitColliderAsserts
		p.motion.mu.Unlock()
		return true
	}

	// Rotate the remaining delta into the avatar frame and hold down the
	// matching direction keys.
	delta := target.Sub(pos)
	local := p.Rotation().InverseRotate(delta).Normalized()

	p.motion.mu.Lock()
	p.motion.movementFlag &^= protocol.ControlAtPos | protocol.ControlAtNeg |
		protocol.ControlLeftPos | protocol.ControlLeftNeg
	switch {
	case local.X > 0:
		p.motion.movementFlag |= protocol.ControlAtPos
	case local.X < 0:
		p.motion.movementFlag |= protocol.ControlAtNeg
	}
	switch {
	case local.Y > 0:
		p.motion.movementFlag |= protocol.ControlLeftPos
	case local.Y < 0:
		p.motion.movementFlag |= protocol.ControlLeftNeg
	}
	p.motion.moveToVec = local
	p.motion.mu.Unlock()
	return true
}

// assertMoveToColliding keeps telling physics "grounded" for a few ticks
// after an autopilot landing.
func (p *Presence) assertMoveToColliding() {
	p.motion.mu.Lock()
	n := p.motion.moveToAsserts
	if n > 0 {
		p.motion.moveToAsserts--
	}
	p.motion.mu.Unlock()
	if n <= 0 {
		return
	}
	if b := p.Body(); b != nil {
		b.actor.SetColliding(true)
	}
}

// applyFlyingRoll accumulates a roll effect while flying and turning;
// without turn input the roll relaxes back to level.
func (p *Presence) applyFlyingRoll(flags protocol.AgentControl) {
	tun := p.region.tun
	turnLeft := flags&protocol.ControlYawPos != 0 && flags&protocol.ControlTurnLeft != 0
	turnRight := flags&protocol.ControlYawNeg != 0 && flags&protocol.ControlTurnRight != 0

	amount := tun.RollPerTick
	// Climbing shallows the roll, diving steepens it.
	if flags&protocol.ControlUpPos != 0 {
		amount *= 2.0 / 3.0
	} else if flags&protocol.ControlUpNeg != 0 {
		amount *= 4.0 / 3.0
	}

	p.stateMu.Lock()
	roll := p.angularVelocity.Z
	switch {
	case turnLeft:
		roll += amount
	case turnRight:
		roll -= amount
	default:
		switch {
		case roll > tun.RollRelax:
			roll -= tun.RollRelax
		case roll < -tun.RollRelax:
			roll += tun.RollRelax
		default:
			roll = 0
		}
	}
	p.angularVelocity.Z = clamp(roll, -tun.RollMax, tun.RollMax)
	p.stateMu.Unlock()
}
