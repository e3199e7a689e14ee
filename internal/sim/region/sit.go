package region

import (
	"sync"

	"github.com/google/uuid"

	"regioncore.dev/internal/sim/mathx"
)

// Animation states driven by the sit controller.
const (
	animSit       = "SIT"
	animSitGround = "SIT_GROUND_CONSTRAINED"
	animStand     = "STAND"
)

// legacySitOffsetScale and modernSitOffsetScale are the two empirically tuned
// seat-offset formulas; the region flag selects which content was built for.
const (
	legacySitOffsetScale = 0.05
	modernSitOffsetScale = 0.02638
)

type seatState struct {
	mu              sync.Mutex
	parentObjectID  uuid.UUID
	parentPartID    uuid.UUID
	parentPartLocal uint32
	prevSitOffset   mathx.Vec3
	sitOnGround     bool
	storedBodyRot   mathx.Quat
	sitTargetRot    mathx.Quat
	usedSitTarget   bool
}

// IsSatOnObject reports whether the presence is seated on a scene part.
func (p *Presence) IsSatOnObject() bool {
	p.seat.mu.Lock()
	defer p.seat.mu.Unlock()
	return p.seat.parentPartID != uuid.Nil
}

func (p *Presence) IsSatOnGround() bool {
	p.seat.mu.Lock()
	defer p.seat.mu.Unlock()
	return p.seat.sitOnGround
}

// ParentPart returns the seat linkage ids.
func (p *Presence) ParentPart() (objectID, partID uuid.UUID) {
	p.seat.mu.Lock()
	defer p.seat.mu.Unlock()
	return p.seat.parentObjectID, p.seat.parentPartID
}

// PrevSitOffset is the requested offset kept for re-seating after transit.
func (p *Presence) PrevSitOffset() mathx.Vec3 {
	p.seat.mu.Lock()
	defer p.seat.mu.Unlock()
	return p.seat.prevSitOffset
}

func (p *Presence) seatedPart() (*ScenePart, bool) {
	p.seat.mu.Lock()
	id := p.seat.parentPartID
	p.seat.mu.Unlock()
	if id == uuid.Nil {
		return nil, false
	}
	return p.region.GetPart(id)
}

// resolveSitPart picks the seat: any linked part with a free explicit sit
// target wins, in link order with the clicked part tried first; otherwise the
// clicked part itself.
func resolveSitPart(clicked *ScenePart) *ScenePart {
	g := clicked.Group()
	if g == nil {
		return clicked
	}
	candidates := append([]*ScenePart{clicked}, g.PartsByLink()...)
	for _, part := range candidates {
		if part.SitTargetSet && part.SitTargetAvatar() == uuid.Nil {
			return part
		}
	}
	return clicked
}

// HandleSitRequest resolves the seat and places the avatar on it.
func (p *Presence) HandleSitRequest(targetID uuid.UUID, offset mathx.Vec3) {
	if p.IsChild() || p.IsInTransit() {
		return
	}
	clicked, ok := p.region.GetPart(targetID)
	if !ok {
		p.sink.SendAlert("no such object", "E_SIT_REFUSED")
		return
	}
	part := resolveSitPart(clicked)

	if part.SitTargetSet && part.SitTargetAvatar() == uuid.Nil {
		p.sitOnExplicitTarget(part, offset)
		return
	}
	p.sitOnSurface(part, offset)
}

// sitOnExplicitTarget seats on a declared sit target.
func (p *Presence) sitOnExplicitTarget(part *ScenePart, requested mathx.Vec3) {
	if !part.bindSitTarget(p.ID) {
		p.sink.SendAlert("seat is taken", "E_SIT_REFUSED")
		return
	}
	adjust := mathx.Vec3{Z: p.region.tun.SitVerticalAdjust}
	var seatPos mathx.Vec3
	rot := part.SitTargetOrientation
	if p.region.cfg.LegacySitOffsets {
		up := rot.Rotate(mathx.Vec3{Z: 1}).Scale(legacySitOffsetScale / rot.LengthSq())
		seatPos = part.SitTargetPosition.Sub(up).Add(adjust)
	} else {
		nrot := rot.Normalized()
		up := nrot.Rotate(mathx.Vec3{Z: 1}).Scale(modernSitOffsetScale * p.AvatarHeight())
		seatPos = part.SitTargetPosition.Add(up).Add(adjust)
		rot = nrot
	}
	p.acceptSit(part, seatPos, rot, true, requested)
}

// sitOnSurface asks physics for a seat solution; a geometric fallback applies
// when the requester is close enough.
func (p *Presence) sitOnSurface(part *ScenePart, requested mathx.Vec3) {
	hit := part.WorldPosition().Add(part.WorldRotation().Rotate(requested))
	if p.region.physics != nil {
		if offset, ok := p.region.physics.SitSolve(part, hit); ok {
			p.acceptSit(part, offset, mathx.QuatIdentity, false, requested)
			return
		}
	}
	if p.AbsolutePosition().DistSq(hit) > p.region.tun.SitMaxDistance*p.region.tun.SitMaxDistance {
		p.sink.SendAlert("too far away to sit", "E_SIT_REFUSED")
		return
	}
	offset := requested.Add(mathx.Vec3{Z: p.region.tun.SitVerticalAdjust + p.AvatarHeight()/2})
	p.acceptSit(part, offset, mathx.QuatIdentity, false, requested)
}

// acceptSit commits the seat: the body detaches, autopilot cancels and the
// client gets the composed seat placement.
func (p *Presence) acceptSit(part *ScenePart, seatPos mathx.Vec3, seatRot mathx.Quat, usedTarget bool, requested mathx.Vec3) {
	p.ResetMoveToTarget()
	p.detachBody()

	p.stateMu.Lock()
	stored := p.bodyRotation
	p.velocity = mathx.Vec3{}
	p.angularVelocity = mathx.Vec3{}
	p.pos = seatPos
	if usedTarget {
		p.bodyRotation = seatRot
	}
	p.stateMu.Unlock()

	p.seat.mu.Lock()
	p.seat.parentObjectID = part.GroupID
	p.seat.parentPartID = part.ID
	p.seat.parentPartLocal = part.LocalID
	p.seat.prevSitOffset = requested
	p.seat.sitOnGround = false
	p.seat.storedBodyRot = stored
	p.seat.sitTargetRot = seatRot
	p.seat.usedSitTarget = usedTarget
	p.seat.mu.Unlock()

	part.addSeated(p.ID)

	// The client wants the seat expressed against the root part.
	root := part.Group().RootPart()
	offset, rot := seatPos, seatRot
	partLocal := part.LocalID
	if root != nil && root.ID != part.ID {
		offset = part.OffsetPosition.Add(part.OffsetRotation.Rotate(seatPos))
		rot = part.OffsetRotation.Mul(seatRot)
		partLocal = root.LocalID
	}
	p.sink.SendSitResponse(SitResponse{
		PartLocalID:     partLocal,
		Offset:          offset,
		Rotation:        rot,
		CameraAtOffset:  part.CameraAtOffset,
		CameraEyeOffset: part.CameraEyeOffset,
		ForceMouselook:  part.ForceMouselook,
	})

	anim := part.SitAnimation
	if anim == "" {
		anim = animSit
	}
	p.setAnimation(anim)
	if p.region.scripts != nil {
		p.region.scripts.PostLinkChanged(part.GroupID)
	}
}

// SitOnGround parks the avatar on the terrain without a seat object.
func (p *Presence) SitOnGround() {
	if p.IsChild() || p.IsSatOnObject() {
		return
	}
	p.detachBody()
	p.stateMu.Lock()
	p.angularVelocity = mathx.Vec3{}
	p.velocity = mathx.Vec3{}
	p.stateMu.Unlock()
	p.seat.mu.Lock()
	p.seat.sitOnGround = true
	p.seat.mu.Unlock()
	p.setAnimation(animSitGround)
}

// StandUp releases the seat (or the ground) and restores a standing body.
func (p *Presence) StandUp() {
	p.seat.mu.Lock()
	ground := p.seat.sitOnGround
	partID := p.seat.parentPartID
	p.seat.mu.Unlock()

	if ground {
		p.seat.mu.Lock()
		p.seat.sitOnGround = false
		p.seat.mu.Unlock()
		if p.Body() == nil {
			p.attachBody(p.AbsolutePosition(), false)
		}
		p.setAnimation(animStand)
		return
	}
	if partID == uuid.Nil {
		return
	}
	part, ok := p.region.GetPart(partID)

	// Scripts on the seat lose their control captures, and any camera follow
	// the seat requested ends with it.
	p.seat.mu.Lock()
	objectID := p.seat.parentObjectID
	storedRot := p.seat.storedBodyRot
	sitRot := p.seat.sitTargetRot
	usedTarget := p.seat.usedSitTarget
	p.seat.parentObjectID = uuid.Nil
	p.seat.parentPartID = uuid.Nil
	p.seat.parentPartLocal = 0
	p.seat.sitOnGround = false
	p.seat.mu.Unlock()

	p.unregisterControlsForObject(objectID)
	p.motion.mu.Lock()
	p.motion.followCamAuto = false
	p.motion.mu.Unlock()
	p.sink.SendTakeControls(0, false, false)

	standPos := p.AbsolutePosition()
	worldRot := mathx.QuatIdentity
	if ok {
		seatWorldPos := part.WorldPosition()
		seatWorldRot := part.WorldRotation()
		extract := mathx.Vec3{
			X: p.region.tun.SitStandOffsetX,
			Z: p.AvatarHeight() + p.region.tun.SitStandOffsetZ,
		}
		standPos = seatWorldPos.Add(seatWorldRot.ZPlanar().Rotate(extract))
		if usedTarget {
			worldRot = seatWorldRot.Mul(sitRot)
		} else {
			worldRot = seatWorldRot.Mul(storedRot)
		}
		part.removeSeated(p.ID)
	}

	p.setAbsolutePosition(standPos)
	p.setRotation(worldRot)
	if p.Body() == nil {
		p.attachBody(standPos, false)
	}
	if ok && p.region.scripts != nil {
		p.region.scripts.PostLinkChanged(objectID)
	}
	p.setAnimation(animStand)
}
