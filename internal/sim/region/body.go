package region

import (
	"sync"

	"regioncore.dev/internal/sim/mathx"
)

// standardAvatarSize is the physics shape used when appearance has not
// provided one.
var standardAvatarSize = mathx.Vec3{X: 0.45, Y: 0.6, Z: 1.9}

// feetOffset keeps the capsule's base at the avatar's soles.
const feetOffset = 0.0

// minCollisionSoundSpeed gates collision sounds to audible impacts.
const minCollisionSoundSpeed = 0.2

// damageDepthThreshold and damageDepthScale convert penetration into damage.
const (
	damageDepthThreshold = 0.10
	damageDepthScale     = 5.0
)

// PhysicalBody mirrors the presence in the physics world and turns collision
// callbacks into health changes, the collision plane and script events.
type PhysicalBody struct {
	presence *Presence
	actor    PhysicsActor

	mu            sync.Mutex
	prevColliders map[uint32]ContactPoint
}

// attachBody creates the physics mirror at pos. keepMomentum carries the
// current velocity into the new body (simple in-region teleports).
func (p *Presence) attachBody(pos mathx.Vec3, keepMomentum bool) {
	if p.region.physics == nil {
		return
	}
	p.bodyMu.Lock()
	if p.body != nil {
		p.bodyMu.Unlock()
		return
	}
	p.stateMu.Lock()
	size := p.appearanceSize
	p.stateMu.Unlock()
	if size == (mathx.Vec3{}) {
		size = standardAvatarSize
	}
	actor := p.region.physics.AddAvatar(p.Name(), pos, size, feetOffset, false)
	b := &PhysicalBody{
		presence:      p,
		actor:         actor,
		prevColliders: map[uint32]ContactPoint{},
	}
	p.body = b
	p.bodyMu.Unlock()

	if keepMomentum {
		actor.SetMomentum(p.velocitySnapshot())
	} else {
		actor.SetMomentum(mathx.Vec3{})
	}
	actor.SetOrientation(p.Rotation())
	p.region.physics.SubscribeCollisions(actor, p.region.tun.CollisionIntervalMs, b.onCollisions)
}

func (p *Presence) velocitySnapshot() mathx.Vec3 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.velocity
}

// detachBody removes the physics mirror, keeping the last position and
// velocity on the presence.
func (p *Presence) detachBody() {
	p.bodyMu.Lock()
	b := p.body
	p.body = nil
	p.bodyMu.Unlock()
	if b == nil {
		return
	}
	p.stateMu.Lock()
	p.pos = b.actor.Position()
	p.velocity = b.actor.Velocity()
	p.stateMu.Unlock()
	p.region.physics.UnsubscribeCollisions(b.actor)
	p.region.physics.RemoveAvatar(b.actor)
}

// onCollisions is invoked from the physics callback thread.
func (b *PhysicalBody) onCollisions(update CollisionUpdate) {
	defer func() {
		if rec := recover(); rec != nil {
			// Collaborator callbacks never propagate into the core.
			b.presence.log.Printf("presence %s: physics fault: %v", b.presence.Name(), rec)
			b.presence.sink.SendAlert("physics fault", "E_PHYSICS_FAULT")
		}
	}()

	b.mu.Lock()
	prev := b.prevColliders
	started := map[uint32]ContactPoint{}
	continuing := map[uint32]ContactPoint{}
	for id, c := range update {
		if _, ok := prev[id]; ok {
			continuing[id] = c
		} else {
			started[id] = c
		}
	}
	ended := map[uint32]ContactPoint{}
	for id, c := range prev {
		if _, ok := update[id]; !ok {
			ended[id] = c
		}
	}
	next := make(map[uint32]ContactPoint, len(update))
	for id, c := range update {
		next[id] = c
	}
	b.prevColliders = next
	b.mu.Unlock()

	b.updateCollisionPlane(update)
	b.queueCollisionSounds(started)
	b.dispatchScriptEvents(started, continuing, ended)
	b.applyDamage(started, continuing)
}

// updateCollisionPlane selects the lowest feet contact as the clamp plane.
func (b *PhysicalBody) updateCollisionPlane(update CollisionUpdate) {
	var best *ContactPoint
	for id := range update {
		c := update[id]
		if !c.CharacterFeet {
			continue
		}
		if best == nil || c.Position.Z < best.Position.Z {
			cc := c
			best = &cc
		}
	}
	if best == nil {
		b.presence.setCollisionPlane(mathx.DefaultPlane)
		return
	}
	n := best.Normal.Scale(-1)
	b.presence.setCollisionPlane(mathx.Vec4{X: n.X, Y: n.Y, Z: n.Z, W: -n.Dot(best.Position)})
}

func (b *PhysicalBody) queueCollisionSounds(started map[uint32]ContactPoint) {
	p := b.presence
	if p.region.audio == nil || p.region.land == nil {
		return
	}
	pos := p.AbsolutePosition()
	land, ok := p.region.land.LandAt(pos.X, pos.Y)
	if !ok || !land.AllowSounds {
		return
	}
	for id, c := range started {
		if c.RelativeSpeed > minCollisionSoundSpeed {
			vol := clamp(c.RelativeSpeed/5, 0, 1)
			p.region.audio.QueueCollisionSound(id, vol)
		}
	}
}

// dispatchScriptEvents fans collision phases out to the scripts on this
// presence's attachments. Collider local id 0 is the ground.
func (b *PhysicalBody) dispatchScriptEvents(started, continuing, ended map[uint32]ContactPoint) {
	p := b.presence
	if p.region.scripts == nil || p.region.attachments == nil {
		return
	}
	for _, root := range p.region.attachments.RootLocalIDs(p) {
		if !p.region.scripts.WantsCollisionEvents(root) {
			continue
		}
		emit := func(set map[uint32]ContactPoint, kind, landKind CollisionKind) {
			for id := range set {
				if id == 0 {
					p.region.scripts.PostCollisionEvent(root, landKind, id)
				} else {
					p.region.scripts.PostCollisionEvent(root, kind, id)
				}
			}
		}
		emit(started, CollisionStart, LandCollisionStart)
		emit(continuing, CollisionContinue, LandCollisionContinue)
		emit(ended, CollisionEnd, LandCollisionEnd)
	}
}

// applyDamage runs the health rules for this collision batch.
func (b *PhysicalBody) applyDamage(started, continuing map[uint32]ContactPoint) {
	p := b.presence
	if p.Invulnerable() || p.IsGod() {
		return
	}

	total := 0.0
	apply := func(set map[uint32]ContactPoint) {
		for id, c := range set {
			if id != 0 {
				if part, ok := p.region.GetPartByLocal(id); ok {
					if g := part.Group(); g != nil && g.Damage > 0 {
						total += g.Damage
						p.region.RemoveGroup(g.ID)
						continue
					}
				}
			}
			if c.Depth >= damageDepthThreshold {
				total += c.Depth * damageDepthScale
			}
		}
	}
	apply(started)
	apply(continuing)
	if total == 0 {
		return
	}

	p.stateMu.Lock()
	p.health -= total
	dead := p.health <= 0
	if dead {
		p.health = 100
	}
	health := p.health
	p.stateMu.Unlock()

	p.sink.SendHealth(health)
	if dead {
		if p.region.scripts != nil {
			p.region.scripts.PostAvatarKilled(p.ID)
		}
		p.log.Printf("presence %s killed by collision damage", p.Name())
	}
}
