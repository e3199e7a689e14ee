package region

import (
	"sync"
	"time"

	"regioncore.dev/internal/protocol"
	"regioncore.dev/internal/sim/mathx"
)

// Reprioritisation pacing. Root clients resort their queues after smaller
// moves than child viewers do.
const (
	reprioritizationInterval  = 5 * time.Second
	rootReprioritizationDist  = 10.0
	childReprioritizationDist = 20.0
	coarseLocationInterval    = 5 * time.Second
)

type schedulerState struct {
	mu sync.Mutex

	lastTersePos mathx.Vec3
	lastTerseRot mathx.Quat
	lastTerseVel mathx.Vec3

	lastMovePos        mathx.Vec3
	lastSignificantPos mathx.Vec3

	lastReprioritize    time.Time
	lastReprioritizePos mathx.Vec3
	reprioBusy          bool

	lastChildPush    time.Time
	lastChildPushPos mathx.Vec3
	childPushBusy    bool

	lastCoarse time.Time

	arrivedAt       time.Time
	childUpdateGate time.Time
}

// noteArrival stamps the grace windows that follow a promotion to root.
func (s *schedulerState) noteArrival(now time.Time, graceMs int, childGateMs int) {
	s.mu.Lock()
	s.arrivedAt = now
	s.lastReprioritize = now.Add(time.Duration(graceMs) * time.Millisecond)
	s.childUpdateGate = now.Add(time.Duration(childGateMs) * time.Millisecond)
	s.mu.Unlock()
}

// schedulerTick gates every class of outbound update for this presence.
func (p *Presence) schedulerTick(now time.Time) {
	p.terseCheck()
	p.movementEventCheck()
	p.reprioritizeCheck(now)
	p.childAgentPushCheck(now)
	p.coarseLocationCheck(now)
}

// terseCheck broadcasts a terse update when motion drifted past the
// significance thresholds.
func (p *Presence) terseCheck() {
	if p.IsSatOnObject() {
		return
	}
	tun := p.region.tun
	pos := p.AbsolutePosition()
	rot := p.Rotation()
	vel := p.Velocity()

	p.sched.mu.Lock()
	lastPos, lastRot, lastVel := p.sched.lastTersePos, p.sched.lastTerseRot, p.sched.lastTerseVel
	p.sched.mu.Unlock()

	velDelta := vel.Sub(lastVel).Length()
	posDelta := pos.Sub(lastPos).Length()
	send := !rot.ApproxEqual(lastRot, tun.TerseRotationTolerance) ||
		velDelta > tun.TerseVelocityTolerance ||
		posDelta > tun.TersePositionTolerance ||
		(vel.LengthSq() == 0 && lastVel.LengthSq() != 0) ||
		(posDelta > tun.TerseSlowPositionDelta && vel.LengthSq() < tun.TerseSlowVelocitySq)
	if !send {
		return
	}

	p.sched.mu.Lock()
	p.sched.lastTersePos = pos
	p.sched.lastTerseRot = rot
	p.sched.lastTerseVel = vel
	p.sched.mu.Unlock()
	p.SendTerseUpdateToAllClients()
}

// SendTerseUpdateToAllClients pushes the current motion state to every peer
// the visibility engine allows, the owner included.
func (p *Presence) SendTerseUpdateToAllClients() {
	u := EntityUpdate{
		LocalID:         p.LocalID,
		Flags:           uint8(protocol.UpdateTerse),
		Position:        p.AbsolutePosition(),
		Rotation:        p.Rotation(),
		Velocity:        p.Velocity(),
		AngularVelocity: p.AngularVelocity(),
	}
	p.sink.SendEntityUpdate(u)
	for _, peer := range p.region.Presences() {
		if peer.ID == p.ID || peer.IsChild() {
			continue
		}
		if CanSee(peer, p) {
			peer.sink.SendEntityUpdate(u)
		}
	}
}

// movementEventCheck fires the two distance-threshold events. The larger one
// re-anchors and drives the parcel boundary check.
func (p *Presence) movementEventCheck() {
	tun := p.region.tun
	pos := p.AbsolutePosition()

	p.sched.mu.Lock()
	moved := pos.DistSq(p.sched.lastMovePos) > tun.MoveSignificanceSq
	if moved {
		p.sched.lastMovePos = pos
	}
	significant := pos.DistSq(p.sched.lastSignificantPos) > tun.SignificantMovementSq
	if significant {
		p.sched.lastSignificantPos = pos
	}
	p.sched.mu.Unlock()

	if moved && p.region.onClientMovement != nil {
		p.region.onClientMovement(p)
	}
	if significant {
		p.parcelCheck()
		if p.region.onSignificantMovement != nil {
			p.region.onSignificantMovement(p)
		}
	}
}

// reprioritizeCheck asks the client to resort its update queues after a real
// move, at most once per interval, one request in flight.
func (p *Presence) reprioritizeCheck(now time.Time) {
	dist := rootReprioritizationDist
	if p.IsChild() {
		dist = childReprioritizationDist
	}
	pos := p.AbsolutePosition()

	p.sched.mu.Lock()
	if p.sched.reprioBusy ||
		now.Sub(p.sched.lastReprioritize) < reprioritizationInterval ||
		pos.DistSq(p.sched.lastReprioritizePos) < dist*dist {
		p.sched.mu.Unlock()
		return
	}
	p.sched.reprioBusy = true
	p.sched.lastReprioritize = now
	p.sched.lastReprioritizePos = pos
	p.sched.mu.Unlock()

	go func() {
		defer func() {
			p.sched.mu.Lock()
			p.sched.reprioBusy = false
			p.sched.mu.Unlock()
		}()
		p.sink.ReprioritizeQueues()
	}()
}

// childAgentPushCheck streams AgentPosition to remote neighbours holding a
// child copy, every period once the arrival gate has passed.
func (p *Presence) childAgentPushCheck(now time.Time) {
	if p.region.transfer == nil {
		return
	}
	tun := p.region.tun
	pos := p.AbsolutePosition()
	handles := p.NeighbourHandles()

	p.sched.mu.Lock()
	if now.Before(p.sched.childUpdateGate) ||
		p.sched.childPushBusy ||
		now.Sub(p.sched.lastChildPush) < time.Duration(tun.ChildUpdatePeriodMs)*time.Millisecond ||
		pos.DistSq(p.sched.lastChildPushPos) <= tun.ChildUpdateDistanceSq {
		p.sched.mu.Unlock()
		return
	}
	if len(handles) == 0 {
		p.sched.mu.Unlock()
		return
	}
	p.sched.childPushBusy = true
	p.sched.lastChildPush = now
	p.sched.lastChildPushPos = pos
	p.sched.mu.Unlock()

	update := ChildAgentPosition{
		AgentID:      p.ID,
		RegionHandle: p.region.Handle(),
		Position:     pos,
		Velocity:     p.Velocity(),
		DrawDistance: p.DrawDistance(),
	}
	go func() {
		defer func() {
			p.sched.mu.Lock()
			p.sched.childPushBusy = false
			p.sched.mu.Unlock()
		}()
		for _, h := range handles {
			if err := p.region.transfer.SendChildAgentPosition(h, update); err != nil {
				p.log.Printf("presence %s: child position push to %d: %v", p.Name(), h, err)
			}
		}
	}()
}

// coarseLocationCheck broadcasts the minimap positions of every visible root.
func (p *Presence) coarseLocationCheck(now time.Time) {
	p.sched.mu.Lock()
	if now.Sub(p.sched.lastCoarse) < coarseLocationInterval {
		p.sched.mu.Unlock()
		return
	}
	p.sched.lastCoarse = now
	p.sched.mu.Unlock()

	var locs []CoarseLocation
	you := -1
	for _, peer := range p.region.Presences() {
		if peer.IsChild() || !CanSee(p, peer) {
			continue
		}
		if peer.ID == p.ID {
			you = len(locs)
		}
		locs = append(locs, CoarseLocation{AgentID: peer.ID, Position: peer.AbsolutePosition()})
	}
	p.sink.SendCoarseLocations(you, -1, locs)
}
