package region

import (
	"context"
	"errors"
	"sync"
	"time"

	"regioncore.dev/internal/protocol"
	"regioncore.dev/internal/sim/mathx"
)

// crossPredictionDt is how far ahead the border-cross check integrates.
const crossPredictionDt = 0.1

// childUpdateGateMs delays neighbour child pushes after an arrival so the
// neighbours finish standing up the child agent first.
const childUpdateGateMs = 10000

type transitState struct {
	mu                      sync.Mutex
	originRegion            RegionHandle // 0 until the peer's UpdateAgent lands
	callbackURI             string
	teleportFlags           protocol.TeleportFlags
	doNotCloseAfterTeleport bool
}

type neighbourInfo struct {
	SeedCapability string
	SizeX, SizeY   float64
}

type neighbourState struct {
	mu    sync.Mutex
	known map[RegionHandle]neighbourInfo
}

// HandleFromMeters packs grid coordinates (in metres) into a region handle.
func HandleFromMeters(x, y uint32) RegionHandle {
	return RegionHandle(uint64(x)<<32 | uint64(y))
}

// Meters unpacks the grid coordinates of the handle.
func (h RegionHandle) Meters() (x, y float64) {
	return float64(uint32(h >> 32)), float64(uint32(h))
}

// SetOriginRegion is called when the departing peer's UpdateAgent arrives.
func (p *Presence) SetOriginRegion(h RegionHandle) {
	p.transit.mu.Lock()
	p.transit.originRegion = h
	p.transit.mu.Unlock()
}

func (p *Presence) OriginRegion() RegionHandle {
	p.transit.mu.Lock()
	defer p.transit.mu.Unlock()
	return p.transit.originRegion
}

// SetCallbackURI stores the endpoint the origin region wants released.
func (p *Presence) SetCallbackURI(uri string) {
	p.transit.mu.Lock()
	p.transit.callbackURI = uri
	p.transit.mu.Unlock()
}

func (p *Presence) takeCallbackURI() string {
	p.transit.mu.Lock()
	defer p.transit.mu.Unlock()
	uri := p.transit.callbackURI
	p.transit.callbackURI = ""
	return uri
}

func (p *Presence) SetTeleportFlags(f protocol.TeleportFlags) {
	p.transit.mu.Lock()
	p.transit.teleportFlags = f
	p.transit.mu.Unlock()
}

func (p *Presence) TeleportFlags() protocol.TeleportFlags {
	p.transit.mu.Lock()
	defer p.transit.mu.Unlock()
	return p.transit.teleportFlags
}

func (p *Presence) SetDoNotCloseAfterTeleport(v bool) {
	p.transit.mu.Lock()
	p.transit.doNotCloseAfterTeleport = v
	p.transit.mu.Unlock()
}

func (p *Presence) DoNotCloseAfterTeleport() bool {
	p.transit.mu.Lock()
	defer p.transit.mu.Unlock()
	return p.transit.doNotCloseAfterTeleport
}

// AddNeighbourRegion records a neighbour's child-agent seed. The region's own
// handle is never a remote.
func (p *Presence) AddNeighbourRegion(h RegionHandle, seed string, sizeX, sizeY float64) {
	if h == p.region.Handle() {
		return
	}
	if sizeX <= 0 {
		sizeX = 256
	}
	if sizeY <= 0 {
		sizeY = 256
	}
	p.neighbours.mu.Lock()
	p.neighbours.known[h] = neighbourInfo{SeedCapability: seed, SizeX: sizeX, SizeY: sizeY}
	p.neighbours.mu.Unlock()
}

// DropNeighbourRegion forgets a neighbour and best-effort closes the child
// agent there.
func (p *Presence) DropNeighbourRegion(h RegionHandle) {
	p.neighbours.mu.Lock()
	_, ok := p.neighbours.known[h]
	delete(p.neighbours.known, h)
	p.neighbours.mu.Unlock()
	if !ok || p.region.grid == nil {
		return
	}
	if err := p.region.grid.CloseChildAgent(h, p.ID, p.region.cfg.SessionToken); err != nil {
		p.log.Printf("presence %s: neighbour close %d: %v", p.Name(), h, err)
	}
}

func (p *Presence) NeighbourHandles() []RegionHandle {
	p.neighbours.mu.Lock()
	defer p.neighbours.mu.Unlock()
	out := make([]RegionHandle, 0, len(p.neighbours.known))
	for h := range p.neighbours.known {
		out = append(out, h)
	}
	return out
}

func (p *Presence) KnowsNeighbour(h RegionHandle) bool {
	p.neighbours.mu.Lock()
	defer p.neighbours.mu.Unlock()
	_, ok := p.neighbours.known[h]
	return ok
}

func (p *Presence) dropAllNeighbours() {
	p.neighbours.mu.Lock()
	p.neighbours.known = map[RegionHandle]neighbourInfo{}
	p.neighbours.mu.Unlock()
}

// isOutsideView is the standard view-rectangle test between two regions,
// taking both sizes into account.
func isOutsideView(viewDistance float64, a RegionHandle, aSizeX, aSizeY float64, b RegionHandle, bSizeX, bSizeY float64) bool {
	ax, ay := a.Meters()
	bx, by := b.Meters()
	if ax+aSizeX+viewDistance <= bx || bx+bSizeX+viewDistance <= ax {
		return true
	}
	if ay+aSizeY+viewDistance <= by || by+bSizeY+viewDistance <= ay {
		return true
	}
	return false
}

// closeChildAgents drops every neighbour outside the view rectangle seen
// from the given region; keep is never closed.
func (p *Presence) closeChildAgents(from RegionHandle, fromSizeX, fromSizeY float64, keep RegionHandle) {
	view := p.RegionViewDistance()
	p.neighbours.mu.Lock()
	var victims []RegionHandle
	for h, info := range p.neighbours.known {
		if h == keep {
			continue
		}
		if isOutsideView(view, from, fromSizeX, fromSizeY, h, info.SizeX, info.SizeY) {
			victims = append(victims, h)
			delete(p.neighbours.known, h)
		}
	}
	p.neighbours.mu.Unlock()
	if p.region.grid == nil {
		return
	}
	for _, h := range victims {
		// Best effort: the local entry is gone either way.
		if err := p.region.grid.CloseChildAgent(h, p.ID, p.region.cfg.SessionToken); err != nil {
			p.log.Printf("presence %s: neighbour close %d: %v", p.Name(), h, err)
		}
	}
}

// MakeRoot promotes a child presence. Callers serialise through
// completeMovementLock; the loser of a concurrent race gets ErrAlreadyRoot.
func (p *Presence) MakeRoot(pos mathx.Vec3, flying bool, look mathx.Vec3) error {
	if !p.IsChild() {
		p.log.Printf("presence %s: MakeRoot on a root, ignoring", p.Name())
		return ErrAlreadyRoot
	}
	if !pos.IsFinite() {
		p.stateMu.Lock()
		pos = p.lastFinitePos
		if !p.everFinite {
			pos = regionCenter
		}
		p.stateMu.Unlock()
	}
	p.setChildFlag(false)
	p.setAbsolutePosition(pos)
	p.setRotation(mathx.LookRotation(look))
	p.region.journalEvent("make_root", p)
	_ = flying
	return nil
}

// MakeChild demotes to a child presence: no body, no held keys, no teleport
// state, no parcel binding.
func (p *Presence) MakeChild() error {
	if p.IsChild() {
		p.log.Printf("presence %s: MakeChild on a child, ignoring", p.Name())
		return ErrAlreadyChild
	}
	p.detachBody()
	p.motion.mu.Lock()
	p.motion.movementFlag = 0
	p.motion.movingToTarget = false
	p.motion.forcePending = false
	p.motion.mu.Unlock()
	p.transit.mu.Lock()
	p.transit.teleportFlags = protocol.TeleportDefault
	p.transit.mu.Unlock()
	p.clearParcelState()
	p.setChildFlag(true)
	p.region.journalEvent("make_child", p)
	return nil
}

// CompleteMovement finishes an arrival: the child presence becomes this
// region's root, lands, gets a body and releases its origin.
func (p *Presence) CompleteMovement(ctx context.Context, declaredPos, clientLook mathx.Vec3, flying bool) error {
	p.completeMovementLock.Lock()
	defer p.completeMovementLock.Unlock()

	// 1. A real hand-off must not outrun the peer's UpdateAgent.
	if p.Kind != KindNonPlayerCharacter && !p.IsLoggingIn() {
		if !p.waitForOriginRegion(ctx) {
			return ErrPeerHandshakeTimeout
		}
	}

	// 2. Landing look: client-sent, else current velocity, else east.
	look := clientLook.Horizontal()
	if look.LengthSq() == 0 {
		look = p.velocitySnapshot().Horizontal()
	}
	if look.LengthSq() == 0 {
		look = mathx.Vec3{X: 1}
	}
	look = look.Normalized()

	// 3. Promote; a concurrent arrival already did the work.
	if err := p.MakeRoot(declaredPos, flying, look); err != nil {
		if errors.Is(err, ErrAlreadyRoot) {
			return nil
		}
		return err
	}

	// 4. Landing adjustment.
	flags := p.TeleportFlags()
	pos, err := p.region.landingPolicy().Adjust(p, declaredPos, look, flags)
	if err != nil {
		p.sink.SendAlert("teleport blocked", "E_LANDING_DENIED")
		pos = declaredPos
	}
	pos = p.region.ClampToRegion(pos)
	pos = p.raiseAboveGround(pos)
	if flags&protocol.TeleportViaLocation != 0 {
		pos = p.probeLandingSurface(pos)
	}
	p.setAbsolutePosition(pos)

	// 5. Body. A plain teleport keeps its momentum; everything else lands
	// cold with the camera reset to the landing.
	simpleTeleport := flags == protocol.TeleportDefault
	p.attachBody(pos, simpleTeleport)
	if b := p.Body(); b != nil {
		b.actor.SetFlying(flying)
	}
	if !simpleTeleport {
		p.stateMu.Lock()
		p.velocity = mathx.Vec3{}
		p.cameraPos = pos
		p.stateMu.Unlock()
		if b := p.Body(); b != nil {
			b.actor.SetMomentum(mathx.Vec3{})
		}
	}

	if p.region.attachments != nil {
		go p.region.attachments.RezAttachments(p)
	}

	// 6. Neighbours come up in the background; child pushes wait out the
	// grace window.
	if p.region.transfer != nil {
		if err := p.region.transfer.EnableChildAgents(p); err != nil {
			p.log.Printf("presence %s: enable child agents: %v", p.Name(), err)
		}
	}
	p.sched.noteArrival(time.Now(), p.region.tun.ReprioritizationGrace, childUpdateGateMs)

	// 7. Release the origin.
	if uri := p.takeCallbackURI(); uri != "" && p.region.transfer != nil {
		if err := p.region.transfer.ReleaseAgent(uri, p.ID); err != nil {
			p.log.Printf("presence %s: release agent: %v", p.Name(), err)
		}
	}

	p.region.journalEvent("complete_movement", p)
	p.SendTerseUpdateToAllClients()
	return nil
}

// waitForOriginRegion polls until the peer's UpdateAgent filled in the origin
// handle, bounded by the tuning window.
func (p *Presence) waitForOriginRegion(ctx context.Context) bool {
	tun := p.region.tun
	interval := time.Duration(tun.PeerWaitIntervalMs) * time.Millisecond
	for i := 0; i < tun.PeerWaitAttempts; i++ {
		if p.OriginRegion() != 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return p.OriginRegion() != 0
}

// raiseAboveGround keeps the landing at least half an avatar above terrain.
func (p *Presence) raiseAboveGround(pos mathx.Vec3) mathx.Vec3 {
	ground := p.region.GroundHeight(pos.X, pos.Y)
	min := ground + p.AvatarHeight()/2
	if pos.Z < min {
		pos.Z = min
	}
	return pos
}

// probeLandingSurface ray-casts downward from above the landing and raises it
// to the first real surface, merging near-adjacent hits.
func (p *Presence) probeLandingSurface(pos mathx.Vec3) mathx.Vec3 {
	if p.region.physics == nil {
		return pos
	}
	tun := p.region.tun
	ground := p.region.GroundHeight(pos.X, pos.Y)
	top := tun.LandingRayTestHeight
	if ground+100 > top {
		top = ground + 100
	}
	origin := mathx.Vec3{X: pos.X, Y: pos.Y, Z: top}
	hits := p.region.physics.RaycastWorld(origin, mathx.Vec3{Z: -1}, top, tun.LandingRayMaxHits)

	lastDepth := -2 * tun.LandingRayMinGap
	for _, h := range hits {
		if h.VolumeDetect {
			continue
		}
		// Surfaces closer than the gap to the previous one are the same
		// obstacle (a table on a floor); skip to the one below.
		if h.Distance-lastDepth < tun.LandingRayMinGap {
			lastDepth = h.Distance
			continue
		}
		surface := top - h.Distance
		if surface >= ground {
			pos.Z = surface + p.AvatarHeight()/2
			return pos
		}
		lastDepth = h.Distance
	}
	return pos
}

// CheckForBorderCrossing predicts the next step and hands the presence over
// when it leaves the region.
func (p *Presence) CheckForBorderCrossing() {
	if p.IsChild() || p.IsInTransit() || p.IsSatOnObject() {
		return
	}
	pos := p.AbsolutePosition()
	vel := p.Velocity()
	next := pos.Add(vel.Scale(crossPredictionDt))
	if p.region.InBounds(next) {
		return
	}
	p.CrossToNewRegion(next)
}

// CrossToNewRegion performs the outbound hand-off; a refusal reflects the
// avatar back inside the border.
func (p *Presence) CrossToNewRegion(predicted mathx.Vec3) {
	dest, destPos, ok := p.destinationForPosition(predicted)
	accepted := false
	if ok && p.region.transfer != nil {
		p.setInTransit(true)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		accepted = p.region.transfer.CrossToRegion(ctx, p, dest, destPos)
		cancel()
		p.setInTransit(false)
	}
	if !accepted {
		p.reflectInsideBorder(predicted)
		return
	}

	destSizeX, destSizeY := 256.0, 256.0
	p.neighbours.mu.Lock()
	if info, known := p.neighbours.known[dest]; known {
		destSizeX, destSizeY = info.SizeX, info.SizeY
	}
	p.neighbours.mu.Unlock()

	_ = p.MakeChild()
	p.closeChildAgents(dest, destSizeX, destSizeY, dest)
	p.region.journalEvent("cross_out", p)
}

// destinationForPosition maps an out-of-bounds region position to the
// neighbour whose rectangle contains it, and the position in its frame.
func (p *Presence) destinationForPosition(predicted mathx.Vec3) (RegionHandle, mathx.Vec3, bool) {
	myX, myY := p.region.Handle().Meters()
	gx := myX + predicted.X
	gy := myY + predicted.Y

	p.neighbours.mu.Lock()
	defer p.neighbours.mu.Unlock()
	for h, info := range p.neighbours.known {
		nx, ny := h.Meters()
		if gx >= nx && gx < nx+info.SizeX && gy >= ny && gy < ny+info.SizeY {
			return h, mathx.Vec3{X: gx - nx, Y: gy - ny, Z: predicted.Z}, true
		}
	}
	return 0, mathx.Vec3{}, false
}

// reflectInsideBorder backs the avatar off a refused border and stops it.
func (p *Presence) reflectInsideBorder(predicted mathx.Vec3) {
	vel := p.Velocity()
	pos := p.AbsolutePosition()
	if predicted.X < 0 || predicted.X >= p.region.cfg.SizeX {
		pos.X -= 2 * vel.X * crossPredictionDt
	}
	if predicted.Y < 0 || predicted.Y >= p.region.cfg.SizeY {
		pos.Y -= 2 * vel.Y * crossPredictionDt
	}
	pos = p.region.ClampToRegion(pos)
	p.setAbsolutePosition(pos)
	p.setVelocity(mathx.Vec3{})
	if b := p.Body(); b != nil {
		b.actor.SetPosition(pos)
	}
	p.log.Printf("presence %s: cross refused, reflected to %v", p.Name(), pos)
}

// TeleportToRegion hands the presence to a named region (map teleport,
// landmark). A refusal leaves it rooted here with an alert.
func (p *Presence) TeleportToRegion(dest RegionHandle, pos, look mathx.Vec3, flags protocol.TeleportFlags) {
	if p.IsChild() || p.IsInTransit() || p.region.transfer == nil {
		return
	}
	if dest == 0 || dest == p.region.Handle() {
		p.LocalTeleport(pos, look, flags)
		return
	}
	if p.IsSatOnObject() {
		p.StandUp()
	}
	p.SetTeleportFlags(flags)
	p.setInTransit(true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	accepted := p.region.transfer.CrossToRegion(ctx, p, dest, pos)
	cancel()
	p.setInTransit(false)
	if !accepted {
		p.sink.SendAlert("teleport refused by destination", "E_CROSS_REJECTED")
		return
	}
	_ = p.MakeChild()
	destSizeX, destSizeY := 256.0, 256.0
	p.neighbours.mu.Lock()
	if info, known := p.neighbours.known[dest]; known {
		destSizeX, destSizeY = info.SizeX, info.SizeY
	}
	p.neighbours.mu.Unlock()
	if !p.DoNotCloseAfterTeleport() {
		p.closeChildAgents(dest, destSizeX, destSizeY, dest)
	}
	p.SetDoNotCloseAfterTeleport(false)
	p.region.journalEvent("teleport_out", p)
}

// ApplyChildPosition updates a child copy from its root region's push.
func (p *Presence) ApplyChildPosition(pos, vel mathx.Vec3, drawDistance float64) {
	if !p.IsChild() {
		return
	}
	p.stateMu.Lock()
	p.pos = pos
	p.velocity = vel
	if pos.IsFinite() {
		p.lastFinitePos = pos
		p.everFinite = true
	}
	p.stateMu.Unlock()
	if drawDistance > 0 {
		p.SetDrawDistance(drawDistance)
		p.SetRegionViewDistance(drawDistance)
	}
}

// LocalTeleport moves a root presence within the region, honouring the
// landing policy.
func (p *Presence) LocalTeleport(target, look mathx.Vec3, flags protocol.TeleportFlags) {
	if p.IsChild() || p.IsInTransit() {
		return
	}
	if p.IsSatOnObject() {
		p.StandUp()
	}
	p.SetTeleportFlags(flags)
	pos, err := p.region.landingPolicy().Adjust(p, target, look, flags)
	if err != nil {
		p.sink.SendAlert("teleport blocked", "E_LANDING_DENIED")
		return
	}
	pos = p.region.ClampToRegion(pos)
	pos = p.raiseAboveGround(pos)

	p.setAbsolutePosition(pos)
	p.setVelocity(mathx.Vec3{})
	if b := p.Body(); b != nil {
		b.actor.SetPosition(pos)
		b.actor.SetMomentum(mathx.Vec3{})
	} else if !p.IsSatOnObject() {
		p.attachBody(pos, false)
	}
	p.sink.SendLocalTeleport(pos, look, uint32(flags))
	p.SendTerseUpdateToAllClients()
	p.region.journalEvent("local_teleport", p)
}
