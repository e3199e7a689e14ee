package region

import (
	"context"
	"errors"
	"testing"

	"regioncore.dev/internal/protocol"
	"regioncore.dev/internal/sim/mathx"
	"regioncore.dev/internal/sim/tuning"
)

// Teleport within the region, no telehub, landing type None: the declared
// position survives untouched, the body attaches, a terse update goes out.
func TestCompleteMovement_PlainArrival(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	r.ground = func(x, y float64) float64 { return 20 }
	p, sink := addChildPresence(t, r, "Arrival")
	p.SetLoggingIn(true)

	if err := p.CompleteMovement(context.Background(), mathx.Vec3{X: 50, Y: 50, Z: 22}, mathx.Vec3{X: 1}, false); err != nil {
		t.Fatalf("complete movement: %v", err)
	}

	if got := p.AbsolutePosition(); !got.ApproxEqual(mathx.Vec3{X: 50, Y: 50, Z: 22}, 1e-9) {
		t.Fatalf("want (50,50,22), got %v", got)
	}
	if p.Body() == nil {
		t.Fatalf("arrival must attach the body")
	}
	if sink.updateCount() == 0 {
		t.Fatalf("arrival must emit a terse update")
	}
	if last := sink.entityUpdates[len(sink.entityUpdates)-1]; last.Velocity.LengthSq() != 0 {
		t.Fatalf("login arrival lands with zero velocity, got %v", last.Velocity)
	}
}

func TestCompleteMovement_ClampsAndRaises(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	r.ground = func(x, y float64) float64 { return 30 }
	p, _ := addChildPresence(t, r, "Clamped")
	p.SetLoggingIn(true)

	if err := p.CompleteMovement(context.Background(), mathx.Vec3{X: -5, Y: 999, Z: 0}, mathx.Vec3{X: 1}, false); err != nil {
		t.Fatalf("complete movement: %v", err)
	}
	got := p.AbsolutePosition()
	if got.X != 0.5 || got.Y != 255.5 {
		t.Fatalf("position must clamp half a metre inside, got %v", got)
	}
	if got.Z < 30+p.AvatarHeight()/2-1e-9 {
		t.Fatalf("landing must raise above ground, got z %v", got.Z)
	}
}

func TestCompleteMovement_PeerHandshakeTimeout(t *testing.T) {
	tun := tuning.Default()
	tun.PeerWaitAttempts = 3
	tun.PeerWaitIntervalMs = 5
	r := New(RegionConfig{Handle: HandleFromMeters(256000, 256000)}, tun, Deps{Physics: newFakePhysics()})
	sink := &fakeSink{}
	p := NewPresence(r, sink, Identity{FirstName: "Stuck", LastName: "Peer"})
	if err := r.AddPresence(p); err != nil {
		t.Fatalf("add: %v", err)
	}

	err := p.CompleteMovement(context.Background(), mathx.Vec3{X: 10, Y: 10, Z: 21}, mathx.Vec3{}, false)
	if !errors.Is(err, ErrPeerHandshakeTimeout) {
		t.Fatalf("want ErrPeerHandshakeTimeout, got %v", err)
	}
	if !p.IsChild() {
		t.Fatalf("a timed-out arrival stays child")
	}
}

func TestCompleteMovement_ReleasesCallback(t *testing.T) {
	r, d := newTestRegion(t, RegionConfig{})
	p, _ := addChildPresence(t, r, "Released")
	p.SetOriginRegion(HandleFromMeters(255744, 256000))
	p.SetCallbackURI("nats:release.here")

	if err := p.CompleteMovement(context.Background(), mathx.Vec3{X: 10, Y: 10, Z: 21}, mathx.Vec3{}, false); err != nil {
		t.Fatalf("complete movement: %v", err)
	}
	d.transfer.mu.Lock()
	released := append([]string(nil), d.transfer.released...)
	enabled := d.transfer.enabled
	d.transfer.mu.Unlock()
	if len(released) != 1 || released[0] != "nats:release.here" {
		t.Fatalf("callback must be released once, got %v", released)
	}
	if enabled != 1 {
		t.Fatalf("neighbour enablement must be requested")
	}
	if uri := p.takeCallbackURI(); uri != "" {
		t.Fatalf("callback must be cleared after release")
	}
}

// Cross to the east neighbour: the transfer accepts, the presence demotes,
// the body detaches, movement clears and far neighbours close.
func TestBorderCross_AcceptedDemotes(t *testing.T) {
	r, d := newTestRegion(t, RegionConfig{})
	p, _ := addRootPresence(t, r, "Crosser", mathx.Vec3{X: 254, Y: 128, Z: 30})
	east := HandleFromMeters(256256, 256000)
	far := HandleFromMeters(259000, 259000)
	p.AddNeighbourRegion(east, "seed-east", 256, 256)
	p.AddNeighbourRegion(far, "seed-far", 256, 256)

	p.Body().actor.SetMomentum(mathx.Vec3{X: 20})
	p.HandleAgentUpdate(AgentUpdateInput{ControlFlags: protocol.ControlAtPos, BodyRotation: mathx.QuatIdentity})
	p.CheckForBorderCrossing()

	if !p.IsChild() {
		t.Fatalf("accepted cross must demote to child")
	}
	if p.Body() != nil {
		t.Fatalf("demotion detaches the body")
	}
	if p.MovementFlag() != 0 {
		t.Fatalf("demotion zeroes the movement bitset")
	}
	d.transfer.mu.Lock()
	crossed := append([]RegionHandle(nil), d.transfer.crossed...)
	d.transfer.mu.Unlock()
	if len(crossed) != 1 || crossed[0] != east {
		t.Fatalf("expected one cross to the east neighbour, got %v", crossed)
	}
	d.grid.mu.Lock()
	closed := append([]RegionHandle(nil), d.grid.closed...)
	d.grid.mu.Unlock()
	if len(closed) != 1 || closed[0] != far {
		t.Fatalf("the far neighbour must close, got %v", closed)
	}
}

func TestBorderCross_RefusedReflects(t *testing.T) {
	r, d := newTestRegion(t, RegionConfig{})
	d.transfer.acceptCross = false
	p, _ := addRootPresence(t, r, "Bouncer", mathx.Vec3{X: 255, Y: 128, Z: 30})
	east := HandleFromMeters(256256, 256000)
	p.AddNeighbourRegion(east, "seed-east", 256, 256)
	p.Body().actor.SetMomentum(mathx.Vec3{X: 20})

	p.CheckForBorderCrossing()

	if p.IsChild() {
		t.Fatalf("refused cross must stay root")
	}
	if p.Velocity().LengthSq() != 0 {
		t.Fatalf("refused cross zeroes velocity")
	}
	if pos := p.AbsolutePosition(); pos.X >= r.cfg.SizeX {
		t.Fatalf("presence must stay inside the region, got %v", pos)
	}
}

func TestBorderCross_InsideRegionNoop(t *testing.T) {
	r, d := newTestRegion(t, RegionConfig{})
	p, _ := addRootPresence(t, r, "Stayer", mathx.Vec3{X: 128, Y: 128, Z: 21})
	p.Body().actor.SetMomentum(mathx.Vec3{X: 1})
	p.CheckForBorderCrossing()
	d.transfer.mu.Lock()
	crossed := len(d.transfer.crossed)
	d.transfer.mu.Unlock()
	if crossed != 0 {
		t.Fatalf("no cross while the prediction stays inside")
	}
}

func TestNeighbours_OwnHandleRejected(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	p, _ := addChildPresence(t, r, "SelfAware")
	p.AddNeighbourRegion(r.Handle(), "seed-self", 256, 256)
	if p.KnowsNeighbour(r.Handle()) {
		t.Fatalf("a presence can never neighbour its own region")
	}
}

func TestIsOutsideView(t *testing.T) {
	a := HandleFromMeters(256000, 256000)
	adjacent := HandleFromMeters(256256, 256000)
	far := HandleFromMeters(259000, 256000)

	if isOutsideView(64, a, 256, 256, adjacent, 256, 256) {
		t.Fatalf("the adjacent region is inside any view")
	}
	if !isOutsideView(64, a, 256, 256, far, 256, 256) {
		t.Fatalf("a region 3km away is outside a 64m view")
	}
	// A large destination region reaches further.
	if isOutsideView(64, a, 4096, 256, HandleFromMeters(260096, 256000), 256, 256) {
		t.Fatalf("var-sized source must extend the view rectangle")
	}
}

func TestApplyChildPosition(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	p, _ := addChildPresence(t, r, "Shadow")

	p.ApplyChildPosition(mathx.Vec3{X: 7, Y: 8, Z: 9}, mathx.Vec3{X: 1}, 96)
	if got := p.AbsolutePosition(); got != (mathx.Vec3{X: 7, Y: 8, Z: 9}) {
		t.Fatalf("child position not applied, got %v", got)
	}
	if p.DrawDistance() != 96 {
		t.Fatalf("child draw distance not applied")
	}

	// Root presences ignore child pushes.
	root, _ := addRootPresence(t, r, "RootIgnores", mathx.Vec3{X: 10, Y: 10, Z: 21})
	before := root.AbsolutePosition()
	root.ApplyChildPosition(mathx.Vec3{X: 99, Y: 99, Z: 99}, mathx.Vec3{}, 0)
	if root.AbsolutePosition() != before {
		t.Fatalf("root must ignore child pushes")
	}
}

func TestLocalTeleport_MovesAndNotifies(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	r.ground = func(x, y float64) float64 { return 20 }
	p, sink := addRootPresence(t, r, "Hopper", mathx.Vec3{X: 10, Y: 10, Z: 21})

	p.LocalTeleport(mathx.Vec3{X: 50, Y: 50, Z: 22}, mathx.Vec3{X: 1}, protocol.TeleportDefault)

	if got := p.AbsolutePosition(); !got.ApproxEqual(mathx.Vec3{X: 50, Y: 50, Z: 22}, 1e-9) {
		t.Fatalf("want (50,50,22), got %v", got)
	}
	if len(sink.teleports) != 1 {
		t.Fatalf("client must get the local teleport")
	}
	if p.Velocity().LengthSq() != 0 {
		t.Fatalf("teleport lands stopped")
	}
}
