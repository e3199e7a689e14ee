package region

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"regioncore.dev/internal/sim/mathx"
	"regioncore.dev/internal/sim/tuning"
)

// ---- physics fake ----

type fakeActor struct {
	mu        sync.Mutex
	pos       mathx.Vec3
	vel       mathx.Vec3
	target    mathx.Vec3
	orient    mathx.Quat
	flying    bool
	colliding bool
	ground    bool
	object    bool

	collidingAsserts int
}

func (a *fakeActor) Position() mathx.Vec3        { a.mu.Lock(); defer a.mu.Unlock(); return a.pos }
func (a *fakeActor) SetPosition(v mathx.Vec3)    { a.mu.Lock(); a.pos = v; a.mu.Unlock() }
func (a *fakeActor) Velocity() mathx.Vec3        { a.mu.Lock(); defer a.mu.Unlock(); return a.vel }
func (a *fakeActor) SetMomentum(v mathx.Vec3)    { a.mu.Lock(); a.vel = v; a.mu.Unlock() }
func (a *fakeActor) TargetVelocity(v mathx.Vec3) { a.mu.Lock(); a.target = v; a.mu.Unlock() }
func (a *fakeActor) SetOrientation(q mathx.Quat) { a.mu.Lock(); a.orient = q; a.mu.Unlock() }
func (a *fakeActor) Flying() bool                { a.mu.Lock(); defer a.mu.Unlock(); return a.flying }
func (a *fakeActor) SetFlying(v bool)            { a.mu.Lock(); a.flying = v; a.mu.Unlock() }
func (a *fakeActor) IsColliding() bool           { a.mu.Lock(); defer a.mu.Unlock(); return a.colliding }
func (a *fakeActor) SetColliding(v bool) {
	a.mu.Lock()
	a.colliding = v
	if v {
		a.collidingAsserts++
	}
	a.mu.Unlock()
}
func (a *fakeActor) CollidingGround() bool { a.mu.Lock(); defer a.mu.Unlock(); return a.ground }
func (a *fakeActor) CollidingObject() bool { a.mu.Lock(); defer a.mu.Unlock(); return a.object }

func (a *fakeActor) targetVelocity() mathx.Vec3 { a.mu.Lock(); defer a.mu.Unlock(); return a.target }

type fakePhysics struct {
	mu        sync.Mutex
	actors    map[PhysicsActor]bool
	subs      map[PhysicsActor]func(CollisionUpdate)
	rayHits   []RayHit
	sitOffset mathx.Vec3
	sitOK     bool
	added     int
	removed   int
}

func newFakePhysics() *fakePhysics {
	return &fakePhysics{
		actors: map[PhysicsActor]bool{},
		subs:   map[PhysicsActor]func(CollisionUpdate){},
	}
}

func (f *fakePhysics) AddAvatar(name string, pos mathx.Vec3, size mathx.Vec3, feet float64, flying bool) PhysicsActor {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &fakeActor{pos: pos, flying: flying, orient: mathx.QuatIdentity}
	f.actors[a] = true
	f.added++
	return a
}

func (f *fakePhysics) RemoveAvatar(a PhysicsActor) {
	f.mu.Lock()
	delete(f.actors, a)
	f.removed++
	f.mu.Unlock()
}

func (f *fakePhysics) RaycastWorld(origin, dir mathx.Vec3, length float64, maxHits int) []RayHit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rayHits
}

func (f *fakePhysics) SitSolve(part *ScenePart, hit mathx.Vec3) (mathx.Vec3, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sitOffset, f.sitOK
}

func (f *fakePhysics) SubscribeCollisions(a PhysicsActor, intervalMs int, fn func(CollisionUpdate)) {
	f.mu.Lock()
	f.subs[a] = fn
	f.mu.Unlock()
}

func (f *fakePhysics) UnsubscribeCollisions(a PhysicsActor) {
	f.mu.Lock()
	delete(f.subs, a)
	f.mu.Unlock()
}

// ---- client sink fake ----

type fakeSink struct {
	mu            sync.Mutex
	entityUpdates []EntityUpdate
	kills         [][]uint32
	alerts        []string
	alertCodes    []string
	sits          []SitResponse
	teleports     []mathx.Vec3
	takeControls  []uint32
	health        []float64
	avatarsShown  []uuid.UUID
	coarse        int
	planes        []mathx.Vec4
}

func (s *fakeSink) SendAvatarDataImmediate(p *Presence) {
	s.mu.Lock()
	s.avatarsShown = append(s.avatarsShown, p.ID)
	s.mu.Unlock()
}
func (s *fakeSink) SendAppearance(uuid.UUID, []byte)   {}
func (s *fakeSink) SendAnimations(uuid.UUID, []string) {}
func (s *fakeSink) SendEntityUpdate(u EntityUpdate) {
	s.mu.Lock()
	s.entityUpdates = append(s.entityUpdates, u)
	s.mu.Unlock()
}
func (s *fakeSink) SendSitResponse(r SitResponse) {
	s.mu.Lock()
	s.sits = append(s.sits, r)
	s.mu.Unlock()
}
func (s *fakeSink) SendCoarseLocations(you, prey int, locs []CoarseLocation) {
	s.mu.Lock()
	s.coarse++
	s.mu.Unlock()
}
func (s *fakeSink) SendKillObject(ids []uint32) {
	s.mu.Lock()
	s.kills = append(s.kills, ids)
	s.mu.Unlock()
}
func (s *fakeSink) SendAlert(msg, code string) {
	s.mu.Lock()
	s.alerts = append(s.alerts, msg)
	s.alertCodes = append(s.alertCodes, code)
	s.mu.Unlock()
}
func (s *fakeSink) SendCameraConstraint(p mathx.Vec4) {
	s.mu.Lock()
	s.planes = append(s.planes, p)
	s.mu.Unlock()
}
func (s *fakeSink) SendLocalTeleport(pos, look mathx.Vec3, flags uint32) {
	s.mu.Lock()
	s.teleports = append(s.teleports, pos)
	s.mu.Unlock()
}
func (s *fakeSink) SendTakeControls(controls uint32, pass, take bool) {
	s.mu.Lock()
	s.takeControls = append(s.takeControls, controls)
	s.mu.Unlock()
}
func (s *fakeSink) SendHealth(h float64) {
	s.mu.Lock()
	s.health = append(s.health, h)
	s.mu.Unlock()
}
func (s *fakeSink) ReprioritizeQueues() {}

func (s *fakeSink) killCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kills)
}

func (s *fakeSink) shownCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.avatarsShown)
}

func (s *fakeSink) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entityUpdates)
}

// ---- transfer / grid fakes ----

type fakeTransfer struct {
	mu          sync.Mutex
	acceptCross bool
	crossed     []RegionHandle
	enabled     int
	released    []string
	childPushes []ChildAgentPosition
}

func (f *fakeTransfer) EnableChildAgents(p *Presence) error {
	f.mu.Lock()
	f.enabled++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) CrossToRegion(ctx context.Context, p *Presence, dest RegionHandle, pos mathx.Vec3) bool {
	f.mu.Lock()
	f.crossed = append(f.crossed, dest)
	ok := f.acceptCross
	f.mu.Unlock()
	return ok
}

func (f *fakeTransfer) ReleaseAgent(uri string, id uuid.UUID) error {
	f.mu.Lock()
	f.released = append(f.released, uri)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) SendChildAgentPosition(h RegionHandle, pos ChildAgentPosition) error {
	f.mu.Lock()
	f.childPushes = append(f.childPushes, pos)
	f.mu.Unlock()
	return nil
}

type fakeGrid struct {
	mu     sync.Mutex
	closed []RegionHandle
	err    error
}

func (f *fakeGrid) CloseChildAgent(h RegionHandle, id uuid.UUID, token string) error {
	f.mu.Lock()
	f.closed = append(f.closed, h)
	f.mu.Unlock()
	return f.err
}

// ---- land / estate fakes ----

type fakeParcel struct {
	land           LandData
	x0, y0, x1, y1 float64
	denied         map[uuid.UUID]bool
}

type fakeLand struct {
	parcels []fakeParcel
}

func (f *fakeLand) LandAt(x, y float64) (LandData, bool) {
	for _, p := range f.parcels {
		if x >= p.x0 && x < p.x1 && y >= p.y0 && y < p.y1 {
			return p.land, true
		}
	}
	return LandData{}, false
}

func (f *fakeLand) AllowsAgent(land LandData, id uuid.UUID) bool {
	for _, p := range f.parcels {
		if p.land.ParcelID == land.ParcelID {
			return !p.denied[id]
		}
	}
	return true
}

type fakeEstate struct {
	banned         map[uuid.UUID]bool
	managers       map[uuid.UUID]bool
	directTeleport bool
	telehub        *Telehub
}

func (f *fakeEstate) IsBanned(id uuid.UUID, pos mathx.Vec3) bool { return f.banned[id] }
func (f *fakeEstate) IsManager(id uuid.UUID) bool                { return f.managers[id] }
func (f *fakeEstate) AllowDirectTeleport() bool                  { return f.directTeleport }
func (f *fakeEstate) Telehub() (Telehub, bool) {
	if f.telehub == nil {
		return Telehub{}, false
	}
	return *f.telehub, true
}

// ---- scripts / attachments / audio fakes ----

type controlEvent struct {
	item          uuid.UUID
	held, changed uint32
}

type fakeScripts struct {
	mu            sync.Mutex
	controlEvents []controlEvent
	linkChanged   []uuid.UUID
	collisions    []CollisionKind
	killed        []uuid.UUID
	wantCollision bool
}

func (f *fakeScripts) PostControlEvent(item, obj uuid.UUID, held, changed uint32) {
	f.mu.Lock()
	f.controlEvents = append(f.controlEvents, controlEvent{item, held, changed})
	f.mu.Unlock()
}

func (f *fakeScripts) PostLinkChanged(group uuid.UUID) {
	f.mu.Lock()
	f.linkChanged = append(f.linkChanged, group)
	f.mu.Unlock()
}

func (f *fakeScripts) PostCollisionEvent(part uint32, kind CollisionKind, other uint32) {
	f.mu.Lock()
	f.collisions = append(f.collisions, kind)
	f.mu.Unlock()
}

func (f *fakeScripts) WantsCollisionEvents(part uint32) bool { return f.wantCollision }

func (f *fakeScripts) PostAvatarKilled(id uuid.UUID) {
	f.mu.Lock()
	f.killed = append(f.killed, id)
	f.mu.Unlock()
}

func (f *fakeScripts) events() []controlEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]controlEvent, len(f.controlEvents))
	copy(out, f.controlEvents)
	return out
}

type fakeAttachments struct {
	roots []uint32
	blob  []byte
}

func (f *fakeAttachments) RezAttachments(*Presence)    {}
func (f *fakeAttachments) DeleteAttachments(*Presence) {}
func (f *fakeAttachments) RootLocalIDs(*Presence) []uint32 {
	return f.roots
}
func (f *fakeAttachments) CopyTo(*Presence) []byte    { return f.blob }
func (f *fakeAttachments) CopyFrom(*Presence, []byte) {}

type fakeAudio struct {
	mu     sync.Mutex
	queued int
}

func (f *fakeAudio) QueueCollisionSound(id uint32, vol float64) {
	f.mu.Lock()
	f.queued++
	f.mu.Unlock()
}

// ---- region harness ----

type testDeps struct {
	physics  *fakePhysics
	transfer *fakeTransfer
	grid     *fakeGrid
	land     *fakeLand
	estate   *fakeEstate
	scripts  *fakeScripts
	attach   *fakeAttachments
	audio    *fakeAudio
}

func newTestRegion(t *testing.T, cfg RegionConfig) (*Region, *testDeps) {
	t.Helper()
	d := &testDeps{
		physics:  newFakePhysics(),
		transfer: &fakeTransfer{acceptCross: true},
		grid:     &fakeGrid{},
		land:     &fakeLand{},
		estate:   &fakeEstate{directTeleport: true},
		scripts:  &fakeScripts{},
		attach:   &fakeAttachments{},
		audio:    &fakeAudio{},
	}
	if cfg.Handle == 0 {
		cfg.Handle = HandleFromMeters(256000, 256000)
	}
	r := New(cfg, tuning.Default(), Deps{
		Physics:     d.physics,
		Transfer:    d.transfer,
		Grid:        d.grid,
		Land:        d.land,
		Estate:      d.estate,
		Scripts:     d.scripts,
		Attachments: d.attach,
		Audio:       d.audio,
	})
	return r, d
}

// addRootPresence connects a presence and promotes it to root at pos.
func addRootPresence(t *testing.T, r *Region, name string, pos mathx.Vec3) (*Presence, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	p := NewPresence(r, sink, Identity{FirstName: name, LastName: "Test", LoggingIn: true})
	if err := r.AddPresence(p); err != nil {
		t.Fatalf("add presence: %v", err)
	}
	if err := p.CompleteMovement(context.Background(), pos, mathx.Vec3{X: 1}, false); err != nil {
		t.Fatalf("complete movement: %v", err)
	}
	return p, sink
}

// addChildPresence connects a presence but leaves it a child.
func addChildPresence(t *testing.T, r *Region, name string) (*Presence, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	p := NewPresence(r, sink, Identity{FirstName: name, LastName: "Test"})
	if err := r.AddPresence(p); err != nil {
		t.Fatalf("add presence: %v", err)
	}
	return p, sink
}

// seatGroup builds a one- or two-part group with an explicit sit target on
// the last part.
func seatGroup(r *Region, pos mathx.Vec3, rot mathx.Quat, sitTarget mathx.Vec3, parts int) *SceneGroup {
	g := NewSceneGroup(uuid.New(), pos, rot)
	for i := 1; i <= parts; i++ {
		part := &ScenePart{
			ID:      uuid.New(),
			LinkNum: i,
		}
		if i == parts {
			part.SitTargetSet = true
			part.SitTargetPosition = sitTarget
			part.SitTargetOrientation = mathx.QuatIdentity
		}
		if i > 1 {
			part.OffsetPosition = mathx.Vec3{X: float64(i)}
			part.OffsetRotation = mathx.QuatIdentity
		}
		g.addPart(part)
	}
	r.AddGroup(g)
	return g
}
