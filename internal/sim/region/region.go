package region

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"regioncore.dev/internal/sim/mathx"
	"regioncore.dev/internal/sim/tuning"
)

// Region is the scene: the presence registry, the part registry, the ground
// query and the heartbeat that drives per-tick work. All cross-entity lookups
// go through it so entities never hold owning pointers to each other.
type Region struct {
	cfg RegionConfig
	tun tuning.Tuning
	log *log.Logger

	physics     PhysicsScene
	transfer    TransferModule
	grid        GridService
	land        LandChannel
	estate      Estate
	scripts     ScriptEngine
	attachments AttachmentModule
	audio       AudioModule
	journal     Journal

	// GroundHeight is provided by the terrain collaborator.
	ground func(x, y float64) float64

	mu           sync.RWMutex
	presences    map[uuid.UUID]*Presence
	parts        map[uuid.UUID]*ScenePart
	partsByLocal map[uint32]*ScenePart
	groups       map[uuid.UUID]*SceneGroup
	nextLocalID  uint32

	// Movement event hooks for scene modules; nil when unused.
	onClientMovement      func(*Presence)
	onSignificantMovement func(*Presence)

	stop     chan struct{}
	stopOnce sync.Once
}

// OnClientMovement registers the small-threshold movement hook.
func (r *Region) OnClientMovement(fn func(*Presence)) { r.onClientMovement = fn }

// OnSignificantMovement registers the large-threshold movement hook.
func (r *Region) OnSignificantMovement(fn func(*Presence)) { r.onSignificantMovement = fn }

// Deps bundles the collaborators a region consumes.
type Deps struct {
	Physics     PhysicsScene
	Transfer    TransferModule
	Grid        GridService
	Land        LandChannel
	Estate      Estate
	Scripts     ScriptEngine
	Attachments AttachmentModule
	Audio       AudioModule
	Journal     Journal
	Ground      func(x, y float64) float64
	Log         *log.Logger
}

func New(cfg RegionConfig, tun tuning.Tuning, deps Deps) *Region {
	cfg.normalize()
	if deps.Log == nil {
		deps.Log = log.Default()
	}
	ground := deps.Ground
	if ground == nil {
		ground = func(x, y float64) float64 { return 0 }
	}
	return &Region{
		cfg:          cfg,
		tun:          tun,
		log:          deps.Log,
		physics:      deps.Physics,
		transfer:     deps.Transfer,
		grid:         deps.Grid,
		land:         deps.Land,
		estate:       deps.Estate,
		scripts:      deps.Scripts,
		attachments:  deps.Attachments,
		audio:        deps.Audio,
		journal:      deps.Journal,
		ground:       ground,
		presences:    map[uuid.UUID]*Presence{},
		parts:        map[uuid.UUID]*ScenePart{},
		partsByLocal: map[uint32]*ScenePart{},
		groups:       map[uuid.UUID]*SceneGroup{},
		stop:         make(chan struct{}),
	}
}

func (r *Region) Config() RegionConfig  { return r.cfg }
func (r *Region) Tuning() tuning.Tuning { return r.tun }
func (r *Region) Handle() RegionHandle  { return r.cfg.Handle }

// GroundHeight queries the terrain below (x, y).
func (r *Region) GroundHeight(x, y float64) float64 { return r.ground(x, y) }

// Run drives the heartbeat until the context ends or Stop is called.
func (r *Region) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(r.tun.HeartbeatHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case now := <-ticker.C:
			r.heartbeat(now)
		}
	}
}

func (r *Region) Stop() { r.stopOnce.Do(func() { close(r.stop) }) }

// heartbeat runs one simulation tick across all presences.
func (r *Region) heartbeat(now time.Time) {
	for _, p := range r.Presences() {
		p.heartbeat(now)
	}
}

// AddPresence registers a connecting presence. It arrives as a child in the
// Running state; CompleteMovement promotes it to root.
func (r *Region) AddPresence(p *Presence) error {
	r.mu.Lock()
	if _, ok := r.presences[p.ID]; ok {
		r.mu.Unlock()
		return ErrAlreadyChild
	}
	r.nextLocalID++
	p.LocalID = r.nextLocalID
	r.presences[p.ID] = p
	r.mu.Unlock()

	if err := p.lifecycle.advance(StateRunning); err != nil {
		return err
	}
	p.setChildFlag(true)
	r.journalEvent("presence_add", p)
	return nil
}

// RemovePresence takes the presence out of the scene entirely.
func (r *Region) RemovePresence(id uuid.UUID) error {
	r.mu.Lock()
	p, ok := r.presences[id]
	if ok {
		delete(r.presences, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	_ = p.lifecycle.advance(StateRemoving)
	p.detachBody()
	if r.attachments != nil {
		r.attachments.DeleteAttachments(p)
	}
	p.dropAllNeighbours()
	_ = p.lifecycle.advance(StateRemoved)
	r.journalEvent("presence_remove", p)
	return nil
}

func (r *Region) GetPresence(id uuid.UUID) (*Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presences[id]
	return p, ok
}

// Presences returns a snapshot slice; iteration never holds the registry lock.
func (r *Region) Presences() []*Presence {
	r.mu.RLock()
	out := make([]*Presence, 0, len(r.presences))
	for _, p := range r.presences {
		out = append(out, p)
	}
	r.mu.RUnlock()
	return out
}

// ForEachPresence visits a consistent snapshot of the registry.
func (r *Region) ForEachPresence(fn func(*Presence)) {
	for _, p := range r.Presences() {
		fn(p)
	}
}

// AddGroup registers a scene group and assigns local ids to its parts.
func (r *Region) AddGroup(g *SceneGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[g.ID] = g
	for _, p := range g.PartsByLink() {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		r.nextLocalID++
		p.LocalID = r.nextLocalID
		r.parts[p.ID] = p
		r.partsByLocal[p.LocalID] = p
	}
}

// RemoveGroup deletes the group and its parts from the scene.
func (r *Region) RemoveGroup(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return
	}
	for _, p := range g.PartsByLink() {
		delete(r.parts, p.ID)
		delete(r.partsByLocal, p.LocalID)
	}
	delete(r.groups, id)
}

func (r *Region) GetPart(id uuid.UUID) (*ScenePart, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parts[id]
	return p, ok
}

func (r *Region) GetPartByLocal(localID uint32) (*ScenePart, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partsByLocal[localID]
	return p, ok
}

func (r *Region) GetGroup(id uuid.UUID) (*SceneGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	return g, ok
}

// InBounds reports whether the position lies inside the region.
func (r *Region) InBounds(pos mathx.Vec3) bool {
	return pos.X >= 0 && pos.X < r.cfg.SizeX && pos.Y >= 0 && pos.Y < r.cfg.SizeY
}

// ClampToRegion pulls the position half a metre inside every border.
func (r *Region) ClampToRegion(pos mathx.Vec3) mathx.Vec3 {
	pos.X = clamp(pos.X, 0.5, r.cfg.SizeX-0.5)
	pos.Y = clamp(pos.Y, 0.5, r.cfg.SizeY-0.5)
	return pos
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (r *Region) journalEvent(kind string, p *Presence) {
	if r.journal == nil {
		return
	}
	_ = r.journal.Write(map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"event":  kind,
		"region": r.cfg.Name,
		"agent":  p.ID.String(),
		"child":  p.IsChild(),
	})
}
