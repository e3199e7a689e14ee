package region

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"regioncore.dev/internal/sim/mathx"
)

// ScenePart is the slice of a scene object the presence core needs: seat
// targets, link ordering and world placement. Object semantics beyond that
// live with the object subsystem.
type ScenePart struct {
	ID      uuid.UUID
	LocalID uint32
	GroupID uuid.UUID
	LinkNum int // 1 = root part
	Name    string

	// Placement relative to the root part; zero for the root itself.
	OffsetPosition mathx.Vec3
	OffsetRotation mathx.Quat

	SitTargetPosition    mathx.Vec3
	SitTargetOrientation mathx.Quat
	SitTargetSet         bool
	SitAnimation         string

	CameraAtOffset  mathx.Vec3
	CameraEyeOffset mathx.Vec3
	ForceMouselook  bool

	group *SceneGroup

	mu              sync.Mutex
	sitTargetAvatar uuid.UUID
	seated          map[uuid.UUID]struct{}
}

func (p *ScenePart) Group() *SceneGroup { return p.group }

func (p *ScenePart) IsRoot() bool { return p.LinkNum <= 1 }

func (p *ScenePart) WorldRotation() mathx.Quat {
	g := p.group
	if p.IsRoot() {
		return g.Rotation()
	}
	return g.Rotation().Mul(p.OffsetRotation)
}

func (p *ScenePart) WorldPosition() mathx.Vec3 {
	g := p.group
	if p.IsRoot() {
		return g.Position()
	}
	return g.Position().Add(g.Rotation().Rotate(p.OffsetPosition))
}

// SitTargetAvatar returns the avatar bound to this part's sit target.
func (p *ScenePart) SitTargetAvatar() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sitTargetAvatar
}

func (p *ScenePart) bindSitTarget(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sitTargetAvatar != uuid.Nil {
		return false
	}
	p.sitTargetAvatar = id
	return true
}

func (p *ScenePart) addSeated(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seated == nil {
		p.seated = map[uuid.UUID]struct{}{}
	}
	p.seated[id] = struct{}{}
}

func (p *ScenePart) removeSeated(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seated, id)
	if p.sitTargetAvatar == id {
		p.sitTargetAvatar = uuid.Nil
	}
}

func (p *ScenePart) SeatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seated)
}

// SceneGroup is a linkset of parts with one root.
type SceneGroup struct {
	ID uuid.UUID

	// Damage applied to avatars colliding with this group; the group is
	// consumed on hit when non-zero.
	Damage float64

	mu       sync.Mutex
	position mathx.Vec3
	rotation mathx.Quat
	parts    []*ScenePart
}

func NewSceneGroup(id uuid.UUID, pos mathx.Vec3, rot mathx.Quat) *SceneGroup {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &SceneGroup{ID: id, position: pos, rotation: rot}
}

func (g *SceneGroup) Position() mathx.Vec3 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.position
}

func (g *SceneGroup) Rotation() mathx.Quat {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rotation
}

func (g *SceneGroup) SetPlacement(pos mathx.Vec3, rot mathx.Quat) {
	g.mu.Lock()
	g.position = pos
	g.rotation = rot
	g.mu.Unlock()
}

func (g *SceneGroup) RootPart() *ScenePart {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.parts {
		if p.IsRoot() {
			return p
		}
	}
	return nil
}

// PartsByLink returns the linkset in link-number order.
func (g *SceneGroup) PartsByLink() []*ScenePart {
	g.mu.Lock()
	out := make([]*ScenePart, len(g.parts))
	copy(out, g.parts)
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LinkNum < out[j].LinkNum })
	return out
}

func (g *SceneGroup) addPart(p *ScenePart) {
	g.mu.Lock()
	p.group = g
	p.GroupID = g.ID
	g.parts = append(g.parts, p)
	g.mu.Unlock()
}
