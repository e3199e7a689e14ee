package region

import (
	"math/rand"

	"regioncore.dev/internal/protocol"
	"regioncore.dev/internal/sim/mathx"
)

// landingPolicy adjusts an arrival position before the body attaches. The two
// variants differ in how aggressively they redirect.
type landingPolicy interface {
	Adjust(p *Presence, pos, look mathx.Vec3, flags protocol.TeleportFlags) (mathx.Vec3, error)
}

func (r *Region) landingPolicy() landingPolicy {
	if r.cfg.LandingPolicy == LandingStrict {
		return strictLanding{r}
	}
	return permissiveLanding{r}
}

type permissiveLanding struct{ r *Region }

func (l permissiveLanding) Adjust(p *Presence, pos, look mathx.Vec3, flags protocol.TeleportFlags) (mathx.Vec3, error) {
	r := l.r
	if r.estate != nil && r.estate.IsBanned(p.ID, pos) {
		return pos, ErrLandingDenied
	}
	if r.estate != nil {
		if hub, ok := r.estate.Telehub(); ok && !r.estate.AllowDirectTeleport() {
			return r.telehubRoute(p, hub, pos), nil
		}
	}
	return r.landingPointRedirect(p, pos, flags), nil
}

type strictLanding struct{ r *Region }

func (l strictLanding) Adjust(p *Presence, pos, look mathx.Vec3, flags protocol.TeleportFlags) (mathx.Vec3, error) {
	r := l.r
	if r.estate != nil && r.estate.IsBanned(p.ID, pos) {
		return pos, ErrLandingDenied
	}
	// Elevated access lands exactly where it asked.
	if p.IsGod() {
		return pos, nil
	}
	if r.estate != nil && !r.estate.AllowDirectTeleport() {
		if hub, ok := r.estate.Telehub(); ok {
			return r.telehubRoute(p, hub, pos), nil
		}
	}
	out := r.landingPointRedirect(p, pos, flags)
	if out != pos && r.land != nil {
		// The parcel's declared look-at wins on a redirect.
		if land, ok := r.land.LandAt(out.X, out.Y); ok && land.UserLookAt != (mathx.Vec3{}) {
			p.setRotation(mathx.LookRotation(land.UserLookAt))
		}
	}
	return out, nil
}

// landingPointRedirect moves point-style arrivals to the parcel's declared
// landing spot, unless the avatar owns or manages the land.
func (r *Region) landingPointRedirect(p *Presence, pos mathx.Vec3, flags protocol.TeleportFlags) mathx.Vec3 {
	if r.land == nil || flags&protocol.TeleportViaPoint == 0 {
		return pos
	}
	land, ok := r.land.LandAt(pos.X, pos.Y)
	if !ok || land.LandingType != LandingPoint || land.UserLocation == (mathx.Vec3{}) {
		return pos
	}
	if land.OwnerID == p.ID || p.IsGod() {
		return pos
	}
	if r.estate != nil && r.estate.IsManager(p.ID) {
		return pos
	}
	return land.UserLocation
}

// telehubRoute picks a spawn point by the hub's configured mode. Spawn points
// are offsets from the hub.
func (r *Region) telehubRoute(p *Presence, hub Telehub, requested mathx.Vec3) mathx.Vec3 {
	if len(hub.SpawnPoints) == 0 {
		return hub.Position
	}
	abs := func(i int) mathx.Vec3 { return hub.Position.Add(hub.SpawnPoints[i]) }
	permitted := func(pos mathx.Vec3) bool {
		if r.land == nil {
			return true
		}
		land, ok := r.land.LandAt(pos.X, pos.Y)
		if !ok {
			return true
		}
		return r.land.AllowsAgent(land, p.ID)
	}

	switch hub.Mode {
	case SpawnRandom:
		// Sample without replacement; a fully banned hub degrades to the
		// sequence walk below.
		for _, i := range rand.Perm(len(hub.SpawnPoints)) {
			if pos := abs(i); permitted(pos) {
				return pos
			}
		}
		fallthrough
	case SpawnSequence:
		for i := range hub.SpawnPoints {
			if pos := abs(i); permitted(pos) {
				return pos
			}
		}
		return hub.Position
	case SpawnClosest:
		best := -1
		bestDist := 0.0
		for i := range hub.SpawnPoints {
			pos := abs(i)
			if !permitted(pos) {
				continue
			}
			d := pos.DistSq(requested)
			if best < 0 || d < bestDist {
				best, bestDist = i, d
			}
		}
		if best >= 0 {
			return abs(best)
		}
		return hub.Position
	}
	return hub.Position
}
