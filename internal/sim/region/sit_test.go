package region

import (
	"math"
	"testing"

	"github.com/google/uuid"

	"regioncore.dev/internal/sim/mathx"
)

func TestSit_ExplicitTarget_ModernOffset(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	p, sink := addRootPresence(t, r, "Sitter", mathx.Vec3{X: 10, Y: 10, Z: 21})
	g := seatGroup(r, mathx.Vec3{X: 20, Y: 20, Z: 20}, mathx.QuatIdentity, mathx.Vec3{Z: 0.5}, 1)
	part := g.RootPart()

	p.HandleSitRequest(part.ID, mathx.Vec3{})

	if !p.IsSatOnObject() {
		t.Fatalf("expected seated")
	}
	if p.Body() != nil {
		t.Fatalf("seated presence must have no physical body")
	}
	if part.SitTargetAvatar() != p.ID {
		t.Fatalf("sit target must be bound to the sitter")
	}
	if len(sink.sits) != 1 {
		t.Fatalf("expected one sit response, got %d", len(sink.sits))
	}

	// Modern formula: sitTarget + up*0.02638*height + (0,0,0.4).
	wantZ := 0.5 + 0.02638*p.AvatarHeight() + 0.4
	got := sink.sits[0].Offset
	if math.Abs(got.Z-wantZ) > 1e-9 {
		t.Fatalf("seat offset z: want %v got %v", wantZ, got.Z)
	}
}

func TestSit_ExplicitTarget_LegacyOffset(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{LegacySitOffsets: true})
	p, sink := addRootPresence(t, r, "Legacy", mathx.Vec3{X: 10, Y: 10, Z: 21})
	g := seatGroup(r, mathx.Vec3{X: 20, Y: 20, Z: 20}, mathx.QuatIdentity, mathx.Vec3{Z: 0.5}, 1)

	p.HandleSitRequest(g.RootPart().ID, mathx.Vec3{})

	// Legacy formula: sitTarget - up*0.05/|R|^2 + (0,0,0.4) with R identity.
	wantZ := 0.5 - 0.05 + 0.4
	got := sink.sits[0].Offset
	if math.Abs(got.Z-wantZ) > 1e-9 {
		t.Fatalf("legacy seat offset z: want %v got %v", wantZ, got.Z)
	}
}

func TestSit_SeatTaken_PicksFreeLinkedPart(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	a, _ := addRootPresence(t, r, "First", mathx.Vec3{X: 10, Y: 10, Z: 21})
	b, sinkB := addRootPresence(t, r, "Second", mathx.Vec3{X: 11, Y: 10, Z: 21})

	g := NewSceneGroup(uuid.New(), mathx.Vec3{X: 20, Y: 20, Z: 20}, mathx.QuatIdentity)
	for i := 1; i <= 2; i++ {
		g.addPart(&ScenePart{
			ID: uuid.New(), LinkNum: i,
			SitTargetSet:         true,
			SitTargetPosition:    mathx.Vec3{Z: 0.5},
			SitTargetOrientation: mathx.QuatIdentity,
		})
	}
	r.AddGroup(g)
	root := g.RootPart()

	a.HandleSitRequest(root.ID, mathx.Vec3{})
	if root.SitTargetAvatar() != a.ID {
		t.Fatalf("first sitter takes the clicked part")
	}

	b.HandleSitRequest(root.ID, mathx.Vec3{})
	if !b.IsSatOnObject() {
		t.Fatalf("second sitter must resolve to the free linked seat")
	}
	if len(sinkB.sits) != 1 {
		t.Fatalf("second sitter should get a sit response")
	}
	if _, partID := b.ParentPart(); partID == root.ID {
		t.Fatalf("second sitter must not share the taken seat")
	}
}

func TestSit_SurfaceDeclined_TooFar(t *testing.T) {
	r, d := newTestRegion(t, RegionConfig{})
	d.physics.sitOK = false
	p, sink := addRootPresence(t, r, "Far", mathx.Vec3{X: 10, Y: 10, Z: 21})
	g := seatGroup(r, mathx.Vec3{X: 200, Y: 200, Z: 20}, mathx.QuatIdentity, mathx.Vec3{}, 1)
	g.RootPart().SitTargetSet = false

	p.HandleSitRequest(g.RootPart().ID, mathx.Vec3{})

	if p.IsSatOnObject() {
		t.Fatalf("sit beyond 10m with no physics solution must refuse")
	}
	if len(sink.alertCodes) == 0 || sink.alertCodes[len(sink.alertCodes)-1] != "E_SIT_REFUSED" {
		t.Fatalf("expected a sit-refused alert")
	}
}

// The seat moves under the avatar: absolute position must follow the part's
// new world placement.
func TestSit_SeatRotates_AvatarFollows(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	p, _ := addRootPresence(t, r, "Rider", mathx.Vec3{X: 10, Y: 10, Z: 21})
	g := seatGroup(r, mathx.Vec3{X: 20, Y: 20, Z: 20}, mathx.QuatIdentity, mathx.Vec3{Z: 0.5}, 1)

	p.HandleSitRequest(g.RootPart().ID, mathx.Vec3{})

	// Rotate the group 90 degrees about z.
	rot := mathx.QuatFromAxisAngle(mathx.Vec3{Z: 1}, math.Pi/2)
	g.SetPlacement(mathx.Vec3{X: 20, Y: 20, Z: 20}, rot)

	seatRel := p.pos
	want := g.Position().Add(rot.Rotate(seatRel))
	got := p.AbsolutePosition()
	if !got.ApproxEqual(want, 1e-9) {
		t.Fatalf("seated avatar must follow the part: want %v got %v", want, got)
	}
	// The vertical offset stays in the seat frame: z unchanged for a z-axis
	// rotation.
	if math.Abs(got.Z-(20+seatRel.Z)) > 1e-9 {
		t.Fatalf("z-rotation must not change height, got %v", got.Z)
	}
}

func TestStandUp_RestoresBodyAndRotation(t *testing.T) {
	r, d := newTestRegion(t, RegionConfig{})
	p, _ := addRootPresence(t, r, "Stander", mathx.Vec3{X: 10, Y: 10, Z: 21})
	seatRot := mathx.QuatFromAxisAngle(mathx.Vec3{Z: 1}, math.Pi/2)
	g := seatGroup(r, mathx.Vec3{X: 20, Y: 20, Z: 20}, seatRot, mathx.Vec3{Z: 0.5}, 1)
	part := g.RootPart()

	p.HandleSitRequest(part.ID, mathx.Vec3{})
	if p.Body() != nil {
		t.Fatalf("setup: seated must be bodyless")
	}

	p.StandUp()

	if p.IsSatOnObject() {
		t.Fatalf("expected standing")
	}
	if p.Body() == nil {
		t.Fatalf("standing presence must regain its body")
	}
	if part.SeatedCount() != 0 || part.SitTargetAvatar() != uuid.Nil {
		t.Fatalf("seat must be released")
	}

	// Stand position: seat world pos + zplanar(seatRot)·(0.75, 0, h+0.3).
	extract := mathx.Vec3{X: 0.75, Z: p.AvatarHeight() + 0.3}
	want := part.WorldPosition().Add(part.WorldRotation().ZPlanar().Rotate(extract))
	if got := p.AbsolutePosition(); !got.ApproxEqual(want, 1e-9) {
		t.Fatalf("stand position: want %v got %v", want, got)
	}

	// Round-trip law: body rotation's z-plane component composes the seat
	// rotation with the sit-target orientation.
	wantRot := part.WorldRotation().Mul(mathx.QuatIdentity).ZPlanar()
	if got := p.Rotation().ZPlanar(); !got.ApproxEqual(wantRot, 1e-9) {
		t.Fatalf("stand rotation: want %v got %v", wantRot, got)
	}
	_ = d
}

func TestSitOnGround_AndStand(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	p, _ := addRootPresence(t, r, "Grounder", mathx.Vec3{X: 10, Y: 10, Z: 21})

	p.SitOnGround()
	if !p.IsSatOnGround() {
		t.Fatalf("expected sitting on ground")
	}
	if p.Body() != nil {
		t.Fatalf("ground sit detaches the body")
	}
	if p.Animations()[0] != animSitGround {
		t.Fatalf("expected %s animation, got %v", animSitGround, p.Animations())
	}

	p.StandUp()
	if p.IsSatOnGround() || p.Body() == nil {
		t.Fatalf("stand must restore the body")
	}
}

func TestStandUp_DropsSeatScriptControls(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	p, _ := addRootPresence(t, r, "Scripted", mathx.Vec3{X: 10, Y: 10, Z: 21})
	g := seatGroup(r, mathx.Vec3{X: 20, Y: 20, Z: 20}, mathx.QuatIdentity, mathx.Vec3{Z: 0.5}, 1)

	p.HandleSitRequest(g.RootPart().ID, mathx.Vec3{})
	p.RegisterControlEvents(uuid.New(), g.ID, fwdBack, true, false)
	other := uuid.New()
	p.RegisterControlEvents(uuid.New(), other, uint32(1<<9), true, false)

	p.StandUp()

	if p.ScriptControlCount() != 1 {
		t.Fatalf("seat-bound registrations must be dropped, kept %d", p.ScriptControlCount())
	}
	if p.ScriptIgnoreMask() != uint32(1<<9) {
		t.Fatalf("only the unrelated registration survives")
	}
}
