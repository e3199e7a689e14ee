package region

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"regioncore.dev/internal/protocol"
	"regioncore.dev/internal/sim/mathx"
)

// Round-trip law: CopyTo on a populated presence, CopyFrom on a fresh one,
// and every externally observable field survives.
func TestTransitPayload_RoundTrip(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	p, _ := addRootPresence(t, r, "Traveller", mathx.Vec3{X: 40, Y: 50, Z: 23})

	p.SetAppearance([]byte("appearance-blob"), mathx.Vec3{X: 0.45, Y: 0.6, Z: 1.8})
	p.SetThrottles([]byte{1, 2, 3, 4})
	p.SetAlwaysRun(true)
	p.SetDrawDistance(96)
	p.SetOriginRegion(HandleFromMeters(255744, 256000))
	item, obj := uuid.New(), uuid.New()
	p.RegisterControlEvents(item, obj, fwdBack, true, false)
	p.AddNeighbourRegion(HandleFromMeters(256256, 256000), "seed-east", 256, 256)
	p.HandleAgentUpdate(AgentUpdateInput{
		ControlFlags: protocol.ControlAtPos,
		BodyRotation: mathx.QuatFromAxisAngle(mathx.Vec3{Z: 1}, 0.5),
		CameraCenter: mathx.Vec3{X: 39, Y: 50, Z: 24},
		CameraAtAxis: mathx.Vec3{X: 1},
		DrawDistance: 96,
	})

	var payload TransitPayload
	p.CopyTo(&payload)

	blob, err := EncodePayload(&payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodePayload(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	r2, _ := newTestRegion(t, RegionConfig{})
	q := NewPresence(r2, &fakeSink{}, Identity{})
	if err := q.CopyFrom(decoded); err != nil {
		t.Fatalf("copy from: %v", err)
	}

	if q.ID != p.ID || q.SessionID != p.SessionID {
		t.Fatalf("identity must survive the round trip")
	}
	if q.Name() != p.Name() {
		t.Fatalf("name mismatch: %q vs %q", q.Name(), p.Name())
	}
	if !q.AbsolutePosition().ApproxEqual(p.AbsolutePosition(), 1e-9) {
		t.Fatalf("position mismatch: %v vs %v", q.AbsolutePosition(), p.AbsolutePosition())
	}
	if !bytes.Equal(q.Appearance(), p.Appearance()) {
		t.Fatalf("appearance blob mismatch")
	}
	if !bytes.Equal(q.Throttles(), p.Throttles()) {
		t.Fatalf("throttle blob mismatch")
	}
	if q.DrawDistance() != 96 || !q.AlwaysRun() {
		t.Fatalf("scalar fields mismatch")
	}
	if q.RawControlFlags() != p.RawControlFlags() {
		t.Fatalf("control flags mismatch")
	}
	if q.ScriptIgnoreMask() != p.ScriptIgnoreMask() {
		t.Fatalf("scripted controls table mismatch")
	}
	if q.OriginRegion() != p.OriginRegion() {
		t.Fatalf("origin region mismatch")
	}
	if !q.KnowsNeighbour(HandleFromMeters(256256, 256000)) {
		t.Fatalf("children caps map mismatch")
	}
	if !q.Rotation().ApproxEqual(p.Rotation(), 1e-9) {
		t.Fatalf("body rotation mismatch")
	}
}

func TestTransitPayload_OwnRegionNeverANeighbour(t *testing.T) {
	r, _ := newTestRegion(t, RegionConfig{})
	p, _ := addChildPresence(t, r, "Loop")

	payload := TransitPayload{
		AgentID:      uuid.NewString(),
		SessionID:    uuid.NewString(),
		ChildrenCaps: map[uint64]string{uint64(r.Handle()): "seed-self"},
	}
	if err := p.CopyFrom(&payload); err != nil {
		t.Fatalf("copy from: %v", err)
	}
	if p.KnowsNeighbour(r.Handle()) {
		t.Fatalf("the current region must be filtered from the neighbour map")
	}
}
