package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_BitExactConstants(t *testing.T) {
	d := Default()
	if d.MovementSpeedScale != 0.03*128 {
		t.Fatalf("movement scale must stay 3.84, got %v", d.MovementSpeedScale)
	}
	if d.MoveSignificanceSq != 0.25 || d.SignificantMovementSq != 16 {
		t.Fatalf("movement significance thresholds drifted")
	}
	if d.ChildUpdateDistanceSq != 100 || d.ChildUpdatePeriodMs != 10000 {
		t.Fatalf("child update pacing drifted")
	}
	if d.PeerWaitAttempts != 50 || d.PeerWaitIntervalMs != 200 {
		t.Fatalf("peer handshake window drifted")
	}
	if d.RollMax != 1.1 || d.RollPerTick != 0.06 || d.RollRelax != 0.02 {
		t.Fatalf("flying roll constants drifted")
	}
	if d.SitVerticalAdjust != 0.4 || d.SitStandOffsetX != 0.75 || d.SitStandOffsetZ != 0.3 {
		t.Fatalf("sit constants drifted")
	}
	if d.LandingRayTestHeight != 600 || d.LandingRayMaxHits != 30 || d.LandingRayMinGap != 50 {
		t.Fatalf("landing ray constants drifted")
	}
}

func TestLoad_OverridesAndKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(path, []byte("heartbeat_hz: 22\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tun, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tun.HeartbeatHz != 22 {
		t.Fatalf("override not applied, got %d", tun.HeartbeatHz)
	}
	if tun.MovementSpeedScale != 0.03*128 {
		t.Fatalf("unset fields keep defaults")
	}
}
