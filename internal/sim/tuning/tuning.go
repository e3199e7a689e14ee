package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning carries the protocol constants the simulator must keep bit-exact.
// Defaults match the values the client fleet was tuned against; the yaml file
// exists so operators can see them, not so they can improvise.
type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	HeartbeatHz           int `yaml:"heartbeat_hz"`
	CollisionIntervalMs   int `yaml:"collision_interval_ms"`
	MovementsBetweenRay   int `yaml:"movements_between_raycast"`
	PeerWaitAttempts      int `yaml:"peer_wait_attempts"`
	PeerWaitIntervalMs    int `yaml:"peer_wait_interval_ms"`
	ChildUpdatePeriodMs   int `yaml:"child_update_period_ms"`
	ReprioritizationGrace int `yaml:"reprioritization_grace_ms"`

	MoveSignificanceSq     float64 `yaml:"move_significance_sq"`
	SignificantMovementSq  float64 `yaml:"significant_movement_sq"`
	ChildUpdateDistanceSq  float64 `yaml:"child_update_distance_sq"`
	TerseRotationTolerance float64 `yaml:"terse_rotation_tolerance"`
	TerseVelocityTolerance float64 `yaml:"terse_velocity_tolerance"`
	TersePositionTolerance float64 `yaml:"terse_position_tolerance"`
	TerseSlowPositionDelta float64 `yaml:"terse_slow_position_delta"`
	TerseSlowVelocitySq    float64 `yaml:"terse_slow_velocity_sq"`

	MaxDrawDistance       float64 `yaml:"max_draw_distance"`
	MaxRegionViewDistance float64 `yaml:"max_region_view_distance"`

	MovementSpeedScale float64 `yaml:"movement_speed_scale"` // 0.03 * 128
	JumpBoost          float64 `yaml:"jump_boost"`
	FlyingScale        float64 `yaml:"flying_scale"`

	RollMax     float64 `yaml:"roll_max"`
	RollPerTick float64 `yaml:"roll_per_tick"`
	RollRelax   float64 `yaml:"roll_relax"`

	SitVerticalAdjust  float64 `yaml:"sit_vertical_adjust"`
	SitStandOffsetX    float64 `yaml:"sit_stand_offset_x"`
	SitStandOffsetZ    float64 `yaml:"sit_stand_offset_z"`
	SitMaxDistance     float64 `yaml:"sit_max_distance"`
	SitColliderAsserts int     `yaml:"sit_collider_asserts"`

	LandingRayTestHeight float64 `yaml:"landing_ray_test_height"`
	LandingRayMaxHits    int     `yaml:"landing_ray_max_hits"`
	LandingRayMinGap     float64 `yaml:"landing_ray_min_gap"`
}

func Default() Tuning {
	return Tuning{
		ProtocolVersion:       "1.0",
		HeartbeatHz:           11,
		CollisionIntervalMs:   100,
		MovementsBetweenRay:   5,
		PeerWaitAttempts:      50,
		PeerWaitIntervalMs:    200,
		ChildUpdatePeriodMs:   10000,
		ReprioritizationGrace: 15000,

		MoveSignificanceSq:     0.25,
		SignificantMovementSq:  16,
		ChildUpdateDistanceSq:  100,
		TerseRotationTolerance: 0.01,
		TerseVelocityTolerance: 0.1,
		TersePositionTolerance: 5,
		TerseSlowPositionDelta: 0.05,
		TerseSlowVelocitySq:    0.1,

		MaxDrawDistance:       512,
		MaxRegionViewDistance: 512,

		MovementSpeedScale: 0.03 * 128,
		JumpBoost:          2.6,
		FlyingScale:        4,

		RollMax:     1.1,
		RollPerTick: 0.06,
		RollRelax:   0.02,

		SitVerticalAdjust:  0.4,
		SitStandOffsetX:    0.75,
		SitStandOffsetZ:    0.3,
		SitMaxDistance:     10,
		SitColliderAsserts: 5,

		LandingRayTestHeight: 600,
		LandingRayMaxHits:    30,
		LandingRayMinGap:     50,
	}
}

func Load(path string) (Tuning, error) {
	t := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
