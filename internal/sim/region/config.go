package region

// RegionHandle identifies a region on the grid.
type RegionHandle uint64

// LandingPolicyKind selects how arrivals are adjusted (see landing.go).
type LandingPolicyKind int

const (
	LandingPermissive LandingPolicyKind = iota
	LandingStrict
)

// SpawnMode is the telehub spawn-point selection mode.
type SpawnMode int

const (
	SpawnRandom SpawnMode = iota
	SpawnSequence
	SpawnClosest
)

type RegionConfig struct {
	Handle RegionHandle
	Name   string
	SizeX  float64
	SizeY  float64

	// LegacySitOffsets selects the historical sit-offset formula kept for
	// regions whose content was built against it.
	LegacySitOffsets bool

	LandingPolicy LandingPolicyKind

	// SessionToken authenticates neighbour close requests at the grid service.
	SessionToken string
}

func (c *RegionConfig) normalize() {
	if c.SizeX <= 0 {
		c.SizeX = 256
	}
	if c.SizeY <= 0 {
		c.SizeY = 256
	}
	if c.Name == "" {
		c.Name = "region"
	}
}
