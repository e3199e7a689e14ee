// Package interregion defines the wire contract between peer region servers:
// child-agent bookkeeping, hand-off payloads and close requests.
package interregion

import "fmt"

// Subject layout. Every region listens on region.<handle>.*.
const (
	SubjEnableChild   = "enable_child"
	SubjUpdateAgent   = "update_agent"
	SubjCross         = "cross"
	SubjChildPosition = "child_position"
	SubjCloseChild    = "close_child"
)

func Subject(handle uint64, op string) string {
	return fmt.Sprintf("region.%d.%s", handle, op)
}

// ReleaseURIPrefix marks a callback endpoint served over the bus.
const ReleaseURIPrefix = "nats:"

// UpdateAgentMsg is the departing region's handshake: it names the origin and
// where it wants its release notification.
type UpdateAgentMsg struct {
	AgentID      string `json:"agent_id"`
	OriginRegion uint64 `json:"origin_region"`
	CallbackURI  string `json:"callback_uri,omitempty"`
}

// ChildPositionMsg mirrors region.ChildAgentPosition on the wire.
type ChildPositionMsg struct {
	AgentID      string     `json:"agent_id"`
	RegionHandle uint64     `json:"region_handle"`
	Position     [3]float64 `json:"position"`
	Velocity     [3]float64 `json:"velocity"`
	DrawDistance float64    `json:"draw_distance"`
}

// CloseChildMsg asks a region to drop its child copy of an agent.
type CloseChildMsg struct {
	AgentID      string `json:"agent_id"`
	SessionToken string `json:"session_token"`
}

// ReleaseMsg confirms an arrival back to the origin region.
type ReleaseMsg struct {
	AgentID string `json:"agent_id"`
}

// Cross replies.
const (
	ReplyOK      = "OK"
	ReplyRefused = "NO"
)
