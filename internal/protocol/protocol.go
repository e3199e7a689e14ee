package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"

	// client -> server
	TypeAgentUpdate     = "AGENT_UPDATE"
	TypeSitRequest      = "SIT_REQUEST"
	TypeSitGround       = "SIT_GROUND"
	TypeStandRequest    = "STAND_REQUEST"
	TypeTeleportRequest = "TELEPORT_REQUEST"
	TypeCompleteMove    = "COMPLETE_MOVEMENT"

	// server -> client
	TypeAvatarData       = "AVATAR_DATA"
	TypeAppearance       = "APPEARANCE"
	TypeAnimations       = "ANIMATIONS"
	TypeEntityUpdate     = "ENTITY_UPDATE"
	TypeSitResponse      = "SIT_RESPONSE"
	TypeCoarseLocations  = "COARSE_LOCATIONS"
	TypeKillObject       = "KILL_OBJECT"
	TypeAlert            = "ALERT"
	TypeCameraConstraint = "CAMERA_CONSTRAINT"
	TypeLocalTeleport    = "LOCAL_TELEPORT"
	TypeTakeControls     = "TAKE_CONTROLS"
	TypeHealth           = "HEALTH"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
