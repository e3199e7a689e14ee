package region

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"regioncore.dev/internal/protocol"
	"regioncore.dev/internal/sim/mathx"
)

// TransitPayload is everything a peer region needs to reconstruct this
// presence. Opaque blobs travel zstd-compressed; nothing here touches disk.
type TransitPayload struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Kind      int    `json:"kind"`

	Position       [3]float64 `json:"position"`
	Velocity       [3]float64 `json:"velocity"`
	CameraPosition [3]float64 `json:"camera_position"`
	CameraAt       [3]float64 `json:"camera_at"`
	CameraLeft     [3]float64 `json:"camera_left"`
	CameraUp       [3]float64 `json:"camera_up"`
	BodyRotation   [4]float64 `json:"body_rotation"`
	HeadRotation   [4]float64 `json:"head_rotation"`

	DrawDistance float64 `json:"draw_distance"`
	ControlFlags uint32  `json:"control_flags"`
	GodLevel     int     `json:"god_level"`
	AlwaysRun    bool    `json:"always_run"`

	Throttles  []byte `json:"throttles,omitempty"`
	Appearance []byte `json:"appearance,omitempty"`

	ParentPartID  string     `json:"parent_part_id,omitempty"`
	PrevSitOffset [3]float64 `json:"prev_sit_offset"`

	Controls []PayloadControl `json:"controls,omitempty"`

	Animations  []string `json:"animations,omitempty"`
	DefaultAnim string   `json:"default_anim,omitempty"`
	MotionState string   `json:"motion_state,omitempty"`

	Attachments []byte `json:"attachments,omitempty"`

	ChildrenCaps map[uint64]string `json:"children_caps,omitempty"`

	OriginRegion uint64 `json:"origin_region"`
}

type PayloadControl struct {
	ItemID     string `json:"item_id"`
	ObjectID   string `json:"object_id"`
	IgnoreMask uint32 `json:"ignore_mask"`
	EventMask  uint32 `json:"event_mask"`
}

// CopyTo captures the presence into a transit payload.
func (p *Presence) CopyTo(out *TransitPayload) {
	out.AgentID = p.ID.String()
	out.SessionID = p.SessionID.String()
	out.FirstName = p.FirstName
	out.LastName = p.LastName
	out.Kind = int(p.Kind)

	pos := p.AbsolutePosition()
	vel := p.Velocity()
	out.Position = [3]float64{pos.X, pos.Y, pos.Z}
	out.Velocity = [3]float64{vel.X, vel.Y, vel.Z}

	p.stateMu.Lock()
	out.CameraPosition = vec3Arr(p.cameraPos)
	out.CameraAt = vec3Arr(p.cameraAt)
	out.CameraLeft = vec3Arr(p.cameraLeft)
	out.CameraUp = vec3Arr(p.cameraUp)
	out.BodyRotation = quatArr(p.bodyRotation)
	out.HeadRotation = quatArr(p.headRotation)
	out.DrawDistance = p.drawDistance
	out.GodLevel = p.godLevel
	out.Appearance = append([]byte(nil), p.appearanceBlob...)
	out.Throttles = append([]byte(nil), p.throttles...)
	out.Animations = append([]string(nil), p.animations...)
	out.DefaultAnim = p.defaultAnim
	p.stateMu.Unlock()

	out.ControlFlags = uint32(p.RawControlFlags())
	out.AlwaysRun = p.AlwaysRun()

	_, partID := p.ParentPart()
	if partID != uuid.Nil {
		out.ParentPartID = partID.String()
	}
	off := p.PrevSitOffset()
	out.PrevSitOffset = [3]float64{off.X, off.Y, off.Z}

	p.controls.mu.Lock()
	out.Controls = out.Controls[:0]
	for _, r := range p.controls.regs {
		out.Controls = append(out.Controls, PayloadControl{
			ItemID:     r.ItemID.String(),
			ObjectID:   r.ObjectID.String(),
			IgnoreMask: r.IgnoreMask,
			EventMask:  r.EventMask,
		})
	}
	p.controls.mu.Unlock()

	if p.region.attachments != nil {
		out.Attachments = p.region.attachments.CopyTo(p)
	}

	p.neighbours.mu.Lock()
	out.ChildrenCaps = map[uint64]string{}
	for h, info := range p.neighbours.known {
		out.ChildrenCaps[uint64(h)] = info.SeedCapability
	}
	p.neighbours.mu.Unlock()

	out.OriginRegion = uint64(p.OriginRegion())
}

// CopyFrom restores the payload onto a fresh presence.
func (p *Presence) CopyFrom(in *TransitPayload) error {
	id, err := uuid.Parse(in.AgentID)
	if err != nil {
		return fmt.Errorf("transit payload: agent id: %w", err)
	}
	sid, err := uuid.Parse(in.SessionID)
	if err != nil {
		return fmt.Errorf("transit payload: session id: %w", err)
	}
	p.ID = id
	p.SessionID = sid
	p.FirstName = in.FirstName
	p.LastName = in.LastName
	p.Kind = AvatarKind(in.Kind)

	p.stateMu.Lock()
	p.pos = arrVec3(in.Position)
	p.velocity = arrVec3(in.Velocity)
	p.cameraPos = arrVec3(in.CameraPosition)
	p.cameraAt = arrVec3(in.CameraAt)
	p.cameraLeft = arrVec3(in.CameraLeft)
	p.cameraUp = arrVec3(in.CameraUp)
	p.bodyRotation = arrQuat(in.BodyRotation)
	p.headRotation = arrQuat(in.HeadRotation)
	p.godLevel = in.GodLevel
	p.appearanceBlob = append([]byte(nil), in.Appearance...)
	p.throttles = append([]byte(nil), in.Throttles...)
	p.animations = append([]string(nil), in.Animations...)
	p.defaultAnim = in.DefaultAnim
	if p.pos.IsFinite() {
		p.lastFinitePos = p.pos
		p.everFinite = true
	}
	p.stateMu.Unlock()

	p.SetDrawDistance(in.DrawDistance)
	p.SetRegionViewDistance(in.DrawDistance)
	p.SetAlwaysRun(in.AlwaysRun)

	p.motion.mu.Lock()
	p.motion.rawControls = protocol.AgentControl(in.ControlFlags)
	p.motion.mu.Unlock()

	if in.ParentPartID != "" {
		if partID, err := uuid.Parse(in.ParentPartID); err == nil {
			p.seat.mu.Lock()
			p.seat.parentPartID = partID
			p.seat.prevSitOffset = arrVec3(in.PrevSitOffset)
			p.seat.mu.Unlock()
		}
	} else {
		p.seat.mu.Lock()
		p.seat.prevSitOffset = arrVec3(in.PrevSitOffset)
		p.seat.mu.Unlock()
	}

	p.controls.mu.Lock()
	p.controls.regs = map[uuid.UUID]scriptControlReg{}
	for _, c := range in.Controls {
		itemID, err1 := uuid.Parse(c.ItemID)
		objectID, err2 := uuid.Parse(c.ObjectID)
		if err1 != nil || err2 != nil {
			continue
		}
		p.controls.regs[itemID] = scriptControlReg{
			ObjectID:   objectID,
			ItemID:     itemID,
			IgnoreMask: c.IgnoreMask,
			EventMask:  c.EventMask,
		}
	}
	p.controls.mu.Unlock()

	if p.region.attachments != nil && len(in.Attachments) > 0 {
		p.region.attachments.CopyFrom(p, in.Attachments)
	}

	p.neighbours.mu.Lock()
	p.neighbours.known = map[RegionHandle]neighbourInfo{}
	for h, seed := range in.ChildrenCaps {
		if RegionHandle(h) == p.region.Handle() {
			continue
		}
		p.neighbours.known[RegionHandle(h)] = neighbourInfo{SeedCapability: seed, SizeX: 256, SizeY: 256}
	}
	p.neighbours.mu.Unlock()

	p.SetOriginRegion(RegionHandle(in.OriginRegion))
	return nil
}

// EncodePayload serialises and compresses a payload for the wire.
func EncodePayload(t *TransitPayload) ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(b []byte) (*TransitPayload, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("transit payload: decompress: %w", err)
	}
	var t TransitPayload
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("transit payload: decode: %w", err)
	}
	return &t, nil
}

func vec3Arr(v mathx.Vec3) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }
func arrVec3(a [3]float64) mathx.Vec3 { return mathx.Vec3{X: a[0], Y: a[1], Z: a[2]} }
func quatArr(q mathx.Quat) [4]float64 { return [4]float64{q.X, q.Y, q.Z, q.W} }
func arrQuat(a [4]float64) mathx.Quat {
	q := mathx.Quat{X: a[0], Y: a[1], Z: a[2], W: a[3]}
	if q == (mathx.Quat{}) {
		return mathx.QuatIdentity
	}
	return q
}
