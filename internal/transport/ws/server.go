// Package ws is the client transport: one websocket per viewer, a reader
// loop feeding presence operations and a writer draining the sink queue.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"regioncore.dev/internal/protocol"
	"regioncore.dev/internal/sim/mathx"
	"regioncore.dev/internal/sim/region"
)

const outQueueSize = 256

type Server struct {
	region *region.Region
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(r *region.Region, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		region: r,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		p, out := s.handshake(conn)
		if p == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			s.dispatch(p, base.Type, msg)
		}

		// Cleanup.
		if err := s.region.RemovePresence(p.ID); err != nil {
			s.log.Printf("ws: remove presence %s: %v", p.ID, err)
		}
	}
}

// handshake reads HELLO, registers the presence and answers WELCOME.
func (s *Server) handshake(conn *websocket.Conn) (*region.Presence, chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil || hello.Type != protocol.TypeHello {
		return nil, nil
	}
	if hello.ProtocolVersion != protocol.Version {
		return nil, nil
	}

	out := make(chan []byte, outQueueSize)
	sink := &wsSink{out: out}
	flags := protocol.TeleportFlags(hello.TeleportFlags)
	p := region.NewPresence(s.region, sink, region.Identity{
		FirstName: hello.FirstName,
		LastName:  hello.LastName,
		LoggingIn: flags&(protocol.TeleportViaLogin|protocol.TeleportViaHGLogin) != 0,
	})
	p.SetTeleportFlags(flags)
	if err := s.region.AddPresence(p); err != nil {
		s.log.Printf("ws: add presence: %v", err)
		return nil, nil
	}

	cfg := s.region.Config()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		AgentID:         p.ID.String(),
		SessionID:       p.SessionID.String(),
		RegionHandle:    uint64(cfg.Handle),
		RegionSize:      [2]float64{cfg.SizeX, cfg.SizeY},
		HeartbeatHz:     s.region.Tuning().HeartbeatHz,
	}
	raw, _ := json.Marshal(welcome)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		_ = s.region.RemovePresence(p.ID)
		return nil, nil
	}
	return p, out
}

func (s *Server) dispatch(p *region.Presence, msgType string, msg []byte) {
	switch msgType {
	case protocol.TypeAgentUpdate:
		var m protocol.AgentUpdateMsg
		if json.Unmarshal(msg, &m) != nil {
			return
		}
		p.HandleAgentUpdate(region.AgentUpdateInput{
			ControlFlags:   protocol.AgentControl(m.ControlFlags),
			BodyRotation:   mathx.Quat{X: m.BodyRotation[0], Y: m.BodyRotation[1], Z: m.BodyRotation[2], W: m.BodyRotation[3]},
			CameraCenter:   vec3(m.CameraCenter),
			CameraAtAxis:   vec3(m.CameraAtAxis),
			CameraLeftAxis: vec3(m.CameraLeftAxis),
			CameraUpAxis:   vec3(m.CameraUpAxis),
			DrawDistance:   m.DrawDistance,
		})

	case protocol.TypeCompleteMove:
		var m protocol.CompleteMovementMsg
		if json.Unmarshal(msg, &m) != nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := p.CompleteMovement(ctx, p.AbsolutePosition(), mathx.Vec3{}, false); err != nil {
				s.log.Printf("ws: complete movement %s: %v", p.Name(), err)
				p.Sink().SendAlert("arrival failed", "E_PEER_TIMEOUT")
			}
		}()

	case protocol.TypeSitRequest:
		var m protocol.SitRequestMsg
		if json.Unmarshal(msg, &m) != nil {
			return
		}
		target, err := uuid.Parse(m.TargetID)
		if err != nil {
			return
		}
		p.HandleSitRequest(target, vec3(m.Offset))

	case protocol.TypeStandRequest:
		p.StandUp()

	case protocol.TypeSitGround:
		p.SitOnGround()

	case protocol.TypeTeleportRequest:
		var m protocol.TeleportRequestMsg
		if json.Unmarshal(msg, &m) != nil {
			return
		}
		flags := protocol.TeleportFlags(m.Flags)
		dest := region.RegionHandle(m.RegionHandle)
		go p.TeleportToRegion(dest, vec3(m.Position), vec3(m.LookAt), flags)
	}
}

func vec3(a [3]float64) mathx.Vec3 { return mathx.Vec3{X: a[0], Y: a[1], Z: a[2]} }

// wsSink marshals sink calls into the connection's outbound queue. When the
// queue is full the oldest message is dropped; motion updates supersede each
// other anyway.
type wsSink struct {
	out chan []byte
}

func (s *wsSink) push(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.out <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- b:
	default:
	}
}

func (s *wsSink) SendAvatarDataImmediate(about *region.Presence) {
	pos := about.AbsolutePosition()
	rot := about.WorldRotation()
	s.push(protocol.AvatarDataMsg{
		Type:            protocol.TypeAvatarData,
		ProtocolVersion: protocol.Version,
		AgentID:         about.ID.String(),
		LocalID:         about.LocalID,
		Name:            about.Name(),
		Position:        [3]float64{pos.X, pos.Y, pos.Z},
		Rotation:        [4]float64{rot.X, rot.Y, rot.Z, rot.W},
	})
}

func (s *wsSink) SendAppearance(agentID uuid.UUID, blob []byte) {
	s.push(protocol.AppearanceMsg{
		Type:            protocol.TypeAppearance,
		ProtocolVersion: protocol.Version,
		AgentID:         agentID.String(),
		Blob:            string(blob),
	})
}

func (s *wsSink) SendAnimations(agentID uuid.UUID, anims []string) {
	s.push(protocol.AnimationsMsg{
		Type:            protocol.TypeAnimations,
		ProtocolVersion: protocol.Version,
		AgentID:         agentID.String(),
		Animations:      anims,
	})
}

func (s *wsSink) SendEntityUpdate(u region.EntityUpdate) {
	s.push(protocol.EntityUpdateMsg{
		Type:            protocol.TypeEntityUpdate,
		ProtocolVersion: protocol.Version,
		LocalID:         u.LocalID,
		Flags:           u.Flags,
		Position:        [3]float64{u.Position.X, u.Position.Y, u.Position.Z},
		Rotation:        [4]float64{u.Rotation.X, u.Rotation.Y, u.Rotation.Z, u.Rotation.W},
		Velocity:        [3]float64{u.Velocity.X, u.Velocity.Y, u.Velocity.Z},
		Acceleration:    [3]float64{u.Acceleration.X, u.Acceleration.Y, u.Acceleration.Z},
		AngularVelocity: [3]float64{u.AngularVelocity.X, u.AngularVelocity.Y, u.AngularVelocity.Z},
	})
}

func (s *wsSink) SendSitResponse(r region.SitResponse) {
	s.push(protocol.SitResponseMsg{
		Type:            protocol.TypeSitResponse,
		ProtocolVersion: protocol.Version,
		PartLocalID:     r.PartLocalID,
		Offset:          [3]float64{r.Offset.X, r.Offset.Y, r.Offset.Z},
		Rotation:        [4]float64{r.Rotation.X, r.Rotation.Y, r.Rotation.Z, r.Rotation.W},
		CameraAtOffset:  [3]float64{r.CameraAtOffset.X, r.CameraAtOffset.Y, r.CameraAtOffset.Z},
		CameraEyeOffset: [3]float64{r.CameraEyeOffset.X, r.CameraEyeOffset.Y, r.CameraEyeOffset.Z},
		ForceMouselook:  r.ForceMouselook,
	})
}

func (s *wsSink) SendCoarseLocations(you, prey int, locs []region.CoarseLocation) {
	msg := protocol.CoarseLocationsMsg{
		Type:            protocol.TypeCoarseLocations,
		ProtocolVersion: protocol.Version,
		You:             you,
		Prey:            prey,
	}
	for _, l := range locs {
		msg.Locations = append(msg.Locations, [3]float64{l.Position.X, l.Position.Y, l.Position.Z})
		msg.AgentIDs = append(msg.AgentIDs, l.AgentID.String())
	}
	s.push(msg)
}

func (s *wsSink) SendKillObject(localIDs []uint32) {
	s.push(protocol.KillObjectMsg{
		Type:            protocol.TypeKillObject,
		ProtocolVersion: protocol.Version,
		LocalIDs:        localIDs,
	})
}

func (s *wsSink) SendAlert(message, code string) {
	s.push(protocol.AlertMsg{
		Type:            protocol.TypeAlert,
		ProtocolVersion: protocol.Version,
		Message:         message,
		Code:            code,
	})
}

func (s *wsSink) SendCameraConstraint(plane mathx.Vec4) {
	s.push(protocol.CameraConstraintMsg{
		Type:            protocol.TypeCameraConstraint,
		ProtocolVersion: protocol.Version,
		Plane:           [4]float64{plane.X, plane.Y, plane.Z, plane.W},
	})
}

func (s *wsSink) SendLocalTeleport(pos, look mathx.Vec3, flags uint32) {
	s.push(protocol.LocalTeleportMsg{
		Type:            protocol.TypeLocalTeleport,
		ProtocolVersion: protocol.Version,
		Position:        [3]float64{pos.X, pos.Y, pos.Z},
		LookAt:          [3]float64{look.X, look.Y, look.Z},
		Flags:           flags,
	})
}

func (s *wsSink) SendTakeControls(controls uint32, passToAgent, take bool) {
	s.push(protocol.TakeControlsMsg{
		Type:            protocol.TypeTakeControls,
		ProtocolVersion: protocol.Version,
		Controls:        controls,
		PassToAgent:     passToAgent,
		TakeControls:    take,
	})
}

func (s *wsSink) SendHealth(health float64) {
	s.push(protocol.HealthMsg{
		Type:            protocol.TypeHealth,
		ProtocolVersion: protocol.Version,
		Health:          health,
	})
}

func (s *wsSink) ReprioritizeQueues() {
	// The outbound queue is small and rebuilt constantly; nothing to resort
	// beyond yielding to let it drain.
	time.Sleep(10 * time.Millisecond)
}
