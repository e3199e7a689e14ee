// Package natsbus carries the inter-region protocol over a NATS connection.
// It is both sides of the contract: the TransferModule/GridService the local
// region consumes, and the subscriber that applies peer traffic to it.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"regioncore.dev/internal/interregion"
	"regioncore.dev/internal/sim/mathx"
	"regioncore.dev/internal/sim/region"
)

const requestTimeout = 5 * time.Second

type Bus struct {
	nc  *nats.Conn
	log *log.Logger

	subs []*nats.Subscription
}

func New(nc *nats.Conn, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{nc: nc, log: logger}
}

// EnableChildAgents pushes a child copy of the presence to every neighbour.
func (b *Bus) EnableChildAgents(p *region.Presence) error {
	var payload region.TransitPayload
	p.CopyTo(&payload)
	payload.OriginRegion = uint64(p.Region().Handle())
	blob, err := region.EncodePayload(&payload)
	if err != nil {
		return err
	}
	var firstErr error
	for _, h := range p.NeighbourHandles() {
		if err := b.nc.Publish(interregion.Subject(uint64(h), interregion.SubjEnableChild), blob); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CrossToRegion hands the presence to the destination region and waits for
// its verdict.
func (b *Bus) CrossToRegion(ctx context.Context, p *region.Presence, dest region.RegionHandle, pos mathx.Vec3) bool {
	var payload region.TransitPayload
	p.CopyTo(&payload)
	payload.Position = [3]float64{pos.X, pos.Y, pos.Z}
	payload.OriginRegion = uint64(p.Region().Handle())
	payload.ChildrenCaps = nil
	blob, err := region.EncodePayload(&payload)
	if err != nil {
		b.log.Printf("natsbus: encode cross payload: %v", err)
		return false
	}
	msg, err := b.nc.RequestWithContext(ctx, interregion.Subject(uint64(dest), interregion.SubjCross), blob)
	if err != nil {
		b.log.Printf("natsbus: cross request to %d: %v", dest, err)
		return false
	}
	return string(msg.Data) == interregion.ReplyOK
}

// ReleaseAgent confirms an arrival to the origin's callback subject.
func (b *Bus) ReleaseAgent(callbackURI string, agentID uuid.UUID) error {
	subj := strings.TrimPrefix(callbackURI, interregion.ReleaseURIPrefix)
	if subj == "" {
		return fmt.Errorf("natsbus: empty callback uri")
	}
	raw, err := json.Marshal(interregion.ReleaseMsg{AgentID: agentID.String()})
	if err != nil {
		return err
	}
	return b.nc.Publish(subj, raw)
}

func (b *Bus) SendChildAgentPosition(handle region.RegionHandle, pos region.ChildAgentPosition) error {
	raw, err := json.Marshal(interregion.ChildPositionMsg{
		AgentID:      pos.AgentID.String(),
		RegionHandle: uint64(pos.RegionHandle),
		Position:     [3]float64{pos.Position.X, pos.Position.Y, pos.Position.Z},
		Velocity:     [3]float64{pos.Velocity.X, pos.Velocity.Y, pos.Velocity.Z},
		DrawDistance: pos.DrawDistance,
	})
	if err != nil {
		return err
	}
	return b.nc.Publish(interregion.Subject(uint64(handle), interregion.SubjChildPosition), raw)
}

// CloseChildAgent asks the remote region to drop its child copy.
func (b *Bus) CloseChildAgent(handle region.RegionHandle, agentID uuid.UUID, sessionToken string) error {
	raw, err := json.Marshal(interregion.CloseChildMsg{AgentID: agentID.String(), SessionToken: sessionToken})
	if err != nil {
		return err
	}
	msg, err := b.nc.Request(interregion.Subject(uint64(handle), interregion.SubjCloseChild), raw, requestTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", region.ErrNeighbourCloseFailed, err)
	}
	if string(msg.Data) != interregion.ReplyOK {
		return region.ErrNeighbourCloseFailed
	}
	return nil
}

// Serve binds the local region to its subjects.
func (b *Bus) Serve(r *region.Region) error {
	handle := uint64(r.Handle())

	sub := func(op string, fn nats.MsgHandler) error {
		s, err := b.nc.Subscribe(interregion.Subject(handle, op), fn)
		if err != nil {
			return err
		}
		b.subs = append(b.subs, s)
		return nil
	}

	if err := sub(interregion.SubjEnableChild, func(m *nats.Msg) { b.handleEnableChild(r, m) }); err != nil {
		return err
	}
	if err := sub(interregion.SubjUpdateAgent, func(m *nats.Msg) { b.handleUpdateAgent(r, m) }); err != nil {
		return err
	}
	if err := sub(interregion.SubjCross, func(m *nats.Msg) { b.handleCross(r, m) }); err != nil {
		return err
	}
	if err := sub(interregion.SubjChildPosition, func(m *nats.Msg) { b.handleChildPosition(r, m) }); err != nil {
		return err
	}
	return sub(interregion.SubjCloseChild, func(m *nats.Msg) { b.handleCloseChild(r, m) })
}

func (b *Bus) Close() {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.subs = nil
}

// handleEnableChild stands up (or refreshes) a child presence for a
// neighbour's root agent.
func (b *Bus) handleEnableChild(r *region.Region, m *nats.Msg) {
	payload, err := region.DecodePayload(m.Data)
	if err != nil {
		b.log.Printf("natsbus: enable_child: %v", err)
		return
	}
	id, err := uuid.Parse(payload.AgentID)
	if err != nil {
		return
	}
	if p, ok := r.GetPresence(id); ok {
		_ = p.CopyFrom(payload)
		return
	}
	p := region.NewPresence(r, region.NopSink{}, region.Identity{ID: id})
	if err := p.CopyFrom(payload); err != nil {
		b.log.Printf("natsbus: enable_child payload: %v", err)
		return
	}
	if err := r.AddPresence(p); err != nil {
		b.log.Printf("natsbus: enable_child add: %v", err)
	}
}

// handleUpdateAgent is the origin handshake CompleteMovement waits on.
func (b *Bus) handleUpdateAgent(r *region.Region, m *nats.Msg) {
	var msg interregion.UpdateAgentMsg
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		return
	}
	id, err := uuid.Parse(msg.AgentID)
	if err != nil {
		return
	}
	p, ok := r.GetPresence(id)
	if !ok {
		return
	}
	p.SetOriginRegion(region.RegionHandle(msg.OriginRegion))
	if msg.CallbackURI != "" {
		p.SetCallbackURI(msg.CallbackURI)
	}
}

// handleCross accepts an inbound hand-off: the payload lands on the local
// child copy (created on the spot when the neighbour never enabled one).
func (b *Bus) handleCross(r *region.Region, m *nats.Msg) {
	payload, err := region.DecodePayload(m.Data)
	if err != nil {
		b.log.Printf("natsbus: cross: %v", err)
		_ = m.Respond([]byte(interregion.ReplyRefused))
		return
	}
	id, err := uuid.Parse(payload.AgentID)
	if err != nil {
		_ = m.Respond([]byte(interregion.ReplyRefused))
		return
	}
	p, ok := r.GetPresence(id)
	if !ok {
		p = region.NewPresence(r, region.NopSink{}, region.Identity{ID: id})
		if err := r.AddPresence(p); err != nil {
			_ = m.Respond([]byte(interregion.ReplyRefused))
			return
		}
	}
	if err := p.CopyFrom(payload); err != nil {
		b.log.Printf("natsbus: cross payload: %v", err)
		_ = m.Respond([]byte(interregion.ReplyRefused))
		return
	}
	_ = m.Respond([]byte(interregion.ReplyOK))
}

func (b *Bus) handleChildPosition(r *region.Region, m *nats.Msg) {
	var msg interregion.ChildPositionMsg
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		return
	}
	id, err := uuid.Parse(msg.AgentID)
	if err != nil {
		return
	}
	p, ok := r.GetPresence(id)
	if !ok || !p.IsChild() {
		return
	}
	p.ApplyChildPosition(
		mathx.Vec3{X: msg.Position[0], Y: msg.Position[1], Z: msg.Position[2]},
		mathx.Vec3{X: msg.Velocity[0], Y: msg.Velocity[1], Z: msg.Velocity[2]},
		msg.DrawDistance,
	)
}

func (b *Bus) handleCloseChild(r *region.Region, m *nats.Msg) {
	var msg interregion.CloseChildMsg
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		_ = m.Respond([]byte(interregion.ReplyRefused))
		return
	}
	if msg.SessionToken != r.Config().SessionToken {
		_ = m.Respond([]byte(interregion.ReplyRefused))
		return
	}
	id, err := uuid.Parse(msg.AgentID)
	if err != nil {
		_ = m.Respond([]byte(interregion.ReplyRefused))
		return
	}
	p, ok := r.GetPresence(id)
	if !ok || !p.IsChild() {
		// Nothing to close; report success.
		_ = m.Respond([]byte(interregion.ReplyOK))
		return
	}
	if err := r.RemovePresence(id); err != nil {
		_ = m.Respond([]byte(interregion.ReplyRefused))
		return
	}
	_ = m.Respond([]byte(interregion.ReplyOK))
}
