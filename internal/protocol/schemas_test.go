package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"regioncore.dev/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	roundtrip := func(v any) any {
		t.Helper()
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return out
	}

	helloSchema := compile("hello.schema.json")
	agentUpdateSchema := compile("agent_update.schema.json")
	entityUpdateSchema := compile("entity_update.schema.json")
	teleportSchema := compile("teleport_request.schema.json")

	validate(helloSchema, roundtrip(protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		FirstName:       "Ada",
		LastName:        "Lovelace",
		TeleportFlags:   uint32(protocol.TeleportViaLogin),
	}))

	validate(agentUpdateSchema, roundtrip(protocol.AgentUpdateMsg{
		Type:            protocol.TypeAgentUpdate,
		ProtocolVersion: protocol.Version,
		ControlFlags:    uint32(protocol.ControlAtPos | protocol.ControlFly),
		BodyRotation:    [4]float64{0, 0, 0, 1},
		CameraUpAxis:    [3]float64{0, 0, 1},
		DrawDistance:    128,
	}))

	validate(entityUpdateSchema, roundtrip(protocol.EntityUpdateMsg{
		Type:            protocol.TypeEntityUpdate,
		ProtocolVersion: protocol.Version,
		LocalID:         7,
		Flags:           uint8(protocol.UpdateTerse),
		Position:        [3]float64{128, 128, 22},
		Rotation:        [4]float64{0, 0, 0, 1},
	}))

	validate(teleportSchema, roundtrip(protocol.TeleportRequestMsg{
		Type:            protocol.TypeTeleportRequest,
		ProtocolVersion: protocol.Version,
		Position:        [3]float64{50, 50, 22},
		Flags:           uint32(protocol.TeleportViaLocation),
	}))
}

func TestSchemas_RejectBadAgentUpdate(t *testing.T) {
	p := filepath.Join("..", "..", "schemas", "agent_update.schema.json")
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var v any
	_ = json.Unmarshal([]byte(`{"type":"AGENT_UPDATE","protocol_version":"1.0","control_flags":-1,"body_rotation":[0,0,0,1]}`), &v)
	if err := s.Validate(v); err == nil {
		t.Fatalf("expected negative control_flags rejected")
	}
}
