package region

import (
	"github.com/google/uuid"

	"regioncore.dev/internal/sim/mathx"
)

// NopSink is the client sink of a presence without a connected viewer:
// child copies stood up by a neighbour, and NPCs.
type NopSink struct{}

func (NopSink) SendAvatarDataImmediate(*Presence)                {}
func (NopSink) SendAppearance(uuid.UUID, []byte)                 {}
func (NopSink) SendAnimations(uuid.UUID, []string)               {}
func (NopSink) SendEntityUpdate(EntityUpdate)                    {}
func (NopSink) SendSitResponse(SitResponse)                      {}
func (NopSink) SendCoarseLocations(int, int, []CoarseLocation)   {}
func (NopSink) SendKillObject([]uint32)                          {}
func (NopSink) SendAlert(string, string)                         {}
func (NopSink) SendCameraConstraint(mathx.Vec4)                  {}
func (NopSink) SendLocalTeleport(mathx.Vec3, mathx.Vec3, uint32) {}
func (NopSink) SendTakeControls(uint32, bool, bool)              {}
func (NopSink) SendHealth(float64)                               {}
func (NopSink) ReprioritizeQueues()                              {}
