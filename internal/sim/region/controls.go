package region

import (
	"sync"

	"github.com/google/uuid"

	"regioncore.dev/internal/protocol"
)

// scriptControlReg is one script's capture of the control stream.
type scriptControlReg struct {
	ObjectID   uuid.UUID
	ItemID     uuid.UUID
	IgnoreMask uint32
	EventMask  uint32
}

type scriptControls struct {
	mu           sync.Mutex
	regs         map[uuid.UUID]scriptControlReg
	lastCommands uint32
	mouseDown    bool
	mlMouseDown  bool
}

// ScriptIgnoreMask is the union of all active registrations' ignore masks;
// motion only sees control bits outside it.
func (p *Presence) ScriptIgnoreMask() uint32 {
	p.controls.mu.Lock()
	defer p.controls.mu.Unlock()
	return p.controls.ignoreMaskLocked()
}

func (c *scriptControls) ignoreMaskLocked() uint32 {
	var mask uint32
	for _, r := range c.regs {
		mask |= r.IgnoreMask
	}
	return mask
}

// RegisterControlEvents wires a script's take-controls request. The
// (accept, passOn) pair encodes four behaviours; (0,1) is an unregister.
func (p *Presence) RegisterControlEvents(itemID, objectID uuid.UUID, controls uint32, accept, passOn bool) {
	p.controls.mu.Lock()
	switch {
	case !accept && passOn:
		delete(p.controls.regs, itemID)
	case accept && passOn:
		p.controls.regs[itemID] = scriptControlReg{
			ObjectID: objectID, ItemID: itemID,
			EventMask: controls,
		}
	case accept && !passOn:
		p.controls.regs[itemID] = scriptControlReg{
			ObjectID: objectID, ItemID: itemID,
			IgnoreMask: controls, EventMask: controls,
		}
	default: // !accept && !passOn
		p.controls.regs[itemID] = scriptControlReg{
			ObjectID: objectID, ItemID: itemID,
			IgnoreMask: controls,
		}
	}
	p.controls.mu.Unlock()
	p.sink.SendTakeControls(controls, passOn, accept)
}

// UnregisterControlEvents drops one script registration.
func (p *Presence) UnregisterControlEvents(itemID uuid.UUID) {
	p.controls.mu.Lock()
	delete(p.controls.regs, itemID)
	p.controls.mu.Unlock()
}

// unregisterControlsForObject drops every registration owned by the object;
// used when standing up from a scripted seat.
func (p *Presence) unregisterControlsForObject(objectID uuid.UUID) {
	p.controls.mu.Lock()
	for id, r := range p.controls.regs {
		if r.ObjectID == objectID {
			delete(p.controls.regs, id)
		}
	}
	p.controls.mu.Unlock()
}

// ScriptControlCount is the number of active registrations.
func (p *Presence) ScriptControlCount() int {
	p.controls.mu.Lock()
	defer p.controls.mu.Unlock()
	return len(p.controls.regs)
}

// controlsTick edge-detects the captured control stream and emits control
// events to the script engine.
func (p *Presence) controlsTick() {
	raw := uint32(p.RawControlFlags())

	p.controls.mu.Lock()
	if raw&uint32(protocol.ControlLButtonDown) != 0 {
		p.controls.mouseDown = true
	}
	if raw&uint32(protocol.ControlLButtonUp) != 0 {
		p.controls.mouseDown = false
	}
	if raw&uint32(protocol.ControlMLButtonDown) != 0 {
		p.controls.mlMouseDown = true
	}
	if raw&uint32(protocol.ControlMLButtonUp) != 0 {
		p.controls.mlMouseDown = false
	}

	allflags := raw
	if p.controls.mouseDown {
		allflags |= uint32(protocol.ControlLButtonDown)
	}
	if p.controls.mlMouseDown {
		allflags |= uint32(protocol.ControlMLButtonDown)
	}

	last := p.controls.lastCommands
	if allflags == last && allflags == 0 {
		p.controls.mu.Unlock()
		return
	}
	type emit struct {
		item, obj     uuid.UUID
		held, changed uint32
	}
	var emits []emit
	for _, r := range p.controls.regs {
		if r.EventMask == 0 {
			continue
		}
		held := allflags & r.EventMask
		changed := (allflags ^ last) & r.EventMask
		if held != 0 || changed != 0 {
			emits = append(emits, emit{r.ItemID, r.ObjectID, held, changed})
		}
	}
	p.controls.lastCommands = allflags
	p.controls.mu.Unlock()

	if p.region.scripts == nil {
		return
	}
	for _, e := range emits {
		p.region.scripts.PostControlEvent(e.item, e.obj, e.held, e.changed)
	}
}
