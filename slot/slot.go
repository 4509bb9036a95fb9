// Package slot bundles the six pins of one filament path with its shared
// selector and drive steppers, the LED and RFID proxies, and the composite
// state queries the delivery layer guards on.
package slot

import (
	"fmt"
	"sync"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/led"
	"bigtreetech.com/mms/motion"
	"bigtreetech.com/mms/rfid"
	"bigtreetech.com/mms/sensor"
	"bigtreetech.com/mms/stepper"
)

// Slot is one filament feed channel.
type Slot struct {
	num int
	msg log.MsgStream
	cfg config.Slot

	selector *stepper.Stepper
	drive    *stepper.Stepper

	pins map[Kind]*Pin

	slotLED  *led.SlotLED
	slotRFID *rfid.SlotRFID

	mu       sync.Mutex
	ready    bool
	autoload func(slot int)
}

// New builds a slot and its per-slot pins. Shared pins (outlet, entry,
// buffer runout) are attached later by the core through AttachShared.
func New(cfg config.Slot, sel, drv *stepper.Stepper, slotLED *led.SlotLED, msg log.MsgStream) *Slot {
	s := &Slot{
		num:      cfg.Num,
		msg:      msg,
		cfg:      cfg,
		selector: sel,
		drive:    drv,
		slotLED:  slotLED,
		pins:     make(map[Kind]*Pin),
	}
	for _, k := range Kinds {
		s.pins[k] = &Pin{slot: s, kind: k}
	}
	return s
}

// AttachOwn wires the slot's private sensors.
func (s *Slot) AttachOwn(selector, inlet, gate *sensor.Sensor) {
	s.pins[Selector].attach(selector, s.selector)
	s.pins[Inlet].attach(inlet, s.drive)
	s.pins[Gate].attach(gate, s.drive)
}

// AttachShared wires one of the set-shared sensors. A nil sensor leaves
// the pin unset (optional entry).
func (s *Slot) AttachShared(kind Kind, sen *sensor.Sensor) {
	if sen == nil {
		return
	}
	s.pins[kind].attach(sen, s.drive)
}

// SetRFID installs the slot's RFID proxy; nil disables it.
func (s *Slot) SetRFID(r *rfid.SlotRFID) { s.slotRFID = r }

// SetReady opens the pin edge handlers; before it, edges are ignored.
func (s *Slot) SetReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
}

func (s *Slot) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// OnAutoload installs the hook fired on an inlet new-trigger.
func (s *Slot) OnAutoload(fn func(slot int)) {
	s.mu.Lock()
	s.autoload = fn
	s.mu.Unlock()
}

func (s *Slot) fireAutoload() {
	if !s.cfg.AutoloadEnable {
		return
	}
	s.mu.Lock()
	fn := s.autoload
	s.mu.Unlock()
	if fn != nil {
		fn(s.num)
	}
}

func (s *Slot) Num() int                   { return s.num }
func (s *Slot) Selector() *stepper.Stepper { return s.selector }
func (s *Slot) Drive() *stepper.Stepper    { return s.drive }
func (s *Slot) LED() *led.SlotLED          { return s.slotLED }
func (s *Slot) RFID() *rfid.SlotRFID       { return s.slotRFID }
func (s *Slot) AutoloadEnabled() bool      { return s.cfg.AutoloadEnable }

// SubstituteWith returns the configured substitute slot.
func (s *Slot) SubstituteWith() (int, bool) {
	if s.cfg.SubstituteWith == nil {
		return 0, false
	}
	return *s.cfg.SubstituteWith, true
}

func (s *Slot) Pin(kind Kind) *Pin { return s.pins[kind] }

func (s *Slot) logPinState(kind Kind, state string) {
	s.msg.Debugf("slot[%d] '%s' is %s", s.num, kind, state)
}

func (s *Slot) selectorFocused() bool {
	focus, ok := s.selector.FocusSlot()
	return ok && focus == s.num
}

// initFocus records the focus slot when the selector pin triggers before
// the selector stepper ever ran, the startup bootstrap.
func (s *Slot) initFocus() {
	if s.selector.IsInit() {
		s.selector.UpdateFocusSlot(s.num)
		s.logPinState(Selector, "triggered")
	}
}

// ---- Composite predicates ----

// IsReady: inlet triggered.
func (s *Slot) IsReady() bool { return s.pins[Inlet].IsTriggered() }

// IsLoading: inlet and gate triggered.
func (s *Slot) IsLoading() bool {
	return s.pins[Inlet].IsTriggered() && s.pins[Gate].IsTriggered()
}

// IsFullyLoaded: inlet, gate, outlet and (when set) entry triggered.
func (s *Slot) IsFullyLoaded() bool {
	ok := s.pins[Inlet].IsTriggered() &&
		s.pins[Gate].IsTriggered() &&
		s.pins[Outlet].IsTriggered()
	if ok && s.pins[Entry].IsSet() {
		ok = s.pins[Entry].IsTriggered()
	}
	return ok
}

// IsEmpty: inlet, gate, outlet and (when set) entry all released.
func (s *Slot) IsEmpty() bool {
	ok := s.pins[Inlet].IsReleased() &&
		s.pins[Gate].IsReleased() &&
		s.pins[Outlet].IsReleased()
	if ok && s.pins[Entry].IsSet() {
		ok = s.pins[Entry].IsReleased()
	}
	return ok
}

// IsNewInsert: the inlet saw a fresh trigger edge.
func (s *Slot) IsNewInsert() bool { return s.pins[Inlet].IsNewTriggered() }

func (s *Slot) SelectorIsTriggered() bool { return s.pins[Selector].IsTriggered() }
func (s *Slot) EntryIsSet() bool          { return s.pins[Entry].IsSet() }
func (s *Slot) EntryIsTriggered() bool {
	return s.pins[Entry].IsSet() && s.pins[Entry].IsTriggered()
}

// CheckPin evaluates the destination predicate of a deliver-to operation.
func (s *Slot) CheckPin(kind Kind, trigger bool) bool {
	p := s.pins[kind]
	if trigger {
		return p.IsTriggered()
	}
	return p.IsReleased()
}

// WaitFor returns the wait guard of the pin kind.
func (s *Slot) WaitFor(kind Kind) (done func()) {
	return s.pins[kind].WaitForEdge()
}

// EndstopPairs returns the endstop list armed for a homing move toward
// the pin kind.
func (s *Slot) EndstopPairs(kind Kind) []motion.EndstopPair {
	if pair, ok := s.pins[kind].EndstopPair(); ok {
		return []motion.EndstopPair{pair}
	}
	return nil
}

// WaitingPin finds the pin with an outstanding wait, or nil.
func (s *Slot) WaitingPin() *Pin {
	for _, k := range Kinds {
		if s.pins[k].IsWaiting() {
			return s.pins[k]
		}
	}
	return nil
}

// StopHoming breaks whichever pin is waiting.
func (s *Slot) StopHoming() {
	if p := s.WaitingPin(); p != nil && p.BreakHoming() {
		s.msg.Infof("slot[%d] '%s' homing stop", s.num, p.Kind())
		return
	}
	s.msg.Warnf("slot[%d] no homing is waiting", s.num)
}

// ---- Stepper completion/termination relays ----

func (s *Slot) CompleteSelectorMoving() {
	if s.selector.IsRunning() {
		s.selector.CompleteManualHome()
	}
}

func (s *Slot) CompleteDriveMoving() {
	if s.drive.IsRunning() {
		s.drive.CompleteManualHome()
	}
}

func (s *Slot) TerminateStepperMoving() {
	if s.selector.IsRunning() {
		s.selector.TerminateManualHome()
	}
	if s.drive.IsRunning() {
		s.drive.TerminateManualHome()
	}
}

// HandleError is invoked when a typed delivery error names this slot: the
// LED starts blinking until the next stepper activity clears it.
func (s *Slot) HandleError(err error) {
	s.msg.Debugf("slot[%d] receive error: %v", s.num, err)
	s.slotLED.ActivateBlinking()
}

// ---- Status ----

// FormatPinsStatus renders the one-line pin summary used by MMS_STATUS.
func (s *Slot) FormatPinsStatus() string {
	b := func(p *Pin) int {
		if p.IsTriggered() {
			return 1
		}
		return 0
	}
	out := fmt.Sprintf("slot[%d] selector=%d inlet=%d gate=%d runout=%d outlet=%d",
		s.num, b(s.pins[Selector]), b(s.pins[Inlet]), b(s.pins[Gate]),
		b(s.pins[BufferRunout]), b(s.pins[Outlet]))
	if s.pins[Entry].IsSet() {
		out += fmt.Sprintf(" entry=%d", b(s.pins[Entry]))
	}
	return out + "\n"
}

// PinsState maps pin kinds to 0/1 (nil for unset pins).
func (s *Slot) PinsState() map[string]any {
	out := make(map[string]any, len(Kinds))
	for _, k := range Kinds {
		p := s.pins[k]
		if !p.IsSet() {
			out[string(k)] = nil
			continue
		}
		if p.IsTriggered() {
			out[string(k)] = 1
		} else {
			out[string(k)] = 0
		}
	}
	return out
}
