package slot

import (
	"sync"
	"time"

	"bigtreetech.com/mms/motion"
	"bigtreetech.com/mms/sensor"
	"bigtreetech.com/mms/stepper"
)

// Kind names the logical pin positions of a slot.
type Kind string

const (
	Selector     Kind = "selector"
	Inlet        Kind = "inlet"
	Gate         Kind = "gate"
	Outlet       Kind = "outlet"
	Entry        Kind = "entry"
	BufferRunout Kind = "buffer_runout"
)

// Kinds lists every pin position in status order.
var Kinds = []Kind{Selector, Inlet, Gate, Outlet, Entry, BufferRunout}

// breakDelay is the settle pause after a host-request break, letting the
// step count stabilize before the dispatch tears down.
const breakDelay = 100 * time.Millisecond

// Pin is the rendezvous between an edge-producing sensor and a stepper
// doing a homing move. While its wait flag is set, exactly one homing move
// on the bound stepper is in flight and any matching edge completes it.
type Pin struct {
	slot *Slot
	kind Kind

	mu      sync.Mutex
	sensor  *sensor.Sensor
	stepper *stepper.Stepper
	waiting bool
}

func (p *Pin) Kind() Kind { return p.kind }

// IsSet reports whether a sensor is attached. Optional shared pins stay
// unset when not configured.
func (p *Pin) IsSet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sensor != nil
}

func (p *Pin) Sensor() *sensor.Sensor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sensor
}

func (p *Pin) IsTriggered() bool {
	if s := p.Sensor(); s != nil {
		return s.IsTriggered()
	}
	return false
}

func (p *Pin) IsReleased() bool {
	if s := p.Sensor(); s != nil {
		return s.IsReleased()
	}
	return false
}

func (p *Pin) IsNewTriggered() bool {
	if s := p.Sensor(); s != nil {
		return s.IsNewTriggered()
	}
	return false
}

func (p *Pin) PinName() string {
	if s := p.Sensor(); s != nil {
		return s.Pin()
	}
	return ""
}

// attach wires the sensor and the stepper it arms, and registers the
// per-kind edge behavior.
func (p *Pin) attach(sen *sensor.Sensor, st *stepper.Stepper) {
	p.mu.Lock()
	p.sensor = sen
	p.stepper = st
	p.mu.Unlock()
	if st != nil {
		sen.BindMotor(st.Motor())
	}
	sen.OnTrigger(p.trigger)
	sen.OnRelease(p.release)
}

// WaitForEdge sets the wait flag; the returned func clears it. Edges
// arriving while the flag is set complete the outstanding homing move.
func (p *Pin) WaitForEdge() (done func()) {
	p.mu.Lock()
	p.waiting = true
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.waiting = false
		p.mu.Unlock()
	}
}

func (p *Pin) IsWaiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting
}

func (p *Pin) stopWaiting() {
	p.mu.Lock()
	p.waiting = false
	p.mu.Unlock()
}

// BreakHoming is the host-request break path: it fires the trigger-sync
// dispatch of the bound stepper so the motion queue drains, marks the
// steppers terminated, waits briefly for step-count settling, and reports
// whether a wait was actually in progress.
func (p *Pin) BreakHoming() bool {
	p.mu.Lock()
	if !p.waiting || p.sensor == nil {
		p.mu.Unlock()
		return false
	}
	st := p.stepper
	p.mu.Unlock()

	// Mark terminated before the halt so the returning homing move
	// reports the right status.
	p.slot.TerminateStepperMoving()
	p.stopWaiting()
	if st != nil {
		st.RequestHalt()
	}
	time.Sleep(breakDelay)
	return true
}

// EndstopPair is the (endstop handle, pin name) entry armed for a homing
// move on this pin.
func (p *Pin) EndstopPair() (motion.EndstopPair, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sensor == nil {
		return motion.EndstopPair{}, false
	}
	return motion.EndstopPair{Endstop: p.sensor, Name: p.sensor.Pin()}, true
}

// MonitorRelease registers a one-shot release handler while condition
// holds; the returned func removes it. The fracture monitor runs inside
// this scope.
func (p *Pin) MonitorRelease(condition func() bool, cb func()) (done func()) {
	p.mu.Lock()
	sen := p.sensor
	p.mu.Unlock()
	if sen == nil || !condition() {
		return func() {}
	}
	return sen.OnRelease(func(string) { cb() })
}

func (p *Pin) trigger(string) {
	if !p.slot.isReady() {
		return
	}
	switch p.kind {
	case Selector:
		if p.slot.selectorFocused() || p.IsWaiting() {
			p.slot.logPinState(p.kind, "triggered")
		}
		if p.IsWaiting() {
			p.slot.CompleteSelectorMoving()
			p.stopWaiting()
		}
		p.slot.initFocus()
	case Inlet:
		p.slot.logPinState(p.kind, "triggered")
		p.slot.LED().Notify()
		if p.IsWaiting() {
			p.slot.CompleteDriveMoving()
			p.stopWaiting()
		}
		p.slot.fireAutoload()
	case Gate:
		p.slot.logPinState(p.kind, "triggered")
		p.slot.LED().Notify()
		if p.IsWaiting() {
			p.slot.CompleteDriveMoving()
			p.stopWaiting()
		}
	default:
		p.slot.logPinState(p.kind, "triggered")
		if p.IsWaiting() {
			p.slot.CompleteDriveMoving()
			p.stopWaiting()
		}
	}
}

func (p *Pin) release(string) {
	if !p.slot.isReady() {
		return
	}
	switch p.kind {
	case Selector:
		if p.slot.selectorFocused() || p.IsWaiting() {
			p.slot.logPinState(p.kind, "released")
		}
	case Inlet, Gate:
		p.slot.logPinState(p.kind, "released")
		p.slot.LED().Notify()
		if p.IsWaiting() {
			p.slot.CompleteDriveMoving()
			p.stopWaiting()
		}
	case Entry:
		p.slot.logPinState(p.kind, "released")
		if p.IsWaiting() {
			// The entry release ends the wait without completing the
			// drive; charge judges the outcome from the pin states.
			p.stopWaiting()
		}
	default:
		p.slot.logPinState(p.kind, "released")
		if p.IsWaiting() {
			p.slot.CompleteDriveMoving()
			p.stopWaiting()
		}
	}
}
