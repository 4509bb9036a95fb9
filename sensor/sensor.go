// Package sensor implements the edge-detecting inputs of the MMS: digital
// buttons read through gpio and ADC-backed signals with software edge
// detection. A Sensor keeps trigger/release state, dispatches registered
// handlers in order on every new edge, and doubles as the endstop handle a
// homing move arms.
package sensor

import (
	"strings"
	"sync"

	"bigtreetech.com/mms/motion"
)

// State of a sensor.
type State int

const (
	Released State = iota
	Triggered
)

func (s State) String() string {
	if s == Triggered {
		return "triggered"
	}
	return "released"
}

// Callback receives the pin name of the sensor that produced the edge.
type Callback func(pin string)

type handler struct {
	cb      Callback
	removed bool
}

// Sensor is a single trigger/release input. Backends feed it through
// SetState; everything else observes it.
type Sensor struct {
	name string
	pin  string

	mu      sync.Mutex
	state   State
	prev    State
	hasPrev bool
	trigger []*handler
	release []*handler
	motor   motion.Motor
}

// New creates a sensor for a pin spec. A "!" prefix marks reversed
// polarity; the backend honors it, the sensor only records the clean name.
func New(name, pin string) *Sensor {
	return &Sensor{name: name, pin: strings.TrimPrefix(pin, "!")}
}

// Inverted reports whether the pin spec requests reversed polarity.
func Inverted(pin string) bool { return strings.HasPrefix(pin, "!") }

func (s *Sensor) MMSName() string { return s.name }
func (s *Sensor) Pin() string     { return s.pin }

// Name implements motion.Endstop.
func (s *Sensor) Name() string { return s.pin }

// IsTriggered implements motion.Endstop.
func (s *Sensor) IsTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Triggered
}

func (s *Sensor) IsReleased() bool { return !s.IsTriggered() }

func (s *Sensor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsNewTriggered reports a trigger edge at the latest state update.
func (s *Sensor) IsNewTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Triggered && s.changedLocked()
}

// IsNewReleased reports a release edge at the latest state update.
func (s *Sensor) IsNewReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Released && s.changedLocked()
}

func (s *Sensor) changedLocked() bool {
	return !s.hasPrev || s.prev != s.state
}

// OnTrigger registers a handler for trigger edges. Handlers run in
// registration order, exactly once per new edge, on the backend goroutine.
// The returned func unregisters it.
func (s *Sensor) OnTrigger(cb Callback) (remove func()) {
	return s.add(&s.trigger, cb)
}

// OnRelease registers a handler for release edges.
func (s *Sensor) OnRelease(cb Callback) (remove func()) {
	return s.add(&s.release, cb)
}

func (s *Sensor) add(list *[]*handler, cb Callback) func() {
	h := &handler{cb: cb}
	s.mu.Lock()
	*list = append(*list, h)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		h.removed = true
		kept := (*list)[:0]
		for _, e := range *list {
			if !e.removed {
				kept = append(kept, e)
			}
		}
		*list = kept
		s.mu.Unlock()
	}
}

// BindMotor attaches the stepper this sensor arms as an endstop, so the
// break path can reach the motor's trigger-sync dispatch.
func (s *Sensor) BindMotor(m motion.Motor) {
	s.mu.Lock()
	s.motor = m
	s.mu.Unlock()
}

// Motor returns the bound stepper motor, or nil.
func (s *Sensor) Motor() motion.Motor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motor
}

// SetState feeds a state observation from a backend. Handlers run only on
// a change of state, after the lock is dropped.
func (s *Sensor) SetState(triggered bool) {
	next := Released
	if triggered {
		next = Triggered
	}
	s.mu.Lock()
	s.prev = s.state
	s.hasPrev = true
	s.state = next
	changed := s.prev != s.state
	var run []*handler
	if changed {
		if triggered {
			run = append(run, s.trigger...)
		} else {
			run = append(run, s.release...)
		}
	}
	pin := s.pin
	s.mu.Unlock()
	for _, h := range run {
		if h.removed {
			continue
		}
		h.cb(pin)
	}
}

// Trigger and Release are SetState shorthands used by backends and tests.
func (s *Sensor) Trigger() { s.SetState(true) }
func (s *Sensor) Release() { s.SetState(false) }
