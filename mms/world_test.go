package mms

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/host"
	"bigtreetech.com/mms/led"
	"bigtreetech.com/mms/motion"
	"bigtreetech.com/mms/slot"
)

// world models the physical filament paths of one four-slot set against
// the motion simulator: drive motion advances the selected slot's
// filament, the selector sweeps across the slot detents, the extruder
// drags filament once it reaches the buffer, and the pins flip at fixed
// landmarks along the path.
//
// Path landmarks (mm of fed filament):
//
//	0    inlet (held by the operator-side spool)
//	20   gate
//	100  buffer runout (spring fully relaxed)
//	120  buffer outlet (spring fully compressed)
//	140  entry (toolhead, only when configured)
const (
	gatePos   = 20.0
	runoutPos = 100.0
	outletPos = 120.0
	entryPos  = 140.0

	// Selector detent pitch and capture zone. The zone is wide enough
	// that the refine calibration stays inside it.
	selectorPitch = 25.0
	selectorZone  = 3.0
	// Pulling this far past the inlet ejects the filament.
	ejectPos = -150.0
	// The spool keeps feeding a gripped filament; extrusion cannot pull
	// the spring below this as long as the filament is intact.
	extrudeFloor = runoutPos + 5
)

// configT keeps the test mutators terse.
type configT = config.Config

type world struct {
	t *testing.T

	core     *MMS
	sim      *motion.Sim
	printer  *host.SimPrinter
	toolhead *host.SimToolhead
	extruder *host.SimExtruder
	fan      *host.SimFan
	leds     *led.Recorder

	mu          sync.Mutex
	selectorPos float64
	inserted    [4]bool
	pos         [4]float64
}

func newWorld(t *testing.T, mutate func(*config.Config)) *world {
	return buildWorld(t, mutate, true)
}

// newWorldNotReady builds a core whose ready event never fired.
func newWorldNotReady(t *testing.T) *world {
	return buildWorld(t, nil, false)
}

func buildWorld(t *testing.T, mutate func(*config.Config), ready bool) *world {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}

	sim := motion.NewSim(500)
	t.Cleanup(sim.Close)
	sim.AddMotor(cfg.Sets[0].SelectorName, 0.01)
	sim.AddMotor(cfg.Sets[0].DriveName, 0.01)

	w := &world{
		t:        t,
		sim:      sim,
		printer:  host.NewSimPrinter(),
		toolhead: host.NewSimToolhead(),
		extruder: host.NewSimExtruder(),
		fan:      host.NewSimFan(),
		leds:     led.NewRecorder(),
	}

	core, err := New(Options{
		Config:      cfg,
		Engine:      sim,
		Printer:     w.printer,
		Stats:       w.printer,
		PauseResume: w.printer,
		Toolhead:    w.toolhead,
		Extruder:    w.extruder,
		Fan:         w.fan,
		LEDSink:     w.leds,
		LogWriter:   os.Stderr,
		LogLevel:    log.LvlError,
	})
	if err != nil {
		t.Fatal(err)
	}
	w.core = core
	t.Cleanup(core.Close)

	sim.OnMotion(w.onMotion)
	w.extruder.OnMove(w.onExtrude)
	if ready {
		core.SetReady()
	}
	w.updateSensors()
	return w
}

func (w *world) onMotion(motor string, delta float64) {
	w.mu.Lock()
	switch motor {
	case w.core.cfg.Sets[0].SelectorName:
		w.selectorPos += delta
	case w.core.cfg.Sets[0].DriveName:
		// The gears also grip a fractured tail as long as some length
		// remains in the unit.
		if num, ok := w.selectedLocked(); ok && (w.inserted[num] || w.pos[num] > 0) {
			w.pos[num] += delta
			if w.inserted[num] && w.pos[num] < ejectPos {
				w.inserted[num] = false
			}
			if !w.inserted[num] && w.pos[num] < 0 {
				w.pos[num] = 0
			}
		}
	}
	w.mu.Unlock()
	w.updateSensors()
}

// onExtrude models the extruder dragging the gripped filament: intact
// filament keeps feeding from the spool down to the spring floor, a
// fractured tail pulls out without limit.
func (w *world) onExtrude(delta float64) {
	if delta <= 0 {
		return
	}
	w.mu.Lock()
	for num := range w.pos {
		if w.pos[num] < runoutPos {
			continue
		}
		w.pos[num] -= delta
		if w.inserted[num] && w.pos[num] < extrudeFloor {
			w.pos[num] = extrudeFloor
		}
	}
	w.mu.Unlock()
	w.updateSensors()
}

// selectedLocked maps the selector position to the engaged slot.
func (w *world) selectedLocked() (int, bool) {
	pitch := selectorPitch * 4
	p := w.selectorPos - pitch*float64(int(w.selectorPos/pitch))
	if p < 0 {
		p += pitch
	}
	for num := 0; num < 4; num++ {
		d := p - selectorPitch*float64(num)
		if d > pitch/2 {
			// Slot 0's detent also covers the end of the previous turn.
			d -= pitch
		}
		if d > -selectorZone && d < selectorZone {
			return num, true
		}
	}
	return 0, false
}

func (w *world) updateSensors() {
	w.mu.Lock()
	selected, hasSel := w.selectedLocked()
	inserted := w.inserted
	pos := w.pos
	w.mu.Unlock()

	anyAtLeast := func(limit float64) bool {
		for num := range pos {
			if inserted[num] || pos[num] > 0 {
				if pos[num] >= limit {
					return true
				}
			}
		}
		return false
	}

	for num, s := range w.core.Slots() {
		s.Pin(slot.Selector).Sensor().SetState(hasSel && selected == num)
		s.Pin(slot.Inlet).Sensor().SetState(inserted[num])
		s.Pin(slot.Gate).Sensor().SetState(pos[num] >= gatePos)
	}
	w.core.OutletSensor(0).SetState(anyAtLeast(outletPos))
	w.core.RunoutSensor(0).SetState(!anyAtLeast(runoutPos))
	if e := w.core.EntrySensor(0); e != nil {
		e.SetState(anyAtLeast(entryPos))
	}
}

// Insert pushes fresh filament into a slot until the inlet triggers.
func (w *world) Insert(num int) {
	w.mu.Lock()
	w.inserted[num] = true
	if w.pos[num] < 0 {
		w.pos[num] = 0
	}
	w.mu.Unlock()
	w.updateSensors()
}

// FeedTo forces a slot's filament to a position, modeling pre-existing
// state.
func (w *world) FeedTo(num int, pos float64) {
	w.mu.Lock()
	w.inserted[num] = true
	w.pos[num] = pos
	w.mu.Unlock()
	w.updateSensors()
}

// Fracture snaps the filament upstream: the inlet releases while the fed
// length stays.
func (w *world) Fracture(num int) {
	w.mu.Lock()
	w.inserted[num] = false
	w.mu.Unlock()
	w.updateSensors()
}

func (w *world) Pos(num int) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos[num]
}

func (w *world) slot(num int) *slot.Slot {
	s, err := w.core.Slot(num)
	if err != nil {
		w.t.Fatal(err)
	}
	return s
}

func (w *world) waitFor(cond func() bool, what string, timeout time.Duration) {
	w.t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			w.t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
