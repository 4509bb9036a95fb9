package motion

import (
	"math"
	"testing"
	"time"
)

func TestTrapezoid(t *testing.T) {
	p := Trapezoid(100, 10, 10)
	if p.CruiseV != 10 {
		t.Errorf("cruise velocity: got %v", p.CruiseV)
	}
	// accel distance = v^2/2a = 5mm each side, 90mm cruise.
	wantDur := 1.0 + 9.0 + 1.0
	if math.Abs(p.Duration()-wantDur) > 1e-9 {
		t.Errorf("duration: got %v, want %v", p.Duration(), wantDur)
	}
}

func TestTrapezoidTriangle(t *testing.T) {
	// Too short to reach cruise speed: 2mm at 100mm/s, 100mm/s^2.
	p := Trapezoid(2, 100, 100)
	if p.CruiseT != 0 {
		t.Errorf("cruise time: got %v, want 0", p.CruiseT)
	}
	wantPeak := math.Sqrt(2 * 100 * 1)
	if math.Abs(p.CruiseV-wantPeak) > 1e-9 {
		t.Errorf("peak velocity: got %v, want %v", p.CruiseV, wantPeak)
	}
}

func TestTrapezoidZero(t *testing.T) {
	if d := Trapezoid(0, 10, 10).Duration(); d != 0 {
		t.Errorf("zero distance duration: got %v", d)
	}
}

func TestSimMove(t *testing.T) {
	sim := NewSim(200)
	defer sim.Close()
	sim.AddMotor("drive", 0.01)
	m, err := sim.Motor("drive")
	if err != nil {
		t.Fatal(err)
	}
	start := sim.PrintTime()
	end := m.AppendTrapezoid(start, Trapezoid(10, 100, 100))
	deadline := time.Now().Add(2 * time.Second)
	for sim.PrintTime() < end {
		if time.Now().After(deadline) {
			t.Fatal("print time stalled")
		}
		time.Sleep(time.Millisecond)
	}
	// Give the integrator a tick to drain the queue.
	time.Sleep(20 * time.Millisecond)
	if pos := m.CommandedPosition(); math.Abs(pos-10) > 0.1 {
		t.Errorf("position: got %v, want 10", pos)
	}
}

type fakeEndstop struct {
	name      string
	triggered func() bool
}

func (f *fakeEndstop) Name() string      { return f.name }
func (f *fakeEndstop) IsTriggered() bool { return f.triggered() }

func TestSimHomingStopsOnEndstop(t *testing.T) {
	sim := NewSim(200)
	defer sim.Close()
	sim.AddMotor("drive", 0.01)
	m, _ := sim.Motor("drive")
	pos := 0.0
	sim.OnMotion(func(motor string, delta float64) { pos += delta })
	es := &fakeEndstop{name: "gate", triggered: func() bool { return pos >= 30 }}
	name, err := m.HomingMove([]EndstopPair{{Endstop: es, Name: es.name}}, 1000, 100, true)
	if err != nil {
		t.Fatal(err)
	}
	if name != "gate" {
		t.Errorf("endstop: got %q, want gate", name)
	}
	if pos < 29.5 || pos > 32 {
		t.Errorf("stopped at %v, want ~30", pos)
	}
}

func TestSimHomingPreTriggered(t *testing.T) {
	sim := NewSim(200)
	defer sim.Close()
	sim.AddMotor("drive", 0.01)
	m, _ := sim.Motor("drive")
	es := &fakeEndstop{name: "gate", triggered: func() bool { return true }}
	name, err := m.HomingMove([]EndstopPair{{Endstop: es, Name: es.name}}, 1000, 100, true)
	if err != nil {
		t.Fatal(err)
	}
	if name != "gate" {
		t.Errorf("endstop: got %q", name)
	}
	if m.MCUPosition() != 0 {
		t.Errorf("moved %d steps, want 0", m.MCUPosition())
	}
}
