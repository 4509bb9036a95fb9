package slot

import (
	"os"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/led"
	"bigtreetech.com/mms/motion"
	"bigtreetech.com/mms/sensor"
	"bigtreetech.com/mms/stepper"
)

type rig struct {
	slot *Slot
	sim  *motion.Sim

	selPin, inlet, gate, outlet, runout *sensor.Sensor
}

func newRig(t *testing.T) *rig {
	t.Helper()
	sim := motion.NewSim(500)
	t.Cleanup(sim.Close)
	sim.AddMotor("selector", 0.01)
	sim.AddMotor("drive", 0.01)
	msg := log.NewMsgStream("slot-test", log.LvlError, os.Stderr)
	sel, err := stepper.New("selector", "Selector", sim, msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	drv, err := stepper.New("drive", "Drive", sim, msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default().Slots[0]
	s := New(cfg, sel, drv, led.New(0, nil), msg)
	r := &rig{
		slot:   s,
		sim:    sim,
		selPin: sensor.New("selector", "mms:PA0"),
		inlet:  sensor.New("inlet", "mms:PA1"),
		gate:   sensor.New("gate", "mms:PA2"),
		outlet: sensor.New("outlet", "buffer:PA5"),
		runout: sensor.New("buffer_runout", "buffer:PA4"),
	}
	s.AttachOwn(r.selPin, r.inlet, r.gate)
	s.AttachShared(Outlet, r.outlet)
	s.AttachShared(BufferRunout, r.runout)
	s.SetReady()
	return r
}

func TestPredicates(t *testing.T) {
	r := newRig(t)
	if !r.slot.IsEmpty() {
		t.Error("fresh slot should be empty")
	}
	r.inlet.Trigger()
	if !r.slot.IsReady() || r.slot.IsLoading() {
		t.Error("inlet only: ready but not loading")
	}
	r.gate.Trigger()
	if !r.slot.IsLoading() || r.slot.IsFullyLoaded() {
		t.Error("inlet+gate: loading but not fully loaded")
	}
	r.outlet.Trigger()
	if !r.slot.IsFullyLoaded() {
		t.Error("inlet+gate+outlet: fully loaded (entry unset)")
	}
	// Invariant chain: fully loaded => loading => ready.
	if !r.slot.IsLoading() || !r.slot.IsReady() {
		t.Error("predicate chain broken")
	}
}

func TestEdgeCompletesHoming(t *testing.T) {
	r := newRig(t)
	done := r.slot.WaitFor(Gate)
	defer done()

	status := make(chan stepper.MoveStatus, 1)
	go func() {
		st, _ := r.slot.Drive().ManualHome(1000, 100, 100, true, true,
			r.slot.EndstopPairs(Gate))
		status <- st
	}()
	for !r.slot.Drive().IsRunning() {
		time.Sleep(time.Millisecond)
	}
	r.gate.Trigger()
	select {
	case st := <-status:
		if st != stepper.Completed {
			t.Errorf("status: got %v, want completed", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("homing did not complete on gate edge")
	}
	if r.slot.Pin(Gate).IsWaiting() {
		t.Error("wait flag should clear on the completing edge")
	}
}

func TestBreakHoming(t *testing.T) {
	r := newRig(t)
	done := r.slot.WaitFor(Outlet)
	defer done()

	status := make(chan stepper.MoveStatus, 1)
	go func() {
		st, _ := r.slot.Drive().ManualHome(1000, 10, 10, true, true,
			r.slot.EndstopPairs(Outlet))
		status <- st
	}()
	for !r.slot.Drive().IsRunning() {
		time.Sleep(time.Millisecond)
	}
	begin := time.Now()
	if !r.slot.Pin(Outlet).BreakHoming() {
		t.Fatal("break should report an interrupted wait")
	}
	select {
	case st := <-status:
		if st != stepper.Terminated {
			t.Errorf("status: got %v, want terminated", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("homing did not stop on break")
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("break took %v", elapsed)
	}
	// Breaking again without a wait is a no-op.
	if r.slot.Pin(Outlet).BreakHoming() {
		t.Error("second break should find no wait")
	}
}

func TestEntryReleaseStopsWaitingWithoutComplete(t *testing.T) {
	r := newRig(t)
	entry := sensor.New("entry", "mms:PA6")
	r.slot.AttachShared(Entry, entry)
	entry.Trigger()

	done := r.slot.WaitFor(Entry)
	defer done()
	entry.Release()
	if r.slot.Pin(Entry).IsWaiting() {
		t.Error("entry release should clear the wait flag")
	}
	if r.slot.Drive().MoveIsCompleted() {
		t.Error("entry release must not complete the drive move")
	}
}

func TestSelectorFocusBootstrap(t *testing.T) {
	r := newRig(t)
	if _, ok := r.slot.Selector().FocusSlot(); ok {
		t.Fatal("no focus before any edge")
	}
	r.selPin.Trigger()
	if focus, ok := r.slot.Selector().FocusSlot(); !ok || focus != 0 {
		t.Errorf("focus after startup trigger: got %d/%v", focus, ok)
	}
}

func TestAutoloadHook(t *testing.T) {
	r := newRig(t)
	fired := make(chan int, 1)
	r.slot.OnAutoload(func(slot int) { fired <- slot })
	r.inlet.Trigger()
	select {
	case n := <-fired:
		if n != 0 {
			t.Errorf("autoload slot: got %d", n)
		}
	default:
		t.Fatal("inlet trigger should fire the autoload hook")
	}
	// A release edge does not autoload.
	r.inlet.Release()
	select {
	case <-fired:
		t.Fatal("release must not fire autoload")
	default:
	}
}

func TestNotReadyIgnoresEdges(t *testing.T) {
	sim := motion.NewSim(500)
	defer sim.Close()
	sim.AddMotor("selector", 0.01)
	sim.AddMotor("drive", 0.01)
	msg := log.NewMsgStream("slot-test", log.LvlError, os.Stderr)
	sel, _ := stepper.New("selector", "Selector", sim, msg, nil)
	drv, _ := stepper.New("drive", "Drive", sim, msg, nil)
	s := New(config.Default().Slots[1], sel, drv, led.New(1, nil), msg)
	inlet := sensor.New("inlet", "mms:PB1")
	s.AttachOwn(sensor.New("selector", "mms:PB0"), inlet, sensor.New("gate", "mms:PB2"))

	fired := false
	s.OnAutoload(func(int) { fired = true })
	inlet.Trigger()
	if fired {
		t.Error("edges before ready must be ignored")
	}
}
