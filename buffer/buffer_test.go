package buffer

import (
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/delivery"
	"bigtreetech.com/mms/host"
	"bigtreetech.com/mms/sensor"
	"bigtreetech.com/mms/slot"
)

// fakeCore has no slots: the monitor's feed path finds no active slot and
// skips, leaving the volume bookkeeping observable on its own.
type fakeCore struct{}

func (fakeCore) Slot(num int) (*slot.Slot, error) {
	return nil, fmt.Errorf("slot %d is not available", num)
}
func (fakeCore) Slots() []*slot.Slot      { return nil }
func (fakeCore) SlotNums() []int          { return nil }
func (fakeCore) LoadingSlots() []int      { return nil }
func (fakeCore) CurrentSlot() (int, bool) { return 0, false }
func (fakeCore) RetryTimes() int          { return 3 }
func (fakeCore) IsShutdown() bool         { return false }
func (fakeCore) IsPrinting() bool         { return false }
func (fakeCore) IsPaused() bool           { return false }
func (fakeCore) IsResuming() bool         { return false }
func (fakeCore) LogStatus()               {}

type rig struct {
	buf  *Buffer
	extr *host.SimExtruder

	full, runout *sensor.Sensor
}

func newRig(t *testing.T, mutate func(*config.Buffer)) *rig {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg.Buffer)
	}
	msg := log.NewMsgStream("buffer-test", log.LvlError, os.Stderr)
	core := fakeCore{}
	dlv := delivery.New(core, cfg.Delivery, host.NewSimToolhead(), msg)
	extr := host.NewSimExtruder()
	b := New(0, cfg.Buffer, core, dlv, extr, msg)
	r := &rig{
		buf:    b,
		extr:   extr,
		full:   sensor.New("outlet", "buffer:PA5"),
		runout: sensor.New("buffer_runout", "buffer:PA4"),
	}
	b.SetSensorFull(r.full)
	b.SetSensorRunout(r.runout)
	return r
}

func TestDerivedVolumes(t *testing.T) {
	r := newRig(t, nil)
	cfg := config.Default().Buffer
	cross := math.Pi * (cfg.FilamentDiameter / 2) * (cfg.FilamentDiameter / 2)
	if got, want := r.buf.MaxVolume(), cross*cfg.SpringStroke; math.Abs(got-want) > 1e-9 {
		t.Errorf("max volume: got %v, want %v", got, want)
	}
	if got, want := r.buf.TargetVolume(), r.buf.MaxVolume()*cfg.TargetPercentage/100; math.Abs(got-want) > 1e-9 {
		t.Errorf("target volume: got %v, want %v", got, want)
	}
	if r.buf.MinVolume() != 0 {
		t.Errorf("min volume: got %v, want 0", r.buf.MinVolume())
	}
}

func TestSensorClamps(t *testing.T) {
	r := newRig(t, nil)
	r.buf.SetReady()
	r.full.Trigger()
	if got := r.buf.Volume(); got != r.buf.MaxVolume() {
		t.Errorf("outlet trigger: volume %v, want max %v", got, r.buf.MaxVolume())
	}
	if got := r.buf.VolumePercentage(); got != 100 {
		t.Errorf("full percentage: got %v, want 100", got)
	}
	r.full.Release()
	r.runout.Trigger()
	if got := r.buf.Volume(); got != r.buf.MinVolume() {
		t.Errorf("runout trigger: volume %v, want min", got)
	}
}

func TestBeforeReadyRefusesSurface(t *testing.T) {
	r := newRig(t, nil)
	if r.buf.Fill(0, 0, 0) {
		t.Error("fill before ready must be a no-op")
	}
	if r.buf.Clear(0, 0, 0) {
		t.Error("clear before ready must be a no-op")
	}
	if r.buf.Halfway(0, 0, 0) {
		t.Error("halfway before ready must be a no-op")
	}
	r.buf.ActivateMonitor()
	if r.buf.IsActivating() {
		t.Error("monitor must not activate before ready")
	}
}

func TestMonitorConsumptionAndOverlimit(t *testing.T) {
	r := newRig(t, func(cfg *config.Buffer) { cfg.MonitorPeriod = 0.02 })
	r.buf.SetReady()
	r.full.Trigger()
	r.full.Release()
	max := r.buf.MaxVolume()
	area := r.extr.FilamentArea()

	r.buf.ActivateMonitor()
	defer r.buf.DeactivateMonitor()
	if !r.buf.IsActivating() {
		t.Fatal("monitor did not activate")
	}

	// A jump past e_distance_moved_max is a host reposition: the sample
	// is dropped and the extruder position realigned.
	r.extr.Advance(150, 5)
	time.Sleep(100 * time.Millisecond)
	if got := r.buf.Volume(); got != max {
		t.Fatalf("overlimit sample changed the volume: got %v, want %v", got, max)
	}

	// Plausible consumption drains the model by distance times the
	// filament cross section.
	r.extr.Advance(5, 2)
	want := max - 5*area
	deadline := time.Now().Add(3 * time.Second)
	for math.Abs(r.buf.Volume()-want) > 0.1 {
		if time.Now().After(deadline) {
			t.Fatalf("volume after consumption: got %v, want %v", r.buf.Volume(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A large negative jump is discarded the same way.
	r.extr.Advance(-25, 5)
	time.Sleep(100 * time.Millisecond)
	if got := r.buf.Volume(); math.Abs(got-want) > 0.1 {
		t.Errorf("negative overlimit sample changed the volume: got %v, want %v", got, want)
	}
}

func TestMonitorSingleFlight(t *testing.T) {
	r := newRig(t, nil)
	r.buf.SetReady()
	r.buf.ActivateMonitor()
	defer r.buf.DeactivateMonitor()
	// A second activation warns and keeps the running monitor.
	r.buf.ActivateMonitor()
	if !r.buf.IsActivating() {
		t.Error("monitor should stay active")
	}
	r.buf.DeactivateMonitor()
	if r.buf.IsActivating() {
		t.Error("monitor should deactivate")
	}
	// Deactivating twice is harmless.
	r.buf.DeactivateMonitor()
}
