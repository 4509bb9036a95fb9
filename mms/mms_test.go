package mms

import (
	"math"
	"os"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/gcode"
	"bigtreetech.com/mms/host"
	"bigtreetech.com/mms/led"
	"bigtreetech.com/mms/motion"
	"bigtreetech.com/mms/slot"
	"bigtreetech.com/mms/stepper"
)

func TestLoadUnloadRoundTrip(t *testing.T) {
	w := newWorld(t, nil)
	w.Insert(1)

	if err := w.core.Delivery.LoadToOutlet(1, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	s := w.slot(1)
	if !s.IsFullyLoaded() {
		t.Fatalf("after load to outlet: %s", s.FormatPinsStatus())
	}
	if err := w.core.Delivery.UnloadToGate(1); err != nil {
		t.Fatal(err)
	}
	if !s.Pin(slot.Inlet).IsTriggered() || !s.Pin(slot.Gate).IsReleased() {
		t.Fatalf("after unload to gate: %s", s.FormatPinsStatus())
	}
	// The safety retreat pulled the filament clear of the gate.
	if pos := w.Pos(1); pos > gatePos-40 {
		t.Errorf("filament at %.1f, want a ~50mm retreat behind the gate", pos)
	}
}

func TestLoadNotReady(t *testing.T) {
	w := newWorld(t, nil)
	err := w.core.Delivery.LoadToOutlet(2, 0, 0, 0)
	if err == nil {
		t.Fatal("loading an empty slot must fail the ready check")
	}
	if w.leds.ActiveEffect(2) != led.Blinking {
		t.Error("a ready error should blink the slot LED")
	}
}

func TestSelectIdempotent(t *testing.T) {
	w := newWorld(t, nil)
	if err := w.core.Delivery.SelectSlot(1); err != nil {
		t.Fatal(err)
	}
	before := w.core.SelectorFor(1).Motor().MCUPosition()
	if err := w.core.Delivery.SelectSlot(1); err != nil {
		t.Fatal(err)
	}
	if after := w.core.SelectorFor(1).Motor().MCUPosition(); after != before {
		t.Errorf("second select moved the selector: %d -> %d", before, after)
	}
	if focus, ok := w.core.SelectorFor(1).FocusSlot(); !ok || focus != 1 {
		t.Errorf("focus slot: got %d/%v, want 1", focus, ok)
	}
}

func TestCurrentSlotRules(t *testing.T) {
	w := newWorld(t, nil)
	// Startup: the selector pin of slot 0 bootstraps the focus.
	if num, ok := w.core.CurrentSlot(); !ok || num != 0 {
		t.Errorf("startup current slot: got %d/%v, want 0", num, ok)
	}
	w.Insert(2)
	if err := w.core.Delivery.SelectSlot(2); err != nil {
		t.Fatal(err)
	}
	if num, ok := w.core.CurrentSlot(); !ok || num != 2 {
		t.Errorf("current slot after select: got %d/%v, want 2", num, ok)
	}
}

func TestPrepare(t *testing.T) {
	w := newWorld(t, nil)
	w.Insert(0)
	w.FeedTo(3, 60) // another slot half loaded

	if !w.core.Delivery.MMSPrepare(0) {
		t.Fatal("prepare failed")
	}
	s0, s3 := w.slot(0), w.slot(3)
	if !s0.Pin(slot.Inlet).IsTriggered() || !s0.Pin(slot.Gate).IsReleased() {
		t.Errorf("prepared slot: %s", s0.FormatPinsStatus())
	}
	if s3.IsLoading() {
		t.Errorf("other slot should be unloaded: %s", s3.FormatPinsStatus())
	}
}

func TestPop(t *testing.T) {
	w := newWorld(t, nil)
	w.FeedTo(1, 30)
	if !w.core.Delivery.MMSPop(1) {
		t.Fatal("pop failed")
	}
	if w.slot(1).Pin(slot.Inlet).IsTriggered() {
		t.Error("pop should release the inlet")
	}
}

func TestStopDuringLoad(t *testing.T) {
	w := newWorld(t, nil)
	w.Insert(1)

	errc := make(chan error, 1)
	go func() { errc <- w.core.Delivery.LoadToOutlet(1, 0, 1, 1) }()
	w.waitFor(func() bool {
		return w.slot(1).Pin(slot.Outlet).IsWaiting()
	}, "outlet homing wait", 3*time.Second)

	begin := time.Now()
	if !w.core.Delivery.MMSStop(1) {
		t.Fatal("stop failed")
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("stopped load should surface the terminate signal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("load did not return after stop")
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("stop took %v", elapsed)
	}
	if got := w.core.DriveFor(1).MoveStatus(); got != stepper.Terminated {
		t.Errorf("drive status: got %v, want terminated", got)
	}
	// Cooperative cancel is not an error: no blinking LED.
	if w.leds.ActiveEffect(1) == led.Blinking {
		t.Error("terminate must not blink the LED")
	}
}

func TestBufferMeasureFillClearHalfway(t *testing.T) {
	w := newWorld(t, nil)
	w.Insert(0)
	buf := w.core.BufferFor(0)

	buf.MeasureStroke(0, false)
	if stroke := buf.SpringStroke(); math.Abs(stroke-20) > 1.5 {
		t.Errorf("measured stroke: got %.2f, want ~20", stroke)
	}
	if !buf.Fill(0, 0, 0) || !buf.IsFull() {
		t.Fatal("fill should compress the spring to the outlet")
	}
	if !buf.Clear(0, 0, 0) || !buf.IsEmpty() {
		t.Fatal("clear should relax the spring to the runout")
	}
	if !buf.Halfway(0, 0, 0) {
		t.Fatal("halfway failed")
	}
	want := (buf.MaxVolume() + buf.MinVolume()) / 2
	if got := buf.Volume(); math.Abs(got-want) > buf.MinDeliverVolume() {
		t.Errorf("halfway volume: got %.2f, want %.2f±%.2f", got, want, buf.MinDeliverVolume())
	}
}

func TestBufferMonitorFeedAndClamp(t *testing.T) {
	w := newWorld(t, nil)
	w.Insert(2)
	if err := w.core.Delivery.LoadToOutlet(2, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	buf := w.core.BufferFor(2)
	buf.ActivateMonitor()
	defer buf.DeactivateMonitor()

	// Consume filament; the sensor clamp and the feedback keep the model
	// inside the stroke volume.
	w.extruder.Advance(6, 2)
	w.waitFor(func() bool {
		v := buf.Volume()
		return v > 0 && v <= buf.MaxVolume()
	}, "volume inside the stroke", 5*time.Second)

	// An implausible extruder jump is discarded and realigned.
	settled := buf.Volume()
	w.extruder.Advance(150, 5)
	time.Sleep(600 * time.Millisecond)
	if got := buf.Volume(); got != settled && got != buf.MaxVolume() && got != buf.MinVolume() {
		t.Errorf("overlimit sample changed the volume: %.2f -> %.2f", settled, got)
	}
}

func TestBufferOverfeedGuard(t *testing.T) {
	w := newWorld(t, nil)
	w.FeedTo(2, 110)
	if err := w.core.Delivery.SelectSlot(2); err != nil {
		t.Fatal(err)
	}
	buf := w.core.BufferFor(2)
	buf.ActivateMonitor()
	defer buf.DeactivateMonitor()

	// Consumption drives a feed; the feed compresses the spring onto the
	// outlet. The next tick must clamp the volume and stop feeding.
	w.extruder.Advance(8, 2)
	w.waitFor(func() bool {
		return buf.Volume() == buf.MaxVolume()
	}, "outlet clamp", 5*time.Second)
	pos := w.Pos(2)
	time.Sleep(600 * time.Millisecond)
	if after := w.Pos(2); after > pos+1 {
		t.Errorf("feeding continued past the outlet: %.1f -> %.1f", pos, after)
	}
}

func TestBufferBeforeReadyWarns(t *testing.T) {
	// A core that never went ready refuses the buffer surface.
	w := newWorldNotReady(t)
	buf := w.core.BufferFor(0)
	if buf.Fill(0, 0, 0) {
		t.Error("fill before ready must be a no-op")
	}
	buf.ActivateMonitor()
	if buf.IsActivating() {
		t.Error("monitor must not activate before ready")
	}
}

func TestMMSPauseIdempotent(t *testing.T) {
	w := newWorld(t, nil)
	w.printer.StartPrint("part.gcode")
	if !w.core.Pause.MMSPause() {
		t.Fatal("first pause should latch")
	}
	if w.core.Pause.MMSPause() {
		t.Error("second pause while latched must be a no-op")
	}
	if pauses, _ := w.printer.Counts(); pauses != 1 {
		t.Errorf("host pause commands: got %d, want 1", pauses)
	}
}

func TestResumeWithoutLatchDelegates(t *testing.T) {
	w := newWorld(t, nil)
	w.printer.StartPrint("part.gcode")
	w.printer.SendPauseCommand() // user pause, not MMS
	w.printer.RequestResume()
	if _, resumes := w.printer.Counts(); resumes != 1 {
		t.Error("resume should delegate to the host when the MMS did not pause")
	}
}

// E1: cold start swap on an empty machine.
func TestSwapColdStart(t *testing.T) {
	w := newWorld(t, nil)
	w.Insert(2)

	if !w.core.Swap.RunSwapCommand(gcode.New("T2")) {
		t.Fatal("T2 failed")
	}
	s := w.slot(2)
	if !s.IsLoading() {
		t.Errorf("slot 2 should be loading: %s", s.FormatPinsStatus())
	}
	buf := w.core.BufferFor(2)
	if got, want := buf.Volume(), buf.TargetVolume(); math.Abs(got-want) > buf.MinDeliverVolume() {
		t.Errorf("buffer volume: got %.2f, want %.2f", got, want)
	}
	if !buf.IsActivating() {
		t.Error("target buffer monitor should be active after the swap")
	}
	buf.DeactivateMonitor()
}

// E2: swap between loaded slots takes the standard path.
func TestSwapBetweenLoadedSlots(t *testing.T) {
	w := newWorld(t, nil)
	w.FeedTo(1, 110)
	w.Insert(3)

	if !w.core.Swap.RunSwapCommand(gcode.New("T3")) {
		t.Fatal("T3 failed")
	}
	s1, s3 := w.slot(1), w.slot(3)
	if !s1.Pin(slot.Gate).IsReleased() || !s1.Pin(slot.Inlet).IsTriggered() {
		t.Errorf("slot 1 after eject: %s", s1.FormatPinsStatus())
	}
	if !s3.IsLoading() {
		t.Errorf("slot 3 after swap: %s", s3.FormatPinsStatus())
	}
	for k, v := range w.core.Swap.Mapping() {
		if k != v {
			t.Errorf("mapping changed: %v", w.core.Swap.Mapping())
			break
		}
	}
	w.core.BufferFor(3).DeactivateMonitor()
}

// A swap onto an unready slot pauses the print and schedules itself as
// the resume hook.
func TestSwapFailurePausesAndSchedulesResume(t *testing.T) {
	w := newWorld(t, nil)
	w.printer.StartPrint("part.gcode")

	if w.core.Swap.RunSwapCommand(gcode.New("T1")) {
		t.Fatal("swap to an empty slot should fail")
	}
	if !w.printer.IsPaused() {
		t.Fatal("failed swap during a print must pause it")
	}
	// Insert the missing filament and resume: the hook re-runs T1.
	w.Insert(1)
	w.printer.RequestResume()
	w.waitFor(func() bool { return w.slot(1).IsLoading() }, "slot 1 loading", 30*time.Second)
	if w.printer.IsPaused() {
		t.Error("print should be resumed after the hook succeeds")
	}
	w.core.BufferFor(1).DeactivateMonitor()
}

// E3: autoload fires on insertion while idle.
func TestAutoloadOnInsert(t *testing.T) {
	w := newWorld(t, func(cfg *configT) { cfg.Autoload.DelaySeconds = 0.05 })
	// Pre-existing load placed before the boot delay passes, so its own
	// inlet edge does not autoload.
	w.FeedTo(3, 60)
	time.Sleep(100 * time.Millisecond)

	w.Insert(0)
	w.waitFor(func() bool {
		s := w.slot(0)
		return s.Pin(slot.Inlet).IsTriggered() &&
			s.Pin(slot.Gate).IsReleased() &&
			w.Pos(0) < 0 &&
			!w.slot(3).IsLoading() &&
			!w.core.Autoload.IsInProgress()
	}, "autoload pipeline", 30*time.Second)
}

// E4: fracture during forward motion mid-print promotes the substitute.
func TestFractureWhileHoming(t *testing.T) {
	three := 3
	w := newWorld(t, func(cfg *configT) {
		cfg.Slots[2].SubstituteWith = &three
	})
	w.FeedTo(2, 60)
	w.Insert(3)
	w.printer.StartPrint("part.gcode")

	done := make(chan struct{})
	go func() {
		w.core.Delivery.MMSDripMove(2, 40, 5, 5)
		close(done)
	}()
	w.waitFor(func() bool { return w.core.DriveFor(2).IsRunning() }, "drip move", 3*time.Second)
	w.Fracture(2)
	<-done

	w.waitFor(func() bool {
		return w.core.Swap.Mapping()[2] == 3
	}, "substitute promotion", 30*time.Second)
	w.waitFor(func() bool { return !w.printer.IsPaused() }, "resume", 10*time.Second)

	// The next T2 of the print lands on the substitute.
	if !w.core.Swap.RunSwapCommand(gcode.New("T2")) {
		t.Fatal("mapped swap failed")
	}
	if !w.slot(3).IsLoading() {
		t.Errorf("substitute slot: %s", w.slot(3).FormatPinsStatus())
	}
	w.core.BufferFor(3).DeactivateMonitor()
}

// Fracture during buffer feeding schedules the swap command as the
// resume hook and promotes the substitute.
func TestFractureWhileFeeding(t *testing.T) {
	three := 3
	w := newWorld(t, func(cfg *configT) {
		cfg.Slots[2].SubstituteWith = &three
	})
	w.FeedTo(2, 110)
	w.Insert(3)
	if err := w.core.Delivery.SelectSlot(2); err != nil {
		t.Fatal(err)
	}
	w.printer.StartPrint("part.gcode")

	buf := w.core.BufferFor(2)
	buf.ActivateMonitor()

	// One feed cycle records the intact inlet, then the filament snaps
	// and the next deficit routes to the fault handler.
	w.extruder.Advance(6, 2)
	time.Sleep(500 * time.Millisecond)
	w.Fracture(2)
	w.extruder.Advance(12, 2)

	w.waitFor(func() bool {
		return w.core.Swap.Mapping()[2] == 3
	}, "substitute promotion", 60*time.Second)
	// The scheduled T2 re-runs as the resume hook and lands on slot 3.
	w.waitFor(func() bool {
		return !w.core.Swap.IsRunning() && w.slot(3).IsLoading() && !w.printer.IsPaused()
	}, "hooked swap on the substitute", 60*time.Second)
	w.core.BufferFor(3).DeactivateMonitor()
}

// MMS_SLOTS_CHECK walks every slot and verifies the pin patterns.
func TestSlotsCheck(t *testing.T) {
	if testing.Short() {
		t.Skip("slots check walks every slot")
	}
	w := newWorld(t, nil)
	for num := 0; num < 4; num++ {
		w.Insert(num)
	}
	if !w.core.Delivery.MMSSlotsCheck() {
		t.Fatal("slots check failed")
	}
	for num := 0; num < 4; num++ {
		if w.slot(num).IsLoading() {
			t.Errorf("slot %d left loading after the final unload", num)
		}
	}
}

func TestCommandSurface(t *testing.T) {
	w := newWorld(t, nil)
	d := gcode.NewDispatcher()
	w.core.RegisterCommands(d)
	required := []string{
		"MMS", "MMS_STATUS", "MMS_SAMPLE", "MMS_STATUS_STEPPER", "MMS_SAMPLE_STEPPER",
		"MMS_LOAD", "MMS_UNLOAD", "MMS_POP", "MMS_PREPARE", "MMS_MOVE", "MMS_DRIP_MOVE",
		"MMS_SELECT", "MMS_UNSELECT", "MMS_STOP", "MMS_SLOTS_CHECK", "MMS_SLOTS_LOOP",
		"MMS_BUFFER_ACTIVATE", "MMS_BUFFER_DEACTIVATE", "MMS_BUFFER_MEASURE",
		"MMS_BUFFER_FILL", "MMS_BUFFER_CLEAR", "MMS_BUFFER_HALFWAY",
		"MMS_PAUSE", "MMS_RESUME", "MMS_SWAP_MAPPING",
		"T0", "T1", "T2", "T3",
	}
	for _, name := range required {
		if !d.Lookup(name) {
			t.Errorf("command %s not registered", name)
		}
	}
}

func TestSwapMappingCommand(t *testing.T) {
	w := newWorld(t, nil)
	d := gcode.NewDispatcher()
	w.core.RegisterCommands(d)
	if err := d.Run("MMS_SWAP_MAPPING SWAP_NUM=1 SLOT=2 FILENAME=part.gcode"); err != nil {
		t.Fatal(err)
	}
	if got := w.core.Swap.Mapping()[1]; got != 2 {
		t.Errorf("mapping[1]: got %d, want 2", got)
	}
	// Print finish resets to identity.
	w.core.Swap.ResetMapping()
	if got := w.core.Swap.Mapping()[1]; got != 1 {
		t.Errorf("mapping after reset: got %d, want 1", got)
	}
}

func TestStatusSurface(t *testing.T) {
	w := newWorld(t, nil)
	w.Insert(1)
	status := w.core.Status()
	if status["version"] == "" {
		t.Error("status missing version")
	}
	slots, ok := status["slots"].(map[int]any)
	if !ok || len(slots) != 4 {
		t.Fatalf("status slots: %#v", status["slots"])
	}
	pins := slots[1].(map[string]any)
	if pins["inlet"] != 1 {
		t.Errorf("slot 1 inlet state: %v", pins["inlet"])
	}
	// Unset optional entry reports nil.
	if pins["entry"] != nil {
		t.Errorf("unset entry state: %v", pins["entry"])
	}
}

// twoSetConfig extends the default with a second selector/drive group
// serving slots 4-7, the shape of an extend unit.
func twoSetConfig() config.Config {
	cfg := config.Default()
	cfg.Sets = append(cfg.Sets, config.SwapSet{
		SelectorName: "selector_1",
		DriveName:    "drive_1",
		Outlet:       "buffer:PB5",
		BufferRunout: "buffer:PB4",
	})
	for i := 4; i < 8; i++ {
		cfg.Slots = append(cfg.Slots, config.Slot{Num: i, Brightness: 0.5})
	}
	return cfg
}

func TestMultiSetWiring(t *testing.T) {
	cfg := twoSetConfig()
	sim := motion.NewSim(500)
	t.Cleanup(sim.Close)
	for _, set := range cfg.Sets {
		sim.AddMotor(set.SelectorName, 0.01)
		sim.AddMotor(set.DriveName, 0.01)
	}
	printer := host.NewSimPrinter()
	core, err := New(Options{
		Config:      cfg,
		Engine:      sim,
		Printer:     printer,
		Stats:       printer,
		PauseResume: printer,
		Toolhead:    host.NewSimToolhead(),
		Extruder:    host.NewSimExtruder(),
		Fan:         host.NewSimFan(),
		LogWriter:   os.Stderr,
		LogLevel:    log.LvlError,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(core.Close)
	core.SetReady()

	if core.SetCount() != 2 {
		t.Fatalf("set count: got %d, want 2", core.SetCount())
	}
	if core.SelectorFor(5) == core.SelectorFor(1) || core.DriveFor(5) == core.DriveFor(1) {
		t.Error("slots of different sets must not share steppers")
	}
	if got := core.SelectorFor(6).Name(); got != "selector_1" {
		t.Errorf("slot 6 selector motor: got %s", got)
	}
	b0, b1 := core.BufferFor(1), core.BufferFor(6)
	if b0 == nil || b1 == nil || b0 == b1 {
		t.Fatal("each set needs its own buffer")
	}
	if b0.Index() != 0 || b1.Index() != 1 {
		t.Errorf("buffer indexes: got %d and %d", b0.Index(), b1.Index())
	}

	s5, err := core.Slot(5)
	if err != nil {
		t.Fatal(err)
	}
	if s5.Pin(slot.Outlet).Sensor() != core.OutletSensor(1) {
		t.Error("slot 5 outlet must be set 1's shared pin")
	}
	if s5.Pin(slot.Outlet).Sensor() == core.OutletSensor(0) {
		t.Error("shared pins of different sets must be distinct wires")
	}

	// The swap map and command surface cover the extended slots.
	if got := len(core.Swap.Mapping()); got != 8 {
		t.Errorf("mapping size: got %d, want 8", got)
	}
	d := gcode.NewDispatcher()
	core.RegisterCommands(d)
	for _, name := range []string{"T4", "T7"} {
		if !d.Lookup(name) {
			t.Errorf("command %s not registered", name)
		}
	}

	// Set 1's selector pin bootstraps the focus on its own stepper, and
	// an active focus wins the current-slot rules across sets.
	s5.Pin(slot.Selector).Sensor().Trigger()
	if focus, ok := core.SelectorFor(5).FocusSlot(); !ok || focus != 5 {
		t.Errorf("set 1 focus: got %d/%v, want 5", focus, ok)
	}
	if _, ok := core.SelectorFor(0).FocusSlot(); ok {
		t.Error("set 0 focus must not move with set 1's pins")
	}
	if num, ok := core.CurrentSlot(); !ok || num != 5 {
		t.Errorf("current slot: got %d/%v, want 5", num, ok)
	}
}

func TestSlotWithoutSetRefused(t *testing.T) {
	cfg := twoSetConfig()
	cfg.Sets = cfg.Sets[:1] // slots 4-7 left without hardware
	sim := motion.NewSim(500)
	t.Cleanup(sim.Close)
	sim.AddMotor(cfg.Sets[0].SelectorName, 0.01)
	sim.AddMotor(cfg.Sets[0].DriveName, 0.01)
	printer := host.NewSimPrinter()
	_, err := New(Options{
		Config:      cfg,
		Engine:      sim,
		Printer:     printer,
		Stats:       printer,
		PauseResume: printer,
		Toolhead:    host.NewSimToolhead(),
		Extruder:    host.NewSimExtruder(),
		Fan:         host.NewSimFan(),
		LogWriter:   os.Stderr,
		LogLevel:    log.LvlError,
	})
	if err == nil {
		t.Fatal("slots beyond the configured sets must fail construction")
	}
}
