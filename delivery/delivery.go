// Package delivery implements the atomic slot operations of the MMS:
// selecting a slot, loading and unloading against each pin, the retry and
// precondition policy around them, and the MMS_* command surface. All
// operations run synchronously on the caller's goroutine; the async
// command forms run in a single-flight task that refuses, never queues, a
// second invocation.
package delivery

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/host"
	"bigtreetech.com/mms/slot"
	"bigtreetech.com/mms/stepper"
)

// Core is the slice of the MMS core the delivery layer consults.
type Core interface {
	Slot(num int) (*slot.Slot, error)
	Slots() []*slot.Slot
	SlotNums() []int
	LoadingSlots() []int
	CurrentSlot() (int, bool)

	RetryTimes() int
	IsShutdown() bool
	IsPrinting() bool
	IsPaused() bool
	IsResuming() bool
	LogStatus()
}

// FractureMonitor arms the filament-fracture fault for the duration of a
// forward move. The returned func disarms it.
type FractureMonitor interface {
	MonitorWhileHoming(slotNum int) (done func())
}

type nopFracture struct{}

func (nopFracture) MonitorWhileHoming(int) func() { return func() {} }

// Delivery is the atomic-operation layer.
type Delivery struct {
	core Core
	cfg  config.Delivery
	msg  log.MsgStream

	toolhead host.Toolhead

	fracture FractureMonitor
	// deactivateBuffer pauses the volume monitor of a slot's set; wired
	// by the core to avoid a package cycle with the buffer.
	deactivateBuffer func(slotNum int)
	// swapRunning guards MMS_STOP against an active swap.
	swapRunning func() bool

	asyncBusy atomic.Bool
}

func New(core Core, cfg config.Delivery, toolhead host.Toolhead, msg log.MsgStream) *Delivery {
	return &Delivery{
		core:             core,
		cfg:              cfg,
		msg:              msg,
		toolhead:         toolhead,
		fracture:         nopFracture{},
		deactivateBuffer: func(int) {},
		swapRunning:      func() bool { return false },
	}
}

// SetFractureMonitor, SetBufferDeactivate and SetSwapRunning wire the
// collaborators that would otherwise form import cycles.
func (d *Delivery) SetFractureMonitor(f FractureMonitor) {
	if f != nil {
		d.fracture = f
	}
}

func (d *Delivery) SetBufferDeactivate(fn func(slotNum int)) {
	if fn != nil {
		d.deactivateBuffer = fn
	}
}

func (d *Delivery) SetSwapRunning(fn func() bool) {
	if fn != nil {
		d.swapRunning = fn
	}
}

func (d *Delivery) pause(seconds float64) {
	time.Sleep(time.Duration(seconds * float64(time.Second)))
}

func (d *Delivery) canDeliver() bool {
	if d.core.IsShutdown() {
		d.msg.Warnf("printer is shutdown")
		return false
	}
	return true
}

// ---- Waits ----

func (d *Delivery) waitStepper(slotNum int, st *stepper.Stepper, interval, timeout float64) bool {
	if interval == 0 {
		interval = d.cfg.WaitMMSStepperInterval
	}
	if timeout == 0 {
		timeout = d.cfg.WaitMMSStepperTimeout
	}
	begin := time.Now()
	logged := false
	for st.IsRunning() {
		if !logged {
			d.msg.Debugf("slot[%d] waiting for %s idle...", slotNum, st.Name())
			logged = true
		}
		d.pause(interval)
		if elapsed := time.Since(begin).Seconds(); elapsed > timeout {
			d.msg.Warnf("slot[%d] waiting for %s idle timed out after %.2f seconds",
				slotNum, st.Name(), elapsed)
			return false
		}
	}
	return true
}

// WaitSelector blocks until the slot's selector stepper goes idle.
func (d *Delivery) WaitSelector(slotNum int) bool {
	s, err := d.core.Slot(slotNum)
	if err != nil {
		return false
	}
	return d.waitStepper(slotNum, s.Selector(), 0, 0)
}

// WaitSelectorAndDrive blocks until both steppers of the slot's set are
// idle, bounded by the configured timeout.
func (d *Delivery) WaitSelectorAndDrive(slotNum int) bool {
	s, err := d.core.Slot(slotNum)
	if err != nil {
		return false
	}
	d.waitStepper(slotNum, s.Selector(), 0, 0)
	d.waitStepper(slotNum, s.Drive(), 0, 0)
	return !(s.Selector().IsRunning() || s.Drive().IsRunning())
}

// WaitToolhead blocks until the toolhead goes idle. Timeouts warn and
// return false, never raise.
func (d *Delivery) WaitToolhead() bool {
	begin := time.Now()
	for d.toolhead.IsBusy() {
		d.pause(d.cfg.WaitToolheadInterval)
		if elapsed := time.Since(begin).Seconds(); elapsed > d.cfg.WaitToolheadTimeout {
			d.msg.Warnf("waiting for toolhead idle timed out after %.2f seconds", elapsed)
			return false
		}
	}
	return true
}

// ---- Select ----

func (d *Delivery) ledEffectActivate(slots []int, reverse bool) {
	for _, num := range slots {
		if s, err := d.core.Slot(num); err == nil {
			s.LED().ActivateRainbow(reverse)
		}
	}
}

func (d *Delivery) ledEffectDeactivate(slots []int) {
	for _, num := range slots {
		if s, err := d.core.Slot(num); err == nil {
			s.LED().DeactivateRainbow()
		}
	}
}

func (d *Delivery) selectorRefineCalibration(sel *stepper.Stepper) {
	if !sel.CanCalibrate() {
		return
	}
	dist := d.cfg.RefineCalibrationDistance
	d.msg.Debugf("selector refine calibration: %v", dist)
	sel.ManualMove(dist, d.cfg.SpeedSelector, d.cfg.AccelSelector)
}

func (d *Delivery) selectorDeliverTo(s *slot.Slot, ledSlots []int) error {
	if !d.canDeliver() {
		d.ledEffectDeactivate(ledSlots)
		return preconditionError(s, "slot[%d] can not deliver", s.Num())
	}
	done := s.WaitFor(slot.Selector)
	defer done()
	_, err := s.Selector().ManualHome(
		d.cfg.StepperMoveDistance,
		d.cfg.SpeedSelector,
		d.cfg.AccelSelector,
		true, true,
		s.EndstopPairs(slot.Selector),
	)
	if err != nil && !errors.Is(err, stepper.ErrAlreadyRunning) {
		return err
	}
	return nil
}

// SelectSlot homes the selector onto the slot. Already-selected slots only
// bump the focus; a successful selection is followed by the refine
// calibration unless the endstop was pre-triggered.
func (d *Delivery) SelectSlot(slotNum int) error {
	s, err := d.core.Slot(slotNum)
	if err != nil {
		return err
	}
	sel := s.Selector()
	if s.SelectorIsTriggered() {
		sel.UpdateFocusSlot(slotNum)
		d.msg.Debugf("slot[%d] is already selected, skip...", slotNum)
		return nil
	}

	ledSlots := []int{slotNum}
	reverse := false
	if focus, ok := sel.FocusSlot(); ok {
		ledSlots = []int{focus, slotNum}
		reverse = focus > slotNum
	}
	d.ledEffectActivate(ledSlots, reverse)

	retries := d.core.RetryTimes()
	distanceMoved := 0.0
	completed := false
	for i := 0; i < retries; i++ {
		d.msg.Debugf("slot[%d] selector move until 'selector' trigger", slotNum)
		if err := d.selectorDeliverTo(s, ledSlots); err != nil {
			return err
		}
		distanceMoved += sel.DistanceMoved()

		if sel.MoveIsTerminated() {
			d.ledEffectDeactivate(ledSlots)
			d.msg.Debugf("slot[%d] select is terminated, total moved:%.3f", slotNum, distanceMoved)
			return ErrTerminated
		}
		if sel.MoveIsCompleted() {
			// Focus marks the slot only once the selector pin confirmed.
			sel.UpdateFocusSlot(slotNum)
			completed = true
			break
		}
		d.pause(d.cfg.RetryPeriod)
		d.msg.Infof("slot[%d] select failed, retry %d/%d ...", slotNum, i+1, retries)
	}

	if completed {
		d.selectorRefineCalibration(sel)
	}
	d.ledEffectDeactivate(ledSlots)
	if !completed {
		return failedError(s, "slot[%d] selector move failed after full movement", slotNum)
	}
	return nil
}

// SelectAnotherSlot selects any other slot of the same set, disengaging
// slotNum from its drive. Other sets' selectors are independent and never
// help here.
func (d *Delivery) SelectAnotherSlot(slotNum int) error {
	for _, num := range d.core.SlotNums() {
		if num != slotNum && config.SetIndex(num) == config.SetIndex(slotNum) {
			d.msg.Debugf("slot[%d] select another slot[%d]", slotNum, num)
			return d.SelectSlot(num)
		}
	}
	return nil
}

// ---- Distance moves ----

func (d *Delivery) deliverDistance(slotNum int, distance, speed, accel float64, drip bool) error {
	s, err := d.core.Slot(slotNum)
	if err != nil {
		return err
	}
	if !d.canDeliver() {
		return preconditionError(s, "slot[%d] can not deliver", slotNum)
	}
	if !d.WaitSelectorAndDrive(slotNum) {
		d.msg.Warnf("slot[%d] deliver wait selector or drive stepper idle timeout", slotNum)
	}
	if speed == 0 {
		speed = d.cfg.SpeedDrive
	}
	if accel == 0 {
		accel = d.cfg.AccelDrive
	}
	d.msg.Debugf("slot[%d] deliver: distance: %.2f mm speed: %.2f mm/s accel: %.2f mm/s^2",
		slotNum, distance, speed, accel)

	if err := d.SelectSlot(slotNum); err != nil {
		return err
	}
	drv := s.Drive()
	drv.UpdateFocusSlot(slotNum)
	if drip {
		// A forward drip move runs under the fracture monitor.
		if distance > 0 {
			done := d.fracture.MonitorWhileHoming(slotNum)
			defer done()
		}
		return drv.DripMove(distance, speed, accel)
	}
	return drv.ManualMove(distance, speed, accel)
}

// MoveForward and MoveBackward run a bounded drive move after selecting
// the slot. Always pair them with error handling at the command boundary.
func (d *Delivery) MoveForward(slotNum int, distance, speed, accel float64) error {
	return d.deliverDistance(slotNum, math.Abs(distance), speed, accel, false)
}

func (d *Delivery) MoveBackward(slotNum int, distance, speed, accel float64) error {
	return d.deliverDistance(slotNum, -math.Abs(distance), speed, accel, false)
}

func (d *Delivery) DripMoveForward(slotNum int, distance, speed, accel float64) error {
	return d.deliverDistance(slotNum, math.Abs(distance), speed, accel, true)
}

func (d *Delivery) DripMoveBackward(slotNum int, distance, speed, accel float64) error {
	return d.deliverDistance(slotNum, -math.Abs(distance), speed, accel, true)
}

// ---- Deliver-to ----

func (d *Delivery) driveDeliverTo(s *slot.Slot, kind slot.Kind, forward, trigger bool, distance, speed, accel float64) error {
	if !d.canDeliver() {
		return preconditionError(s, "slot[%d] can not deliver", s.Num())
	}
	if distance == 0 {
		distance = d.cfg.StepperMoveDistance
	}
	spd := d.cfg.SpeedDrive
	if speed != 0 {
		spd = math.Min(math.Max(speed, 0), d.cfg.SpeedDrive)
	}
	acc := d.cfg.AccelDrive
	if accel != 0 {
		acc = math.Min(math.Max(accel, 0), d.cfg.AccelDrive)
	}
	drv := s.Drive()
	drv.UpdateFocusSlot(s.Num())
	done := s.WaitFor(kind)
	defer done()
	if forward {
		// Forward motion arms the fracture fault on the inlet.
		mdone := d.fracture.MonitorWhileHoming(s.Num())
		defer mdone()
	}
	_, err := drv.ManualHome(distance, spd, acc, forward, trigger, s.EndstopPairs(kind))
	if err != nil && !errors.Is(err, stepper.ErrAlreadyRunning) {
		return err
	}
	return nil
}

// deliverTo retries the homing move toward a pin predicate. It reports
// whether a move was actually performed; a destination already satisfied
// returns (false, nil) without motion.
func (d *Delivery) deliverTo(slotNum int, kind slot.Kind, forward, trigger bool, distance, speed, accel float64) (bool, error) {
	s, err := d.core.Slot(slotNum)
	if err != nil {
		return false, err
	}
	direction, action := "forward", "release"
	if !forward {
		direction = "backward"
	}
	if trigger {
		action = "trigger"
	}
	drv := s.Drive()
	distanceMoved := 0.0

	retries := d.core.RetryTimes()
	for i := 0; i < retries; i++ {
		if !d.WaitSelectorAndDrive(slotNum) {
			d.msg.Warnf("slot[%d] deliver %s until '%s' %s wait stepper idle timeout",
				slotNum, direction, kind, action)
		}
		if err := d.SelectSlot(slotNum); err != nil {
			return false, err
		}
		if s.CheckPin(kind, trigger) {
			d.msg.Debugf("slot[%d] deliver until '%s' %s is already done, skip... total moved: %.2f mm",
				slotNum, kind, action, distanceMoved)
			d.core.LogStatus()
			return false, nil
		}

		d.msg.Debugf("slot[%d] deliver %s until '%s' %s", slotNum, direction, kind, action)
		if err := d.driveDeliverTo(s, kind, forward, trigger, distance, speed, accel); err != nil {
			return false, err
		}
		distanceMoved += drv.DistanceMoved()

		if drv.MoveIsTerminated() {
			d.msg.Debugf("slot[%d] deliver until '%s' %s is terminated, total moved: %.2f mm",
				slotNum, kind, action, distanceMoved)
			return false, ErrTerminated
		}
		if drv.MoveIsCompleted() {
			d.msg.Debugf("slot[%d] deliver until '%s' %s is completed, total moved: %.2f mm",
				slotNum, kind, action, distanceMoved)
			return true, nil
		}
		d.pause(d.cfg.RetryPeriod)
		d.msg.Infof("slot[%d] deliver until '%s' %s failed, retry %d/%d ...",
			slotNum, kind, action, i+1, retries)
	}
	return false, failedError(s, "slot[%d] deliver %s until '%s' %s failed after full movement",
		slotNum, direction, kind, action)
}

func (d *Delivery) checkSlotIsReady(slotNum int) error {
	s, err := d.core.Slot(slotNum)
	if err != nil {
		return err
	}
	if s.IsReady() {
		return nil
	}
	d.msg.Warnf("slot[%d] is not ready, please check Inlet", slotNum)
	return readyError(s, "slot[%d] is not ready, please check Inlet", slotNum)
}

// ---- Atomic load/unload operations ----

func (d *Delivery) LoadToGate(slotNum int) error {
	if err := d.checkSlotIsReady(slotNum); err != nil {
		return err
	}
	_, err := d.deliverTo(slotNum, slot.Gate, true, true, 0, 0, 0)
	return err
}

func (d *Delivery) LoadToOutlet(slotNum int, distance, speed, accel float64) error {
	if err := d.checkSlotIsReady(slotNum); err != nil {
		return err
	}
	_, err := d.deliverTo(slotNum, slot.Outlet, true, true, distance, speed, accel)
	return err
}

func (d *Delivery) LoadToEntry(slotNum int) error {
	if err := d.checkSlotIsReady(slotNum); err != nil {
		return err
	}
	_, err := d.deliverTo(slotNum, slot.Entry, true, true, 0, 0, 0)
	return err
}

func (d *Delivery) LoadUntilBufferRunoutRelease(slotNum int, distance, speed, accel float64) error {
	if err := d.checkSlotIsReady(slotNum); err != nil {
		return err
	}
	_, err := d.deliverTo(slotNum, slot.BufferRunout, true, false, distance, speed, accel)
	return err
}

func (d *Delivery) UnloadToOutlet(slotNum int) error {
	if err := d.checkSlotIsReady(slotNum); err != nil {
		return err
	}
	_, err := d.deliverTo(slotNum, slot.Outlet, false, false, 0, 0, 0)
	return err
}

func (d *Delivery) UnloadUntilBufferRunoutTrigger(slotNum int, distance, speed, accel float64) error {
	if err := d.checkSlotIsReady(slotNum); err != nil {
		return err
	}
	_, err := d.deliverTo(slotNum, slot.BufferRunout, false, true, distance, speed, accel)
	return err
}

// UnloadToGate unloads until the gate releases, then retreats the safety
// distance so the filament sits clear of the gate. The retreat only
// applies when the homing move actually ran.
func (d *Delivery) UnloadToGate(slotNum int) error {
	if err := d.checkSlotIsReady(slotNum); err != nil {
		return err
	}
	moved, err := d.deliverTo(slotNum, slot.Gate, false, false, 0, 0, 0)
	if err != nil {
		return err
	}
	if moved {
		return d.MoveBackward(slotNum, d.cfg.SafetyRetractDistance, 0, 0)
	}
	return nil
}

// UnloadToReleaseGate is the gate-release unload without the safety
// retreat, used by the fracture recovery.
func (d *Delivery) UnloadToReleaseGate(slotNum int, needCheck bool) error {
	if needCheck {
		if err := d.checkSlotIsReady(slotNum); err != nil {
			return err
		}
	}
	_, err := d.deliverTo(slotNum, slot.Gate, false, false, 0, 0, 0)
	return err
}

func (d *Delivery) UnloadToInlet(slotNum int) error {
	if err := d.checkSlotIsReady(slotNum); err != nil {
		return err
	}
	_, err := d.deliverTo(slotNum, slot.Inlet, false, false, 0, 0, 0)
	return err
}

// UnloadLoadingSlots unloads every loading slot to the gate, except skip
// (pass a negative skip to unload all).
func (d *Delivery) UnloadLoadingSlots(skip int) error {
	loading := d.core.LoadingSlots()
	if len(loading) == 0 {
		d.msg.Debugf("no loading slots, unload skip...")
		return nil
	}
	for _, num := range loading {
		if skip >= 0 && num == skip {
			d.msg.Debugf("slot[%d] is loading, unload skip...", num)
			continue
		}
		if err := d.UnloadToGate(num); err != nil {
			return err
		}
	}
	return nil
}

func (d *Delivery) PopSlot(slotNum int) error {
	if err := d.checkSlotIsReady(slotNum); err != nil {
		return err
	}
	return d.UnloadToInlet(slotNum)
}

func (d *Delivery) PopAllSlots() error {
	for _, num := range d.core.SlotNums() {
		s, err := d.core.Slot(num)
		if err != nil {
			continue
		}
		if s.IsReady() {
			if err := d.PopSlot(num); err != nil {
				return err
			}
		}
	}
	return nil
}
