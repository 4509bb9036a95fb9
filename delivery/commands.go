package delivery

import (
	"errors"
	"fmt"

	"bigtreetech.com/mms/gcode"
	"bigtreetech.com/mms/slot"
)

// The mms_* command forms wrap the atomic operations with the silent
// terminate mapping: a cooperative cancel is absorbed at this boundary
// with a debug line only, every other failure logs an error. Both report
// false; only a completed operation returns true.

func (d *Delivery) commandBoundary(what string, slotNum int, fn func() error) bool {
	label := "*"
	if slotNum >= 0 {
		label = fmt.Sprint(slotNum)
	}
	d.msg.Debugf("slot[%s] %s begin", label, what)
	if err := fn(); err != nil {
		if errors.Is(err, ErrTerminated) {
			d.msg.Debugf("slot[%s] %s terminated", label, what)
		} else {
			d.msg.Errorf("slot[%s] %s error: %v", label, what, err)
		}
		return false
	}
	d.msg.Debugf("slot[%s] %s finish", label, what)
	return true
}

// MMSLoad unloads the other loading slots, then loads the slot to the
// entry pin when one is configured, the outlet otherwise.
func (d *Delivery) MMSLoad(slotNum int) bool {
	return d.commandBoundary("load", slotNum, func() error {
		if err := d.UnloadLoadingSlots(slotNum); err != nil {
			return err
		}
		s, err := d.core.Slot(slotNum)
		if err != nil {
			return err
		}
		if s.EntryIsSet() {
			return d.LoadToEntry(slotNum)
		}
		return d.LoadToOutlet(slotNum, 0, 0, 0)
	})
}

// MMSUnload unloads one slot to the gate, or every loading slot when
// slotNum is negative.
func (d *Delivery) MMSUnload(slotNum int) bool {
	return d.commandBoundary("unload", slotNum, func() error {
		if slotNum >= 0 {
			return d.UnloadToGate(slotNum)
		}
		return d.UnloadLoadingSlots(-1)
	})
}

// MMSPop unloads to inlet release, one slot or all.
func (d *Delivery) MMSPop(slotNum int) bool {
	return d.commandBoundary("pop", slotNum, func() error {
		if slotNum >= 0 {
			return d.PopSlot(slotNum)
		}
		return d.PopAllSlots()
	})
}

// MMSPrepare leaves exactly this slot parked at the gate: unload others,
// load to gate trigger, unload to gate release.
func (d *Delivery) MMSPrepare(slotNum int) bool {
	return d.commandBoundary("prepare", slotNum, func() error {
		if err := d.UnloadLoadingSlots(slotNum); err != nil {
			return err
		}
		if err := d.LoadToGate(slotNum); err != nil {
			return err
		}
		return d.UnloadToGate(slotNum)
	})
}

func (d *Delivery) MMSMove(slotNum int, distance, speed, accel float64) bool {
	if abs(distance) > d.cfg.StepperMoveDistance {
		d.msg.Warnf("slot[%d] can not move %vmm, check config 'stepper_move_distance'", slotNum, distance)
		return false
	}
	return d.commandBoundary("move", slotNum, func() error {
		if distance > 0 {
			return d.MoveForward(slotNum, distance, speed, accel)
		}
		return d.MoveBackward(slotNum, distance, speed, accel)
	})
}

func (d *Delivery) MMSDripMove(slotNum int, distance, speed, accel float64) bool {
	if abs(distance) > d.cfg.StepperMoveDistance {
		d.msg.Warnf("slot[%d] can not drip move %vmm, check config 'stepper_move_distance'", slotNum, distance)
		return false
	}
	return d.commandBoundary("drip move", slotNum, func() error {
		if distance > 0 {
			return d.DripMoveForward(slotNum, distance, speed, accel)
		}
		return d.DripMoveBackward(slotNum, distance, speed, accel)
	})
}

func (d *Delivery) MMSSelect(slotNum int) bool {
	return d.commandBoundary("select", slotNum, func() error {
		return d.SelectSlot(slotNum)
	})
}

func (d *Delivery) MMSUnselect(slotNum int) bool {
	return d.commandBoundary("unselect", slotNum, func() error {
		return d.SelectAnotherSlot(slotNum)
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// canWalk gates the diagnostics that drive every slot.
func (d *Delivery) canWalk() bool {
	conditions := []struct {
		cond func() bool
		name string
	}{
		{d.core.IsShutdown, "shutdown"},
		{d.core.IsPrinting, "printing"},
		{d.core.IsPaused, "paused"},
		{d.core.IsResuming, "resuming"},
	}
	for _, c := range conditions {
		if c.cond() {
			d.msg.Warnf("can not walk when printer is %s", c.name)
			return false
		}
	}
	return true
}

func (d *Delivery) verifyPins(s *slot.Slot, loaded bool) error {
	if !s.Pin(slot.Inlet).IsTriggered() {
		return fmt.Errorf("inlet")
	}
	if s.Pin(slot.Gate).IsTriggered() != loaded {
		return fmt.Errorf("gate")
	}
	if s.Pin(slot.BufferRunout).IsTriggered() == loaded {
		return fmt.Errorf("buffer_runout: %s", s.Pin(slot.BufferRunout).PinName())
	}
	if s.Pin(slot.Outlet).IsTriggered() != loaded {
		return fmt.Errorf("outlet: %s", s.Pin(slot.Outlet).PinName())
	}
	if s.EntryIsSet() && s.EntryIsTriggered() != loaded {
		return fmt.Errorf("entry")
	}
	return nil
}

// MMSSlotsCheck walks every slot: unload all, verify the released pin
// pattern, load to outlet, verify the triggered pattern.
func (d *Delivery) MMSSlotsCheck() bool {
	d.msg.Infof("slots check begin")
	var last *slot.Slot
	for _, num := range d.core.SlotNums() {
		if !d.canWalk() {
			return false
		}
		s, err := d.core.Slot(num)
		if err != nil {
			continue
		}
		last = s
		err = func() error {
			if err := d.UnloadLoadingSlots(-1); err != nil {
				return err
			}
			d.pause(1)
			d.msg.Infof("unload: %s", s.FormatPinsStatus())
			if err := d.verifyPins(s, false); err != nil {
				return err
			}
			if err := d.LoadToOutlet(num, 0, 0, 0); err != nil {
				return err
			}
			if s.EntryIsSet() && !s.EntryIsTriggered() {
				if err := d.LoadToEntry(num); err != nil {
					return err
				}
			}
			d.msg.Infof("load: %s", s.FormatPinsStatus())
			return d.verifyPins(s, true)
		}()
		switch {
		case errors.Is(err, ErrTerminated):
			d.msg.Infof("slots check terminated")
			return false
		case err == nil:
		default:
			var ready *ReadyError
			if errors.As(err, &ready) {
				continue
			}
			d.msg.Errorf("slots check error: %v", err)
			return false
		}
	}
	if d.canWalk() && last != nil {
		if err := d.UnloadLoadingSlots(-1); err != nil {
			if errors.Is(err, ErrTerminated) {
				d.msg.Infof("slots check terminated")
			} else {
				d.msg.Errorf("slots check error: %v", err)
			}
			return false
		}
		d.msg.Infof("finally unload: %s", last.FormatPinsStatus())
		if err := d.verifyPins(last, false); err != nil {
			var ready *ReadyError
			if !errors.As(err, &ready) {
				d.msg.Errorf("slots check error: %v", err)
				return false
			}
		}
	}
	d.msg.Infof("slots check finish")
	return true
}

// MMSSlotsLoop repeats the slots check the configured number of times.
func (d *Delivery) MMSSlotsLoop() bool {
	d.msg.Infof("slots loop begin")
	total := d.cfg.SlotsLoopTimes
	for i := 0; i < total; i++ {
		d.msg.Infof("############### loop: %d/%d ###############", i+1, total)
		if !d.MMSSlotsCheck() || !d.canWalk() {
			break
		}
	}
	d.msg.Infof("slots loop finish")
	return true
}

// MMSStop stops one slot (or all with a negative slotNum): break the
// waiting pin's homing, deactivate the set's buffer monitor and terminate
// any drip move on the drive or the selector.
func (d *Delivery) MMSStop(slotNum int) bool {
	stop := func(s *slot.Slot) {
		if p := s.WaitingPin(); p != nil {
			s.StopHoming()
		}
		d.deactivateBuffer(s.Num())
		if s.Drive().IsRunning() {
			s.Drive().TerminateDripMove()
		}
		if s.Selector().IsRunning() {
			s.Selector().TerminateDripMove()
		}
	}
	return d.commandBoundary("stop", slotNum, func() error {
		if slotNum >= 0 {
			s, err := d.core.Slot(slotNum)
			if err != nil {
				return err
			}
			stop(s)
			return nil
		}
		for _, s := range d.core.Slots() {
			stop(s)
		}
		return nil
	})
}

// ---- Async single-flight ----

// Async runs fn on the single-flight delivery task. A second invocation
// while one runs is refused with a warning, never queued.
func (d *Delivery) Async(fn func()) {
	if !d.asyncBusy.CompareAndSwap(false, true) {
		d.msg.Warnf("another deliver async task is running, return...")
		return
	}
	go func() {
		defer d.asyncBusy.Store(false)
		fn()
	}()
}

func (d *Delivery) AsyncBusy() bool { return d.asyncBusy.Load() }

// ---- G-code registration ----

func (d *Delivery) slotArg(cmd *gcode.Command, canNone bool) (int, bool) {
	num := cmd.Int("SLOT", -1)
	if num < 0 {
		if canNone {
			return -1, true
		}
		d.msg.Errorf("'%s' requires SLOT", cmd.Name())
		return -1, false
	}
	if _, err := d.core.Slot(num); err != nil {
		d.msg.Errorf("slot '%d' is not available", num)
		return -1, false
	}
	return num, true
}

func (d *Delivery) cmdCanExec() bool {
	return !d.core.IsPrinting() && !d.core.IsShutdown()
}

// RegisterCommands installs the delivery command surface.
func (d *Delivery) RegisterCommands(reg gcode.Registry) {
	runOrAsync := func(cmd *gcode.Command, fn func()) {
		if cmd.Int("WAIT", 0) != 0 {
			fn()
			return
		}
		d.Async(fn)
	}
	reg.Register("MMS_LOAD", func(cmd *gcode.Command) error {
		if num, ok := d.slotArg(cmd, false); ok {
			runOrAsync(cmd, func() { d.MMSLoad(num) })
		}
		return nil
	})
	reg.Register("MMS_UNLOAD", func(cmd *gcode.Command) error {
		if num, ok := d.slotArg(cmd, true); ok {
			runOrAsync(cmd, func() { d.MMSUnload(num) })
		}
		return nil
	})
	reg.Register("MMS_POP", func(cmd *gcode.Command) error {
		if num, ok := d.slotArg(cmd, true); ok {
			runOrAsync(cmd, func() { d.MMSPop(num) })
		}
		return nil
	})
	reg.Register("MMS_PREPARE", func(cmd *gcode.Command) error {
		if num, ok := d.slotArg(cmd, false); ok {
			runOrAsync(cmd, func() { d.MMSPrepare(num) })
		}
		return nil
	})
	reg.Register("MMS_MOVE", func(cmd *gcode.Command) error {
		num, ok := d.slotArg(cmd, false)
		if !ok {
			return nil
		}
		distance := cmd.Float("DISTANCE", 0)
		speed := cmd.Float("SPEED", 0)
		accel := cmd.Float("ACCEL", 0)
		runOrAsync(cmd, func() { d.MMSMove(num, distance, speed, accel) })
		return nil
	})
	reg.Register("MMS_DRIP_MOVE", func(cmd *gcode.Command) error {
		num, ok := d.slotArg(cmd, false)
		if !ok {
			return nil
		}
		distance := cmd.Float("DISTANCE", 0)
		speed := cmd.Float("SPEED", 0)
		accel := cmd.Float("ACCEL", 0)
		runOrAsync(cmd, func() { d.MMSDripMove(num, distance, speed, accel) })
		return nil
	})
	reg.Register("MMS_SELECT", func(cmd *gcode.Command) error {
		if num, ok := d.slotArg(cmd, false); ok {
			runOrAsync(cmd, func() { d.MMSSelect(num) })
		}
		return nil
	})
	reg.Register("MMS_UNSELECT", func(cmd *gcode.Command) error {
		if num, ok := d.slotArg(cmd, false); ok {
			runOrAsync(cmd, func() { d.MMSUnselect(num) })
		}
		return nil
	})
	reg.Register("MMS_STOP", func(cmd *gcode.Command) error {
		if !d.cmdCanExec() {
			d.msg.Warnf("MMS_STOP can not execute now")
			return nil
		}
		if d.swapRunning() {
			d.msg.Warnf("MMS_STOP can not execute while swapping")
			return nil
		}
		if num, ok := d.slotArg(cmd, true); ok {
			d.MMSStop(num)
		}
		return nil
	})
	reg.Register("MMS_SLOTS_CHECK", func(cmd *gcode.Command) error {
		if !d.cmdCanExec() {
			d.msg.Warnf("MMS_SLOTS_CHECK can not execute now")
			return nil
		}
		runOrAsync(cmd, func() { d.MMSSlotsCheck() })
		return nil
	})
	reg.Register("MMS_SLOTS_LOOP", func(cmd *gcode.Command) error {
		if !d.cmdCanExec() {
			d.msg.Warnf("MMS_SLOTS_LOOP can not execute now")
			return nil
		}
		runOrAsync(cmd, func() { d.MMSSlotsLoop() })
		return nil
	})
}
