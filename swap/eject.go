package swap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-daq/tdaq/log"
	"golang.org/x/sync/errgroup"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/delivery"
	"bigtreetech.com/mms/host"
)

// Eject clears every loading slot out of the toolhead: park, heat, clean,
// cut, then unload the drive while the extruder backs the filament out.
type Eject struct {
	cfg      config.Eject
	msg      log.MsgStream
	core     delivery.Core
	delivery *delivery.Delivery
	toolhead host.Toolhead
	extruder host.Extruder
	cut      *Cut
	purge    *Purge

	deactivateBuffer func(slotNum int)

	mu      sync.Mutex
	running bool

	retractEnd atomic.Bool
}

func NewEject(cfg config.Eject, core delivery.Core, dlv *delivery.Delivery, toolhead host.Toolhead, extruder host.Extruder, cut *Cut, purge *Purge, msg log.MsgStream) *Eject {
	return &Eject{
		cfg:              cfg,
		msg:              msg,
		core:             core,
		delivery:         dlv,
		toolhead:         toolhead,
		extruder:         extruder,
		cut:              cut,
		purge:            purge,
		deactivateBuffer: func(int) {},
	}
}

func (e *Eject) SetBufferDeactivate(fn func(int)) {
	if fn != nil {
		e.deactivateBuffer = fn
	}
}

func (e *Eject) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Eject) pauseBuffer(slotNum int) error {
	e.deactivateBuffer(slotNum)
	if !e.delivery.WaitSelectorAndDrive(slotNum) {
		s, err := e.core.Slot(slotNum)
		if err != nil {
			return err
		}
		return ejectFailed(s, "slot[%d] wait selector or drive stepper idle timeout", slotNum)
	}
	return nil
}

// extruderRetract backs filament out in bounded cycles until the drive
// unload signals completion.
func (e *Eject) extruderRetract(slotNum int) {
	for i := 0; i < e.cfg.RetractTimes; i++ {
		if e.retractEnd.Load() {
			e.msg.Debugf("slot[%d] extruder retract finish at round:%d", slotNum, i)
			e.retractEnd.Store(false)
			return
		}
		e.extruder.Retract(e.cfg.RetractDistance, e.cfg.RetractSpeed)
	}
	e.msg.Warnf("slot[%d] extruder retract end without signal...", slotNum)
}

// waitUnload runs the slow drive unload concurrently with the extruder
// retract cycles; the unload's completion stops the retracting.
func (e *Eject) waitUnload(slotNum int) bool {
	e.retractEnd.Store(false)
	var g errgroup.Group
	g.Go(func() error {
		ok := e.delivery.MMSMove(slotNum, -e.cfg.DistanceUnload, e.cfg.DriveSpeed, e.cfg.DriveAccel)
		if !ok {
			return fmt.Errorf("slot[%d] eject drive unload failed", slotNum)
		}
		e.retractEnd.Store(true)
		return nil
	})
	// Give a re-select the chance to settle first.
	e.delivery.WaitSelector(slotNum)
	e.extruderRetract(slotNum)
	if err := g.Wait(); err != nil {
		e.msg.Errorf("%v", err)
		return false
	}
	e.retractEnd.Store(false)
	return true
}

func (e *Eject) filamentStillInToolhead(slotNum int) bool {
	s, err := e.core.Slot(slotNum)
	if err != nil {
		return false
	}
	return s.EntryIsTriggered() || s.CheckPin("outlet", true)
}

func (e *Eject) prepareOnly(slotNum int) bool {
	e.msg.Infof("slot[%d] eject with entry is released", slotNum)
	return e.delivery.MMSPrepare(slotNum)
}

func (e *Eject) standardEject(checkEntry bool) error {
	loading := e.core.LoadingSlots()
	if len(loading) == 0 {
		e.msg.Infof("standard eject skip, no loading slots")
		e.core.LogStatus()
		return nil
	}
	e.msg.Infof("standard eject begin, loading slots: %v", loading)

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	for _, num := range loading {
		if err := e.pauseBuffer(num); err != nil {
			return err
		}
	}

	if checkEntry {
		if s, err := e.core.Slot(loading[0]); err == nil &&
			s.EntryIsSet() && !s.EntryIsTriggered() {
			// The filament never reached the toolhead; parking it at
			// the gate is all the eject that is needed.
			for _, num := range loading {
				e.prepareOnly(num)
			}
		}
	}

	loading = e.core.LoadingSlots()
	if len(loading) == 0 {
		e.msg.Infof("standard eject finish")
		return nil
	}
	e.msg.Infof("standard eject continue, loading slots: %v", loading)

	first, err := e.core.Slot(loading[0])
	if err != nil {
		return err
	}
	if !e.toolhead.IsHomed() {
		return ejectFailed(first, "toolhead is not homed")
	}

	if e.cut.Enabled() {
		e.cut.CutInit()
	}
	e.extruder.HeatToMinTemp()

	for _, num := range loading {
		e.purge.ApplyRetractionCompensation(num)
		e.purge.PressurePulseCleaning(num)
	}

	if e.cut.Enabled() && !e.cut.MMSCut() {
		return ejectFailed(first, "slot[%d] eject cut failed", loading[0])
	}

	for _, num := range loading {
		if !e.waitUnload(num) {
			s, _ := e.core.Slot(num)
			return ejectFailed(s, "slot[%d] eject async unload failed", num)
		}
	}

	for _, num := range loading {
		if e.filamentStillInToolhead(num) {
			s, _ := e.core.Slot(num)
			return ejectFailed(s, "slot[%d] eject exit toolhead failed", num)
		}
	}

	for _, num := range loading {
		if !e.delivery.MMSUnload(num) {
			s, _ := e.core.Slot(num)
			return ejectFailed(s, "slot[%d] eject unload to gate release failed", num)
		}
	}
	e.msg.Infof("standard eject finish")
	return nil
}

// MMSEject runs the eject phase over every loading slot. checkEntry
// allows the prepare-only fast path when the filament never entered the
// toolhead; the fracture recovery disables it.
func (e *Eject) MMSEject(checkEntry bool) bool {
	if e.IsRunning() {
		e.msg.Warnf("another eject is running, return")
		return false
	}
	if err := e.standardEject(checkEntry); err != nil {
		e.msg.Warnf("eject error: %v", err)
		return false
	}
	return true
}

// Eject implements the fault handler's eject hook.
func (e *Eject) Eject(checkEntry bool) bool { return e.MMSEject(checkEntry) }
