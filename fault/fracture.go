package fault

import (
	"sync"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/delivery"
	"bigtreetech.com/mms/gcode"
	"bigtreetech.com/mms/host"
	"bigtreetech.com/mms/slot"
)

const (
	// Retreat applied after a fracture before unloading to the gate, mm.
	fractureUnloadDistance = 100
	// Ceiling on the purge-out extrusion while clearing the toolhead, mm.
	fractureExtrudeMax = 3000

	fractureLogFlag = "==X=="
)

// Core is the slice of the MMS core the fracture handler consults.
type Core interface {
	delivery.Core
	FindSubstituteSlot(slotNum int) (int, bool)
}

// SwapControl is what the handler needs from the swap layer.
type SwapControl interface {
	FormatCommand(slotNum int) string
	UpdateMappingSlotNum(slotNum, newNum int)
	RunSwapCommand(cmd *gcode.Command) bool
}

// EjectControl runs the emergency eject.
type EjectControl interface {
	Eject(checkEntry bool) bool
}

// PurgeControl is the purge slice used while clearing the toolhead.
type PurgeControl interface {
	Enabled() bool
	MoveToTray()
	PurgeSpeed() float64
	PurgeDistance() float64
}

// BrushControl wipes the nozzle between purge rounds.
type BrushControl interface {
	Enabled() bool
	Brush() bool
}

// Fracture reacts to the inlet falling edge during forward motion: the
// filament snapped upstream. Two contexts arm it, forward homing moves
// and buffer feeding; the recovery differs per context.
type Fracture struct {
	msg      log.MsgStream
	core     Core
	delivery *delivery.Delivery
	extruder host.Extruder
	pause    *Pause
	resume   *Resume

	swap  SwapControl
	eject EjectControl
	purge PurgeControl
	brush BrushControl

	deactivateBuffer func(slotNum int)
	substituteOK     func() bool

	mu      sync.Mutex
	enabled bool
}

func NewFracture(core Core, dlv *delivery.Delivery, extruder host.Extruder, pause *Pause, resume *Resume, enabled bool, msg log.MsgStream) *Fracture {
	return &Fracture{
		msg:              msg,
		core:             core,
		delivery:         dlv,
		extruder:         extruder,
		pause:            pause,
		resume:           resume,
		enabled:          enabled,
		deactivateBuffer: func(int) {},
		substituteOK:     func() bool { return true },
	}
}

// Wire installs the collaborators built after the fracture handler.
func (f *Fracture) Wire(swap SwapControl, eject EjectControl, purge PurgeControl, brush BrushControl, deactivateBuffer func(int)) {
	f.swap = swap
	f.eject = eject
	f.purge = purge
	f.brush = brush
	if deactivateBuffer != nil {
		f.deactivateBuffer = deactivateBuffer
	}
}

// SetSubstituteEnabled gates the substitute promotion.
func (f *Fracture) SetSubstituteEnabled(fn func() bool) {
	if fn != nil {
		f.substituteOK = fn
	}
}

func (f *Fracture) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *Fracture) Activate() {
	f.mu.Lock()
	f.enabled = true
	f.mu.Unlock()
	f.msg.Debugf("filament fracture detection is enabled")
}

func (f *Fracture) Deactivate() {
	f.mu.Lock()
	f.enabled = false
	f.mu.Unlock()
	f.msg.Debugf("filament fracture detection is disabled")
}

// PauseMonitoring disables detection for the scope so recovery motion
// does not re-trigger the fault.
func (f *Fracture) PauseMonitoring() (done func()) {
	f.Deactivate()
	return f.Activate
}

func (f *Fracture) monitorInlet(slotNum int, handler func(int)) func() {
	s, err := f.core.Slot(slotNum)
	if err != nil {
		return func() {}
	}
	return s.Pin(slot.Inlet).MonitorRelease(f.IsEnabled, func() {
		// Stop motion from the edge itself, then recover off the
		// sensor goroutine.
		s.TerminateStepperMoving()
		go handler(slotNum)
	})
}

// MonitorWhileHoming arms the fault for a forward homing move.
func (f *Fracture) MonitorWhileHoming(slotNum int) (done func()) {
	return f.monitorInlet(slotNum, f.HandleWhileHoming)
}

// MonitorWhileFeeding arms the fault for a buffer feed move.
func (f *Fracture) MonitorWhileFeeding(slotNum int) (done func()) {
	return f.monitorInlet(slotNum, f.HandleWhileFeeding)
}

// HandleWhileHoming is the recovery for a fracture during forward homing:
// halt the slot, pause the print, clear the toolhead if needed, retreat
// and unload, then promote the substitute slot or leave the LED blinking.
func (f *Fracture) HandleWhileHoming(slotNum int) {
	f.msg.Warnf("slot[%d] filament fracture while homing %s", slotNum, fractureLogFlag)

	// Halt whatever the slot is doing. Termination signals raised inside
	// a swap trigger the pause there; outside one, pause explicitly.
	f.delivery.MMSStop(slotNum)
	if f.core.IsPrinting() {
		f.pause.MMSPause()
	}
	if !f.delivery.WaitToolhead() {
		f.msg.Errorf("slot[%d] wait toolhead idle timeout", slotNum)
		f.msg.Errorf("slot[%d] filament fracture while homing failed", slotNum)
		return
	}

	s, err := f.core.Slot(slotNum)
	if err != nil {
		return
	}
	entryTri := s.EntryIsTriggered()
	gateTri := s.Pin(slot.Gate).IsTriggered()

	canResume := true
	restore := f.PauseMonitoring()
	if entryTri || gateTri {
		if f.eject != nil {
			f.eject.Eject(false)
		}
	}
	// The ready check is skipped: a fractured slot has its inlet released
	// by definition.
	if err := f.delivery.MoveBackward(slotNum, fractureUnloadDistance, 0, 0); err != nil {
		f.msg.Errorf("slot[%d] filament fracture while homing error: %v", slotNum, err)
		canResume = false
	} else if err := f.delivery.UnloadToReleaseGate(slotNum, false); err != nil {
		f.msg.Errorf("slot[%d] filament fracture while homing error: %v", slotNum, err)
		canResume = false
	}
	restore()

	if canResume && f.resumeSlotSubstitute(slotNum) {
		f.msg.Debugf("slot[%d] filament fracture while homing done", slotNum)
		return
	}
	s.LED().ActivateBlinking()
	f.msg.Debugf("slot[%d] filament fracture while homing done", slotNum)
}

// HandleWhileFeeding is the recovery for a fracture noticed by the buffer
// feed: stop the monitor, pause and schedule this slot's swap command as
// the resume hook, purge the broken tail out of the toolhead, then try
// the substitute promotion.
func (f *Fracture) HandleWhileFeeding(slotNum int) {
	f.msg.Warnf("slot[%d] filament fracture while feeding %s", slotNum, fractureLogFlag)

	f.deactivateBuffer(slotNum)

	if f.core.IsPrinting() {
		if f.pause.MMSPause() && f.swap != nil {
			cmd := gcode.New(f.swap.FormatCommand(slotNum))
			f.resume.SetSwapResume(f.swap.RunSwapCommand, cmd)
		}
	}
	if !f.delivery.WaitToolhead() {
		f.msg.Errorf("slot[%d] wait toolhead idle timeout", slotNum)
		f.msg.Errorf("slot[%d] filament fracture while feeding failed", slotNum)
		return
	}

	s, err := f.core.Slot(slotNum)
	if err != nil {
		return
	}
	if f.purge == nil || !f.purge.Enabled() {
		s.LED().ActivateBlinking()
		f.msg.Debugf("slot[%d] filament fracture while feeding done", slotNum)
		return
	}

	if f.purgeUntilEntryRelease(slotNum) && f.resumeSlotSubstitute(slotNum) {
		f.msg.Debugf("slot[%d] filament fracture while feeding done", slotNum)
		return
	}
	s.LED().ActivateBlinking()
	f.msg.Debugf("slot[%d] filament fracture while feeding done", slotNum)
}

// purgeUntilEntryRelease extrudes the orphaned filament out over the
// purge tray until the entry pin releases, brushing between rounds,
// bounded by the maximum purge-out length.
func (f *Fracture) purgeUntilEntryRelease(slotNum int) bool {
	s, err := f.core.Slot(slotNum)
	if err != nil {
		return false
	}
	if !s.EntryIsTriggered() {
		return true
	}
	speed := f.purge.PurgeSpeed()
	distance := f.purge.PurgeDistance()
	extruded := 0.0

	// Make sure the broken slot is not the selected one.
	f.delivery.SelectAnotherSlot(slotNum)
	for s.EntryIsTriggered() {
		f.purge.MoveToTray()
		f.extruder.Extrude(distance, speed)
		if f.brush != nil && f.brush.Enabled() {
			f.brush.Brush()
		}
		extruded += distance
		if extruded >= fractureExtrudeMax {
			f.msg.Warnf("slot[%d] total extrude distance reach limit %vmm, break",
				slotNum, float64(fractureExtrudeMax))
			return false
		}
	}
	return true
}

func (f *Fracture) resumeSlotSubstitute(slotNum int) bool {
	if !f.substituteOK() {
		return false
	}
	sub, ok := f.core.FindSubstituteSlot(slotNum)
	if !ok {
		return false
	}
	if f.swap != nil {
		f.swap.UpdateMappingSlotNum(slotNum, sub)
	}
	f.resume.GcodeResume()
	return true
}
