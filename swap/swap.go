// Package swap implements the top-of-stack filament swap state machine
// driven by the slicer's T<n> commands, its per-print swap map, and the
// Eject, Charge, Purge, Brush and Cut phases it orchestrates.
package swap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/buffer"
	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/delivery"
	"bigtreetech.com/mms/fault"
	"bigtreetech.com/mms/gcode"
	"bigtreetech.com/mms/host"
)

// Swap owns the swap map and serializes swaps across the whole device.
type Swap struct {
	cfg      config.Swap
	msg      log.MsgStream
	core     delivery.Core
	delivery *delivery.Delivery
	toolhead host.Toolhead
	extruder host.Extruder
	stats    host.PrintStats

	pause  *fault.Pause
	resume *fault.Resume

	ejectPhase *Eject
	charge     *Charge
	purge      *Purge
	brush      *Brush
	cut        *Cut

	bufferFor func(slotNum int) *buffer.Buffer

	mu       sync.Mutex
	running  bool
	slotTo   int
	mapping  map[int]int
	filename string
	hasFile  bool
}

func New(cfg config.Swap, core delivery.Core, dlv *delivery.Delivery, toolhead host.Toolhead, extruder host.Extruder, stats host.PrintStats, pause *fault.Pause, resume *fault.Resume, eject *Eject, charge *Charge, purge *Purge, brush *Brush, cut *Cut, bufferFor func(int) *buffer.Buffer, msg log.MsgStream) *Swap {
	s := &Swap{
		cfg:        cfg,
		msg:        msg,
		core:       core,
		delivery:   dlv,
		toolhead:   toolhead,
		extruder:   extruder,
		stats:      stats,
		pause:      pause,
		resume:     resume,
		ejectPhase: eject,
		charge:     charge,
		purge:      purge,
		brush:      brush,
		cut:        cut,
		bufferFor:  bufferFor,
		slotTo:     -1,
	}
	s.initMapping()
	toolhead.SetMoveSpeed(cfg.ToolheadMoveSpeed)
	return s
}

func (s *Swap) IsEnabled() bool { return s.cfg.Enable }

func (s *Swap) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ---- Mapping ----

func (s *Swap) initMapping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapping = make(map[int]int)
	for _, num := range s.core.SlotNums() {
		s.mapping[num] = num
	}
	s.filename = ""
	s.hasFile = false
}

// ResetMapping restores the identity map; registered on print finish.
func (s *Swap) ResetMapping() {
	s.msg.Debugf("reset current mapping to default")
	s.initMapping()
}

// InitMappingFilename stamps the map with the active print; registered on
// print start.
func (s *Swap) InitMappingFilename() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasFile {
		s.filename = s.stats.Filename()
		s.hasFile = true
		s.msg.Debugf("initialize mapping filename to '%s'", s.filename)
	}
}

// MappingSlotNum resolves a swap index through the map. A map stamped for
// a different file is ignored.
func (s *Swap) MappingSlotNum(slotNum int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasFile && s.filename == s.stats.Filename() {
		if target, ok := s.mapping[slotNum]; ok {
			s.msg.Debugf("command slot[%d] target slot[%d] mapping: %v",
				slotNum, target, s.mapping)
			return target
		}
	}
	return slotNum
}

// UpdateMappingSlotNum promotes a substitute: the swap index and every
// entry still pointing at the faulted slot move to the new one.
func (s *Swap) UpdateMappingSlotNum(slotNum, newNum int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mapping[slotNum]; !ok {
		return
	}
	s.mapping[slotNum] = newNum
	for k, v := range s.mapping {
		if v == slotNum {
			s.mapping[k] = newNum
		}
	}
	s.msg.Debugf("slot[%d] update with slot[%d] in swap mapping: %v",
		slotNum, newNum, s.mapping)
}

// Mapping returns a copy of the swap map.
func (s *Swap) Mapping() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int, len(s.mapping))
	for k, v := range s.mapping {
		out[k] = v
	}
	return out
}

// FormatCommand renders the swap command of a slot, e.g. "T2".
func (s *Swap) FormatCommand(slotNum int) string {
	return fmt.Sprintf("%s%d", s.cfg.CommandString, slotNum)
}

func (s *Swap) parseSlot(command string) (int, bool) {
	rest := strings.TrimPrefix(command, strings.ToUpper(s.cfg.CommandString))
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ---- Swap execution ----

func (s *Swap) pauseBuffer(slotNum int) (*buffer.Buffer, error) {
	buf := s.bufferFor(slotNum)
	if buf != nil {
		buf.DeactivateMonitor()
	}
	if !s.delivery.WaitSelectorAndDrive(slotNum) {
		return nil, swapFailedf("slot[%d] selector or drive is still running after wait timeout", slotNum)
	}
	return buf, nil
}

func (s *Swap) safetyChecks(slotTo int) bool {
	if slotTo < 0 {
		s.msg.Warnf("target slot is None, return")
		return false
	}
	if s.IsRunning() {
		s.msg.Warnf("another swap is running, return")
		return false
	}
	if !s.toolhead.IsHomed() {
		s.msg.Warnf("toolhead is not homed, return")
		return false
	}
	if !s.extruder.IsHotEnough() {
		return false
	}
	target, err := s.core.Slot(slotTo)
	if err != nil || !target.IsReady() {
		s.msg.Warnf("slot[%d] inlet is not triggered, swap failed", slotTo)
		return false
	}
	return true
}

func (s *Swap) park() {
	if s.purge.Enabled() {
		s.purge.MoveToTray()
	} else {
		s.cut.CutInit()
	}
}

func (s *Swap) halfwayBuffer(slotNum int) error {
	buf := s.bufferFor(slotNum)
	if buf == nil || !buf.Halfway(slotNum, 0, 0) {
		return swapFailedf("slot[%d] halfway buffer failed", slotNum)
	}
	return nil
}

func (s *Swap) standardSwap(slotFrom, slotTo int) error {
	s.msg.Debugf("slot[%d] to slot[%d] standard swap begin", slotFrom, slotTo)
	s.park()
	if !s.ejectPhase.MMSEject(true) {
		return swapFailedf("slot[%d] eject failed", slotFrom)
	}
	if !s.charge.MMSCharge(slotTo) {
		return swapFailedf("slot[%d] charge failed", slotTo)
	}
	if !s.purge.MMSPurge() {
		return swapFailedf("slot[%d] purge failed", slotTo)
	}
	if err := s.halfwayBuffer(slotTo); err != nil {
		return err
	}
	if !s.brush.MMSBrush() {
		return swapFailedf("slot[%d] brush failed", slotTo)
	}
	s.msg.Debugf("slot[%d] to slot[%d] standard swap finish", slotFrom, slotTo)
	return nil
}

func (s *Swap) shortcutSwap(slotNum int) error {
	s.msg.Debugf("slot[%d] shortcut swap begin", slotNum)
	s.park()
	if !s.charge.MMSCharge(slotNum) {
		return swapFailedf("slot[%d] charge failed", slotNum)
	}
	if !s.purge.MMSPurge() {
		return swapFailedf("slot[%d] purge failed", slotNum)
	}
	if err := s.halfwayBuffer(slotNum); err != nil {
		return err
	}
	if !s.brush.MMSBrush() {
		return swapFailedf("slot[%d] brush failed", slotNum)
	}
	s.msg.Debugf("slot[%d] shortcut swap finish", slotNum)
	return nil
}

// MMSSwap executes a resolved swap to the target slot. cmd is the issuing
// command; a failure registers it as the scheduled resume.
func (s *Swap) MMSSwap(slotNum int, cmd *gcode.Command) bool {
	if !s.IsEnabled() {
		s.msg.Debugf("swap is disabled, skip...")
		return true
	}
	slotFrom, hasFrom := s.core.CurrentSlot()
	slotTo := s.MappingSlotNum(slotNum)
	loading := s.core.LoadingSlots()

	if !s.safetyChecks(slotTo) {
		s.handleSwapFailure(cmd, "safety checks failed")
		return false
	}

	s.msg.Debugf("slot[%v] to slot[%d] swap begin, loading slots: %v", slotFrom, slotTo, loading)
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	err := func() error {
		// Quiet both volume monitors before any motion.
		if hasFrom {
			if _, err := s.pauseBuffer(slotFrom); err != nil {
				return err
			}
		}
		bufTo, err := s.pauseBuffer(slotTo)
		if err != nil {
			return err
		}

		switch {
		case len(loading) == 0:
			// Nothing loaded anywhere.
			if err := s.shortcutSwap(slotTo); err != nil {
				return err
			}
		case len(loading) == 1 && loading[0] == slotTo:
			// The target is already the loaded one.
			if err := s.shortcutSwap(slotTo); err != nil {
				return err
			}
		default:
			if err := s.standardSwap(slotFrom, slotTo); err != nil {
				return err
			}
		}

		if bufTo != nil {
			bufTo.ActivateMonitor()
		}
		return nil
	}()
	if err != nil {
		if errors.Is(err, errSwapFailed) {
			s.msg.Warnf("swap failed: %v", err)
		} else {
			s.msg.Errorf("swap error: %v", err)
		}
		s.handleSwapFailure(cmd, err.Error())
		return false
	}
	s.msg.Debugf("slot[%v] to slot[%d] swap finish", slotFrom, slotTo)
	return true
}

// handleSwapFailure lowers Z, drops the pending toolhead snapshot,
// registers this same invocation as the resume hook and pauses an active
// print.
func (s *Swap) handleSwapFailure(cmd *gcode.Command, why string) {
	s.toolhead.LowerZ(s.cfg.ZRaise)
	s.toolhead.TruncateSnapshot()
	s.msg.Warnf("'%s' failed: %s, pause print...", cmd, why)
	s.resume.SetSwapResume(s.RunSwapCommand, cmd)
	if s.core.IsPrinting() || s.stats.IsBusyPrinting() {
		s.pause.MMSPause()
	}
}

// RunSwapCommand is the T<n> handler, also re-run as the resume hook.
func (s *Swap) RunSwapCommand(cmd *gcode.Command) bool {
	if s.core.IsShutdown() {
		s.msg.Warnf("'%s' can not execute now", cmd)
		return false
	}
	slotNum, ok := s.parseSlot(cmd.Name())
	if !ok {
		s.msg.Errorf("invalid command: %s", cmd)
		return false
	}
	if _, err := s.core.Slot(slotNum); err != nil {
		s.msg.Errorf("invalid command: %s", cmd)
		return false
	}

	restore := s.toolhead.Snapshot()
	defer restore()

	s.toolhead.RaiseZ(s.cfg.ZRaise)
	s.mu.Lock()
	s.slotTo = slotNum
	s.mu.Unlock()
	s.msg.Infof("'%s' begin", cmd)

	success := s.MMSSwap(slotNum, cmd)

	s.mu.Lock()
	s.slotTo = -1
	s.mu.Unlock()
	if success {
		s.toolhead.LowerZ(s.cfg.ZRaise)
		s.msg.Infof("'%s' finish", cmd)
	} else {
		s.msg.Infof("'%s' failed", cmd)
	}
	return success
}

// Status reports the swap state for the status surface.
func (s *Swap) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	slotTo := any(nil)
	if s.slotTo >= 0 {
		slotTo = s.slotTo
	}
	mapping := make(map[int]int, len(s.mapping))
	for k, v := range s.mapping {
		mapping[k] = v
	}
	return map[string]any{
		"slot_num_to": slotTo,
		"is_running":  s.running,
		"mapping":     mapping,
		"filename":    s.filename,
	}
}

// RegisterCommands installs the T<n> commands and MMS_SWAP_MAPPING.
func (s *Swap) RegisterCommands(reg gcode.Registry) {
	for _, num := range s.core.SlotNums() {
		reg.Register(s.FormatCommand(num), func(cmd *gcode.Command) error {
			s.RunSwapCommand(cmd)
			return nil
		})
	}
	reg.Register("MMS_SWAP_MAPPING", func(cmd *gcode.Command) error {
		swapNum := cmd.Int("SWAP_NUM", -1)
		slotNum := cmd.Int("SLOT", -1)
		if _, err := s.core.Slot(swapNum); err != nil {
			s.msg.Errorf("swap '%d' is not available", swapNum)
			return nil
		}
		if _, err := s.core.Slot(slotNum); err != nil {
			s.msg.Errorf("slot '%d' is not available", slotNum)
			return nil
		}
		s.mu.Lock()
		s.msg.Infof("origin swap mapping: %v", s.mapping)
		s.mapping[swapNum] = slotNum
		if name := cmd.Get("FILENAME", ""); name != "" {
			s.filename = name
			s.hasFile = true
		}
		s.msg.Infof("current swap mapping: %v", s.mapping)
		s.mu.Unlock()
		return nil
	})
}
