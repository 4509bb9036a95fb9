package swap

import (
	"fmt"
	"os"
	"testing"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/buffer"
	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/delivery"
	"bigtreetech.com/mms/fault"
	"bigtreetech.com/mms/gcode"
	"bigtreetech.com/mms/host"
	"bigtreetech.com/mms/slot"
)

// mapCore exposes four slot numbers without backing slots; the mapping
// surface never dereferences them.
type mapCore struct{}

func (mapCore) Slot(num int) (*slot.Slot, error) {
	if num < 0 || num >= 4 {
		return nil, fmt.Errorf("slot %d is not available", num)
	}
	return nil, nil
}
func (mapCore) Slots() []*slot.Slot      { return nil }
func (mapCore) SlotNums() []int          { return []int{0, 1, 2, 3} }
func (mapCore) LoadingSlots() []int      { return nil }
func (mapCore) CurrentSlot() (int, bool) { return 0, false }
func (mapCore) RetryTimes() int          { return 3 }
func (mapCore) IsShutdown() bool         { return false }
func (mapCore) IsPrinting() bool         { return false }
func (mapCore) IsPaused() bool           { return false }
func (mapCore) IsResuming() bool         { return false }
func (mapCore) LogStatus()               {}

func testSwap(t *testing.T, mutate func(*config.Swap)) (*Swap, *host.SimPrinter) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg.Swap)
	}
	msg := log.NewMsgStream("swap-test", log.LvlError, os.Stderr)
	printer := host.NewSimPrinter()
	toolhead := host.NewSimToolhead()
	extruder := host.NewSimExtruder()
	pause := fault.NewPause(printer, printer, toolhead, msg)
	resume := fault.NewResume(printer, toolhead, pause, msg)
	core := mapCore{}
	dlv := delivery.New(core, cfg.Delivery, toolhead, msg)
	s := New(cfg.Swap, core, dlv, toolhead, extruder, printer, pause, resume,
		nil, nil, nil, nil, nil,
		func(int) *buffer.Buffer { return nil }, msg)
	return s, printer
}

func TestMappingIdentityAtStart(t *testing.T) {
	s, _ := testSwap(t, nil)
	for k, v := range s.Mapping() {
		if k != v {
			t.Fatalf("mapping not identity: %v", s.Mapping())
		}
	}
	if len(s.Mapping()) != 4 {
		t.Errorf("mapping size: got %d, want 4", len(s.Mapping()))
	}
}

func TestUpdateMappingPromotesChain(t *testing.T) {
	s, printer := testSwap(t, nil)
	printer.StartPrint("part.gcode")
	s.InitMappingFilename()

	s.UpdateMappingSlotNum(0, 2)
	if got := s.MappingSlotNum(0); got != 2 {
		t.Fatalf("T0 after first promotion: got %d, want 2", got)
	}
	// Promoting slot 2 moves every entry still pointing at it.
	s.UpdateMappingSlotNum(2, 3)
	if got := s.MappingSlotNum(0); got != 3 {
		t.Errorf("T0 after chained promotion: got %d, want 3", got)
	}
	if got := s.MappingSlotNum(2); got != 3 {
		t.Errorf("T2 after chained promotion: got %d, want 3", got)
	}
	if got := s.MappingSlotNum(1); got != 1 {
		t.Errorf("T1 must be untouched: got %d", got)
	}
}

func TestMappingIgnoresOtherFile(t *testing.T) {
	s, printer := testSwap(t, nil)
	printer.StartPrint("a.gcode")
	s.InitMappingFilename()
	s.UpdateMappingSlotNum(1, 2)
	if got := s.MappingSlotNum(1); got != 2 {
		t.Fatalf("mapped slot: got %d, want 2", got)
	}
	// A map stamped for a different print resolves to identity.
	printer.StartPrint("b.gcode")
	if got := s.MappingSlotNum(1); got != 1 {
		t.Errorf("stale map must not apply: got %d, want 1", got)
	}
}

func TestResetMapping(t *testing.T) {
	s, printer := testSwap(t, nil)
	printer.StartPrint("part.gcode")
	s.InitMappingFilename()
	s.UpdateMappingSlotNum(0, 3)
	s.ResetMapping()
	for k, v := range s.Mapping() {
		if k != v {
			t.Fatalf("mapping after reset: %v", s.Mapping())
		}
	}
	// A fresh print can stamp the map again.
	printer.StartPrint("next.gcode")
	s.InitMappingFilename()
	s.UpdateMappingSlotNum(0, 1)
	if got := s.MappingSlotNum(0); got != 1 {
		t.Errorf("mapping after restamp: got %d, want 1", got)
	}
}

func TestFormatAndParseCommand(t *testing.T) {
	s, _ := testSwap(t, nil)
	if got := s.FormatCommand(2); got != "T2" {
		t.Errorf("format: got %s, want T2", got)
	}
	if s.RunSwapCommand(gcode.New("TX")) {
		t.Error("a malformed swap command must fail")
	}
	if s.RunSwapCommand(gcode.New("T9")) {
		t.Error("a swap to a missing slot must fail")
	}
}

func TestSwapDisabledIsNoop(t *testing.T) {
	s, _ := testSwap(t, func(cfg *config.Swap) { cfg.Enable = false })
	if !s.MMSSwap(1, gcode.New("T1")) {
		t.Error("a disabled swap reports success without running")
	}
	if s.IsRunning() {
		t.Error("disabled swap must not take the running latch")
	}
}
