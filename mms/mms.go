// Package mms assembles the multi-material swap core: the slot, stepper
// and buffer arenas, the delivery and swap layers, the fault handlers and
// the autoload reactor, wired over the motion engine and host interfaces
// and exposed through the MMS_* G-code surface.
package mms

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/autoload"
	"bigtreetech.com/mms/buffer"
	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/delivery"
	"bigtreetech.com/mms/fault"
	"bigtreetech.com/mms/gcode"
	"bigtreetech.com/mms/host"
	"bigtreetech.com/mms/led"
	"bigtreetech.com/mms/motion"
	"bigtreetech.com/mms/observer"
	"bigtreetech.com/mms/rfid"
	"bigtreetech.com/mms/sensor"
	"bigtreetech.com/mms/slot"
	"bigtreetech.com/mms/stepper"
	"bigtreetech.com/mms/swap"
)

const version = "0.1.0380"

// Sampling defaults of MMS_SAMPLE.
const (
	sampleCount  = 120
	samplePeriod = 500 * time.Millisecond
)

// Options carries everything the core needs from the outside world.
type Options struct {
	Config config.Config
	Engine motion.Engine

	Printer     host.Printer
	Stats       host.PrintStats
	PauseResume host.PauseResume
	Toolhead    host.Toolhead
	Extruder    host.Extruder
	Fan         host.Fan

	// LEDSink receives the slot LED events; nil discards them.
	LEDSink led.EventSink
	// RFIDReaders maps slot numbers to their tag readers; absent slots
	// run without RFID.
	RFIDReaders map[int]rfid.Reader

	// LogWriter defaults to stderr; LogLevel to info.
	LogWriter io.Writer
	LogLevel  log.Level
}

// swapSet is one selector/drive group: its steppers, the shared pins of
// its four slots, and its compliance buffer.
type swapSet struct {
	index    int
	selector *stepper.Stepper
	drive    *stepper.Stepper

	outletSensor *sensor.Sensor
	runoutSensor *sensor.Sensor
	entrySensor  *sensor.Sensor

	slots []*slot.Slot
}

// MMS is the control core.
type MMS struct {
	cfg config.Config
	msg log.MsgStream

	printer  host.Printer
	stats    host.PrintStats
	toolhead host.Toolhead
	extruder host.Extruder

	sets    []*swapSet
	slots   []*slot.Slot
	byNum   map[int]*slot.Slot
	buffers []*buffer.Buffer

	Delivery *delivery.Delivery
	Pause    *fault.Pause
	Resume   *fault.Resume
	Fracture *fault.Fracture
	Swap     *swap.Swap
	Charge   *swap.Charge
	Eject    *swap.Eject
	Purge    *swap.Purge
	Brush    *swap.Brush
	Cut      *swap.Cut
	Autoload *autoload.Autoload
	Observer *observer.PrintObserver

	sampleMu   sync.Mutex
	sampleStop chan struct{}
}

// New builds and wires the core. Call SetReady once the host reports
// ready to open the pin handlers and the autoload delay.
func New(opts Options) (*MMS, error) {
	w := opts.LogWriter
	if w == nil {
		w = os.Stderr
	}
	lvl := opts.LogLevel
	if lvl == 0 {
		lvl = log.LvlInfo
	}
	stream := func(name string) log.MsgStream { return log.NewMsgStream(name, lvl, w) }

	m := &MMS{
		cfg:      opts.Config,
		msg:      stream("mms"),
		printer:  opts.Printer,
		stats:    opts.Stats,
		toolhead: opts.Toolhead,
		extruder: opts.Extruder,
		byNum:    make(map[int]*slot.Slot),
	}

	// One selector/drive group, one shared pin each, per configured set.
	emergency := opts.Printer.EmergencyStop
	for i, setCfg := range opts.Config.Sets {
		st := &swapSet{index: i}
		var err error
		st.selector, err = stepper.New(setCfg.SelectorName, "Selector", opts.Engine, stream("mms-selector"), emergency)
		if err != nil {
			return nil, fmt.Errorf("mms: %w", err)
		}
		st.selector.SetIndex(i)
		st.drive, err = stepper.New(setCfg.DriveName, "Drive", opts.Engine, stream("mms-drive"), emergency)
		if err != nil {
			return nil, fmt.Errorf("mms: %w", err)
		}
		st.drive.SetIndex(i)

		st.outletSensor = sensor.New("outlet", setCfg.Outlet)
		st.runoutSensor = sensor.New("buffer_runout", setCfg.BufferRunout)
		if setCfg.EntrySensor != "" {
			st.entrySensor = sensor.New("entry", setCfg.EntrySensor)
		}
		m.sets = append(m.sets, st)
	}

	slotMsg := stream("mms-slot")
	for _, sc := range opts.Config.Slots {
		sc := sc
		idx := config.SetIndex(sc.Num)
		if idx >= len(m.sets) {
			return nil, fmt.Errorf("mms: slot[%d] has no swap set configured", sc.Num)
		}
		st := m.sets[idx]
		slotLED := led.New(sc.Num, opts.LEDSink)
		slotLED.SetBrightness(sc.Brightness)
		s := slot.New(sc, st.selector, st.drive, slotLED, slotMsg)
		s.AttachOwn(
			sensor.New("selector", pinOrDefault(sc.Selector, "mms:SEL", sc.Num)),
			sensor.New("inlet", pinOrDefault(sc.Inlet, "mms:INL", sc.Num)),
			sensor.New("gate", pinOrDefault(sc.Gate, "mms:GAT", sc.Num)),
		)
		s.AttachShared(slot.Outlet, st.outletSensor)
		s.AttachShared(slot.BufferRunout, st.runoutSensor)
		s.AttachShared(slot.Entry, st.entrySensor)
		m.slots = append(m.slots, s)
		m.byNum[sc.Num] = s
		st.slots = append(st.slots, s)
	}

	// Stepper activity clears a pending error blink, the set is being
	// worked on again.
	for _, st := range m.sets {
		st := st
		clearBlink := func() {
			for _, s := range st.slots {
				s.LED().DeactivateBlinking()
			}
		}
		st.selector.OnRunning(clearBlink)
		st.drive.OnRunning(clearBlink)
	}

	m.Delivery = delivery.New(m, opts.Config.Delivery, opts.Toolhead, stream("mms-delivery"))

	for _, st := range m.sets {
		buf := buffer.New(st.index, opts.Config.Buffer, m, m.Delivery, opts.Extruder, stream("mms-buffer"))
		buf.SetSensorFull(st.outletSensor)
		buf.SetSensorRunout(st.runoutSensor)
		m.buffers = append(m.buffers, buf)
	}
	deactivateBuffer := func(slotNum int) {
		if b := m.BufferFor(slotNum); b != nil && b.IsActivating() {
			b.DeactivateMonitor()
		}
	}
	m.Delivery.SetBufferDeactivate(deactivateBuffer)

	m.Pause = fault.NewPause(opts.Stats, opts.PauseResume, opts.Toolhead, stream("mms-pause"))
	m.Resume = fault.NewResume(opts.PauseResume, opts.Toolhead, m.Pause, stream("mms-resume"))

	m.Fracture = fault.NewFracture(m, m.Delivery, opts.Extruder, m.Pause, m.Resume,
		opts.Config.FractureDetection, stream("mms-fracture"))
	m.Fracture.SetSubstituteEnabled(func() bool { return m.cfg.SlotSubstitute })
	m.Delivery.SetFractureMonitor(m.Fracture)
	for _, buf := range m.buffers {
		buf.SetFracture(m.Fracture)
	}

	m.Purge = swap.NewPurge(opts.Config.Purge, m, opts.Toolhead, opts.Extruder, opts.Fan, stream("mms-purge"))
	m.Brush = swap.NewBrush(opts.Config.Brush, opts.Toolhead, opts.Extruder, opts.Fan, stream("mms-brush"))
	m.Cut = swap.NewCut(opts.Config.Cut, opts.Toolhead, stream("mms-cut"))
	m.Eject = swap.NewEject(opts.Config.Eject, m, m.Delivery, opts.Toolhead, opts.Extruder, m.Cut, m.Purge, stream("mms-eject"))
	m.Eject.SetBufferDeactivate(deactivateBuffer)
	m.Charge = swap.NewCharge(opts.Config.Charge, m, m.Delivery, opts.Extruder, m.BufferFor, stream("mms-charge"))
	m.Charge.SetFractureMonitor(m.Fracture)
	m.Charge.SetBufferDeactivate(deactivateBuffer)

	m.Swap = swap.New(opts.Config.Swap, m, m.Delivery, opts.Toolhead, opts.Extruder, opts.Stats,
		m.Pause, m.Resume, m.Eject, m.Charge, m.Purge, m.Brush, m.Cut, m.BufferFor, stream("mms-swap"))
	m.Fracture.Wire(m.Swap, m.Eject, m.Purge, m.Brush, deactivateBuffer)
	m.Delivery.SetSwapRunning(m.Swap.IsRunning)

	m.Autoload = autoload.New(opts.Config.Autoload, m, m.Delivery, opts.Toolhead, stream("mms-autoload"))
	for _, s := range m.slots {
		s.OnAutoload(m.Autoload.Execute)
	}

	// RFID proxies for the slots that carry a reader.
	rfidMsg := stream("mms-rfid")
	for _, s := range m.slots {
		reader := opts.RFIDReaders[s.Num()]
		if reader == nil {
			continue
		}
		num := s.Num()
		slotLED := s.LED()
		r := rfid.New(num, reader, rfidMsg, rfid.Hooks{
			Stop:        func() { m.Delivery.MMSStop(num) },
			Continue:    func() { m.Delivery.MMSPrepare(num) },
			Marquee:     func(on bool) { marquee(slotLED, on) },
			ChangeColor: slotLED.ChangeColor,
		})
		sc := m.slotConfig(num)
		r.Setup(sc.RFIDEnable, sc.RFIDDetectDuration, sc.RFIDReadDuration)
		s.SetRFID(r)
		sPin := s
		slotLED.SetKeep(func() bool {
			return !sPin.IsEmpty() && !sPin.IsNewInsert() && r.HasTag()
		})
	}

	// Print-state plumbing: volume monitors follow pause/resume, the
	// swap map follows the print lifetime, eject and charge teardown run
	// at print end.
	m.Observer = observer.New(opts.Stats, stream("mms-observer"))
	m.Observer.RegisterResumeCallback(func() {
		if num, ok := m.CurrentSlot(); ok {
			if b := m.BufferFor(num); b != nil {
				b.ActivateMonitor()
			}
		}
	})
	deactivateAll := func() {
		for _, b := range m.buffers {
			b.DeactivateMonitor()
		}
	}
	m.Observer.RegisterPauseCallback(deactivateAll)
	m.Observer.RegisterFinishCallback(deactivateAll)
	m.Observer.RegisterStartCallback(m.Swap.InitMappingFilename)
	m.Observer.RegisterFinishCallback(m.Swap.ResetMapping)
	m.Observer.RegisterFinishCallback(func() { m.Eject.MMSEject(true) })
	m.Observer.RegisterFinishCallback(m.Charge.Teardown)

	m.msg.Infof("%s MMS Ver %s Ready for Action! %s", "**********", version, "**********")
	return m, nil
}

func marquee(l *led.SlotLED, on bool) {
	if on {
		l.ActivateMarquee()
	} else {
		l.DeactivateMarquee()
	}
}

func pinOrDefault(pin, prefix string, num int) string {
	if pin != "" {
		return pin
	}
	return fmt.Sprintf("%s%d", prefix, num)
}

func (m *MMS) slotConfig(num int) config.Slot {
	for _, sc := range m.cfg.Slots {
		if sc.Num == num {
			return sc
		}
	}
	return config.Slot{Num: num}
}

// SetReady opens the pin handlers, the buffer surface and the autoload
// delay. The host calls it once its ready event fires.
func (m *MMS) SetReady() {
	for _, s := range m.slots {
		s.SetReady()
	}
	for _, b := range m.buffers {
		b.SetReady()
	}
	m.Autoload.SetReady()
}

// Close logs the last-breath status and stops the periodic tasks.
func (m *MMS) Close() {
	m.LogStatus()
	for _, b := range m.buffers {
		b.DeactivateMonitor()
	}
	m.Observer.Stop()
	m.stopSample()
}

// ---- Arena accessors ----

func (m *MMS) Slot(num int) (*slot.Slot, error) {
	s, ok := m.byNum[num]
	if !ok {
		return nil, fmt.Errorf("mms: slot[%d] is not available", num)
	}
	return s, nil
}

func (m *MMS) Slots() []*slot.Slot { return m.slots }

func (m *MMS) SlotNums() []int {
	nums := make([]int, 0, len(m.slots))
	for _, s := range m.slots {
		nums = append(nums, s.Num())
	}
	sort.Ints(nums)
	return nums
}

// SetCount returns the number of configured swap sets.
func (m *MMS) SetCount() int { return len(m.sets) }

// SelectorFor and DriveFor return the steppers of the slot's set.
func (m *MMS) SelectorFor(slotNum int) *stepper.Stepper {
	if st := m.setFor(slotNum); st != nil {
		return st.selector
	}
	return nil
}

func (m *MMS) DriveFor(slotNum int) *stepper.Stepper {
	if st := m.setFor(slotNum); st != nil {
		return st.drive
	}
	return nil
}

func (m *MMS) setFor(slotNum int) *swapSet {
	idx := config.SetIndex(slotNum)
	if idx < 0 || idx >= len(m.sets) {
		return nil
	}
	return m.sets[idx]
}

// BufferFor returns the buffer of the slot's set.
func (m *MMS) BufferFor(slotNum int) *buffer.Buffer {
	idx := config.SetIndex(slotNum)
	if idx < 0 || idx >= len(m.buffers) {
		return nil
	}
	return m.buffers[idx]
}

// Buffers returns every set buffer.
func (m *MMS) Buffers() []*buffer.Buffer { return m.buffers }

// OutletSensor, RunoutSensor and EntrySensor expose a set's shared pins
// so backends (gpio, ADC, the test world) can drive them.
func (m *MMS) OutletSensor(set int) *sensor.Sensor {
	if set < 0 || set >= len(m.sets) {
		return nil
	}
	return m.sets[set].outletSensor
}

func (m *MMS) RunoutSensor(set int) *sensor.Sensor {
	if set < 0 || set >= len(m.sets) {
		return nil
	}
	return m.sets[set].runoutSensor
}

func (m *MMS) EntrySensor(set int) *sensor.Sensor {
	if set < 0 || set >= len(m.sets) {
		return nil
	}
	return m.sets[set].entrySensor
}

// ---- State queries ----

func (m *MMS) RetryTimes() int  { return m.cfg.Delivery.RetryTimes }
func (m *MMS) IsShutdown() bool { return m.printer.IsShutdown() }
func (m *MMS) IsPrinting() bool { return m.stats.IsPrinting() }
func (m *MMS) IsPaused() bool   { return m.stats.IsPaused() }
func (m *MMS) IsResuming() bool { return m.Resume.IsResuming() }

// LoadingSlots lists the slots loaded through their gate, ascending.
func (m *MMS) LoadingSlots() []int {
	var out []int
	for _, s := range m.slots {
		if s.IsLoading() {
			out = append(out, s.Num())
		}
	}
	sort.Ints(out)
	return out
}

// selectingSlot reports the slot a set's selector serves: the stepper
// focus when set (active), otherwise the lowest slot whose selector pin
// is triggered (passive).
func (st *swapSet) selectingSlot() (num int, active, ok bool) {
	if focus, has := st.selector.FocusSlot(); has {
		return focus, true, true
	}
	best := -1
	for _, s := range st.slots {
		if s.SelectorIsTriggered() && (best < 0 || s.Num() < best) {
			best = s.Num()
		}
	}
	if best >= 0 {
		return best, false, true
	}
	return 0, false, false
}

// CurrentSlot resolves which slot currently owns the filament path across
// all sets: an active focus that is also loading wins, then any active
// focus, then the lowest passively selected slot, then the lowest loading
// slot.
func (m *MMS) CurrentSlot() (int, bool) {
	loading := m.LoadingSlots()
	type candidate struct {
		num    int
		active bool
	}
	var selecting []candidate
	for _, st := range m.sets {
		if num, active, ok := st.selectingSlot(); ok {
			selecting = append(selecting, candidate{num, active})
		}
	}
	m.msg.Debugf("selecting:%v, loading:%v", selecting, loading)
	for _, c := range selecting {
		if c.active && contains(loading, c.num) {
			return c.num, true
		}
	}
	for _, c := range selecting {
		if c.active {
			return c.num, true
		}
	}
	best := -1
	for _, c := range selecting {
		if best < 0 || c.num < best {
			best = c.num
		}
	}
	if best >= 0 {
		return best, true
	}
	if len(loading) > 0 {
		return loading[0], true
	}
	return 0, false
}

func contains(nums []int, n int) bool {
	for _, v := range nums {
		if v == n {
			return true
		}
	}
	return false
}

// FindSubstituteSlot walks the substitute chain of a faulted slot and
// returns the first slot whose inlet is triggered. Visited slots are
// skipped so a cyclic chain terminates.
func (m *MMS) FindSubstituteSlot(slotNum int) (int, bool) {
	if !m.cfg.SlotSubstitute {
		return 0, false
	}
	checked := map[int]bool{slotNum: true}
	current := slotNum
	for {
		s, err := m.Slot(current)
		if err != nil {
			return 0, false
		}
		sub, ok := s.SubstituteWith()
		if !ok || checked[sub] {
			return 0, false
		}
		checked[sub] = true
		subSlot, err := m.Slot(sub)
		if err != nil {
			return 0, false
		}
		if subSlot.IsReady() {
			return sub, true
		}
		current = sub
	}
}

// ---- Status ----

// Status snapshots the whole core for the status surface and the UI feed.
func (m *MMS) Status() map[string]any {
	slots := make(map[int]any, len(m.slots))
	for _, s := range m.slots {
		slots[s.Num()] = s.PinsState()
	}
	buffers := make(map[int]any, len(m.buffers))
	for _, b := range m.buffers {
		buffers[b.Index()] = b.Status()
	}
	selectors := make(map[int]any, len(m.sets))
	drives := make(map[int]any, len(m.sets))
	for _, st := range m.sets {
		selectors[st.index] = st.selector.Status()
		drives[st.index] = st.drive.Status()
	}
	return map[string]any{
		"version": version,
		"slots":   slots,
		"steppers": map[string]any{
			"selectors": selectors,
			"drives":    drives,
		},
		"buffers":       buffers,
		"loading_slots": m.LoadingSlots(),
		"swap":          m.Swap.Status(),
		"observer":      m.Observer.Status(),
	}
}

// LogStatus writes the formatted status summary.
func (m *MMS) LogStatus() {
	m.msg.Infof("MMS Version: %s", version)
	m.LogStatusStepper()
	info := "Slot pins status:\n"
	for _, s := range m.slots {
		info += s.FormatPinsStatus()
	}
	m.msg.Infof("%s", info)
}

// LogStatusStepper writes the stepper state summary.
func (m *MMS) LogStatusStepper() {
	info := "Stepper status:"
	for _, st := range m.sets {
		info += fmt.Sprintf("\n%v\n%v", st.selector.Status(), st.drive.Status())
	}
	m.msg.Infof("%s", info)
}

// ---- Sampling ----

// startSample runs fn periodically for the duration on the single-flight
// sampling task.
func (m *MMS) startSample(duration time.Duration, fn func()) bool {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()
	if m.sampleStop != nil {
		m.msg.Warnf("MMS sample task is running, return...")
		return false
	}
	stop := make(chan struct{})
	m.sampleStop = stop
	go func() {
		tick := time.NewTicker(samplePeriod)
		defer tick.Stop()
		deadline := time.After(duration)
		for {
			select {
			case <-stop:
				return
			case <-deadline:
				m.sampleMu.Lock()
				if m.sampleStop == stop {
					m.sampleStop = nil
				}
				m.sampleMu.Unlock()
				return
			case <-tick.C:
				fn()
			}
		}
	}()
	return true
}

func (m *MMS) stopSample() {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()
	if m.sampleStop != nil {
		close(m.sampleStop)
		m.sampleStop = nil
	}
}

// RegisterCommands installs the whole MMS command surface on the
// dispatcher.
func (m *MMS) RegisterCommands(reg gcode.Registry) {
	reg.Register("MMS", func(cmd *gcode.Command) error {
		m.msg.Infof("MMS Version:%s", version)
		return nil
	})
	reg.Register("MMS_STATUS", func(cmd *gcode.Command) error {
		m.LogStatus()
		return nil
	})
	reg.Register("MMS_STATUS_STEPPER", func(cmd *gcode.Command) error {
		m.LogStatusStepper()
		return nil
	})
	reg.Register("MMS_SAMPLE", func(cmd *gcode.Command) error {
		duration := time.Duration(cmd.Int("DURATION", 0)) * time.Second
		if duration <= 0 {
			duration = sampleCount * samplePeriod
		}
		if m.startSample(duration, m.LogStatus) {
			m.msg.Infof("MMS sample begin")
		}
		return nil
	})
	reg.Register("MMS_SAMPLE_STEPPER", func(cmd *gcode.Command) error {
		duration := time.Duration(cmd.Int("DURATION", 0)) * time.Second
		if duration <= 0 {
			duration = sampleCount * samplePeriod
		}
		if m.startSample(duration, m.LogStatusStepper) {
			m.msg.Infof("MMS sample stepper begin")
		}
		return nil
	})

	m.Delivery.RegisterCommands(reg)
	for _, b := range m.buffers {
		b.RegisterCommands(reg)
	}
	m.Pause.RegisterCommands(reg)
	m.Resume.RegisterCommands(reg)
	m.Swap.RegisterCommands(reg)
}
