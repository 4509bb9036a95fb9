// Package buffer models the compliance spring between the MMS and the
// extruder. A periodic monitor compares extruder consumption against the
// tracked volume and schedules drive feed/retract moves to hold the
// volume near its target; the shared outlet and runout pins clamp the
// model at both ends of the spring stroke.
//
//	  +----------------------------------------------+
//	==|= Gate =|                                  |  |
//	  |        += Runout =\/\/\/\/\/\/\/= Outlet =|==| Extruder
//	==|= Gate =|          |<= Spring =>|          |  |
//	  +----------------------------------------------+
package buffer

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/delivery"
	"bigtreetech.com/mms/gcode"
	"bigtreetech.com/mms/host"
	"bigtreetech.com/mms/sensor"
)

// Fracture is the slice of the fracture handler the feed path arms; wired
// by the core to avoid a package cycle.
type Fracture interface {
	MonitorWhileFeeding(slotNum int) (done func())
	HandleWhileFeeding(slotNum int)
}

type nopFracture struct{}

func (nopFracture) MonitorWhileFeeding(int) func() { return func() {} }
func (nopFracture) HandleWhileFeeding(int)         {}

// Buffer is the volume model of one selector/drive set.
type Buffer struct {
	index int
	cfg   config.Buffer
	msg   log.MsgStream

	core     delivery.Core
	delivery *delivery.Delivery
	extruder host.Extruder
	fracture Fracture

	crossSection float64
	maxVolume    float64
	minVolume    float64
	targetVolume float64

	mu           sync.Mutex
	ready        bool
	springStroke float64
	measured     bool
	volume       float64
	lastEPos     float64
	activating   bool
	freezing     bool
	inletBefore  bool

	sensorFull   *sensor.Sensor
	sensorRunout *sensor.Sensor

	monitorStop chan struct{}
}

func New(index int, cfg config.Buffer, core delivery.Core, dlv *delivery.Delivery, extruder host.Extruder, msg log.MsgStream) *Buffer {
	cross := math.Pi * (cfg.FilamentDiameter / 2) * (cfg.FilamentDiameter / 2)
	max := cross * cfg.SpringStroke
	b := &Buffer{
		index:        index,
		cfg:          cfg,
		msg:          msg,
		core:         core,
		delivery:     dlv,
		extruder:     extruder,
		fracture:     nopFracture{},
		crossSection: cross,
		maxVolume:    max,
		minVolume:    0,
		targetVolume: max * cfg.TargetPercentage / 100,
		springStroke: cfg.SpringStroke,
	}
	return b
}

func (b *Buffer) SetFracture(f Fracture) {
	if f != nil {
		b.fracture = f
	}
}

// SetReady opens the public surface; commands arriving earlier warn and
// return without effect.
func (b *Buffer) SetReady() {
	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()
}

func (b *Buffer) isReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *Buffer) Index() int { return b.index }

// SetSensorFull binds the set's shared outlet pin: a trigger clamps the
// volume to the spring maximum.
func (b *Buffer) SetSensorFull(sen *sensor.Sensor) {
	b.mu.Lock()
	if b.sensorFull == sen {
		b.mu.Unlock()
		return
	}
	b.sensorFull = sen
	b.mu.Unlock()
	sen.OnTrigger(func(string) { b.handleFull() })
}

// SetSensorRunout binds the shared buffer-runout pin: a trigger clamps
// the volume to empty.
func (b *Buffer) SetSensorRunout(sen *sensor.Sensor) {
	b.mu.Lock()
	if b.sensorRunout == sen {
		b.mu.Unlock()
		return
	}
	b.sensorRunout = sen
	b.mu.Unlock()
	sen.OnTrigger(func(string) { b.handleRunout() })
}

// ---- Volume bookkeeping ----

func (b *Buffer) setVolume(v float64) {
	b.mu.Lock()
	old := b.volume
	b.volume = v
	ready, activating := b.ready, b.activating
	b.mu.Unlock()
	if !ready || !activating || old == v {
		return
	}
	b.msg.Debugf("buffer volume update old: %.2f new: %.2f pct: %.2f%%",
		old, v, b.VolumePercentage())
}

func (b *Buffer) Volume() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.volume
}

func (b *Buffer) VolumePercentage() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return math.Round(b.volume/(b.maxVolume-b.minVolume)*10000) / 100
}

func (b *Buffer) SpringStroke() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.springStroke
}

func (b *Buffer) MaxVolume() float64    { return b.maxVolume }
func (b *Buffer) MinVolume() float64    { return b.minVolume }
func (b *Buffer) TargetVolume() float64 { return b.targetVolume }
func (b *Buffer) MinDeliverVolume() float64 {
	return b.cfg.MinDeliverVolume
}

func (b *Buffer) freeze() (thaw func()) {
	b.mu.Lock()
	b.freezing = true
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.freezing = false
		b.mu.Unlock()
	}
}

func (b *Buffer) isFreezing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freezing
}

// IsFull and IsEmpty report the shared pin states, the physical truth the
// volume model clamps to.
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	sen := b.sensorFull
	b.mu.Unlock()
	return sen != nil && sen.IsTriggered()
}

func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	sen := b.sensorRunout
	b.mu.Unlock()
	return sen != nil && sen.IsTriggered()
}

func (b *Buffer) handleFull() {
	if b.isFreezing() {
		return
	}
	b.setVolume(b.maxVolume)
}

func (b *Buffer) handleRunout() {
	if b.isFreezing() {
		return
	}
	b.setVolume(b.minVolume)
}

func (b *Buffer) handleHalf() {
	if b.isFreezing() {
		return
	}
	b.setVolume((b.maxVolume - b.minVolume) / 2)
}

func (b *Buffer) checkSensors() {
	if b.isFreezing() {
		return
	}
	if b.IsFull() {
		b.setVolume(b.maxVolume)
	} else if b.IsEmpty() {
		b.setVolume(b.minVolume)
	}
}

// ---- Monitor ----

func (b *Buffer) IsActivating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activating
}

// ActivateMonitor starts the periodic volume task. A monitor already
// running wins; the call is a warning no-op.
func (b *Buffer) ActivateMonitor() {
	if !b.isReady() {
		b.msg.Warnf("buffer monitor activate before ready, skip...")
		return
	}
	b.mu.Lock()
	if b.activating {
		b.mu.Unlock()
		b.msg.Warnf("another buffer monitor task is activating")
		return
	}
	b.activating = true
	b.inletBefore = false
	b.lastEPos = b.extruder.Position()
	stop := make(chan struct{})
	b.monitorStop = stop
	b.mu.Unlock()

	go func() {
		period := time.Duration(b.cfg.MonitorPeriod * float64(time.Second))
		tick := time.NewTicker(period)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				b.monitorTick()
			}
		}
	}()
	b.msg.Debugf("buffer monitor activated")
}

func (b *Buffer) DeactivateMonitor() {
	b.mu.Lock()
	if !b.activating {
		b.mu.Unlock()
		return
	}
	b.activating = false
	b.inletBefore = false
	if b.monitorStop != nil {
		close(b.monitorStop)
		b.monitorStop = nil
	}
	b.mu.Unlock()
	b.msg.Debugf("buffer monitor deactivated")
}

func (b *Buffer) monitorTick() {
	b.checkSensors()

	ePos, eSpeed := b.extruder.PositionSpeed()
	b.mu.Lock()
	moved := ePos - b.lastEPos
	b.mu.Unlock()
	if moved == 0 {
		return
	}
	if moved <= b.cfg.EDistanceMovedMin || math.Abs(moved) >= b.cfg.EDistanceMovedMax {
		// A jump outside the plausible window is a host reposition,
		// not consumption; realign and drop the sample.
		b.msg.Warnf("extruder moved distance %.2fmm overlimit, skip...", moved)
		b.mu.Lock()
		b.lastEPos = ePos
		b.mu.Unlock()
		return
	}
	b.mu.Lock()
	b.lastEPos = ePos
	b.mu.Unlock()

	b.setVolume(b.Volume() - moved*b.extruder.FilamentArea())

	volume := b.Volume()
	switch {
	case volume < b.targetVolume:
		deficit := b.targetVolume - volume
		if deficit < b.cfg.MinDeliverVolume {
			return
		}
		thaw := b.freeze()
		delivered := b.feed(deficit, eSpeed)
		if delivered > 0 {
			b.setVolume(b.Volume() + delivered)
		}
		thaw()
	case volume > b.maxVolume:
		surplus := volume - b.maxVolume
		if surplus < b.cfg.MinDeliverVolume {
			return
		}
		thaw := b.freeze()
		delivered := b.retract(surplus)
		if delivered > 0 {
			b.setVolume(b.Volume() - delivered)
		}
		thaw()
	}
}

// simpleMove drives the current slot's drive stepper without re-selecting.
// A fracture edge observed across ticks routes to the fault handler
// instead of moving.
func (b *Buffer) simpleMove(slotNum int, distance, speed, accel float64) error {
	s, err := b.core.Slot(slotNum)
	if err != nil {
		return err
	}
	drv := s.Drive()
	drv.UpdateFocusSlot(slotNum)

	b.mu.Lock()
	inletBefore := b.inletBefore
	b.mu.Unlock()
	if inletBefore && s.Pin("inlet").IsReleased() {
		b.fracture.HandleWhileFeeding(slotNum)
		return nil
	}
	b.mu.Lock()
	b.inletBefore = s.Pin("inlet").IsTriggered()
	b.mu.Unlock()

	if distance > 0 {
		done := b.fracture.MonitorWhileFeeding(slotNum)
		defer done()
	}
	if err := drv.ManualMove(distance, speed, accel); err != nil {
		return err
	}
	b.mu.Lock()
	inletBefore = b.inletBefore
	b.mu.Unlock()
	if inletBefore && s.Pin("inlet").IsReleased() {
		b.fracture.HandleWhileFeeding(slotNum)
	}
	return nil
}

func (b *Buffer) feed(volume, extrudeSpeed float64) float64 {
	slotNum, ok := b.core.CurrentSlot()
	if !ok || config.SetIndex(slotNum) != b.index {
		b.msg.Warnf("buffer feed failed: no active slot in set[%d]", b.index)
		return 0
	}
	distance := volume / b.crossSection
	speed := distance * 2
	if extrudeSpeed > 0 {
		speed = math.Min(distance*2, extrudeSpeed)
	}
	accel := speed
	b.msg.Debugf("slot[%d] buffer feed: volume: %.2f mm^3 distance: %.2f mm speed: %.2f mm/s",
		slotNum, volume, distance, speed)
	if err := b.simpleMove(slotNum, math.Abs(distance), speed, accel); err != nil {
		b.msg.Errorf("buffer feed failed: %v", err)
		return 0
	}
	return volume
}

func (b *Buffer) retract(volume float64) float64 {
	slotNum, ok := b.core.CurrentSlot()
	if !ok || config.SetIndex(slotNum) != b.index {
		b.msg.Warnf("buffer retract failed: no active slot in set[%d]", b.index)
		return 0
	}
	distance := volume / b.crossSection
	speed := distance * 2
	accel := speed
	b.msg.Debugf("slot[%d] buffer retract: volume: %.2f mm^3 distance: %.2f mm speed: %.2f mm/s",
		slotNum, volume, distance, speed)
	if err := b.simpleMove(slotNum, -math.Abs(distance), speed, accel); err != nil {
		b.msg.Errorf("buffer retract failed: %v", err)
		return 0
	}
	return volume
}

// ---- Control ----

// MeasureStroke calibrates the spring stroke: load to the outlet, then
// unload until the runout pin triggers; the stroke becomes the smaller of
// the distance traveled and the current stroke.
func (b *Buffer) MeasureStroke(slotNum int, force bool) {
	b.mu.Lock()
	measured := b.measured
	b.mu.Unlock()
	if measured && !force {
		return
	}
	s, err := b.core.Slot(slotNum)
	if err != nil {
		b.msg.Errorf("slot[%d] measure buffer stroke error: %v", slotNum, err)
		return
	}
	b.msg.Debugf("slot[%d] measure buffer stroke begin", slotNum)
	if err := b.delivery.LoadToOutlet(slotNum, 0, 0, 0); err != nil {
		b.logControlErr("measure", slotNum, err)
		return
	}
	if err := b.delivery.UnloadUntilBufferRunoutTrigger(slotNum, 0, b.cfg.MeasureSpeed, b.cfg.MeasureAccel); err != nil {
		b.logControlErr("measure", slotNum, err)
		return
	}
	moved := math.Round(math.Abs(s.Drive().DistanceMoved())*10000) / 10000
	b.mu.Lock()
	old := b.springStroke
	b.springStroke = math.Min(moved, old)
	b.measured = true
	b.mu.Unlock()
	b.msg.Debugf("buffer spring stroke is measured, update from %v mm to %v mm", old, b.SpringStroke())
}

func (b *Buffer) logControlErr(what string, slotNum int, err error) {
	if errors.Is(err, delivery.ErrTerminated) {
		b.msg.Errorf("slot[%d] %s buffer is terminated", slotNum, what)
		return
	}
	b.msg.Errorf("slot[%d] %s buffer error: %v", slotNum, what, err)
}

// Fill loads the slot until the outlet triggers (spring fully compressed).
func (b *Buffer) Fill(slotNum int, speed, accel float64) bool {
	if !b.isReady() {
		b.msg.Warnf("buffer fill before ready, skip...")
		return false
	}
	b.MeasureStroke(slotNum, false)
	if b.IsFull() {
		return true
	}
	if err := b.delivery.LoadToOutlet(slotNum, 0, speed, accel); err != nil {
		b.logControlErr("fill", slotNum, err)
		return false
	}
	b.msg.Debugf("slot[%d] fill buffer success", slotNum)
	return true
}

// Clear unloads the slot until the runout pin triggers (spring relaxed).
func (b *Buffer) Clear(slotNum int, speed, accel float64) bool {
	if !b.isReady() {
		b.msg.Warnf("buffer clear before ready, skip...")
		return false
	}
	b.MeasureStroke(slotNum, false)
	if b.IsEmpty() {
		return true
	}
	if err := b.delivery.UnloadUntilBufferRunoutTrigger(slotNum, 0, speed, accel); err != nil {
		b.logControlErr("clear", slotNum, err)
		return false
	}
	b.msg.Debugf("slot[%d] clear buffer success", slotNum)
	return true
}

// Halfway parks the volume at the middle of the stroke: clear, load until
// the runout releases, then drive forward half a stroke and pin the
// model there.
func (b *Buffer) Halfway(slotNum int, speed, accel float64) bool {
	if !b.isReady() {
		b.msg.Warnf("buffer halfway before ready, skip...")
		return false
	}
	b.MeasureStroke(slotNum, false)
	if err := b.delivery.UnloadUntilBufferRunoutTrigger(slotNum, 0, speed, accel); err != nil {
		b.logControlErr("halfway", slotNum, err)
		return false
	}
	if err := b.delivery.LoadUntilBufferRunoutRelease(slotNum, 0, speed, accel); err != nil {
		b.logControlErr("halfway", slotNum, err)
		return false
	}
	distance := math.Abs(b.SpringStroke() * 0.5)
	if speed == 0 {
		speed = distance * 2
	}
	if accel == 0 {
		accel = distance * 2
	}
	if !b.delivery.MMSMove(slotNum, distance, speed, accel) {
		return false
	}
	b.handleHalf()
	b.msg.Debugf("slot[%d] halfway buffer success", slotNum)
	return true
}

// ---- Status & commands ----

func (b *Buffer) Status() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"index":              b.index,
		"volume":             b.volume,
		"pct":                math.Round(b.volume/(b.maxVolume-b.minVolume)*10000) / 100,
		"is_activating":      b.activating,
		"is_freezing":        b.freezing,
		"stroke_is_measured": b.measured,
		"spring_stroke":      b.springStroke,
		"filament_diameter":  b.cfg.FilamentDiameter,
		"target_percentage":  b.cfg.TargetPercentage,
		"cross_section":      b.crossSection,
		"max_volume":         b.maxVolume,
		"min_volume":         b.minVolume,
		"target_volume":      b.targetVolume,
		"min_deliver_volume": b.cfg.MinDeliverVolume,
		"monitor_period":     b.cfg.MonitorPeriod,
	}
}

func (b *Buffer) slotArg(cmd *gcode.Command) (int, bool) {
	num := cmd.Int("SLOT", -1)
	if num < 0 {
		b.msg.Errorf("'%s' requires SLOT", cmd.Name())
		return -1, false
	}
	if _, err := b.core.Slot(num); err != nil {
		b.msg.Errorf("slot '%d' is not available", num)
		return -1, false
	}
	return num, true
}

// RegisterCommands installs the buffer command surface.
func (b *Buffer) RegisterCommands(reg gcode.Registry) {
	reg.Register("MMS_BUFFER_ACTIVATE", func(cmd *gcode.Command) error {
		b.ActivateMonitor()
		return nil
	})
	reg.Register("MMS_BUFFER_DEACTIVATE", func(cmd *gcode.Command) error {
		b.DeactivateMonitor()
		return nil
	})
	reg.Register("MMS_BUFFER_MEASURE", func(cmd *gcode.Command) error {
		num, ok := b.slotArg(cmd)
		if !ok {
			return nil
		}
		force := cmd.Int("FORCE", 0) == 1
		b.mu.Lock()
		measured := b.measured
		stroke := b.springStroke
		b.mu.Unlock()
		if measured {
			b.msg.Infof("slot[%d] buffer spring stroke: %v mm", num, stroke)
			if !force {
				return nil
			}
		}
		b.MeasureStroke(num, true)
		return nil
	})
	reg.Register("MMS_BUFFER_FILL", func(cmd *gcode.Command) error {
		if num, ok := b.slotArg(cmd); ok {
			b.Fill(num, cmd.Float("SPEED", 0), cmd.Float("ACCEL", 0))
		}
		return nil
	})
	reg.Register("MMS_BUFFER_CLEAR", func(cmd *gcode.Command) error {
		if num, ok := b.slotArg(cmd); ok {
			b.Clear(num, cmd.Float("SPEED", 0), cmd.Float("ACCEL", 0))
		}
		return nil
	})
	reg.Register("MMS_BUFFER_HALFWAY", func(cmd *gcode.Command) error {
		if num, ok := b.slotArg(cmd); ok {
			b.Halfway(num, cmd.Float("SPEED", 0), cmd.Float("ACCEL", 0))
		}
		return nil
	})
}
