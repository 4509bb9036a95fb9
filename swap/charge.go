package swap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq/log"
	"golang.org/x/sync/errgroup"

	"bigtreetech.com/mms/buffer"
	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/delivery"
	"bigtreetech.com/mms/host"
	"bigtreetech.com/mms/slot"
)

// Charge feeds the new filament into the extruder. The careful variant
// homes the drive against the outlet while the extruder drip-pulls, so
// both sides hand over without grinding; the standard variant is the
// bounded fallback.
type Charge struct {
	cfg      config.Charge
	msg      log.MsgStream
	core     delivery.Core
	delivery *delivery.Delivery
	extruder host.Extruder

	fracture  delivery.FractureMonitor
	bufferFor func(slotNum int) *buffer.Buffer

	deactivateBuffer func(slotNum int)

	mu           sync.Mutex
	running      bool
	chargingSlot int

	dripEnd atomic.Bool
}

func NewCharge(cfg config.Charge, core delivery.Core, dlv *delivery.Delivery, extruder host.Extruder, bufferFor func(int) *buffer.Buffer, msg log.MsgStream) *Charge {
	return &Charge{
		cfg:              cfg,
		msg:              msg,
		core:             core,
		delivery:         dlv,
		extruder:         extruder,
		bufferFor:        bufferFor,
		deactivateBuffer: func(int) {},
		chargingSlot:     -1,
	}
}

func (c *Charge) SetFractureMonitor(f delivery.FractureMonitor) { c.fracture = f }

func (c *Charge) SetBufferDeactivate(fn func(int)) {
	if fn != nil {
		c.deactivateBuffer = fn
	}
}

func (c *Charge) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ChargingSlot returns the slot of the last successful charge, -1 none.
func (c *Charge) ChargingSlot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chargingSlot
}

// Teardown resets the charge state; registered on print finish.
func (c *Charge) Teardown() {
	c.mu.Lock()
	c.running = false
	c.chargingSlot = -1
	c.mu.Unlock()
}

func (c *Charge) pauseBuffer(slotNum int) error {
	c.deactivateBuffer(slotNum)
	if !c.delivery.WaitSelectorAndDrive(slotNum) {
		s, err := c.core.Slot(slotNum)
		if err != nil {
			return err
		}
		return chargeFailed(s, "slot[%d] wait selector or drive stepper idle timeout", slotNum)
	}
	return nil
}

// dripExtrude runs bounded extrusion cycles until the exit condition
// holds. It reports whether the condition was reached and the total
// distance pushed.
func (c *Charge) dripExtrude(speed, dripDistance float64, dripTimes int, exit func() bool) (bool, float64) {
	extruded := 0.0
	for i := 0; i < dripTimes; i++ {
		c.extruder.Extrude(dripDistance, speed)
		extruded += dripDistance
		if exit() {
			return true, extruded
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false, extruded
}

func (c *Charge) extrudeToReleaseOutlet(slotNum int) bool {
	s, err := c.core.Slot(slotNum)
	if err != nil {
		return false
	}
	if s.Pin(slot.Outlet).IsReleased() {
		c.msg.Warnf("slot[%d] outlet is already released", slotNum)
		return false
	}
	ok, extruded := c.dripExtrude(
		c.cfg.ExtrudeSpeed,
		c.cfg.ExtrudeDistance,
		c.cfg.ExtrudeTimes,
		s.Pin(slot.Outlet).IsReleased,
	)
	state := "not released"
	if ok {
		state = "released"
	}
	c.msg.Debugf("slot[%d] outlet is %s, extrude: %v mm", slotNum, state, extruded)
	return ok
}

// carefulLoad homes the drive toward the outlet at the extruder's pace.
// Runs concurrently with carefulExtrude.
func (c *Charge) carefulLoad(slotNum int, distance float64) {
	s, err := c.core.Slot(slotNum)
	if err != nil {
		return
	}
	done := s.WaitFor(slot.Outlet)
	defer done()
	if c.fracture != nil {
		mdone := c.fracture.MonitorWhileHoming(slotNum)
		defer mdone()
	}
	drv := s.Drive()
	drv.UpdateFocusSlot(slotNum)
	speed := c.cfg.ExtrudeSpeed / 60
	drv.ManualHome(distance, speed, speed, true, true, s.EndstopPairs(slot.Outlet))
	c.dripEnd.Store(true)
}

// carefulExtrude pulls 1 mm at a time until the load side finished or the
// outlet compressed the spring.
func (c *Charge) carefulExtrude(slotNum int, distanceTotal float64) bool {
	s, err := c.core.Slot(slotNum)
	if err != nil {
		return false
	}
	if s.Pin(slot.Outlet).IsTriggered() {
		c.msg.Warnf("slot[%d] careful extrude failed, outlet is already triggered", slotNum)
		return false
	}
	exit := func() bool {
		return c.dripEnd.Load() || s.Pin(slot.Outlet).IsTriggered()
	}
	c.dripEnd.Store(false)
	ok, extruded := c.dripExtrude(
		c.cfg.ExtrudeSpeed,
		c.cfg.DripExtrudeDistance,
		int(distanceTotal/c.cfg.DripExtrudeDistance),
		exit,
	)
	c.dripEnd.Store(false)
	c.msg.Debugf("slot[%d] exit careful extrude, extruded %v mm", slotNum, extruded)
	return ok
}

// carefulCharge clears the buffer, then runs the asynchronous outlet
// homing against the synchronous drip extrusion. Success is judged from
// the outlet state: a released outlet means the extruder took the
// filament without compressing the spring.
func (c *Charge) carefulCharge(slotNum int) (bool, error) {
	s, err := c.core.Slot(slotNum)
	if err != nil {
		return false, err
	}
	buf := c.bufferFor(slotNum)
	if buf == nil || !buf.Clear(slotNum, 0, 0) {
		return false, chargeFailed(s, "slot[%d] careful charge clear buffer failed", slotNum)
	}
	distanceTotal := buf.SpringStroke() + c.cfg.DripExtraDistance
	c.msg.Debugf("slot[%d] careful charge total distance: %v mm", slotNum, distanceTotal)

	var g errgroup.Group
	g.Go(func() error {
		c.carefulLoad(slotNum, distanceTotal)
		return nil
	})
	c.carefulExtrude(slotNum, distanceTotal)

	// Break the outstanding outlet wait if the load is still homing.
	if p := s.WaitingPin(); p != nil && p.Kind() == slot.Outlet {
		s.StopHoming()
	}
	g.Wait()

	result := !s.Pin(slot.Outlet).IsTriggered()
	c.msg.Debugf("slot[%d] careful charge finish, result is '%v'", slotNum, result)
	return result, nil
}

// standardCharge compresses the spring against the outlet, then verifies
// the extruder actually grips by extruding until the outlet releases. A
// failed grip unloads back to the gate.
func (c *Charge) standardCharge(slotNum int) (bool, error) {
	s, err := c.core.Slot(slotNum)
	if err != nil {
		return false, err
	}
	buf := c.bufferFor(slotNum)
	if buf == nil || !buf.Fill(slotNum, 0, 0) {
		return false, chargeFailed(s, "slot[%d] standard charge fill buffer failed", slotNum)
	}
	if !c.extrudeToReleaseOutlet(slotNum) {
		c.extruder.Retract(c.cfg.DistanceUnload, c.cfg.ExtrudeSpeed)
		if err := c.delivery.UnloadToGate(slotNum); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (c *Charge) safetyChecks(slotNum int) bool {
	if slotNum < 0 {
		c.msg.Warnf("current slot is None, return")
		return false
	}
	if c.IsRunning() {
		c.msg.Warnf("another charge is running, return")
		return false
	}
	if !c.extruder.IsHotEnough() {
		return false
	}
	return true
}

// MMSCharge runs the charge phase: load to the outlet/entry, careful
// charge, then the bounded standard-charge retry loop on failure.
func (c *Charge) MMSCharge(slotNum int) bool {
	if !c.safetyChecks(slotNum) {
		return false
	}
	c.msg.Debugf("slot[%d] charge begin", slotNum)

	if !c.delivery.MMSLoad(slotNum) {
		c.msg.Warnf("slot[%d] charge load prepare failed", slotNum)
		return false
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	err := func() error {
		if err := c.pauseBuffer(slotNum); err != nil {
			return err
		}
		success, err := c.carefulCharge(slotNum)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		retries := c.core.RetryTimes()
		for i := 0; i < retries; i++ {
			success, err = c.standardCharge(slotNum)
			if err != nil {
				return err
			}
			if success {
				return nil
			}
			c.msg.Infof("slot[%d] charge retry %d/%d ...", slotNum, i+1, retries)
		}
		s, _ := c.core.Slot(slotNum)
		return chargeFailed(s, "slot[%d] charge failed after all retries", slotNum)
	}()
	if err != nil {
		c.msg.Warnf("slot[%d] charge error: %v", slotNum, err)
		return false
	}

	c.mu.Lock()
	c.chargingSlot = slotNum
	c.mu.Unlock()
	c.msg.Debugf("slot[%d] charge finish", slotNum)
	return true
}
