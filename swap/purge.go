package swap

import (
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/delivery"
	"bigtreetech.com/mms/host"
)

// Purge pushes the old filament's orphaned length out over the purge tray
// and primes the nozzle with the new one.
type Purge struct {
	cfg      config.Purge
	msg      log.MsgStream
	core     delivery.Core
	toolhead host.Toolhead
	extruder host.Extruder
	fan      host.Fan

	mu      sync.Mutex
	running bool
}

func NewPurge(cfg config.Purge, core delivery.Core, toolhead host.Toolhead, extruder host.Extruder, fan host.Fan, msg log.MsgStream) *Purge {
	return &Purge{cfg: cfg, msg: msg, core: core, toolhead: toolhead, extruder: extruder, fan: fan}
}

func (p *Purge) Enabled() bool { return p.cfg.Enable }

func (p *Purge) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Purge) setRunning(v bool) {
	p.mu.Lock()
	p.running = v
	p.mu.Unlock()
}

// PurgeSpeed and PurgeDistance feed the fracture handler's purge-out
// loop.
func (p *Purge) PurgeSpeed() float64 { return p.cfg.PurgeSpeed }
func (p *Purge) PurgeDistance() float64 {
	return p.cfg.OrphanFilamentLength * p.cfg.PurgeModifier
}

// MoveToTray parks the toolhead over the purge tray.
func (p *Purge) MoveToTray() {
	p.toolhead.MoveXY(p.cfg.TrayX, p.cfg.TrayY, p.cfg.PurgeSpeed)
	p.toolhead.WaitMoves()
}

// ApplyRetractionCompensation pulls back the melt a little so the nozzle
// does not ooze during the travel moves.
func (p *Purge) ApplyRetractionCompensation(slotNum int) {
	p.extruder.Retract(p.cfg.RetractionComp, p.cfg.RetractSpeed)
}

// PressurePulseCleaning shakes residue loose with short extrude/retract
// pulses.
func (p *Purge) PressurePulseCleaning(slotNum int) {
	if !p.cfg.PulseCleanEnable {
		return
	}
	for i := 0; i < p.cfg.PulseCount; i++ {
		p.extruder.Extrude(p.cfg.PulseRetractDist*0.5, p.cfg.PulseSpeed)
		p.extruder.Retract(p.cfg.PulseRetractDist, p.cfg.PulseSpeed)
		time.Sleep(time.Duration(p.cfg.PulseRestTime * float64(time.Second)))
	}
}

func (p *Purge) applyNozzlePriming() {
	p.extruder.Extrude(p.cfg.NozzlePrimingDistance, p.cfg.NozzlePrimingSpeed)
}

func (p *Purge) fanCooldown() {
	if p.fan == nil {
		return
	}
	prev := p.fan.Speed()
	p.fan.SetSpeed(p.cfg.FanCooldownSpeed)
	time.Sleep(time.Duration(p.cfg.FanCooldownWait * float64(time.Second)))
	p.fan.SetSpeed(prev)
}

// MMSPurge runs the purge phase over the tray: push the orphaned length
// out, prime the nozzle, compensate retraction and cool the result down.
func (p *Purge) MMSPurge() bool {
	if !p.Enabled() {
		p.msg.Debugf("purge is disabled, skip...")
		return true
	}
	if p.IsRunning() {
		p.msg.Warnf("another purge is running, return")
		return false
	}
	if !p.extruder.IsHotEnough() {
		return false
	}
	p.setRunning(true)
	defer p.setRunning(false)

	p.msg.Debugf("purge begin")
	p.MoveToTray()
	p.extruder.Extrude(p.PurgeDistance(), p.cfg.PurgeSpeed)
	p.applyNozzlePriming()
	p.ApplyRetractionCompensation(-1)
	p.fanCooldown()
	p.msg.Debugf("purge finish")
	return true
}
