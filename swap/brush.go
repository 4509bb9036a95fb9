package swap

import (
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/host"
)

// Brush wipes the nozzle across the silicone brush after a purge.
type Brush struct {
	cfg      config.Brush
	msg      log.MsgStream
	toolhead host.Toolhead
	extruder host.Extruder
	fan      host.Fan

	mu      sync.Mutex
	running bool
}

func NewBrush(cfg config.Brush, toolhead host.Toolhead, extruder host.Extruder, fan host.Fan, msg log.MsgStream) *Brush {
	return &Brush{cfg: cfg, msg: msg, toolhead: toolhead, extruder: extruder, fan: fan}
}

func (b *Brush) Enabled() bool { return b.cfg.Enable }

func (b *Brush) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Brush) setRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

func (b *Brush) fanCooldown() {
	if b.fan == nil {
		return
	}
	prev := b.fan.Speed()
	b.fan.SetSpeed(b.cfg.FanCooldownSpeed)
	time.Sleep(time.Duration(b.cfg.FanCooldownWait * float64(time.Second)))
	b.fan.SetSpeed(prev)
}

func (b *Brush) wipe() {
	for i := 0; i < b.cfg.WipeTimes; i++ {
		b.toolhead.MoveXY(b.cfg.StartX, b.cfg.StartY, b.cfg.WipeSpeed)
		b.toolhead.MoveXY(b.cfg.EndX, b.cfg.EndY, b.cfg.WipeSpeed)
	}
	b.toolhead.WaitMoves()
}

func (b *Brush) peck() {
	for i := 0; i < b.cfg.PeckTimes; i++ {
		b.toolhead.LowerZ(b.cfg.PeckDepth)
		b.toolhead.RaiseZ(b.cfg.PeckDepth)
	}
	b.toolhead.WaitMoves()
}

// MMSBrush runs the brush phase: cool the string, wipe, then peck when
// configured.
func (b *Brush) MMSBrush() bool {
	if !b.Enabled() {
		b.msg.Debugf("brush is disabled, skip...")
		return true
	}
	if b.IsRunning() {
		b.msg.Warnf("another brush is running, return")
		return false
	}
	if !b.toolhead.IsHomed() {
		b.msg.Warnf("toolhead is not homed, brush return")
		return false
	}
	b.setRunning(true)
	defer b.setRunning(false)

	b.msg.Debugf("brush begin")
	b.fanCooldown()
	b.wipe()
	b.peck()
	b.msg.Debugf("brush finish")
	return true
}

// Brush implements the fault handler's brush hook.
func (b *Brush) Brush() bool { return b.MMSBrush() }
