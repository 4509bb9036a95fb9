package swap

import (
	"sync"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/host"
)

// Cut drives the toolhead through the filament cutter lever.
type Cut struct {
	cfg      config.Cut
	msg      log.MsgStream
	toolhead host.Toolhead

	mu      sync.Mutex
	running bool
}

func NewCut(cfg config.Cut, toolhead host.Toolhead, msg log.MsgStream) *Cut {
	return &Cut{cfg: cfg, msg: msg, toolhead: toolhead}
}

func (c *Cut) Enabled() bool { return c.cfg.Enable }

func (c *Cut) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// CutInit parks the toolhead at the cutter approach point.
func (c *Cut) CutInit() {
	c.toolhead.MoveXY(c.cfg.InitX, c.cfg.InitY, c.cfg.CutSpeed)
	c.toolhead.WaitMoves()
}

// MMSCut performs one cut stroke and returns to the approach point.
func (c *Cut) MMSCut() bool {
	if !c.Enabled() {
		c.msg.Debugf("cut is disabled, skip...")
		return true
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.msg.Warnf("another cut is running, return")
		return false
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if !c.toolhead.IsHomed() {
		c.msg.Warnf("toolhead is not homed, cut return")
		return false
	}
	c.msg.Debugf("cut begin")
	c.CutInit()
	c.toolhead.MoveXY(c.cfg.CutX, c.cfg.CutY, c.cfg.CutSpeed)
	c.toolhead.WaitMoves()
	c.CutInit()
	c.msg.Debugf("cut finish")
	return true
}
