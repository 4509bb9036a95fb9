// Package fault owns the print-interruption machinery of the MMS: the
// pause latch, the resume takeover with its registered swap-resume hook,
// and the filament-fracture fault handlers.
package fault

import (
	"sync"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/gcode"
	"bigtreetech.com/mms/host"
)

// Pause is the single-entry pause gate. It remembers that the MMS, not
// the user, paused the print so the resume side knows to run the
// registered hook first.
type Pause struct {
	msg      log.MsgStream
	stats    host.PrintStats
	pr       host.PauseResume
	toolhead host.Toolhead

	resume *Resume

	mu    sync.Mutex
	latch bool
}

func NewPause(stats host.PrintStats, pr host.PauseResume, toolhead host.Toolhead, msg log.MsgStream) *Pause {
	return &Pause{msg: msg, stats: stats, pr: pr, toolhead: toolhead}
}

// SetResume wires the resume side; both are built by the core.
func (p *Pause) SetResume(r *Resume) { p.resume = r }

func (p *Pause) IsMMSPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latch
}

func (p *Pause) setMMSPaused() {
	p.mu.Lock()
	p.latch = true
	p.mu.Unlock()
}

func (p *Pause) freeMMSPaused() {
	p.mu.Lock()
	p.latch = false
	p.mu.Unlock()
}

// MMSPause pauses the print on behalf of the MMS. Re-entry while already
// latched, or while the print is already settled (paused/finished outside
// a resume attempt), is a no-op returning false.
func (p *Pause) MMSPause() bool {
	resuming := p.resume != nil && p.resume.IsResuming()
	if (p.stats.IsPaused() || p.stats.IsFinished()) && !resuming {
		p.msg.Debugf("mms_pause skip, print already settled")
		return false
	}
	if p.IsMMSPaused() {
		return false
	}
	p.msg.Debugf("mms_pause begin")
	p.setMMSPaused()
	// Save the extruder target so resume can restore it.
	p.toolhead.SaveTargetTemp()
	p.pr.SendPauseCommand()
	p.msg.Debugf("mms_pause finish")
	return true
}

// RegisterCommands installs MMS_PAUSE.
func (p *Pause) RegisterCommands(reg gcode.Registry) {
	reg.Register("MMS_PAUSE", func(cmd *gcode.Command) error {
		p.MMSPause()
		return nil
	})
}
