package fault

import (
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/gcode"
	"bigtreetech.com/mms/host"
)

// ResumeHook is the scheduled-resume command, typically the failing swap
// invocation. It reports whether the retry succeeded.
type ResumeHook func(cmd *gcode.Command) bool

// Resume replaces the host resume command. When the MMS paused the print,
// a resume first re-runs the registered hook; only a successful hook (or
// no hook) lets the host's own resume advance.
type Resume struct {
	msg      log.MsgStream
	pr       host.PauseResume
	toolhead host.Toolhead
	pause    *Pause

	mu       sync.Mutex
	resuming bool
	hook     ResumeHook
	hookCmd  *gcode.Command
}

func NewResume(pr host.PauseResume, toolhead host.Toolhead, pause *Pause, msg log.MsgStream) *Resume {
	r := &Resume{msg: msg, pr: pr, toolhead: toolhead, pause: pause}
	pause.SetResume(r)
	// Take over the host resume path.
	pr.ReplaceResume(func() { r.MMSResume() })
	return r
}

func (r *Resume) IsResuming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resuming
}

// SetSwapResume registers the command re-run on the next resume.
func (r *Resume) SetSwapResume(hook ResumeHook, cmd *gcode.Command) {
	r.mu.Lock()
	r.hook = hook
	r.hookCmd = cmd
	r.mu.Unlock()
	r.msg.Infof("'%s' is set as mms_swap resume command", cmd)
}

// GcodeResume issues a resume exactly as the RESUME command would; the
// takeover routes it through MMSResume.
func (r *Resume) GcodeResume() { r.MMSResume() }

func (r *Resume) resumeSwap() bool {
	r.mu.Lock()
	hook, cmd := r.hook, r.hookCmd
	// Cleared early: a failing hook may register a fresh pause and a new
	// hook of its own.
	r.hook, r.hookCmd = nil, nil
	r.mu.Unlock()

	if hook == nil || cmd == nil {
		r.msg.Warnf("no mms_swap resume is set, continue with origin resume command")
		return true
	}
	r.msg.Infof("mms_resume resume command '%s' begin", cmd)
	// Bring the extruder back to its pre-pause target.
	r.toolhead.RestoreTargetTemp()
	ok := hook(cmd)
	if ok {
		r.msg.Infof("mms_resume resume command '%s' finish", cmd)
	}
	return ok
}

// MMSResume runs the MMS side of a resume, then forwards to the host's
// original resume so its own state advances. A failed hook re-latches the
// pause and re-asserts the host paused flag shortly after, once the
// in-flight resume request has unwound.
func (r *Resume) MMSResume() bool {
	r.mu.Lock()
	if r.resuming {
		r.mu.Unlock()
		r.msg.Warnf("mms_resume is resuming, return...")
		return false
	}
	r.resuming = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.resuming = false
		r.mu.Unlock()
	}()

	r.msg.Debugf("mms_resume begin")
	if r.pause.IsMMSPaused() {
		// Drop the paused markers before the hook runs; its motion
		// needs a live print state.
		r.pr.SetPaused(false)
		r.pause.freeMMSPaused()

		if !r.resumeSwap() {
			r.msg.Warnf("mms_resume resume failed, resume abort...")
			r.pause.setMMSPaused()
			time.AfterFunc(time.Second, func() {
				r.pr.SetPaused(true)
			})
			return false
		}
	}
	r.msg.Debugf("mms_resume wakeup origin resume command")
	r.pr.SendResumeCommand()
	r.msg.Debugf("mms_resume finish")
	return true
}

// RegisterCommands installs MMS_RESUME.
func (r *Resume) RegisterCommands(reg gcode.Registry) {
	reg.Register("MMS_RESUME", func(cmd *gcode.Command) error {
		r.MMSResume()
		return nil
	})
}
