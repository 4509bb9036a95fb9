// Package autoload reacts to a freshly inserted filament: when a slot's
// inlet triggers while the machine is idle, the other loading slots are
// unloaded and the new slot is prepared at its gate. The reactor is
// single flight and restartable; a newer insert stops the one in
// progress.
package autoload

import (
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/delivery"
	"bigtreetech.com/mms/host"
)

// Autoload is the new-filament reactor.
type Autoload struct {
	cfg      config.Autoload
	msg      log.MsgStream
	core     delivery.Core
	delivery *delivery.Delivery
	toolhead host.Toolhead

	mu          sync.Mutex
	readyAt     time.Time
	hasReadyAt  bool
	delayDone   bool
	inProgress  bool
	shouldBreak bool
}

func New(cfg config.Autoload, core delivery.Core, dlv *delivery.Delivery, toolhead host.Toolhead, msg log.MsgStream) *Autoload {
	return &Autoload{cfg: cfg, msg: msg, core: core, delivery: dlv, toolhead: toolhead}
}

// SetReady starts the boot-suppression delay; spurious inlet edges right
// after startup never autoload.
func (a *Autoload) SetReady() {
	a.mu.Lock()
	a.readyAt = time.Now()
	a.hasReadyAt = true
	a.mu.Unlock()
}

func (a *Autoload) IsInProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inProgress
}

func (a *Autoload) delaySatisfied() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.delayDone {
		return true
	}
	if !a.hasReadyAt || time.Since(a.readyAt).Seconds() <= a.cfg.DelaySeconds {
		return false
	}
	a.delayDone = true
	return true
}

func (a *Autoload) steppersRunning() bool {
	for _, s := range a.core.Slots() {
		if s.Drive().IsRunning() || s.Selector().IsRunning() {
			return true
		}
	}
	return false
}

func (a *Autoload) canExecute() bool {
	if !a.delaySatisfied() {
		return false
	}
	if a.IsInProgress() {
		// Restart path: the running task will be stopped first.
		return true
	}
	checks := []struct {
		cond func() bool
		name string
	}{
		{a.steppersRunning, "stepper is running"},
		{a.core.IsShutdown, "printer is shutdown"},
		{a.core.IsPrinting, "printer is printing"},
		{a.core.IsPaused, "printer is paused"},
		{a.core.IsResuming, "printer is resuming"},
		{a.toolhead.IsBusy, "toolhead is busy"},
	}
	for _, c := range checks {
		if c.cond() {
			a.msg.Debugf("autoload skip: %s", c.name)
			return false
		}
	}
	return true
}

// Execute fires the reactor for a newly inserted slot. It is called from
// the inlet edge callback and never blocks: the work runs on the
// single-flight task goroutine.
func (a *Autoload) Execute(slotNum int) {
	if !a.canExecute() {
		return
	}
	s, err := a.core.Slot(slotNum)
	if err != nil {
		return
	}
	if !s.IsReady() {
		a.msg.Warnf("slot[%d] is not new insert, autoload skip...", slotNum)
		return
	}
	a.msg.Infof("slot[%d] is new insert, ready for autoload", slotNum)

	go func() {
		// A running autoload yields to the newer insert.
		if a.IsInProgress() {
			a.stopCurrent()
			time.Sleep(time.Duration(a.cfg.ExecuteStopDelay * float64(time.Second)))
		}
		a.mu.Lock()
		if a.inProgress {
			a.mu.Unlock()
			a.msg.Warnf("slot[%d] autoload still busy, skip...", slotNum)
			return
		}
		a.inProgress = true
		a.shouldBreak = false
		a.mu.Unlock()
		a.run(slotNum)
	}()
}

func (a *Autoload) stopCurrent() {
	current, ok := a.core.CurrentSlot()
	if !ok {
		return
	}
	a.mu.Lock()
	a.shouldBreak = true
	a.mu.Unlock()
	a.delivery.MMSStop(current)
	a.msg.Infof("slot[%d] autoload stop", current)
}

func (a *Autoload) run(slotNum int) {
	a.msg.Infof("slot[%d] autoload begin", slotNum)
	defer func() {
		a.mu.Lock()
		a.inProgress = false
		a.mu.Unlock()
		a.msg.Infof("slot[%d] autoload end", slotNum)
	}()

	if err := a.delivery.UnloadLoadingSlots(slotNum); err != nil {
		a.msg.Errorf("slot[%d] autoload unload other slots error: %v", slotNum, err)
	}
	a.mu.Lock()
	broken := a.shouldBreak
	a.mu.Unlock()
	if broken {
		return
	}

	s, err := a.core.Slot(slotNum)
	if err != nil {
		return
	}
	if r := s.RFID(); r != nil && r.Enabled() {
		done := r.Scope()
		defer done()
	}
	if s.IsReady() {
		a.delivery.MMSPrepare(slotNum)
	}
}
