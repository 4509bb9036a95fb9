// Package observer watches the host print state and fans out progress
// transitions (started, paused, resumed, finished) to registered
// callbacks, including the once-shot resume hooks the fault handlers use.
package observer

import (
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/host"
)

// Progress names the observed print phases.
type Progress string

const (
	Idle     Progress = "idle"
	Started  Progress = "started"
	Pausing  Progress = "pausing"
	Paused   Progress = "paused"
	Resumed  Progress = "resumed"
	Finished Progress = "finished"
)

// taskPeriod is the poll period of the observer.
const taskPeriod = 200 * time.Millisecond

// PrintObserver polls the host print statistics and dispatches progress
// callbacks on its own goroutine.
type PrintObserver struct {
	msg   log.MsgStream
	stats host.PrintStats

	mu       sync.Mutex
	progress Progress

	callbacks  *callbackSet
	disposable *callbackSet

	done chan struct{}
	once sync.Once
}

func New(stats host.PrintStats, msg log.MsgStream) *PrintObserver {
	o := &PrintObserver{
		msg:        msg,
		stats:      stats,
		progress:   Idle,
		callbacks:  newCallbackSet(),
		disposable: newCallbackSet(),
		done:       make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *PrintObserver) Stop() { o.once.Do(func() { close(o.done) }) }

func (o *PrintObserver) run() {
	tick := time.NewTicker(taskPeriod)
	defer tick.Stop()
	var prevPrinting, prevPaused, prevFinished bool
	for {
		select {
		case <-o.done:
			return
		case <-tick.C:
		}
		printing := o.stats.IsPrinting()
		paused := o.stats.IsPaused()
		finished := o.stats.IsFinished()
		if printing == prevPrinting && paused == prevPaused && finished == prevFinished {
			continue
		}
		prevPrinting, prevPaused, prevFinished = printing, paused, finished

		var next Progress
		switch {
		case printing:
			if o.Progress() == Paused {
				next = Resumed
			} else {
				next = Started
			}
		case o.stats.HasPauseFlag() && !paused:
			next = Pausing
		case paused:
			next = Paused
		case finished:
			next = Finished
		default:
			continue
		}
		o.setProgress(next)
		o.msg.Infof("print new progress: '%s'", next)
		o.callbacks.handle(next, o.msg)
		o.disposable.handleOnce(next, o.msg)
	}
}

func (o *PrintObserver) setProgress(p Progress) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
}

func (o *PrintObserver) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

func (o *PrintObserver) IsPrinting() bool { return o.stats.IsPrinting() }
func (o *PrintObserver) IsPaused() bool   { return o.stats.IsPaused() }
func (o *PrintObserver) IsFinished() bool { return o.stats.IsFinished() }

// Status reports the observer view for the status surface.
func (o *PrintObserver) Status() map[string]any {
	return map[string]any{
		"progress": string(o.Progress()),
		"filename": o.stats.Filename(),
	}
}

// ---- Registration ----

func (o *PrintObserver) RegisterStartCallback(cb func())  { o.callbacks.register(Started, cb) }
func (o *PrintObserver) RegisterFinishCallback(cb func()) { o.callbacks.register(Finished, cb) }
func (o *PrintObserver) RegisterResumeCallback(cb func()) { o.callbacks.register(Resumed, cb) }
func (o *PrintObserver) RegisterPauseCallback(cb func())  { o.callbacks.register(Paused, cb) }

// RegisterResumeCallbackDisposable fires cb once on the next resume and
// forgets it.
func (o *PrintObserver) RegisterResumeCallbackDisposable(cb func()) {
	o.disposable.register(Resumed, cb)
}

type callbackSet struct {
	mu        sync.Mutex
	callbacks map[Progress][]func()
}

func newCallbackSet() *callbackSet {
	return &callbackSet{callbacks: make(map[Progress][]func())}
}

func (s *callbackSet) register(p Progress, cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[p] = append(s.callbacks[p], cb)
}

func (s *callbackSet) take(p Progress, clear bool) []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbs := s.callbacks[p]
	if clear {
		s.callbacks[p] = nil
	}
	return cbs
}

func (s *callbackSet) handle(p Progress, msg log.MsgStream) {
	for _, cb := range s.take(p, false) {
		runCallback(cb, p, msg)
	}
}

func (s *callbackSet) handleOnce(p Progress, msg log.MsgStream) {
	for _, cb := range s.take(p, true) {
		runCallback(cb, p, msg)
	}
}

func runCallback(cb func(), p Progress, msg log.MsgStream) {
	defer func() {
		if r := recover(); r != nil {
			msg.Errorf("'%s' callback error: %v", p, r)
		}
	}()
	cb()
}
