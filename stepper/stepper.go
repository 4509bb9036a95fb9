// Package stepper implements the per-motor move state machine of the MMS:
// bounded manual moves, endstop-terminated homing moves, drip moves, and
// the cooperative cancellation paths. A Stepper serializes its own motion
// with a hard is-running lock; a second move while one is in flight is
// refused, never queued.
package stepper

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"

	"bigtreetech.com/mms/motion"
)

// ErrAlreadyRunning is returned when a move is started while another one
// is in flight on the same stepper.
var ErrAlreadyRunning = errors.New("stepper: already running")

// MoveKind discriminates the active move primitive.
type MoveKind int

const (
	KindNone MoveKind = iota
	KindManualMove
	KindManualHome
)

func (k MoveKind) String() string {
	switch k {
	case KindManualMove:
		return "manual_move"
	case KindManualHome:
		return "manual_home"
	}
	return "none"
}

// MoveStatus is the outcome state of the current or last move.
type MoveStatus int

const (
	// Ready means the stepper never ran since startup.
	Ready MoveStatus = iota
	Moving
	// Completed by a pin edge of the armed polarity.
	Completed
	// Terminated by a cooperative cancel.
	Terminated
	// Expired: the move ran its full course without an edge.
	Expired
	// Error: an engine-level fault; fatal.
	Error
)

func (s MoveStatus) String() string {
	switch s {
	case Ready:
		return "ready"
	case Moving:
		return "moving"
	case Completed:
		return "completed"
	case Terminated:
		return "terminated"
	case Expired:
		return "expired"
	case Error:
		return "error"
	}
	return "unknown"
}

const (
	// Settle margin added when waiting for the queue to flush, in
	// print-time seconds.
	waitDelay = 0.05
	// Margin added to the estimated print time when scheduling a move.
	intervalTime = 1.0

	pollPeriod = 2 * time.Millisecond
)

// NoSlot is the focus-slot value when the stepper serves no slot.
const NoSlot = -1

// Stepper drives one motor through the motion engine.
type Stepper struct {
	name    string
	mmsName string
	index   int
	msg     log.MsgStream

	engine motion.Engine
	motor  motion.Motor

	// emergency escalates engine-level faults to the host.
	emergency func(error)

	dripSegment float64

	mu            sync.Mutex
	focusSlot     int
	running       bool
	forward       bool
	canCalibrate  bool
	dripBreak     bool
	moveKind      MoveKind
	moveStatus    MoveStatus
	endPrintTime  float64
	stepsMoved    int64
	distanceMoved float64

	onRunning []func()
	onIdle    []func()
}

// New builds a stepper bound to the named engine motor.
func New(name, mmsName string, eng motion.Engine, msg log.MsgStream, emergency func(error)) (*Stepper, error) {
	motor, err := eng.Motor(name)
	if err != nil {
		return nil, err
	}
	if emergency == nil {
		emergency = func(error) {}
	}
	return &Stepper{
		name:        name,
		mmsName:     mmsName,
		msg:         msg,
		engine:      eng,
		motor:       motor,
		emergency:   emergency,
		dripSegment: 0.2,
		focusSlot:   NoSlot,
		moveStatus:  Ready,
	}, nil
}

func (s *Stepper) Name() string        { return s.name }
func (s *Stepper) MMSName() string     { return s.mmsName }
func (s *Stepper) Motor() motion.Motor { return s.motor }

func (s *Stepper) SetIndex(i int) { s.index = i }
func (s *Stepper) Index() int     { return s.index }

func (s *Stepper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsInit reports that the stepper never moved since startup.
func (s *Stepper) IsInit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveStatus == Ready
}

func (s *Stepper) UpdateFocusSlot(slot int) {
	s.mu.Lock()
	s.focusSlot = slot
	s.mu.Unlock()
}

// FocusSlot returns the slot the stepper is serving and whether one is
// set.
func (s *Stepper) FocusSlot() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focusSlot, s.focusSlot != NoSlot
}

func (s *Stepper) MoveStatus() MoveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveStatus
}

func (s *Stepper) MoveIsCompleted() bool  { return s.MoveStatus() == Completed }
func (s *Stepper) MoveIsTerminated() bool { return s.MoveStatus() == Terminated }
func (s *Stepper) MoveIsError() bool      { return s.MoveStatus() == Error }

func (s *Stepper) StepsMoved() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepsMoved
}

func (s *Stepper) DistanceMoved() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.distanceMoved
}

// CanCalibrate reports whether the last homing move permits the selector
// refine calibration. A pre-triggered endstop clears it.
func (s *Stepper) CanCalibrate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canCalibrate
}

func (s *Stepper) SetDripSegment(mm float64) {
	if mm > 0 {
		s.dripSegment = mm
	}
}

// OnRunning and OnIdle register observers of the running state. They run
// on the moving goroutine.
func (s *Stepper) OnRunning(f func()) {
	s.mu.Lock()
	s.onRunning = append(s.onRunning, f)
	s.mu.Unlock()
}

func (s *Stepper) OnIdle(f func()) {
	s.mu.Lock()
	s.onIdle = append(s.onIdle, f)
	s.mu.Unlock()
}

// Status snapshots the stepper for logging and the status surface.
func (s *Stepper) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	focus := any(nil)
	if s.focusSlot != NoSlot {
		focus = s.focusSlot
	}
	return map[string]any{
		"index":          s.index,
		"name":           s.name,
		"mms_name":       s.mmsName,
		"focus_slot":     focus,
		"is_running":     s.running,
		"forward":        s.forward,
		"move_type":      s.moveKind.String(),
		"move_status":    s.moveStatus.String(),
		"step_dist":      s.motor.StepDistance(),
		"steps_moved":    s.stepsMoved,
		"distance_moved": math.Round(s.distanceMoved*10000) / 10000,
	}
}

// begin acquires the exclusive running state. Callers must call the
// returned finish func on every exit path.
func (s *Stepper) begin(kind MoveKind, forward bool) (finish func(), err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.msg.Warnf("[%s] is still running, move skip...", s.mmsName)
		return nil, ErrAlreadyRunning
	}
	s.running = true
	s.forward = forward
	s.moveKind = kind
	s.moveStatus = Moving
	s.dripBreak = false
	running := append([]func(){}, s.onRunning...)
	s.mu.Unlock()
	for _, f := range running {
		f()
	}
	return func() {
		s.mu.Lock()
		s.running = false
		if s.moveStatus == Moving {
			// Neither completed nor terminated.
			s.moveStatus = Expired
		}
		idle := append([]func(){}, s.onIdle...)
		s.mu.Unlock()
		for _, f := range idle {
			f()
		}
	}, nil
}

func (s *Stepper) waitPrintTime(target float64) {
	for s.engine.PrintTime() < target {
		time.Sleep(pollPeriod)
	}
}

// schedulePrintTime computes the start time of the next move, waiting out
// the previous one if the queue has not drained yet.
func (s *Stepper) schedulePrintTime() float64 {
	pt := s.engine.PrintTime() + intervalTime
	s.mu.Lock()
	end := s.endPrintTime
	kind := s.moveKind
	s.mu.Unlock()
	if pt < end {
		s.msg.Infof("[%s] %s wait:%.2f...", s.mmsName, kind, end-pt)
		s.waitPrintTime(end + waitDelay)
		pt = s.engine.PrintTime() + intervalTime
	}
	return pt
}

func (s *Stepper) beginTracking() int64 {
	start := s.motor.MCUPosition()
	s.mu.Lock()
	s.stepsMoved = 0
	s.distanceMoved = 0
	s.mu.Unlock()
	return start
}

func (s *Stepper) endTracking(start int64) {
	steps := s.motor.MCUPosition() - start
	s.mu.Lock()
	s.stepsMoved = steps
	s.distanceMoved = float64(steps) * s.motor.StepDistance()
	s.mu.Unlock()
	// Reset position to keep the step compressor window small.
	s.motor.SetPosition(0)
}

// ManualMove runs a bounded trapezoid move and blocks until the motion
// queue's print time passes its end. Natural completion leaves the move
// Expired since no endstop was armed.
func (s *Stepper) ManualMove(distance, speed, accel float64) error {
	finish, err := s.begin(KindManualMove, distance >= 0)
	if err != nil {
		return err
	}
	defer finish()

	start := s.beginTracking()
	defer s.endTracking(start)

	pt := s.schedulePrintTime()
	prof := motion.Trapezoid(distance, speed, accel)
	end := s.motor.AppendTrapezoid(pt, prof)
	s.motor.GenerateSteps(end)
	s.motor.FlushMoves(end)
	s.mu.Lock()
	s.endPrintTime = end
	s.mu.Unlock()
	s.waitPrintTime(end)
	return nil
}

// TerminateManualMove marks the in-flight manual move terminated.
func (s *Stepper) TerminateManualMove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.msg.Warnf("[%s] is not running, terminate failed", s.mmsName)
		return
	}
	s.moveStatus = Terminated
}

// ManualHome arms the endstop set and homes toward sign(forward)·|distance|.
// The move ends on the first edge matching trigger on any endstop, on a
// host-request break, or when the distance is exhausted. It returns the
// resulting move status; engine faults escalate to the emergency hook.
func (s *Stepper) ManualHome(distance, speed, accel float64, forward, trigger bool, endstops []motion.EndstopPair) (MoveStatus, error) {
	finish, err := s.begin(KindManualHome, forward)
	if err != nil {
		return s.MoveStatus(), err
	}
	defer finish()

	s.mu.Lock()
	s.canCalibrate = true
	end := s.endPrintTime
	s.mu.Unlock()
	// Let the shared queue drain before arming.
	s.waitPrintTime(end)

	movepos := math.Abs(distance)
	if !forward {
		movepos = -movepos
	}
	_ = accel // Homing acceleration is applied engine-side.

	start := s.beginTracking()
	endstopName, err := s.motor.HomingMove(endstops, movepos, speed, trigger)
	s.endTracking(start)
	s.mu.Lock()
	s.endPrintTime = s.engine.PrintTime()
	s.mu.Unlock()
	if err != nil {
		s.mu.Lock()
		s.moveStatus = Error
		s.mu.Unlock()
		err = fmt.Errorf("[%s] manual_home: %w", s.mmsName, err)
		s.msg.Errorf("%v", err)
		s.emergency(err)
		return Error, err
	}
	if endstopName != "" && s.StepsMoved() == 0 {
		// The endstop was pre-triggered; the move never happened and
		// any follow-up refine calibration must be skipped.
		s.CompleteManualHome()
		s.mu.Lock()
		s.canCalibrate = false
		s.mu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.moveStatus == Moving {
		// The distance ran out without an edge.
		s.moveStatus = Expired
	}
	return s.moveStatus, nil
}

// CompleteManualHome reports the outstanding homing move finished by a pin
// edge. Called from the pin callback while the move is in flight.
func (s *Stepper) CompleteManualHome() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.msg.Warnf("[%s] is not running, complete failed", s.mmsName)
		return
	}
	s.moveStatus = Completed
}

// TerminateManualHome is the cooperative cancel path; it is always paired
// with a host-request break of the trigger-sync dispatch.
func (s *Stepper) TerminateManualHome() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.msg.Warnf("[%s] is not running, terminate failed...", s.mmsName)
		return
	}
	s.moveStatus = Terminated
}

// DripMove runs the distance in small segments, checking for a break
// between segments. The buffer and autoload paths use it where a long
// move must stay interruptible.
func (s *Stepper) DripMove(distance, speed, accel float64) error {
	finish, err := s.begin(KindManualMove, distance >= 0)
	if err != nil {
		return err
	}
	defer finish()

	start := s.beginTracking()
	defer s.endTracking(start)

	dir := 1.0
	if distance < 0 {
		dir = -1
	}
	remain := math.Abs(distance)
	for remain > 0 {
		s.mu.Lock()
		broken := s.dripBreak
		s.mu.Unlock()
		if broken {
			return nil
		}
		seg := math.Min(remain, s.dripSegment)
		remain -= seg
		pt := s.schedulePrintTime()
		prof := motion.Trapezoid(dir*seg, speed, accel)
		end := s.motor.AppendTrapezoid(pt, prof)
		s.motor.GenerateSteps(end)
		s.motor.FlushMoves(end)
		s.mu.Lock()
		s.endPrintTime = end
		s.mu.Unlock()
		s.waitPrintTime(end)
	}
	return nil
}

// TerminateDripMove breaks an in-flight drip move at the next segment
// boundary.
func (s *Stepper) TerminateDripMove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.msg.Warnf("[%s] is not running, terminate failed", s.mmsName)
		return
	}
	s.dripBreak = true
	s.moveStatus = Terminated
}

// RequestHalt forwards the host-request break to the motor's dispatch.
func (s *Stepper) RequestHalt() { s.motor.RequestHalt() }
