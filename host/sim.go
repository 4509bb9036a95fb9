package host

import (
	"math"
	"sync"
)

// SimPrinter is an in-memory Printer/PrintStats/PauseResume for tests.
// State transitions are driven by the test harness.
type SimPrinter struct {
	mu sync.Mutex

	shutdown bool
	lastErr  error

	printing bool
	paused   bool
	finished bool
	filename string

	pauseFlag bool

	resumeFn func()

	pauses  int
	resumes int
}

func NewSimPrinter() *SimPrinter { return &SimPrinter{} }

func (p *SimPrinter) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

func (p *SimPrinter) EmergencyStop(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	p.lastErr = err
}

func (p *SimPrinter) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// StartPrint, FinishPrint and Shutdown drive the simulated host state.
func (p *SimPrinter) StartPrint(filename string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printing = true
	p.paused = false
	p.finished = false
	p.filename = filename
}

func (p *SimPrinter) FinishPrint() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printing = false
	p.paused = false
	p.finished = true
}

func (p *SimPrinter) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
}

func (p *SimPrinter) IsPrinting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.printing && !p.paused
}

func (p *SimPrinter) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *SimPrinter) IsFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

func (p *SimPrinter) HasPauseFlag() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauseFlag
}

func (p *SimPrinter) IsBusyPrinting() bool { return p.IsPrinting() }

func (p *SimPrinter) Filename() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filename
}

func (p *SimPrinter) SendPauseCommand() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.pauses++
}

func (p *SimPrinter) SendResumeCommand() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.resumes++
}

func (p *SimPrinter) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
}

func (p *SimPrinter) ReplaceResume(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumeFn = fn
}

// RequestResume emulates the user pressing resume: the replacement
// handler wins when installed.
func (p *SimPrinter) RequestResume() {
	p.mu.Lock()
	fn := p.resumeFn
	p.mu.Unlock()
	if fn != nil {
		fn()
		return
	}
	p.SendResumeCommand()
}

func (p *SimPrinter) Counts() (pauses, resumes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauses, p.resumes
}

// SimToolhead is an in-memory Toolhead.
type SimToolhead struct {
	mu sync.Mutex

	homed bool
	busy  bool

	x, y, z   float64
	moveSpeed float64

	snapshot *[3]float64
	hasSnap  bool
}

func NewSimToolhead() *SimToolhead { return &SimToolhead{homed: true} }

func (t *SimToolhead) SetHomed(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.homed = v
}

func (t *SimToolhead) SetBusy(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busy = v
}

func (t *SimToolhead) IsHomed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.homed
}

func (t *SimToolhead) IsBusy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

func (t *SimToolhead) WaitMoves()           {}
func (t *SimToolhead) Dwell(seconds float64) {}

func (t *SimToolhead) MoveXY(x, y, speed float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.x, t.y = x, y
}

func (t *SimToolhead) RaiseZ(dz float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.z += dz
}

func (t *SimToolhead) LowerZ(dz float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.z -= dz
}

func (t *SimToolhead) XYZ() (x, y, z float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.x, t.y, t.z
}

func (t *SimToolhead) Snapshot() (restore func()) {
	t.mu.Lock()
	snap := [3]float64{t.x, t.y, t.z}
	t.snapshot = &snap
	t.hasSnap = true
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.hasSnap || t.snapshot == nil {
			return
		}
		t.x, t.y, t.z = snap[0], snap[1], snap[2]
		t.snapshot = nil
		t.hasSnap = false
	}
}

func (t *SimToolhead) TruncateSnapshot() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot = nil
	t.hasSnap = false
}

func (t *SimToolhead) SaveTargetTemp()    {}
func (t *SimToolhead) RestoreTargetTemp() {}

func (t *SimToolhead) SetMoveSpeed(mmPerMin float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.moveSpeed = mmPerMin
}

// SimExtruder is an in-memory Extruder; OnMove hooks observe filament
// motion so a world model can consume buffer volume.
type SimExtruder struct {
	mu sync.Mutex

	hot      bool
	pos      float64
	speed    float64
	diameter float64

	hooks []func(delta float64)
}

func NewSimExtruder() *SimExtruder {
	return &SimExtruder{hot: true, diameter: 1.75}
}

func (e *SimExtruder) OnMove(hook func(delta float64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

func (e *SimExtruder) SetHot(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hot = v
}

func (e *SimExtruder) HeatToMinTemp() {}

func (e *SimExtruder) IsHotEnough() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hot
}

func (e *SimExtruder) move(delta float64) {
	e.mu.Lock()
	e.pos += delta
	hooks := append([]func(float64){}, e.hooks...)
	e.mu.Unlock()
	for _, h := range hooks {
		h(delta)
	}
}

func (e *SimExtruder) Extrude(distance, speed float64) { e.move(math.Abs(distance)) }
func (e *SimExtruder) Retract(distance, speed float64) { e.move(-math.Abs(distance)) }

// Advance moves the filament position directly; the buffer tests use it
// to model print-driven consumption.
func (e *SimExtruder) Advance(delta, speed float64) {
	e.mu.Lock()
	e.speed = speed
	e.mu.Unlock()
	e.move(delta)
}

func (e *SimExtruder) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func (e *SimExtruder) PositionSpeed() (float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, e.speed
}

func (e *SimExtruder) FilamentArea() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.diameter / 2
	return math.Pi * r * r
}

// SimFan is an in-memory Fan.
type SimFan struct {
	mu    sync.Mutex
	speed float64
}

func NewSimFan() *SimFan { return &SimFan{} }

func (f *SimFan) SetSpeed(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speed = v
}

func (f *SimFan) Speed() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speed
}
