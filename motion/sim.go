package motion

import (
	"fmt"
	"sync"
	"time"
)

// Sim is an in-memory engine. Motor motion is integrated against a
// wall-clock derived print time and reported through motion hooks so a
// test harness can model the filament path and flip sensors at the right
// distances.
type Sim struct {
	scale float64
	start time.Time

	mu     sync.Mutex
	motors map[string]*simMotor
	hooks  []func(motor string, delta float64)

	done chan struct{}
}

// NewSim creates a simulator. scale multiplies the print-time clock so
// tests can run second-long moves in milliseconds; 1 is real time.
func NewSim(scale float64) *Sim {
	if scale <= 0 {
		scale = 1
	}
	s := &Sim{
		scale:  scale,
		start:  time.Now(),
		motors: make(map[string]*simMotor),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// AddMotor registers a motor before use.
func (s *Sim) AddMotor(name string, stepDist float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motors[name] = &simMotor{
		sim:      s,
		name:     name,
		stepDist: stepDist,
		halt:     make(chan struct{}, 1),
	}
}

// OnMotion registers a hook receiving every motor position change. Hooks
// run on the simulator goroutine and must not block.
func (s *Sim) OnMotion(hook func(motor string, delta float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Sim) Close() { close(s.done) }

func (s *Sim) PrintTime() float64 {
	return time.Since(s.start).Seconds() * s.scale
}

func (s *Sim) Motor(name string) (Motor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.motors[name]
	if !ok {
		return nil, fmt.Errorf("motion: unknown motor %q", name)
	}
	return m, nil
}

func (s *Sim) ExpireMovesBefore(printTime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.motors {
		m.expire(printTime)
	}
}

// run advances queued trapezoid moves. Homing moves integrate on their own
// goroutine inside HomingMove.
func (s *Sim) run() {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-tick.C:
		}
		now := s.PrintTime()
		type change struct {
			name  string
			delta float64
		}
		var changes []change
		s.mu.Lock()
		for _, m := range s.motors {
			if d := m.advance(now); d != 0 {
				changes = append(changes, change{m.name, d})
			}
		}
		hooks := s.hooks
		s.mu.Unlock()
		for _, c := range changes {
			for _, h := range hooks {
				h(c.name, c.delta)
			}
		}
	}
}

func (s *Sim) notify(name string, delta float64) {
	s.mu.Lock()
	hooks := s.hooks
	s.mu.Unlock()
	for _, h := range hooks {
		h(name, delta)
	}
}

type simMove struct {
	start, end float64
	prof       Profile
	walked     float64 // distance already applied, unsigned
}

type simMotor struct {
	sim      *Sim
	name     string
	stepDist float64

	mu       sync.Mutex
	pos      float64 // commanded position, mm
	mcuSteps int64
	queue    []simMove
	homing   bool

	halt chan struct{}
}

func (m *simMotor) Name() string         { return m.name }
func (m *simMotor) StepDistance() float64 { return m.stepDist }

func (m *simMotor) AppendTrapezoid(start float64, prof Profile) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := start + prof.Duration()
	m.queue = append(m.queue, simMove{start: start, end: end, prof: prof})
	return end
}

func (m *simMotor) GenerateSteps(printTime float64) {}
func (m *simMotor) FlushMoves(printTime float64)    {}

func (m *simMotor) SetPosition(pos float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = pos
}

func (m *simMotor) CommandedPosition() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

func (m *simMotor) MCUPosition() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mcuSteps
}

func (m *simMotor) expire(printTime float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.queue[:0]
	for _, mv := range m.queue {
		if mv.end > printTime {
			kept = append(kept, mv)
		}
	}
	m.queue = kept
}

// advance applies queued motion up to print time now. Linear progress is a
// sufficient model for the sensors watching it. Called under sim.mu.
func (m *simMotor) advance(now float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var delta float64
	kept := m.queue[:0]
	for _, mv := range m.queue {
		total := mv.prof.Distance
		dur := mv.end - mv.start
		var due float64
		switch {
		case now <= mv.start:
			due = 0
		case now >= mv.end || dur <= 0:
			due = total
		default:
			due = total * (now - mv.start) / dur
		}
		step := due - signed(mv.walked, total)
		if step != 0 {
			delta += step
			mv.walked += abs(step)
		}
		if now < mv.end {
			kept = append(kept, mv)
		}
	}
	m.queue = kept
	if delta != 0 {
		m.applyDelta(delta)
	}
	return delta
}

func (m *simMotor) applyDelta(delta float64) {
	m.pos += delta
	m.mcuSteps += int64(delta / m.stepDist)
}

func signed(walked, total float64) float64 {
	if total < 0 {
		return -walked
	}
	return walked
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// HomingMove integrates position in small print-time steps, notifying
// motion hooks after each step so the harness can flip pins, then checks
// the armed endstops. The first endstop at the wanted polarity ends the
// move.
func (m *simMotor) HomingMove(endstops []EndstopPair, movepos, speed float64, triggered bool) (string, error) {
	// Drain a stale halt request.
	select {
	case <-m.halt:
	default:
	}
	// A pre-triggered endstop ends the move before any motion.
	for _, es := range endstops {
		if es.Endstop != nil && es.Endstop.IsTriggered() == triggered {
			return es.Name, nil
		}
	}
	dir := 1.0
	if movepos < 0 {
		dir = -1
	}
	remain := abs(movepos)
	m.mu.Lock()
	m.homing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.homing = false
		m.mu.Unlock()
	}()

	// Integrate in small distance chunks so endstops observe sub-mm
	// resolution regardless of the clock scale.
	const wallStep = time.Millisecond
	const maxChunk = 0.5
	for remain > 0 {
		select {
		case <-m.halt:
			return "", nil
		case <-time.After(wallStep):
		}
		d := speed * wallStep.Seconds() * m.sim.scale
		if d > remain {
			d = remain
		}
		remain -= d
		for d > 0 {
			chunk := d
			if chunk > maxChunk {
				chunk = maxChunk
			}
			d -= chunk
			m.mu.Lock()
			m.applyDelta(dir * chunk)
			m.mu.Unlock()
			m.sim.notify(m.name, dir*chunk)
			for _, es := range endstops {
				if es.Endstop != nil && es.Endstop.IsTriggered() == triggered {
					return es.Name, nil
				}
			}
		}
	}
	return "", nil
}

func (m *simMotor) RequestHalt() {
	m.mu.Lock()
	homing := m.homing
	m.mu.Unlock()
	if !homing {
		return
	}
	select {
	case m.halt <- struct{}{}:
	default:
	}
}
