package motion

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Wire opcodes of the MCU link. Every frame is frameSize bytes, opcode
// first, little endian payload.
const (
	frameSize = 24

	cmdInit      = 0x01
	cmdTrapezoid = 0x10
	cmdFlush     = 0x11
	cmdSetPos    = 0x12
	cmdExpire    = 0x13
	cmdHome      = 0x20
	cmdHalt      = 0x21
	cmdQueryPos  = 0x30
	cmdQueryTime = 0x40

	rspReady    = 0x81
	rspHomeDone = 0xa0
	rspPos      = 0xb0
	rspTime     = 0xc0
)

// Open opens the MCU serial device, falling back to the platform default
// device names when dev is empty.
func Open(dev string) (io.ReadWriteCloser, error) {
	const baudRate = 250000
	var devices []string
	if dev != "" {
		devices = append(devices, dev)
	} else {
		switch runtime.GOOS {
		case "linux":
			devices = append(devices, "/dev/ttyACM0", "/dev/ttyUSB0")
		case "windows":
			devices = append(devices, "COM3")
		}
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("motion: no device specified")
	}
	var firstErr error
	for _, dev := range devices {
		c := &serial.Config{Name: dev, Baud: baudRate}
		s, err := serial.OpenPort(c)
		if err == nil {
			return s, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// SerialEngine drives steppers on an MCU over a byte-framed serial link.
// Motion is queued on the MCU; homing integrates on the MCU while the host
// watches its endstop sensors and halts the move on the matching edge.
type SerialEngine struct {
	dev io.ReadWriteCloser

	wmu   sync.Mutex
	start time.Time

	mu     sync.Mutex
	motors map[string]*serialMotor
	byID   []*serialMotor

	timeC chan float64

	readErr error
	done    chan struct{}
}

// NewSerialEngine initializes the link and registers the configured motor
// names in MCU id order.
func NewSerialEngine(dev io.ReadWriteCloser, stepDist float64, names ...string) (*SerialEngine, error) {
	e := &SerialEngine{
		dev:    dev,
		start:  time.Now(),
		motors: make(map[string]*serialMotor),
		timeC:  make(chan float64, 1),
		done:   make(chan struct{}),
	}
	for i, name := range names {
		m := &serialMotor{
			eng:      e,
			id:       uint8(i),
			name:     name,
			stepDist: stepDist,
			homeDone: make(chan homeResult, 1),
			posC:     make(chan posResult, 1),
		}
		e.motors[name] = m
		e.byID = append(e.byID, m)
	}
	go e.read()
	if err := e.write(frame(cmdInit, 0, 0, 0)); err != nil {
		return nil, fmt.Errorf("motion: init: %w", err)
	}
	return e, nil
}

func (e *SerialEngine) Close() error {
	close(e.done)
	return e.dev.Close()
}

func frame(op, motor uint8, a, b float64) []byte {
	buf := make([]byte, frameSize)
	buf[0] = op
	buf[1] = motor
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(a))
	binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(b))
	return buf
}

func (e *SerialEngine) write(buf []byte) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	_, err := e.dev.Write(buf)
	return err
}

type homeResult struct {
	steps int64
	err   error
}

type posResult struct {
	steps int64
	pos   float64
}

// read routes MCU responses to the motor or clock channels.
func (e *SerialEngine) read() {
	buf := make([]byte, frameSize)
	for {
		select {
		case <-e.done:
			return
		default:
		}
		if _, err := io.ReadFull(e.dev, buf); err != nil {
			e.mu.Lock()
			e.readErr = fmt.Errorf("%w: %v", ErrEngine, err)
			motors := e.byID
			e.mu.Unlock()
			for _, m := range motors {
				select {
				case m.homeDone <- homeResult{err: e.readErr}:
				default:
				}
			}
			return
		}
		op, id := buf[0], buf[1]
		a := math.Float64frombits(binary.LittleEndian.Uint64(buf[8:]))
		b := math.Float64frombits(binary.LittleEndian.Uint64(buf[16:]))
		e.mu.Lock()
		var m *serialMotor
		if int(id) < len(e.byID) {
			m = e.byID[id]
		}
		e.mu.Unlock()
		switch op {
		case rspReady:
		case rspHomeDone:
			if m != nil {
				select {
				case m.homeDone <- homeResult{steps: int64(a)}:
				default:
				}
			}
		case rspPos:
			if m != nil {
				select {
				case m.posC <- posResult{steps: int64(a), pos: b}:
				default:
				}
			}
		case rspTime:
			select {
			case e.timeC <- a:
			default:
			}
		}
	}
}

func (e *SerialEngine) PrintTime() float64 {
	if err := e.write(frame(cmdQueryTime, 0, 0, 0)); err != nil {
		return time.Since(e.start).Seconds()
	}
	select {
	case t := <-e.timeC:
		return t
	case <-time.After(200 * time.Millisecond):
		return time.Since(e.start).Seconds()
	}
}

func (e *SerialEngine) Motor(name string) (Motor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.motors[name]
	if !ok {
		return nil, fmt.Errorf("motion: unknown motor %q", name)
	}
	return m, nil
}

func (e *SerialEngine) ExpireMovesBefore(printTime float64) {
	e.write(frame(cmdExpire, 0, printTime, 0))
}

type serialMotor struct {
	eng      *SerialEngine
	id       uint8
	name     string
	stepDist float64

	mu     sync.Mutex
	steps  int64
	pos    float64
	homing bool

	homeDone chan homeResult
	posC     chan posResult
}

func (m *serialMotor) Name() string          { return m.name }
func (m *serialMotor) StepDistance() float64 { return m.stepDist }

func (m *serialMotor) AppendTrapezoid(start float64, prof Profile) float64 {
	// The MCU rebuilds the trapezoid from distance, cruise velocity and
	// acceleration; the host keeps the authoritative end time.
	m.eng.write(frame(cmdTrapezoid, m.id, prof.Distance, prof.CruiseV))
	m.eng.write(frame(cmdTrapezoid, m.id, prof.Accel, start))
	m.mu.Lock()
	m.pos += prof.Distance
	m.steps += int64(prof.Distance / m.stepDist)
	m.mu.Unlock()
	return start + prof.Duration()
}

func (m *serialMotor) GenerateSteps(printTime float64) {}

func (m *serialMotor) FlushMoves(printTime float64) {
	m.eng.write(frame(cmdFlush, m.id, printTime, 0))
}

func (m *serialMotor) SetPosition(pos float64) {
	m.eng.write(frame(cmdSetPos, m.id, pos, 0))
	m.mu.Lock()
	m.pos = pos
	m.mu.Unlock()
}

func (m *serialMotor) CommandedPosition() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

func (m *serialMotor) MCUPosition() int64 {
	if err := m.eng.write(frame(cmdQueryPos, m.id, 0, 0)); err == nil {
		select {
		case r := <-m.posC:
			m.mu.Lock()
			m.steps, m.pos = r.steps, r.pos
			m.mu.Unlock()
		case <-time.After(200 * time.Millisecond):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps
}

// HomingMove starts the MCU-side move and polls the armed endstops from
// the host, halting the MCU on the first matching edge.
func (m *serialMotor) HomingMove(endstops []EndstopPair, movepos, speed float64, triggered bool) (string, error) {
	fired := func() string {
		for _, es := range endstops {
			if es.Endstop != nil && es.Endstop.IsTriggered() == triggered {
				return es.Name
			}
		}
		return ""
	}
	if name := fired(); name != "" {
		return name, nil
	}
	if err := m.eng.write(frame(cmdHome, m.id, movepos, speed)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngine, err)
	}
	m.mu.Lock()
	m.homing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.homing = false
		m.mu.Unlock()
	}()

	name := ""
	poll := time.NewTicker(time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case r := <-m.homeDone:
			if r.err != nil {
				return "", r.err
			}
			m.mu.Lock()
			m.steps += r.steps
			m.pos += float64(r.steps) * m.stepDist
			m.mu.Unlock()
			return name, nil
		case <-poll.C:
			if name == "" {
				if name = fired(); name != "" {
					m.RequestHalt()
				}
			}
		}
	}
}

func (m *serialMotor) RequestHalt() {
	m.mu.Lock()
	homing := m.homing
	m.mu.Unlock()
	if !homing {
		return
	}
	m.eng.write(frame(cmdHalt, m.id, 0, 0))
}
