// Package motion defines the engine interface the MMS core drives its
// steppers through: a trapezoid move queue, an endstop-preemptible homing
// primitive and a print-time clock. Implementations live in this package
// (Sim for tests and bench bring-up, SerialEngine for a real MCU link).
package motion

import (
	"errors"
	"math"
)

// ErrEngine is wrapped by engine-level faults. They are not recoverable;
// the caller must escalate to an emergency stop.
var ErrEngine = errors.New("motion: engine fault")

// Endstop is an edge source a homing move can arm. Implemented by the
// sensor package.
type Endstop interface {
	Name() string
	IsTriggered() bool
}

// EndstopPair binds an armed endstop handle to the pin name reported back
// to the caller on trigger.
type EndstopPair struct {
	Endstop Endstop
	Name    string
}

// Profile is a computed (accel, cruise, decel) trapezoid.
type Profile struct {
	Distance float64 // signed, mm
	StartV   float64 // mm/s
	CruiseV  float64 // mm/s
	Accel    float64 // mm/s^2
	AccelT   float64 // seconds
	CruiseT  float64 // seconds
	DecelT   float64 // seconds
}

// Duration returns the total move time in seconds.
func (p Profile) Duration() float64 { return p.AccelT + p.CruiseT + p.DecelT }

// Trapezoid computes the move profile for a signed distance at the given
// cruise speed and acceleration. Short moves degenerate to a triangle.
func Trapezoid(distance, speed, accel float64) Profile {
	dist := math.Abs(distance)
	if dist == 0 || speed <= 0 {
		return Profile{}
	}
	if accel <= 0 {
		// Constant-velocity fallback.
		return Profile{
			Distance: distance,
			CruiseV:  speed,
			CruiseT:  dist / speed,
		}
	}
	accelD := speed * speed / (2 * accel)
	cruiseV := speed
	if 2*accelD > dist {
		// Triangle profile; peak velocity limited by distance.
		accelD = dist / 2
		cruiseV = math.Sqrt(2 * accel * accelD)
	}
	accelT := cruiseV / accel
	cruiseD := dist - 2*accelD
	cruiseT := 0.0
	if cruiseD > 0 {
		cruiseT = cruiseD / cruiseV
	}
	return Profile{
		Distance: distance,
		CruiseV:  cruiseV,
		Accel:    accel,
		AccelT:   accelT,
		CruiseT:  cruiseT,
		DecelT:   accelT,
	}
}

// Motor is one stepper on the engine. All methods may be called from the
// operation goroutine only; RequestHalt may be called from any goroutine.
type Motor interface {
	Name() string
	// AppendTrapezoid queues prof starting at the given print time and
	// returns the print time the move completes at. It does not wait.
	AppendTrapezoid(start float64, prof Profile) float64
	// GenerateSteps converts queued motion up to printTime into steps.
	GenerateSteps(printTime float64)
	// FlushMoves commits generated steps up to printTime to the MCU.
	FlushMoves(printTime float64)
	// SetPosition resets the commanded position.
	SetPosition(pos float64)
	CommandedPosition() float64
	// MCUPosition is the accumulated step count, signed.
	MCUPosition() int64
	StepDistance() float64
	// HomingMove drives toward movepos (signed, relative) at speed until an
	// armed endstop reaches the wanted polarity or the distance is
	// exhausted. It blocks for the duration of the move and returns the
	// name of the endstop that fired, or "" if none did. A concurrent
	// RequestHalt ends the move early with "" and no error.
	HomingMove(endstops []EndstopPair, movepos, speed float64, triggered bool) (string, error)
	// RequestHalt forces an in-flight homing move to drain, the host
	// request path of the trigger-sync dispatch. It is a no-op when no
	// homing move is in flight.
	RequestHalt()
}

// Engine is the motion backend shared by all steppers of one MCU.
type Engine interface {
	// PrintTime returns the estimated MCU print time, seconds.
	PrintTime() float64
	// Motor resolves a configured motor by name.
	Motor(name string) (Motor, error)
	// ExpireMovesBefore prunes committed motion older than printTime.
	ExpireMovesBefore(printTime float64)
}
