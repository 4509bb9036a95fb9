// Package host declares the external collaborators the MMS core talks to:
// the printer process, the toolhead and its extruder, the cooling fan, the
// print statistics and the pause/resume plumbing. The core only ever sees
// these interfaces; sim.go carries in-memory implementations for tests and
// bench bring-up.
package host

// Printer is the host process surface.
type Printer interface {
	IsShutdown() bool
	// EmergencyStop requests a full printer shutdown. Engine-level motion
	// faults are the only callers.
	EmergencyStop(err error)
}

// PrintStats reports the host's view of the active print.
type PrintStats interface {
	IsPrinting() bool
	IsPaused() bool
	IsFinished() bool
	// HasPauseFlag reports a pause in progress but not yet settled.
	HasPauseFlag() bool
	// IsBusyPrinting is the idle-timeout view; true while the host
	// executes print motion.
	IsBusyPrinting() bool
	Filename() string
}

// PauseResume is the host pause/resume plumbing the MMS takes over.
type PauseResume interface {
	// SendPauseCommand runs the host PAUSE macro.
	SendPauseCommand()
	// SendResumeCommand runs the host's original resume path.
	SendResumeCommand()
	// SetPaused forces the host paused flag; the resume handler uses it
	// to re-assert a pause after a failed resume hook.
	SetPaused(paused bool)
	// ReplaceResume installs fn in place of the host resume command.
	// The host invokes fn whenever a resume is requested.
	ReplaceResume(fn func())
}

// Toolhead is the kinematics surface of the swap phases.
type Toolhead interface {
	IsHomed() bool
	IsBusy() bool
	WaitMoves()
	Dwell(seconds float64)

	// MoveXY travels to an absolute XY at speed (mm/min).
	MoveXY(x, y, speed float64)
	// RaiseZ and LowerZ move Z relatively by dz millimeters.
	RaiseZ(dz float64)
	LowerZ(dz float64)

	// Snapshot saves position, temperatures and fan state; the returned
	// func restores them. Truncate drops the pending snapshot so a
	// failed swap does not restore into a paused print.
	Snapshot() (restore func())
	TruncateSnapshot()

	SaveTargetTemp()
	RestoreTargetTemp()

	SetMoveSpeed(mmPerMin float64)
}

// Extruder is the filament-side surface of the toolhead.
type Extruder interface {
	// HeatToMinTemp blocks until the extruder is at or above the minimum
	// extrusion temperature.
	HeatToMinTemp()
	IsHotEnough() bool
	// Extrude and Retract move filament by distance mm at speed mm/min.
	Extrude(distance, speed float64)
	Retract(distance, speed float64)
	// Position is the cumulative commanded filament position, mm.
	Position() float64
	// PositionSpeed returns position and the current extrusion speed in
	// mm/s (zero when idle).
	PositionSpeed() (float64, float64)
	// FilamentArea is the cross section of the loaded filament, mm^2.
	FilamentArea() float64
}

// Fan is the part-cooling fan.
type Fan interface {
	SetSpeed(v float64)
	Speed() float64
}
