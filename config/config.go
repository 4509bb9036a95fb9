// Package config is the typed view over the external configuration. The
// host reads its configuration file once at module load and fills these
// sections; the core never re-reads them.
package config

// Slot configures one filament channel.
type Slot struct {
	Num int

	// Pin names, host syntax ("buffer:PA4", "!" prefix inverts).
	Selector string
	Inlet    string
	Gate     string

	LEDName    string
	ChipIndex  []int
	Brightness float64

	AutoloadEnable bool

	RFIDName           string
	RFIDEnable         bool
	RFIDDetectDuration float64 // seconds
	RFIDReadDuration   float64 // seconds

	// Slot promoted on filament fracture; nil disables substitution
	// for this slot.
	SubstituteWith *int
}

// SwapSet configures one selector/drive group of four slots and its
// shared pins. Set i owns slots [4i, 4i+4); extend units contribute
// further sets.
type SwapSet struct {
	SelectorName string
	DriveName    string

	// Shared across the set's slots.
	Outlet       string
	BufferRunout string
	EntrySensor  string // optional
}

// Delivery holds the motion parameters of the atomic slot operations.
type Delivery struct {
	RetryTimes                int
	RetryPeriod               float64 // seconds
	RefineCalibrationDistance float64 // mm

	WaitToolheadInterval   float64 // seconds
	WaitToolheadTimeout    float64 // seconds
	WaitMMSStepperInterval float64 // seconds
	WaitMMSStepperTimeout  float64 // seconds

	SpeedSelector float64 // mm/s
	AccelSelector float64 // mm/s^2
	SpeedDrive    float64 // mm/s
	AccelDrive    float64 // mm/s^2

	// Distance a homing move may travel before giving up, mm.
	StepperMoveDistance float64
	// Retreat applied after a successful unload to gate, mm.
	SafetyRetractDistance float64

	SlotsLoopTimes int
}

// Buffer configures the compliance-spring volume model of one set.
type Buffer struct {
	SpringStroke     float64 // mm
	FilamentDiameter float64 // mm
	TargetPercentage float64 // %

	MinDeliverVolume float64 // mm^3

	MeasureSpeed float64 // mm/s
	MeasureAccel float64 // mm/s^2

	MonitorPeriod float64 // seconds

	EDistanceMovedMin float64 // mm, negative
	EDistanceMovedMax float64 // mm
}

// Swap configures the top-level swap state machine.
type Swap struct {
	Enable        bool
	ZRaise        float64 // mm
	CommandString string  // "T" -> T0..Tn
	// mm/min, toolhead speed for all swap-phase travel moves.
	ToolheadMoveSpeed float64
}

// Charge configures the charge phase.
type Charge struct {
	ZRaise float64

	ExtrudeDistance float64 // mm per cycle
	ExtrudeTimes    int
	ExtrudeSpeed    float64 // mm/min

	DripExtrudeDistance float64 // mm
	DripExtraDistance   float64 // mm

	DistanceUnload float64 // mm
}

// Eject configures the eject phase.
type Eject struct {
	ZRaise float64

	RetractDistance float64 // mm per cycle
	RetractTimes    int
	RetractSpeed    float64 // mm/min

	DriveSpeed     float64 // mm/s
	DriveAccel     float64 // mm/s^2
	DistanceUnload float64 // mm
}

// Purge configures the purge phase.
type Purge struct {
	Enable bool
	ZRaise float64

	FanCooldownSpeed float64
	FanCooldownWait  float64 // seconds

	PurgeSpeed            float64 // mm/min
	OrphanFilamentLength  float64 // mm
	PurgeModifier         float64
	RetractionComp        float64 // mm
	RetractSpeed          float64 // mm/min
	NozzlePrimingDistance float64 // mm
	NozzlePrimingSpeed    float64 // mm/min

	PulseCleanEnable bool
	PulseRestTime    float64 // seconds
	PulseCount       int
	PulseSpeed       float64 // mm/min
	PulseRetractDist float64 // mm

	TrayX, TrayY float64
}

// Brush configures the brush phase.
type Brush struct {
	Enable bool
	ZRaise float64

	FanCooldownSpeed float64
	FanCooldownWait  float64 // seconds

	WipeSpeed float64 // mm/min
	WipeTimes int
	PeckSpeed float64 // mm/min
	PeckDepth float64 // mm
	PeckTimes int

	StartX, StartY float64
	EndX, EndY     float64
}

// Cut configures the filament cutter.
type Cut struct {
	Enable   bool
	ZRaise   float64
	CutSpeed float64 // mm/min

	InitX, InitY float64
	CutX, CutY   float64
}

// Autoload configures the new-filament reactor.
type Autoload struct {
	DelaySeconds     float64
	DistanceLoad     float64 // mm
	ExecuteStopDelay float64 // seconds
}

// Config bundles every section.
type Config struct {
	Slots []Slot
	// Sets lists one swap set per group of four slots; slot num/4
	// indexes into it.
	Sets []SwapSet

	FractureDetection bool
	SlotSubstitute    bool

	Delivery Delivery
	Buffer   Buffer
	Swap     Swap
	Charge   Charge
	Eject    Eject
	Purge    Purge
	Brush    Brush
	Cut      Cut
	Autoload Autoload
}

// Default returns the configuration with every value at its shipped
// default, four slots and no optional pins.
func Default() Config {
	cfg := Config{
		Sets: []SwapSet{{
			SelectorName: "selector",
			DriveName:    "drive",
			Outlet:       "buffer:PA5",
			BufferRunout: "buffer:PA4",
		}},
		FractureDetection: true,
		SlotSubstitute:    true,
		Delivery: Delivery{
			RetryTimes:                3,
			RetryPeriod:               0.5,
			RefineCalibrationDistance: 3.7,
			WaitToolheadInterval:      0.5,
			WaitToolheadTimeout:       60,
			WaitMMSStepperInterval:    0.2,
			WaitMMSStepperTimeout:     5,
			SpeedSelector:             100,
			AccelSelector:             100,
			SpeedDrive:                60,
			AccelDrive:                10,
			StepperMoveDistance:       1000,
			SafetyRetractDistance:     50,
			SlotsLoopTimes:            200,
		},
		Buffer: Buffer{
			SpringStroke:      20.0,
			FilamentDiameter:  1.75,
			TargetPercentage:  50.0,
			MinDeliverVolume:  2.0,
			MeasureSpeed:      10.0,
			MeasureAccel:      10.0,
			MonitorPeriod:     0.2,
			EDistanceMovedMin: -20,
			EDistanceMovedMax: 100,
		},
		Swap: Swap{
			Enable:            true,
			ZRaise:            1.0,
			CommandString:     "T",
			ToolheadMoveSpeed: 24000.0,
		},
		Charge: Charge{
			ZRaise:              1.0,
			ExtrudeDistance:     2.0,
			ExtrudeTimes:        5,
			ExtrudeSpeed:        300.0,
			DripExtrudeDistance: 1.0,
			DripExtraDistance:   10.0,
			DistanceUnload:      120.0,
		},
		Eject: Eject{
			ZRaise:          1.0,
			RetractDistance: 10.0,
			RetractTimes:    100,
			RetractSpeed:    1200.0,
			DriveSpeed:      20.0,
			DriveAccel:      20.0,
			DistanceUnload:  120.0,
		},
		Purge: Purge{
			Enable:                true,
			ZRaise:                1.0,
			FanCooldownSpeed:      1.0,
			FanCooldownWait:       2.0,
			PurgeSpeed:            600.0,
			OrphanFilamentLength:  60,
			PurgeModifier:         2.5,
			RetractionComp:        3.0,
			RetractSpeed:          10000.0,
			NozzlePrimingDistance: 20.0,
			NozzlePrimingSpeed:    600.0,
			PulseRestTime:         0.1,
			PulseCount:            4,
			PulseSpeed:            1200,
			PulseRetractDist:      10,
		},
		Brush: Brush{
			Enable:           true,
			ZRaise:           1.0,
			FanCooldownSpeed: 1.0,
			FanCooldownWait:  1.0,
			WipeSpeed:        10000.0,
			WipeTimes:        5,
			PeckSpeed:        10000.0,
			PeckDepth:        2.0,
			PeckTimes:        0,
		},
		Cut: Cut{
			Enable:   false,
			ZRaise:   1.0,
			CutSpeed: 2000.0,
		},
		Autoload: Autoload{
			DelaySeconds:     3,
			DistanceLoad:     1000,
			ExecuteStopDelay: 0.3,
		},
	}
	for i := 0; i < 4; i++ {
		cfg.Slots = append(cfg.Slots, Slot{
			Num:                i,
			Brightness:         0.5,
			AutoloadEnable:     true,
			RFIDDetectDuration: 50,
			RFIDReadDuration:   4,
		})
	}
	return cfg
}

// SetIndex returns the selector/drive set a slot belongs to. Slots are
// grouped four to a set.
func SetIndex(slotNum int) int { return slotNum / 4 }
