package sensor

import "math"

// ADC tuning. The detection runs three stages: a fixed threshold while the
// observed range is still small, a midpoint crossing against the running
// min/max once the range opens up, and a trend/sigma edge detector as
// fallback.
const (
	adcWindowSize = 10
	// Scale applied to the running maximum when computing the midpoint.
	adcUpperScale = 1.1
	// Minimum upper-lower range before midpoint detection is trusted.
	intervalDeltaThreshold = 200
	// Fixed threshold for initial trigger detection below that range.
	initTriggerThreshold = 150
)

// Edge detector defaults; the shared outlet pin runs a more sensitive set.
const (
	trendWindowSize = 5

	riseSensitivity = 0.8
	fallSensitivity = 1.6

	slowScale = 1.3
	fastScale = 0.8
	minTrend  = 50.0

	outletSlowScale = 2.0
	outletFastScale = 0.8
	outletMinTrend  = 5.0
)

// EdgeDetector finds rising and falling edges in a sample window from the
// short-term trend measured against its own noise.
type EdgeDetector struct {
	minTrend             float64
	slowScale, fastScale float64
}

func newEdgeDetector() *EdgeDetector {
	return &EdgeDetector{
		minTrend:  minTrend,
		slowScale: slowScale,
		fastScale: fastScale,
	}
}

func (d *EdgeDetector) SetMinTrend(v float64) { d.minTrend = v }
func (d *EdgeDetector) SetThresholdScale(slow, fast float64) {
	d.slowScale, d.fastScale = slow, fast
}

// Detect evaluates the most recent samples. The trend is the mean of
// consecutive differences over the trailing window; sigma is their spread.
// A fast-moving signal lowers the acceptance threshold, a slow one raises
// it.
func (d *EdgeDetector) Detect(window []int) (rising, falling bool) {
	if len(window) < trendWindowSize {
		return false, false
	}
	tail := window[len(window)-trendWindowSize:]
	var sum float64
	diffs := make([]float64, 0, trendWindowSize-1)
	for i := 1; i < len(tail); i++ {
		diff := float64(tail[i] - tail[i-1])
		diffs = append(diffs, diff)
		sum += diff
	}
	trend := sum / float64(len(diffs))
	var varsum float64
	for _, diff := range diffs {
		varsum += (diff - trend) * (diff - trend)
	}
	sigma := math.Sqrt(varsum / float64(len(diffs)))

	scale := d.slowScale
	if math.Abs(trend) > 2*sigma {
		scale = d.fastScale
	}
	riseThresh := math.Max(d.minTrend, sigma*riseSensitivity) * scale
	fallThresh := math.Max(d.minTrend, sigma*fallSensitivity) * scale
	return trend >= riseThresh, -trend >= fallThresh
}

// ADCSensor feeds a Sensor from raw converter counts. Polarity is
// reversed when the pin spec carries a "!" prefix: by default a falling
// signal triggers.
type ADCSensor struct {
	*Sensor
	invert   bool
	detector *EdgeDetector

	window []int
	upper  int
	lower  int
	middle int
}

// NewADC builds an ADC-backed sensor for a pin spec.
func NewADC(name, pin string) *ADCSensor {
	return &ADCSensor{
		Sensor:   New(name, pin),
		invert:   Inverted(pin),
		detector: newEdgeDetector(),
		lower:    9999,
		middle:   5000,
	}
}

// TuneOutlet applies the outlet pin's sensitive detector parameters.
func (a *ADCSensor) TuneOutlet() {
	a.detector.SetMinTrend(outletMinTrend)
	a.detector.SetThresholdScale(outletSlowScale, outletFastScale)
}

// Sample processes one converter reading. Sensor errors never crash: a
// sample that fits no rule leaves the last observed state standing.
func (a *ADCSensor) Sample(value int) {
	a.window = append(a.window, value)
	if len(a.window) > adcWindowSize {
		a.window = a.window[1:]
	}
	if value > a.upper {
		a.upper = value
	}
	if value < a.lower {
		a.lower = value
	}
	a.middle = int((float64(a.upper)*adcUpperScale + float64(a.lower)) / 2)

	if a.upper-a.lower < intervalDeltaThreshold {
		// Range too small for midpoint detection; only the fixed
		// initial-trigger threshold applies.
		if value < initTriggerThreshold {
			a.SetState(true)
		}
		return
	}

	if a.checkMidTrigger(value) {
		a.SetState(true)
		return
	}
	if a.checkMidRelease(value) {
		a.SetState(false)
		return
	}

	rising, falling := a.detector.Detect(a.window)
	if !rising && !falling {
		return
	}
	triggerEdge, releaseEdge := falling, rising
	if a.invert {
		triggerEdge, releaseEdge = rising, falling
	}
	if triggerEdge {
		a.SetState(true)
	} else if releaseEdge {
		a.SetState(false)
	}
}

func (a *ADCSensor) checkMidTrigger(value int) bool {
	// A scaled midpoint above the running maximum means no motion has
	// been observed yet.
	if a.middle >= a.upper {
		return false
	}
	if a.invert {
		return value >= a.middle
	}
	return value <= a.middle
}

func (a *ADCSensor) checkMidRelease(value int) bool {
	if a.middle >= a.upper {
		return false
	}
	if a.invert {
		return value <= a.middle
	}
	return value >= a.middle
}
