// Package led is the slot LED proxy. Effects are rendered elsewhere; the
// core only raises and lowers them through an event sink and keeps one
// effect active per slot at a time.
package led

import "sync"

// Effect names the animations the core can request.
type Effect string

const (
	Rainbow   Effect = "rainbow"
	Blinking  Effect = "blinking"
	Marquee   Effect = "marquee"
	Breathing Effect = "breathing"
)

// EventSink receives the LED events. The on-screen renderer implements it;
// tests use Recorder.
type EventSink interface {
	Activate(slot int, effect Effect, reverse bool)
	Deactivate(slot int, effect Effect)
	Notify(slot int, brightness float64)
	ChangeColor(slot int, color string)
}

// SlotLED tracks the active effect of one slot.
type SlotLED struct {
	slot int
	sink EventSink

	mu         sync.Mutex
	brightness float64
	current    Effect
	keep       func() bool
}

func New(slot int, sink EventSink) *SlotLED {
	if sink == nil {
		sink = nullSink{}
	}
	return &SlotLED{slot: slot, sink: sink, brightness: 0.5}
}

func (l *SlotLED) SetBrightness(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.brightness = v
}

// SetKeep installs a condition that suppresses Notify, used to hold a
// tag-derived color on the chain.
func (l *SlotLED) SetKeep(keep func() bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keep = keep
}

// Active returns the effect currently playing, or "".
func (l *SlotLED) Active() Effect {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Notify refreshes the slot's idle color, unless an effect is playing or
// the keep condition holds.
func (l *SlotLED) Notify() {
	l.mu.Lock()
	if l.current != "" || (l.keep != nil && l.keep()) {
		l.mu.Unlock()
		return
	}
	b := l.brightness
	l.mu.Unlock()
	l.sink.Notify(l.slot, b)
}

func (l *SlotLED) ChangeColor(color string) {
	l.sink.ChangeColor(l.slot, color)
}

func (l *SlotLED) activate(effect Effect, reverse bool) {
	l.mu.Lock()
	if l.current != "" {
		l.mu.Unlock()
		return
	}
	l.current = effect
	l.mu.Unlock()
	l.sink.Activate(l.slot, effect, reverse)
}

func (l *SlotLED) deactivate(effect Effect) {
	l.mu.Lock()
	if l.current != effect {
		l.mu.Unlock()
		return
	}
	l.current = ""
	l.mu.Unlock()
	l.sink.Deactivate(l.slot, effect)
	// Recover the idle color.
	l.Notify()
}

func (l *SlotLED) ActivateRainbow(reverse bool) { l.activate(Rainbow, reverse) }
func (l *SlotLED) DeactivateRainbow()           { l.deactivate(Rainbow) }
func (l *SlotLED) ActivateBlinking()            { l.activate(Blinking, false) }
func (l *SlotLED) DeactivateBlinking()          { l.deactivate(Blinking) }
func (l *SlotLED) ActivateMarquee()             { l.activate(Marquee, false) }
func (l *SlotLED) DeactivateMarquee()           { l.deactivate(Marquee) }
func (l *SlotLED) ActivateBreathing()           { l.activate(Breathing, false) }
func (l *SlotLED) DeactivateBreathing()         { l.deactivate(Breathing) }

// DeactivateAll lowers whatever effect is playing.
func (l *SlotLED) DeactivateAll() {
	l.mu.Lock()
	current := l.current
	l.mu.Unlock()
	if current != "" {
		l.deactivate(current)
	}
}

type nullSink struct{}

func (nullSink) Activate(int, Effect, bool) {}
func (nullSink) Deactivate(int, Effect)     {}
func (nullSink) Notify(int, float64)        {}
func (nullSink) ChangeColor(int, string)    {}

// Recorder is an EventSink for tests.
type Recorder struct {
	mu     sync.Mutex
	Events []string
	active map[int]Effect
}

func NewRecorder() *Recorder { return &Recorder{active: make(map[int]Effect)} }

func (r *Recorder) Activate(slot int, effect Effect, reverse bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[slot] = effect
	r.Events = append(r.Events, "activate:"+string(effect))
}

func (r *Recorder) Deactivate(slot int, effect Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, slot)
	r.Events = append(r.Events, "deactivate:"+string(effect))
}

func (r *Recorder) Notify(slot int, brightness float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, "notify")
}

func (r *Recorder) ChangeColor(slot int, color string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, "color:"+color)
}

// ActiveEffect reports the effect a slot is playing, or "".
func (r *Recorder) ActiveEffect(slot int) Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[slot]
}
