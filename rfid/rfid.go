// Package rfid runs the per-slot tag workflow around a Reader: detect a
// tag while filament loads, stop delivery, read the tag payload, hand the
// decoded color to the LED chain and let delivery continue. The reader
// hardware protocol is out of scope; anything satisfying Reader works.
package rfid

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"
)

// Reader is the tag reader of one slot. Callbacks run on the reader's
// goroutine; an empty payload means nothing was found yet.
type Reader interface {
	DetectBegin(cb func(uid string))
	DetectEnd()
	ReadBegin(cb func(data []byte))
	ReadEnd()
}

// Tag is the decoded payload of a read tag.
type Tag struct {
	UID   string
	Color string `json:"color_code"`
}

// Hooks connect the workflow back into the core.
type Hooks struct {
	// Stop halts delivery on the slot when a tag is detected.
	Stop func()
	// Continue re-runs the prepare pipeline after the read finishes or
	// times out.
	Continue func()
	// Marquee raises/lowers the read effect on the slot LED.
	Marquee func(on bool)
	// ChangeColor applies the tag color to the slot LED.
	ChangeColor func(color string)
}

// SlotRFID drives the detect/read state of one slot.
type SlotRFID struct {
	slot   int
	msg    log.MsgStream
	reader Reader
	hooks  Hooks

	enable         bool
	detectDuration time.Duration
	readDuration   time.Duration

	mu        sync.Mutex
	detecting bool
	reading   bool
	tag       Tag
	hasTag    bool

	detectTimer *time.Timer
	readTimer   *time.Timer
}

func New(slot int, reader Reader, msg log.MsgStream, hooks Hooks) *SlotRFID {
	return &SlotRFID{slot: slot, reader: reader, msg: msg, hooks: hooks}
}

// Setup applies the slot configuration.
func (r *SlotRFID) Setup(enable bool, detectDuration, readDuration float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enable = enable && r.reader != nil
	r.detectDuration = time.Duration(detectDuration * float64(time.Second))
	r.readDuration = time.Duration(readDuration * float64(time.Second))
}

func (r *SlotRFID) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enable
}

// HasTag reports a successfully read tag color.
func (r *SlotRFID) HasTag() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasTag
}

func (r *SlotRFID) TagData() (Tag, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tag, r.hasTag
}

// DetectBegin starts tag detection with a timeout.
func (r *SlotRFID) DetectBegin() {
	r.mu.Lock()
	if !r.enable || r.detecting {
		r.mu.Unlock()
		return
	}
	r.detecting = true
	d := r.detectDuration
	r.mu.Unlock()

	r.msg.Infof("slot[%d] RFID detect begin", r.slot)
	r.reader.DetectBegin(r.handleDetected)
	r.mu.Lock()
	r.detectTimer = time.AfterFunc(d, func() {
		r.msg.Infof("slot[%d] RFID detect timeout", r.slot)
		r.DetectEnd()
	})
	r.mu.Unlock()
}

func (r *SlotRFID) DetectEnd() {
	r.mu.Lock()
	if !r.detecting {
		r.mu.Unlock()
		return
	}
	r.detecting = false
	if r.detectTimer != nil {
		r.detectTimer.Stop()
		r.detectTimer = nil
	}
	r.mu.Unlock()
	r.reader.DetectEnd()
	r.msg.Infof("slot[%d] RFID detect end", r.slot)
}

func (r *SlotRFID) handleDetected(uid string) {
	if uid == "" {
		return
	}
	r.DetectEnd()
	r.msg.Infof("slot[%d] RFID detect: %s", r.slot, uid)
	r.mu.Lock()
	r.tag.UID = uid
	r.mu.Unlock()
	if r.hooks.Stop != nil {
		r.hooks.Stop()
	}
	r.ReadBegin()
}

// ReadBegin starts a tag read with a timeout; delivery continues when the
// read finishes either way.
func (r *SlotRFID) ReadBegin() {
	r.mu.Lock()
	if r.reading {
		r.mu.Unlock()
		return
	}
	// Truncate a previously read tag.
	if r.hasTag {
		r.tag = Tag{UID: r.tag.UID}
		r.hasTag = false
	}
	r.reading = true
	d := r.readDuration
	r.mu.Unlock()

	r.msg.Infof("slot[%d] RFID read begin", r.slot)
	if r.hooks.Marquee != nil {
		r.hooks.Marquee(true)
	}
	r.reader.ReadBegin(r.handleRead)
	r.mu.Lock()
	r.readTimer = time.AfterFunc(d, func() {
		r.msg.Infof("slot[%d] RFID read timeout", r.slot)
		r.ReadEnd()
		if r.hooks.Continue != nil {
			r.hooks.Continue()
		}
	})
	r.mu.Unlock()
}

func (r *SlotRFID) ReadEnd() {
	r.mu.Lock()
	if !r.reading {
		r.mu.Unlock()
		return
	}
	r.reading = false
	if r.readTimer != nil {
		r.readTimer.Stop()
		r.readTimer = nil
	}
	r.mu.Unlock()
	r.reader.ReadEnd()
	if r.hooks.Marquee != nil {
		r.hooks.Marquee(false)
	}
	r.msg.Infof("slot[%d] RFID read end", r.slot)
}

func (r *SlotRFID) handleRead(data []byte) {
	if len(data) == 0 {
		return
	}
	r.ReadEnd()
	var tag Tag
	if err := json.Unmarshal(data, &tag); err != nil {
		r.msg.Errorf("slot[%d] RFID read tag data error: %v", r.slot, err)
	} else {
		r.mu.Lock()
		tag.UID = r.tag.UID
		r.tag = tag
		r.hasTag = tag.Color != ""
		r.mu.Unlock()
		if tag.Color != "" && r.hooks.ChangeColor != nil {
			r.hooks.ChangeColor(tag.Color)
		}
	}
	if r.hooks.Continue != nil {
		r.hooks.Continue()
	}
}

// Scope opens the detect scope; the returned func tears down whatever
// phase is still active. Autoload wraps the prepare pipeline with it.
func (r *SlotRFID) Scope() (done func()) {
	r.DetectBegin()
	return func() {
		r.DetectEnd()
		r.ReadEnd()
	}
}

// Status reports the slot's tag state for the status surface.
func (r *SlotRFID) Status() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"tag_uid":   r.tag.UID,
		"tag_color": r.tag.Color,
	}
}
