package rfid

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
)

type fakeReader struct {
	mu       sync.Mutex
	detectCB func(uid string)
	readCB   func(data []byte)
}

func (f *fakeReader) DetectBegin(cb func(uid string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detectCB = cb
}

func (f *fakeReader) DetectEnd() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detectCB = nil
}

func (f *fakeReader) ReadBegin(cb func(data []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCB = cb
}

func (f *fakeReader) ReadEnd() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCB = nil
}

func (f *fakeReader) emitDetect(uid string) {
	f.mu.Lock()
	cb := f.detectCB
	f.mu.Unlock()
	if cb != nil {
		cb(uid)
	}
}

func (f *fakeReader) emitRead(data []byte) {
	f.mu.Lock()
	cb := f.readCB
	f.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func newTestRFID(t *testing.T, reader *fakeReader, hooks Hooks) *SlotRFID {
	t.Helper()
	msg := log.NewMsgStream("rfid-test", log.LvlError, os.Stderr)
	r := New(0, reader, msg, hooks)
	r.Setup(true, 1, 1)
	return r
}

func TestDetectReadFlow(t *testing.T) {
	reader := &fakeReader{}
	var stopped, continued bool
	var color string
	r := newTestRFID(t, reader, Hooks{
		Stop:        func() { stopped = true },
		Continue:    func() { continued = true },
		ChangeColor: func(c string) { color = c },
	})

	r.DetectBegin()
	reader.emitDetect("04:d3:aa")
	if !stopped {
		t.Fatal("a detected tag should stop delivery")
	}
	reader.emitRead([]byte(`{"color_code":"#ff8800"}`))
	if !continued {
		t.Fatal("a finished read should continue delivery")
	}
	tag, ok := r.TagData()
	if !ok || tag.Color != "#ff8800" || tag.UID != "04:d3:aa" {
		t.Errorf("tag: %+v ok=%v", tag, ok)
	}
	if color != "#ff8800" {
		t.Errorf("led color: %q", color)
	}
}

func TestReadTimeoutContinues(t *testing.T) {
	reader := &fakeReader{}
	continued := make(chan struct{}, 1)
	r := newTestRFID(t, reader, Hooks{
		Continue: func() { continued <- struct{}{} },
	})
	r.Setup(true, 1, 0.05)

	r.DetectBegin()
	reader.emitDetect("04:99")
	select {
	case <-continued:
	case <-time.After(2 * time.Second):
		t.Fatal("read timeout should continue delivery")
	}
	if r.HasTag() {
		t.Error("timed-out read should leave no tag")
	}
}

func TestScopeTearsDown(t *testing.T) {
	reader := &fakeReader{}
	r := newTestRFID(t, reader, Hooks{})
	done := r.Scope()
	reader.mu.Lock()
	armed := reader.detectCB != nil
	reader.mu.Unlock()
	if !armed {
		t.Fatal("scope should begin detection")
	}
	done()
	reader.mu.Lock()
	armed = reader.detectCB != nil
	reader.mu.Unlock()
	if armed {
		t.Error("scope exit should end detection")
	}
}

func TestDisabledNoOp(t *testing.T) {
	reader := &fakeReader{}
	r := newTestRFID(t, reader, Hooks{})
	r.Setup(false, 1, 1)
	r.DetectBegin()
	reader.mu.Lock()
	armed := reader.detectCB != nil
	reader.mu.Unlock()
	if armed {
		t.Error("disabled RFID must not arm the reader")
	}
}
