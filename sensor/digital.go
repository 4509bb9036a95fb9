package sensor

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// WatchDigital drives a sensor from a gpio input. A pulled-up switch reads
// low when pressed; an inverted pin spec flips that. Edges are debounced
// before the sensor state updates. The returned func stops the watcher.
func WatchDigital(s *Sensor, pin gpio.PinIn, inverted bool) (stop func(), err error) {
	if err := pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("sensor: %s: %w", s.Pin(), err)
	}
	done := make(chan struct{})
	go func() {
		read := func() bool {
			triggered := pin.Read() == gpio.Low
			if inverted {
				triggered = !triggered
			}
			return triggered
		}
		triggered := read()
		s.SetState(triggered)
		newTriggered := triggered
		const debounceTimeout = 10 * time.Millisecond
		for {
			select {
			case <-done:
				return
			default:
			}
			// Wait forever for an edge, except while a debounce
			// timeout is pending.
			timeout := debounceTimeout
			if newTriggered == triggered {
				timeout = -1
			}
			if pin.WaitForEdge(timeout) {
				newTriggered = read()
			} else if newTriggered != triggered {
				// Debounce timeout; commit the state.
				triggered = newTriggered
				s.SetState(triggered)
			}
		}
	}()
	return func() { close(done) }, nil
}
