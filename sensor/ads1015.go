package sensor

import (
	"encoding/binary"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// ADS1015 register map, single-shot conversions.
const (
	adsRegConversion = 0x00
	adsRegConfig     = 0x01

	// Start single conversion, ±4.096V, single-shot, 1600 SPS.
	adsConfigBase = 0x8383
	// Input mux, AINn vs GND.
	adsMuxSingle0 = 0x4000
)

// ADS1015 samples one channel of the converter and feeds an ADC sensor.
type ADS1015 struct {
	dev     i2c.Dev
	channel int
}

// NewADS1015 wires a converter channel on the given bus and address
// (0x48 with ADDR grounded).
func NewADS1015(bus i2c.Bus, addr uint16, channel int) *ADS1015 {
	return &ADS1015{dev: i2c.Dev{Bus: bus, Addr: addr}, channel: channel}
}

func (a *ADS1015) read() (int, error) {
	cfg := uint16(adsConfigBase) | uint16(adsMuxSingle0) | uint16(a.channel)<<12
	w := []byte{adsRegConfig, byte(cfg >> 8), byte(cfg)}
	if err := a.dev.Tx(w, nil); err != nil {
		return 0, fmt.Errorf("sensor: ads1015 config: %w", err)
	}
	var buf [2]byte
	if err := a.dev.Tx([]byte{adsRegConversion}, buf[:]); err != nil {
		return 0, fmt.Errorf("sensor: ads1015 read: %w", err)
	}
	raw := binary.BigEndian.Uint16(buf[:])
	return int(raw >> 4), nil
}

// Watch polls the converter on the given period and feeds the samples to
// the sensor. Read errors leave the sensor in its last observed state.
// The returned func stops the watcher.
func (a *ADS1015) Watch(s *ADCSensor, period time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(period)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
			}
			v, err := a.read()
			if err != nil {
				continue
			}
			s.Sample(v)
		}
	}()
	return func() { close(done) }
}
