// Command mmsd runs the MMS control core on a bench: against the motion
// simulator by default, or a real MCU over serial with -dev. Commands are
// read from stdin, one per line; -listen serves the CBOR status feed for
// the on-screen UI.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-daq/tdaq/log"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"bigtreetech.com/mms/config"
	"bigtreetech.com/mms/gcode"
	hostif "bigtreetech.com/mms/host"
	"bigtreetech.com/mms/mms"
	"bigtreetech.com/mms/motion"
	"bigtreetech.com/mms/sensor"
	"bigtreetech.com/mms/slot"
	"bigtreetech.com/mms/statusfeed"
)

const stepDistance = 0.0025 // mm per step

func main() {
	var (
		dev    = flag.String("dev", "", "serial device of the motion MCU (empty: simulate)")
		listen = flag.String("listen", "", "address of the CBOR status feed")
		debug  = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if err := run(*dev, *listen, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "mmsd: %v\n", err)
		os.Exit(1)
	}
}

func run(dev, listen string, debug bool) error {
	lvl := log.LvlInfo
	if debug {
		lvl = log.LvlDebug
	}
	cfg := config.Default()

	var motors []string
	for _, set := range cfg.Sets {
		motors = append(motors, set.SelectorName, set.DriveName)
	}

	var eng motion.Engine
	if dev == "" {
		sim := motion.NewSim(1)
		for _, name := range motors {
			sim.AddMotor(name, stepDistance)
		}
		defer sim.Close()
		eng = sim
	} else {
		port, err := motion.Open(dev)
		if err != nil {
			return err
		}
		serial, err := motion.NewSerialEngine(port, stepDistance, motors...)
		if err != nil {
			return err
		}
		defer serial.Close()
		eng = serial
	}

	printer := hostif.NewSimPrinter()
	core, err := mms.New(mms.Options{
		Config:      cfg,
		Engine:      eng,
		Printer:     printer,
		Stats:       printer,
		PauseResume: printer,
		Toolhead:    hostif.NewSimToolhead(),
		Extruder:    hostif.NewSimExtruder(),
		Fan:         hostif.NewSimFan(),
		LogLevel:    lvl,
	})
	if err != nil {
		return err
	}
	defer core.Close()

	if dev != "" {
		if err := attachGPIO(core); err != nil {
			return err
		}
	}
	core.SetReady()

	dispatcher := gcode.NewDispatcher()
	core.RegisterCommands(dispatcher)

	if listen != "" {
		lis, err := net.Listen("tcp", listen)
		if err != nil {
			return err
		}
		feed := statusfeed.New(lis, core.Status, time.Second,
			log.NewMsgStream("mmsd-feed", lvl, os.Stderr))
		defer feed.Close()
	}

	var grp errgroup.Group
	grp.Go(func() error {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if line == "quit" || line == "exit" {
				return nil
			}
			if err := dispatcher.Run(line); err != nil {
				fmt.Fprintf(os.Stderr, "mmsd: %v\n", err)
			}
		}
		return sc.Err()
	})
	return grp.Wait()
}

// attachGPIO wires the configured slot pins to host gpio lines where they
// resolve; pins living on the MCU side stay driven by the engine.
func attachGPIO(core *mms.MMS) error {
	if _, err := host.Init(); err != nil {
		return err
	}
	watch := func(sen *sensor.Sensor, spec string) {
		if sen == nil || spec == "" {
			return
		}
		pin := gpioreg.ByName(strings.TrimPrefix(spec, "!"))
		if pin == nil {
			return
		}
		if _, err := sensor.WatchDigital(sen, pin, sensor.Inverted(spec)); err != nil {
			fmt.Fprintf(os.Stderr, "mmsd: gpio %s: %v\n", spec, err)
		}
	}
	for _, s := range core.Slots() {
		for _, kind := range []slot.Kind{slot.Selector, slot.Inlet, slot.Gate} {
			p := s.Pin(kind)
			if sen := p.Sensor(); sen != nil {
				watch(sen, sen.Pin())
			}
		}
	}
	for set := 0; set < core.SetCount(); set++ {
		if sen := core.OutletSensor(set); sen != nil {
			watch(sen, sen.Pin())
		}
		if sen := core.RunoutSensor(set); sen != nil {
			watch(sen, sen.Pin())
		}
		if sen := core.EntrySensor(set); sen != nil {
			watch(sen, sen.Pin())
		}
	}
	return nil
}
