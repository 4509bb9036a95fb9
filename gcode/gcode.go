// Package gcode implements the command surface the MMS module registers
// with the host G-code dispatcher: KEY=VALUE argument parsing, a handler
// registry, and a dispatcher suitable for driving the core from a console
// or from tests.
package gcode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Handler processes one command. Errors are surfaced to the issuer as a
// command response; they never crash the dispatcher.
type Handler func(cmd *Command) error

// Registry is the registration half of the dispatcher, the only part the
// MMS components see.
type Registry interface {
	Register(name string, h Handler)
}

// Command is a parsed command line such as "MMS_LOAD SLOT=2 WAIT=1".
type Command struct {
	name   string
	raw    string
	params map[string]string
}

// New builds a command without going through the parser. The fracture
// handler uses it to fabricate the swap command it schedules for resume.
func New(name string, args ...string) *Command {
	cmd := &Command{
		name:   strings.ToUpper(name),
		raw:    strings.TrimSpace(strings.Join(append([]string{name}, args...), " ")),
		params: make(map[string]string),
	}
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok {
			cmd.params[strings.ToUpper(k)] = v
		}
	}
	return cmd
}

// Parse splits a raw command line into name and KEY=VALUE parameters.
func Parse(line string) (*Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("gcode: empty command")
	}
	return New(fields[0], fields[1:]...), nil
}

func (c *Command) Name() string { return c.name }
func (c *Command) String() string {
	if c.raw != "" {
		return c.raw
	}
	return c.name
}

func (c *Command) Has(key string) bool {
	_, ok := c.params[strings.ToUpper(key)]
	return ok
}

func (c *Command) Get(key, def string) string {
	if v, ok := c.params[strings.ToUpper(key)]; ok {
		return v
	}
	return def
}

// Int returns the integer parameter key, or def if absent or malformed.
func (c *Command) Int(key string, def int) int {
	v, ok := c.params[strings.ToUpper(key)]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Float returns the float parameter key, or def if absent or malformed.
func (c *Command) Float(key string, def float64) float64 {
	v, ok := c.params[strings.ToUpper(key)]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Dispatcher routes command lines to registered handlers. Registration
// happens once at startup; Run may be called from any goroutine.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[strings.ToUpper(name)] = h
}

// Lookup reports whether a handler is registered for name.
func (d *Dispatcher) Lookup(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[strings.ToUpper(name)]
	return ok
}

// Commands returns the registered command names, sorted.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run parses and executes a single command line.
func (d *Dispatcher) Run(line string) error {
	cmd, err := Parse(line)
	if err != nil {
		return err
	}
	return d.Dispatch(cmd)
}

// Dispatch executes an already-built command.
func (d *Dispatcher) Dispatch(cmd *Command) error {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Name()]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gcode: unknown command %q", cmd.Name())
	}
	return h(cmd)
}
