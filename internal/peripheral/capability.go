package peripheral

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Capability names a host-level right the peripheral needs.
type Capability string

const (
	CapabilityAdvertise Capability = "advertise"
	CapabilityConnect   Capability = "connect"
	CapabilityRespond   Capability = "respond"
)

var knownCapabilities = map[Capability]bool{
	CapabilityAdvertise: true,
	CapabilityConnect:   true,
	CapabilityRespond:   true,
}

// Grant is the answer of a Gate for a capability.
type Grant int

const (
	Granted Grant = iota
	Denied
	Unavailable
)

func (g Grant) String() string {
	switch g {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case Unavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("grant(%d)", int(g))
	}
}

// Gate decides whether a capability may be used right now.
type Gate interface {
	Check(c Capability) Grant
}

// GateFunc adapts a function to Gate.
type GateFunc func(c Capability) Grant

func (f GateFunc) Check(c Capability) Grant { return f(c) }

// AllowAll grants every capability.
var AllowAll Gate = GateFunc(func(Capability) Grant { return Granted })

// StaticGate denies a fixed set of capabilities.
type StaticGate struct {
	denied map[Capability]bool
}

// NewStaticGate builds a gate that denies the named capabilities.
func NewStaticGate(deny ...string) (*StaticGate, error) {
	g := &StaticGate{denied: make(map[Capability]bool, len(deny))}
	for _, name := range deny {
		c := Capability(strings.ToLower(strings.TrimSpace(name)))
		if !knownCapabilities[c] {
			return nil, fmt.Errorf("unknown capability %q (must be one of %s)", name, capabilityNames())
		}
		g.denied[c] = true
	}
	return g, nil
}

func (g *StaticGate) Check(c Capability) Grant {
	if g.denied[c] {
		return Denied
	}
	return Granted
}

func capabilityNames() string {
	names := make([]string, 0, len(knownCapabilities))
	for c := range knownCapabilities {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Host reports adapter state.
type Host interface {
	BluetoothEnabled() bool
}

// HostGate reports every capability as unavailable while Bluetooth is off,
// and defers to Inner otherwise.
type HostGate struct {
	Host  Host
	Inner Gate
}

func (g HostGate) Check(c Capability) Grant {
	if g.Host != nil && !g.Host.BluetoothEnabled() {
		return Unavailable
	}
	if g.Inner == nil {
		return Granted
	}
	return g.Inner.Check(c)
}

// Lifecycle tracks whether the peripheral service is running. Delayed actions
// check it before acting so nothing fires after shutdown.
type Lifecycle struct {
	running atomic.Bool
}

func (l *Lifecycle) Start()        { l.running.Store(true) }
func (l *Lifecycle) Stop()         { l.running.Store(false) }
func (l *Lifecycle) Running() bool { return l.running.Load() }
