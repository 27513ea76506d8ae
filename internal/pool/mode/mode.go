// Package mode implements the pool mode: a bitmask that disables classes
// of operations or the pool as a whole.
package mode

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// Mode is a set of disable flags. The zero value is a fully enabled pool.
type Mode uint32

const (
	// Enabled is the sentinel for a fully enabled pool.
	Enabled Mode = 0

	// Disabled marks the pool as not fully enabled. It is implied by every
	// other flag.
	Disabled Mode = 1 << 0
	// DisabledFetch rejects client reads.
	DisabledFetch Mode = 1 << 1
	// DisabledStore rejects client writes.
	DisabledStore Mode = 1 << 2
	// DisabledStage rejects restores from the backing store.
	DisabledStage Mode = 1 << 3
	// DisabledP2PClient rejects receiving replicas from other pools.
	DisabledP2PClient Mode = 1 << 4
	// DisabledP2PServer rejects sending replicas to other pools.
	DisabledP2PServer Mode = 1 << 5
	// DisabledDead marks a pool that hit a fatal error. Cleared only by restart.
	DisabledDead Mode = 1 << 6
)

// Composite modes.
const (
	DisabledRdOnly = Disabled | DisabledStore | DisabledStage | DisabledP2PClient
	DisabledStrict = Disabled | DisabledFetch | DisabledStore | DisabledStage | DisabledP2PClient | DisabledP2PServer
)

// ErrPoolDead is returned when trying to clear the dead flag.
var ErrPoolDead = errors.New("pool is dead")

var flagNames = []struct {
	flag Mode
	name string
}{
	{DisabledFetch, "fetch"},
	{DisabledStore, "store"},
	{DisabledStage, "stage"},
	{DisabledP2PClient, "p2p-client"},
	{DisabledP2PServer, "p2p-server"},
	{DisabledDead, "dead"},
}

// Normalize returns the canonical form of m: any flag implies Disabled and
// a bare Disabled means every operation is disabled.
func Normalize(m Mode) Mode {
	switch {
	case m == Enabled:
		return Enabled
	case m == Disabled:
		return DisabledStrict
	default:
		return m | Disabled
	}
}

// IsDisabled reports whether every bit of flag is set in m.
func (m Mode) IsDisabled(flag Mode) bool {
	return m&flag == flag
}

// IsEnabled reports whether no disable flag is set.
func (m Mode) IsEnabled() bool {
	return m == Enabled
}

// String renders the mode the way admin output shows it, e.g.
// "disabled(fetch,store)" or "enabled".
func (m Mode) String() string {
	if m == Enabled {
		return "enabled"
	}
	if m == DisabledStrict {
		return "disabled(strict)"
	}
	var names []string
	for _, f := range flagNames {
		if m&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	return "disabled(" + strings.Join(names, ",") + ")"
}

// Parse parses the flag names used by the admin interface. "enabled",
// "strict" and "rdonly" are accepted, as are comma separated flag names.
func Parse(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "enabled":
		return Enabled, nil
	case "", "disabled", "strict":
		return DisabledStrict, nil
	case "rdonly":
		return DisabledRdOnly, nil
	}

	m := Disabled
next:
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		for _, f := range flagNames {
			if f.name == part {
				m |= f.flag
				continue next
			}
		}
		return 0, fmt.Errorf("unknown mode flag %q", part)
	}
	return m, nil
}

// Controller holds the current mode of a pool.
type Controller struct {
	mode atomic.Uint32
}

// NewController creates a controller in the given initial mode.
func NewController(initial Mode) *Controller {
	c := &Controller{}
	c.mode.Store(uint32(Normalize(initial)))
	return c
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// SetMode replaces the mode. Setting Enabled clears all flags; anything
// else is normalized to include Disabled. A dead pool stays dead.
func (c *Controller) SetMode(m Mode) error {
	next := Normalize(m)
	for {
		cur := c.mode.Load()
		if Mode(cur).IsDisabled(DisabledDead) && !next.IsDisabled(DisabledDead) {
			return ErrPoolDead
		}
		if c.mode.CompareAndSwap(cur, uint32(next)) {
			return nil
		}
	}
}

// Disable adds flags to the current mode.
func (c *Controller) Disable(flags Mode) {
	for {
		cur := c.mode.Load()
		next := Normalize(Mode(cur) | flags)
		if c.mode.CompareAndSwap(cur, uint32(next)) {
			return
		}
	}
}

// IsDisabled reports whether flag is disabled in the current mode.
func (c *Controller) IsDisabled(flag Mode) bool {
	return c.Mode().IsDisabled(flag)
}

// IsEnabled reports whether the pool is fully enabled.
func (c *Controller) IsEnabled() bool {
	return c.Mode().IsEnabled()
}
