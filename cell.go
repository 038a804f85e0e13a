package orbcore

import (
	"fmt"
	"sync"
)

// CellState is the state of one Agent cell (spec §3 "Agent cell: one of
// Disabled, Enabled(handle), Pending(init-future)").
type CellState int

const (
	CellDisabled CellState = iota
	CellPending
	CellEnabled
)

func (s CellState) String() string {
	switch s {
	case CellPending:
		return "pending"
	case CellEnabled:
		return "enabled"
	default:
		return "disabled"
	}
}

// Cell holds one agent slot inside a broker: it owns the outer port and
// kill future while enabled, and knows how to respawn them (spec §3 "Agent
// cell", §4.2). Cell is safe for concurrent use, but the spec only
// guarantees "at most one concurrent enable() in flight"; concurrent
// Enable calls on the same cell return an error for every caller but the
// first.
type Cell[I, O any] struct {
	mu    sync.Mutex
	state CellState
	outer *OuterPort[I, O]
	kill  KillFuture
	spawn func() (*OuterPort[I, O], KillFuture)
}

// NewCell creates a Disabled cell. spawn is invoked by Enable each time the
// agent transitions Disabled → Enabled, so it must be safe to call more
// than once (each call starts a fresh agent instance).
func NewCell[I, O any](spawn func() (*OuterPort[I, O], KillFuture)) *Cell[I, O] {
	return &Cell[I, O]{spawn: spawn}
}

// State reports the cell's current state.
func (c *Cell[I, O]) State() CellState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enabled reports whether the cell currently holds a live agent.
func (c *Cell[I, O]) Enabled() bool {
	return c.State() == CellEnabled
}

// Enable transitions Disabled → Enabled via spawn() (spec §3 "enable()").
// It fails if the cell is already Pending or Enabled.
func (c *Cell[I, O]) Enable() error {
	c.mu.Lock()
	if c.state != CellDisabled {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("orbcore: cell.Enable: already %s", s)
	}
	c.state = CellPending
	c.mu.Unlock()

	outer, kill := c.spawn()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.outer, c.kill = outer, kill
	c.state = CellEnabled
	return nil
}

// Disable transitions Enabled → Disabled, dropping the outer port (which
// signals the agent to terminate via its kill future). Always safe to call,
// including on an already-Disabled cell (spec §3 invariant).
func (c *Cell[I, O]) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CellDisabled {
		return
	}
	if c.outer != nil {
		c.outer.Close()
	}
	c.outer = nil
	c.state = CellDisabled
}

// Restart disables then re-enables the cell (spec §3 "Enabled → Disabled →
// Enabled forms a restart").
func (c *Cell[I, O]) Restart() error {
	c.Disable()
	return c.Enable()
}

// Port returns the live outer port, or (nil, false) if the cell is not
// Enabled. A cell whose agent panicked moves to Disabled on the next Port
// call, so the broker keeps running and the plan detects the missing
// output via its own timeout (spec §7 "Agent panic").
func (c *Cell[I, O]) Port() (*OuterPort[I, O], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CellEnabled {
		return nil, false
	}
	if c.kill.Err() != nil {
		if c.outer != nil {
			c.outer.Close()
		}
		c.outer = nil
		c.state = CellDisabled
		return nil, false
	}
	return c.outer, true
}

// Kill returns the current agent's kill future, or (zero, false) if the
// cell is not Enabled.
func (c *Cell[I, O]) Kill() (KillFuture, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CellEnabled {
		return KillFuture{}, false
	}
	return c.kill, true
}
