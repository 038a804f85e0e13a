package orbcore

import (
	"context"
	"log/slog"
	"runtime"
)

// PortAgent is a long-lived component exposing one Port (spec §4.2 "Every
// agent implements a port trait plus a name constant"). Run owns the inner
// port for its whole lifetime: it should loop on port.Next(ctx) until ctx is
// done or the owner closes the outer port, sending zero or more outputs via
// port.Send along the way.
type PortAgent[I, O any] interface {
	// Name identifies the agent for logging, subprocess dispatch, and
	// exit-strategy lookup.
	Name() string
	// Run drives the agent body. It must return once ctx is cancelled.
	Run(ctx context.Context, port *InnerPort[I, O])
}

// KillFuture is the uniform handle every spawn mode returns alongside the
// outer port (spec §4.2 "Each mode returns (outer_port, kill_future)").
// Dropping the outer port (calling OuterPort.Close) requests graceful
// termination; Wait blocks until the agent has actually stopped.
type KillFuture struct {
	done chan struct{}
	err  *error
}

// NewKillFuture wraps a completion channel into a KillFuture, for agent
// substrates implemented outside this package (the subprocess substrate).
func NewKillFuture(done chan struct{}) KillFuture {
	return KillFuture{done: done}
}

// Wait blocks until the agent terminates or ctx is done, whichever comes
// first.
func (k KillFuture) Wait(ctx context.Context) error {
	select {
	case <-k.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the agent has already terminated.
func (k KillFuture) Done() bool {
	select {
	case <-k.done:
		return true
	default:
		return false
	}
}

// Err returns the agent's termination error: non-nil when the agent body
// panicked. The error is written before done is closed, so the channel
// close is the happens-before barrier for readers.
func (k KillFuture) Err() error {
	if k.err == nil || !k.Done() {
		return nil
	}
	return *k.err
}

// SpawnTask runs agent as a cooperative goroutine on the shared runtime
// (spec §4.2 "Task: cooperative single-threaded scheduling on a shared
// multi-threaded runtime. Suitable for I/O-bound event loops"). The agent
// stops when ctx is cancelled or the returned outer port is closed.
//
// A panic in the agent body is recovered, logged, and recorded on the kill
// future; the owning cell observes it and moves to Disabled while the
// broker keeps running (spec §7 "Agent panic").
func SpawnTask[I, O any](ctx context.Context, agent PortAgent[I, O], inputCapacity, outputCapacity int) (*OuterPort[I, O], KillFuture) {
	port := NewPort[I, O](inputCapacity, outputCapacity)
	kill := KillFuture{done: make(chan struct{}), err: new(error)}
	go func() {
		// The err write happens before close(done); the channel close is
		// the happens-before barrier for KillFuture.Err readers.
		defer close(kill.done)
		defer port.Inner().Close()
		defer recoverAgentPanic(agent.Name(), kill.err)
		agent.Run(ctx, port.Inner())
	}()
	return port.Outer(), kill
}

// SpawnThread runs agent on a dedicated OS thread, locked for its whole
// lifetime (spec §4.2 "Thread: a dedicated OS thread ... Suitable for work
// that must not be preempted by the shared runtime or that uses blocking
// libraries"). Use this substrate for agents that call cgo or other
// thread-affine blocking APIs (camera/MCU drivers). Panic handling matches
// SpawnTask.
func SpawnThread[I, O any](ctx context.Context, agent PortAgent[I, O], inputCapacity, outputCapacity int) (*OuterPort[I, O], KillFuture) {
	port := NewPort[I, O](inputCapacity, outputCapacity)
	kill := KillFuture{done: make(chan struct{}), err: new(error)}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(kill.done)
		defer port.Inner().Close()
		defer recoverAgentPanic(agent.Name(), kill.err)
		agent.Run(ctx, port.Inner())
	}()
	return port.Outer(), kill
}

// recoverAgentPanic converts a panic unwinding out of an agent body into a
// recorded ErrAgentPanic instead of crashing the process.
func recoverAgentPanic(name string, dst *error) {
	if p := recover(); p != nil {
		err := &ErrAgentPanic{Agent: name, Value: p}
		*dst = err
		slog.Error("agent panicked", "agent", name, "panic", p)
	}
}

// ExitStrategy tells a subprocess substrate how to react to a child exiting
// on its own, independent of a parent-initiated kill (spec §4.2 step 3).
type ExitStrategy int

const (
	// ExitRetry respawns the child and re-delivers every input enqueued but
	// not yet acknowledged, in original order. Default per spec.
	ExitRetry ExitStrategy = iota
	// ExitRestart respawns the child, discarding unconsumed inputs.
	ExitRestart
	// ExitClose tears the port down; the agent is reported as terminated.
	ExitClose
)

func (s ExitStrategy) String() string {
	switch s {
	case ExitRestart:
		return "restart"
	case ExitClose:
		return "close"
	default:
		return "retry"
	}
}

// ExitDecider maps a child's (exit code, signal name) pair to an
// ExitStrategy (spec §4.2 "exit-strategy hook"). Signal is empty when the
// child exited normally.
type ExitDecider func(code int, signal string) ExitStrategy

// AlwaysRetry is the default ExitDecider: every exit is retried.
func AlwaysRetry(int, string) ExitStrategy { return ExitRetry }
