package orbcore

import (
	"context"
	"errors"
	"testing"
	"time"
)

// panickyAgent panics as soon as it receives an input.
type panickyAgent struct{}

func (panickyAgent) Name() string { return "panicky" }

func (panickyAgent) Run(ctx context.Context, port *InnerPort[int, int]) {
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		panic(in.Value)
	}
}

// echoAgent chains every input back out unchanged.
type echoAgent struct{}

func (echoAgent) Name() string { return "echo" }

func (echoAgent) Run(ctx context.Context, port *InnerPort[int, int]) {
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		if err := port.Send(Chain(in, in.Value)); err != nil {
			return
		}
	}
}

func TestSpawnTask_RecoversAgentPanic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outer, kill := SpawnTask[int, int](ctx, panickyAgent{}, 1, 1)
	if err := outer.Send(ctx, 42); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := kill.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	var agentPanic *ErrAgentPanic
	if !errors.As(kill.Err(), &agentPanic) {
		t.Fatalf("Err() = %v, want ErrAgentPanic", kill.Err())
	}
	if agentPanic.Agent != "panicky" {
		t.Errorf("panic attributed to %q", agentPanic.Agent)
	}
}

func TestSpawnThread_RecoversAgentPanic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outer, kill := SpawnThread[int, int](ctx, panickyAgent{}, 1, 1)
	if err := outer.Send(ctx, 7); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := kill.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if kill.Err() == nil {
		t.Fatal("expected a recorded panic error")
	}
}

func TestKillFuture_ErrNilOnCleanExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outer, kill := SpawnTask[int, int](ctx, echoAgent{}, 1, 1)
	outer.Close()
	if err := kill.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if kill.Err() != nil {
		t.Errorf("Err() = %v, want nil on clean exit", kill.Err())
	}
}

func TestCell_PanickedAgentMovesToDisabled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cell := NewCell(func() (*OuterPort[int, int], KillFuture) {
		return SpawnTask[int, int](ctx, panickyAgent{}, 1, 1)
	})
	if err := cell.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	port, ok := cell.Port()
	if !ok {
		t.Fatal("expected a live port")
	}
	if err := port.Send(ctx, 1); err != nil {
		t.Fatalf("Send: %v", err)
	}
	kill, _ := cell.Kill()
	if err := kill.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// The next Port call observes the panic and disables the cell; the
	// broker's poll loop keeps running.
	if _, ok := cell.Port(); ok {
		t.Error("panicked cell still reports a live port")
	}
	if cell.State() != CellDisabled {
		t.Errorf("state = %v, want disabled", cell.State())
	}
	// A disabled cell can be re-enabled, restarting the agent.
	if err := cell.Enable(); err != nil {
		t.Errorf("re-Enable after panic: %v", err)
	}
	cell.Disable()
}
