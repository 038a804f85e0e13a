package agentproc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"orbcore"
	"orbcore/internal/shmem"
)

// IsChild reports whether this process image was entered as a subprocess
// agent.
func IsChild() bool {
	return os.Getenv(EnvProcessName) != ""
}

// ChildArgs returns the extra arguments the parent forwarded, if any.
func ChildArgs() []string {
	raw := os.Getenv(EnvProcessArgs)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// Main dispatches to the registered agent entry when the subprocess
// environment is set, then exits the process. Call it first thing in
// main(), before flag parsing.
func Main() {
	name := os.Getenv(EnvProcessName)
	if name == "" {
		return
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("agent", name)
	if err := runChild(context.Background(), name, logger); err != nil {
		logger.Error("subprocess agent failed", "err", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func runChild(ctx context.Context, name string, logger *slog.Logger) error {
	reg, ok := lookup(name)
	if !ok {
		return fmt.Errorf("agentproc: unknown agent %q", name)
	}
	parentPID, err := strconv.Atoi(os.Getenv(EnvProcessParentPID))
	if err != nil {
		return fmt.Errorf("agentproc: bad %s: %w", EnvProcessParentPID, err)
	}
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return fmt.Errorf("agentproc: set parent death signal: %w", err)
	}
	// The parent may have died between fork and the prctl above, in which
	// case the death signal will never arrive; abort instead of running
	// orphaned.
	if os.Getppid() != parentPID {
		return fmt.Errorf("agentproc: parent changed before death signal was armed")
	}

	fd, err := strconv.Atoi(os.Getenv(EnvProcessShmem))
	if err != nil {
		return fmt.Errorf("agentproc: bad %s: %w", EnvProcessShmem, err)
	}
	region, err := shmem.Attach(fd, reg.layout.InitSize, reg.layout.SlotSize, reg.layout.SlotCount)
	if err != nil {
		return err
	}
	defer region.Close()

	logger.Info("subprocess agent entry")
	inputs := region.InputRing(reg.layout.SlotSize, reg.layout.SlotCount)
	outputs := region.OutputRing(reg.layout.SlotSize, reg.layout.SlotCount)
	return reg.entry(ctx, region.InitState(), inputs, outputs)
}

// ServePortAgent bridges a PortAgent over the rings inside the child: ring
// inputs flow to the agent with their original SourceTS, agent outputs flow
// back to the parent. Each input's ring sequence is acknowledged once the
// envelope has been handed to the agent, which defines the re-delivery
// boundary for the Retry exit strategy.
func ServePortAgent[I, O any](ctx context.Context, agent orbcore.PortAgent[I, O], codecIn Codec[orbcore.Input[I]], codecOut Codec[orbcore.Output[O]], inputs, outputs *shmem.Ring) error {
	port := orbcore.NewPort[I, O](1, 1)
	agentDone := make(chan struct{})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer close(agentDone)
		defer port.Inner().Close()
		agent.Run(ctx, port.Inner())
	}()

	go func() {
		outer := port.Outer()
		for {
			out, ok := outer.Recv(ctx)
			if !ok {
				return
			}
			frame, err := codecOut.Encode(out)
			if err != nil {
				continue
			}
			if _, err := outputs.Send(ctx, frame); err != nil {
				return
			}
		}
	}()

	outer := port.Outer()
	for {
		seq, frame, err := inputs.Recv(ctx)
		if err != nil {
			break
		}
		in, err := codecIn.Decode(frame)
		if err != nil {
			inputs.MarkConsumed(seq + 1)
			continue
		}
		if err := outer.SendInput(ctx, in); err != nil {
			break
		}
		inputs.MarkConsumed(seq + 1)
	}
	cancel()
	<-agentDone
	return nil
}
