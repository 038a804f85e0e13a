package agentproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"orbcore"
	"orbcore/internal/shmem"
)

// Options configures a subprocess spawn.
type Options struct {
	// InitState is the serialized initial agent configuration, copied into
	// the region header and read once by the child. Must fit the agent's
	// registered Layout.InitSize.
	InitState []byte
	// ExitStrategy decides what to do when the child exits on its own.
	// Defaults to orbcore.AlwaysRetry.
	ExitStrategy orbcore.ExitDecider
	// Args is forwarded to the child via ORB_CORE_PROCESS_ARGS.
	Args []string
	Logger *slog.Logger
}

// Spawn starts the named agent in a subprocess and bridges it to a port
// (spec §4.2 "Subprocess"). The current executable is re-entered with the
// agent name, shared-memory descriptor, and parent PID in the environment;
// the child drops into a new user+IPC namespace and dies with its parent.
//
// Closing the returned outer port sends SIGKILL to the child and tears the
// transport down; awaiting the kill future waits for full teardown.
func Spawn[I, O any](ctx context.Context, name string, codecIn Codec[orbcore.Input[I]], codecOut Codec[orbcore.Output[O]], opts Options) (*orbcore.OuterPort[I, O], orbcore.KillFuture, error) {
	reg, ok := lookup(name)
	if !ok {
		return nil, orbcore.KillFuture{}, fmt.Errorf("agentproc: unknown agent %q", name)
	}
	if len(opts.InitState) > reg.layout.InitSize {
		return nil, orbcore.KillFuture{}, fmt.Errorf("agentproc: %s: init state %d bytes exceeds layout %d",
			name, len(opts.InitState), reg.layout.InitSize)
	}
	decider := opts.ExitStrategy
	if decider == nil {
		decider = orbcore.AlwaysRetry
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	region, err := shmem.Create(reg.layout.InitSize, reg.layout.SlotSize, reg.layout.SlotCount)
	if err != nil {
		return nil, orbcore.KillFuture{}, err
	}
	copy(region.InitState(), opts.InitState)

	port := orbcore.NewPort[I, O](reg.layout.SlotCount, reg.layout.SlotCount)
	done := make(chan struct{})
	p := &parent[I, O]{
		name:     name,
		layout:   reg.layout,
		region:   region,
		port:     port,
		codecIn:  codecIn,
		codecOut: codecOut,
		decider:  decider,
		logger:   logger.With("agent", name),
		args:     opts.Args,
		done:     done,
	}
	go p.supervise(ctx)
	return port.Outer(), orbcore.NewKillFuture(done), nil
}

// parent is the parent-side state of one subprocess agent.
type parent[I, O any] struct {
	name     string
	layout   Layout
	region   *shmem.Region
	port     *orbcore.Port[I, O]
	codecIn  Codec[orbcore.Input[I]]
	codecOut Codec[orbcore.Output[O]]
	decider  orbcore.ExitDecider
	logger   *slog.Logger
	args     []string
	done     chan struct{}

	backlog backlog
}

// supervise runs the child lifecycle: spawn, pump, wait, apply exit
// strategy, loop (spec §4.2 steps 2-4).
func (p *parent[I, O]) supervise(ctx context.Context) {
	defer close(p.done)
	defer p.region.Close()
	defer p.port.Inner().Close()

	inputs := p.region.InputRing(p.layout.SlotSize, p.layout.SlotCount)
	outputs := p.region.OutputRing(p.layout.SlotSize, p.layout.SlotCount)

	for {
		cmd, err := p.startChild(ctx)
		if err != nil {
			p.logger.Error("subprocess spawn failed", "err", err)
			return
		}
		p.logger.Info("subprocess agent spawned", "pid", cmd.Process.Pid)

		pumpCtx, stopPumps := context.WithCancel(ctx)
		killRequested := make(chan struct{})
		pumpsDone := make(chan struct{}, 2)
		go func() {
			p.pumpInputs(pumpCtx, inputs, cmd, killRequested)
			pumpsDone <- struct{}{}
		}()
		go func() {
			p.pumpOutputs(pumpCtx, outputs)
			pumpsDone <- struct{}{}
		}()

		waitErr := cmd.Wait()
		// Quiesce both pumps before touching the rings; a reset racing a
		// late ring write would corrupt the recovery state.
		stopPumps()
		<-pumpsDone
		<-pumpsDone
		p.drainOutputs(outputs)

		select {
		case <-killRequested:
			p.logger.Info("subprocess agent terminated on request")
			return
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return
		default:
		}

		code, signal := exitStatus(cmd, waitErr)
		strategy := p.decider(code, signal)
		p.logger.Warn("subprocess agent exited",
			"code", code, "signal", signal, "strategy", strategy.String())
		crash := &orbcore.ErrAgentCrash{Agent: p.name, Code: code, Signal: signal}

		switch strategy {
		case orbcore.ExitClose:
			p.logger.Error("closing agent after crash", "err", crash)
			return
		case orbcore.ExitRestart:
			p.backlog.reset()
			inputs.Reset()
			outputs.Reset()
		case orbcore.ExitRetry:
			pending := p.backlog.unconsumed(inputs.LastConsumed())
			p.backlog.reset()
			inputs.Reset()
			outputs.Reset()
			for _, frame := range pending {
				seq, err := inputs.Send(ctx, frame)
				if err != nil {
					p.logger.Error("retry re-delivery failed", "err", err)
					return
				}
				p.backlog.add(seq, frame)
			}
			if len(pending) > 0 {
				p.logger.Info("re-delivered unconsumed inputs", "count", len(pending))
			}
		}
	}
}

// pumpInputs moves envelopes from the outer port into the child's input
// ring, recording each staged frame for Retry recovery. When the owner
// closes the outer port, the child is killed (spec §5 "Cancellation").
func (p *parent[I, O]) pumpInputs(ctx context.Context, ring *shmem.Ring, cmd *exec.Cmd, killRequested chan<- struct{}) {
	inner := p.port.Inner()
	for {
		in, ok := inner.Next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
			default:
				close(killRequested)
				_ = cmd.Process.Kill()
			}
			return
		}
		frame, err := p.codecIn.Encode(in)
		if err != nil {
			p.logger.Error("input encode failed", "err", err)
			continue
		}
		seq, err := ring.Send(ctx, frame)
		if err != nil {
			return
		}
		p.backlog.add(seq, frame)
		p.backlog.prune(ring.LastConsumed())
	}
}

// pumpOutputs moves envelopes from the child's output ring to the outer
// port, preserving each envelope's SourceTS.
func (p *parent[I, O]) pumpOutputs(ctx context.Context, ring *shmem.Ring) {
	for {
		_, frame, err := ring.Recv(ctx)
		if err != nil {
			return
		}
		p.deliver(frame)
	}
}

// drainOutputs delivers outputs the child produced before dying.
func (p *parent[I, O]) drainOutputs(ring *shmem.Ring) {
	for {
		_, frame, ok := ring.TryRecv()
		if !ok {
			return
		}
		p.deliver(frame)
	}
}

func (p *parent[I, O]) deliver(frame []byte) {
	out, err := p.codecOut.Decode(frame)
	if err != nil {
		p.logger.Error("output decode failed", "err", err)
		return
	}
	if err := p.port.Inner().Send(out); err != nil {
		p.logger.Error("output delivery failed", "err", err)
	}
}

// startChild re-executes the current binary with the subprocess protocol
// environment. The region descriptor is inherited as fd 3; the child drops
// into a new user+IPC namespace and is killed when the parent dies.
func (p *parent[I, O]) startChild(ctx context.Context) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("agentproc: resolve executable: %w", err)
	}
	cmd := exec.CommandContext(ctx, exe)
	cmd.ExtraFiles = []*os.File{p.region.File()}
	cmd.Env = append(os.Environ(),
		EnvProcessName+"="+p.name,
		EnvProcessShmem+"=3",
		EnvProcessParentPID+"="+strconv.Itoa(os.Getpid()),
	)
	if len(p.args) > 0 {
		cmd.Env = append(cmd.Env, EnvProcessArgs+"="+strings.Join(p.args, " "))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWIPC,
		Pdeathsig:  syscall.SIGKILL,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	go p.tagOutput(stdout, "stdout")
	go p.tagOutput(stderr, "stderr")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentproc: start %s: %w", p.name, err)
	}
	return cmd, nil
}

// tagOutput forwards the child's line-buffered output into the parent's
// log stream, tagged with the agent name.
func (p *parent[I, O]) tagOutput(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Info(scanner.Text(), "stream", stream)
	}
}

// exitStatus extracts the child's (code, signal) pair for the exit
// strategy hook. Signal is empty on a normal exit.
func exitStatus(cmd *exec.Cmd, waitErr error) (int, string) {
	state := cmd.ProcessState
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return state.ExitCode(), ws.Signal().String()
	}
	if waitErr != nil && state.ExitCode() == 0 {
		return -1, ""
	}
	return state.ExitCode(), ""
}
