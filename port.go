package orbcore

import (
	"context"
	"errors"
	"time"
)

// ErrPortClosed is returned by Send/SendNow once the port's owner side has
// dropped its outer handle (spec §4.1 "dropping the outer port cancels the
// agent").
var ErrPortClosed = errors.New("orbcore: port closed")

// Input is a timestamped envelope carrying a value into an agent. source_ts
// is stamped at creation and propagates end-to-end so the broker can match an
// inference result with the originating sensor frame (spec §3).
type Input[T any] struct {
	Value    T
	SourceTS time.Time
}

// NewInput stamps SourceTS = now() and wraps value (spec §4.1 "Input::new").
func NewInput[T any](value T) Input[T] {
	return Input[T]{Value: value, SourceTS: time.Now()}
}

// Output is the timestamped envelope an agent emits. SourceTS must equal the
// SourceTS of exactly one Input earlier in the pipeline (spec §3 invariant 1,
// §8 testable property 1).
type Output[T any] struct {
	Value    T
	SourceTS time.Time
}

// NewOutput stamps SourceTS = now() and wraps value. Only origin agents
// (sensors) create outputs this way; every derived output must use Chain so
// the envelope's SourceTS survives the full inference pipeline (spec §3
// invariant 1).
func NewOutput[T any](value T) Output[T] {
	return Output[T]{Value: value, SourceTS: time.Now()}
}

// Chain produces an Output carrying the same SourceTS as the triggering
// Input (spec §4.1 "chain"). Go has no generic methods, so this is a free
// function parameterized independently over the input and output types.
func Chain[I, O any](in Input[I], value O) Output[O] {
	return Output[O]{Value: value, SourceTS: in.SourceTS}
}

// ChainFn returns a closure form of Chain, bound to one triggering input
// (spec §4.1 "chain_fn").
func ChainFn[I, O any](in Input[I]) func(O) Output[O] {
	return func(value O) Output[O] { return Chain(in, value) }
}

// queue is the capacity-aware primitive behind both directions of a Port.
// capacity == 0 means "single-slot, latest-wins": Send and SendNow both
// overwrite the pending value instead of blocking (spec §3, §4.1).
type queue[T any] struct {
	ch       chan T
	coalesce bool
}

func newQueue[T any](capacity int) *queue[T] {
	n := capacity
	coalesce := capacity <= 0
	if n < 1 {
		n = 1
	}
	return &queue[T]{ch: make(chan T, n), coalesce: coalesce}
}

// send blocks until there is room, unless the queue coalesces (capacity 0),
// in which case it always succeeds by overwriting the pending value.
func (q *queue[T]) send(ctx context.Context, v T) error {
	if !q.coalesce {
		select {
		case q.ch <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return q.sendNow(v)
}

// sendNow enqueues v without blocking, dropping the oldest queued value,
// whatever its variant, if the buffer is full (spec §4.1 "send_now").
func (q *queue[T]) sendNow(v T) error {
	select {
	case q.ch <- v:
		return nil
	default:
	}
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- v:
		return nil
	default:
		// Another producer raced us; one more attempt is enough for a
		// single-producer port, which is the only discipline Port supports.
		return errors.New("orbcore: send_now lost race with a concurrent producer")
	}
}

func (q *queue[T]) recv(ctx context.Context) (T, bool) {
	select {
	case v, ok := <-q.ch:
		return v, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

func (q *queue[T]) tryRecv() (T, bool) {
	select {
	case v, ok := <-q.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

func (q *queue[T]) close() { close(q.ch) }

// Port couples one agent with its owner: a pair of queues carrying
// Input[I] to the agent and Output[O] from it, each with its own static
// capacity (spec §3 "Port type", §4.1).
type Port[I, O any] struct {
	toAgent   *queue[Input[I]]
	fromAgent *queue[Output[O]]
}

// NewPort creates a Port with the given static input/output capacities.
// Capacity 0 selects single-slot latest-wins semantics for that direction.
func NewPort[I, O any](inputCapacity, outputCapacity int) *Port[I, O] {
	return &Port[I, O]{
		toAgent:   newQueue[Input[I]](inputCapacity),
		fromAgent: newQueue[Output[O]](outputCapacity),
	}
}

// Outer returns the owner-facing handle: send inputs, receive outputs.
func (p *Port[I, O]) Outer() *OuterPort[I, O] { return &OuterPort[I, O]{p: p} }

// Inner returns the agent-facing handle: receive inputs, send outputs.
func (p *Port[I, O]) Inner() *InnerPort[I, O] { return &InnerPort[I, O]{p: p} }

// OuterPort is the owner side of a Port (spec §4.1 "outer side").
type OuterPort[I, O any] struct{ p *Port[I, O] }

// Send delivers value to the agent, blocking if the input queue has
// positive capacity and is full; coalescing ports never block.
func (o *OuterPort[I, O]) Send(ctx context.Context, value I) error {
	return o.p.toAgent.send(ctx, NewInput(value))
}

// SendNow delivers value without blocking, dropping the oldest queued value
// first if the buffer is full (spec §4.1 "send_now"). The dropped value is
// not matched to value's variant.
func (o *OuterPort[I, O]) SendNow(value I) error {
	return o.p.toAgent.sendNow(NewInput(value))
}

// SendInput delivers a pre-stamped envelope, preserving its SourceTS. Used
// by transports that relay envelopes across a process boundary and by the
// subprocess Retry recovery, which must re-deliver inputs with their
// original timestamps.
func (o *OuterPort[I, O]) SendInput(ctx context.Context, in Input[I]) error {
	return o.p.toAgent.send(ctx, in)
}

// Recv blocks for the next output, or returns (zero, false) if ctx is done
// or the agent's inner port has been closed.
func (o *OuterPort[I, O]) Recv(ctx context.Context) (Output[O], bool) {
	return o.p.fromAgent.recv(ctx)
}

// TryRecv returns the next output if one is immediately available.
func (o *OuterPort[I, O]) TryRecv() (Output[O], bool) {
	return o.p.fromAgent.tryRecv()
}

// Close drops the outer handle, which cancels the agent (spec §5
// "Cancellation"): task agents observe the input queue closing and exit.
func (o *OuterPort[I, O]) Close() { o.p.toAgent.close() }

// InnerPort is the agent side of a Port (spec §4.1 "inner side").
type InnerPort[I, O any] struct{ p *Port[I, O] }

// Next blocks for the next input, returning (zero, false) once the owner has
// closed its outer port or ctx is done.
func (i *InnerPort[I, O]) Next(ctx context.Context) (Input[I], bool) {
	return i.p.toAgent.recv(ctx)
}

// TryNext returns the next input if one is immediately available. Origin
// agents (sensors) use it to drain commands between frame productions
// without blocking the capture loop.
func (i *InnerPort[I, O]) TryNext() (Input[I], bool) {
	return i.p.toAgent.tryRecv()
}

// Send delivers an output envelope to the owner.
func (i *InnerPort[I, O]) Send(out Output[O]) error {
	return i.p.fromAgent.send(context.Background(), out)
}

// Close drops the inner handle, signalling end-of-stream to the owner's
// Recv/TryRecv calls.
func (i *InnerPort[I, O]) Close() { i.p.fromAgent.close() }
