package orbcore

import (
	"context"
	"time"
)

// Flow is the per-iteration verdict a plan handler returns to its broker
// (spec §4.4 "which returns Continue or Break").
type Flow int

const (
	// Continue keeps the broker's drive loop running.
	Continue Flow = iota
	// Break stops the broker's drive loop after the current pass.
	Break
)

// PollFunc polls one agent cell's output port, dispatching ready outputs to
// a plan handler, and reports whether the broker should keep running.
// Concrete brokers (e.g. the orb broker) build one PollFunc per cell by
// closing over PollOutput.
type PollFunc func(fence time.Time) Flow

// PollOutput drains every output currently queued on port, invoking handle
// for each one not older than fence (spec §4.4 "run_with_fence ... discard
// any output whose source_ts < fence_ts before dispatch"). A zero fence
// disables filtering. It stops and returns Break as soon as handle does.
func PollOutput[I, O any](port *OuterPort[I, O], fence time.Time, handle func(Output[O]) Flow) Flow {
	for {
		out, ok := port.TryRecv()
		if !ok {
			return Continue
		}
		if !fence.IsZero() && out.SourceTS.Before(fence) {
			continue
		}
		if handle(out) == Break {
			return Break
		}
	}
}

// Broker is the generic drive loop shared by every domain-specific broker
// (spec §4.4 "Broker core"). A concrete broker embeds *Broker and supplies
// its own enable_<agent>/disable_<agent> accessors plus a slice of
// PollFuncs, one per agent cell, built from PollOutput.
type Broker struct {
	// PollInterval paces RunLoop's busy-poll; brokers without a blocking
	// wake primitive (this port model has none) sleep this long between
	// passes that found nothing ready.
	PollInterval time.Duration
}

// NewBroker creates a Broker with a sensible default poll interval.
func NewBroker() *Broker {
	return &Broker{PollInterval: 2 * time.Millisecond}
}

// RunOnce is a single drive step: poll every cell in order, then
// extra (the plan's PollExtra hook), stopping at the first Break (spec
// §4.4 "run(plan): ... poll every enabled cell's output port ... exit when
// any handler returns Break").
func (b *Broker) RunOnce(ctx context.Context, fence time.Time, pollers []PollFunc, extra func(context.Context) Flow) Flow {
	for _, poll := range pollers {
		if poll(fence) == Break {
			return Break
		}
	}
	if extra != nil {
		if extra(ctx) == Break {
			return Break
		}
	}
	return Continue
}

// Run drives pollers and extra in a loop until one of them returns Break or
// ctx is cancelled (spec §4.4 "run(plan)").
func (b *Broker) Run(ctx context.Context, pollers []PollFunc, extra func(context.Context) Flow) error {
	return b.RunWithFence(ctx, time.Time{}, pollers, extra)
}

// RunWithFence is Run with a fixed source_ts fence applied to every poll
// pass, used to ignore stale results after a reconfiguration (spec §4.4
// "run_with_fence").
func (b *Broker) RunWithFence(ctx context.Context, fence time.Time, pollers []PollFunc, extra func(context.Context) Flow) error {
	interval := b.PollInterval
	if interval <= 0 {
		interval = 2 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if b.RunOnce(ctx, fence, pollers, extra) == Break {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
