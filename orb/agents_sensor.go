package orb

import (
	"context"

	"orbcore"
)

// FrameProducer is a sensor driver: an external collaborator producing
// frames of fixed dimensions. Next blocks until the next frame is captured.
type FrameProducer interface {
	Next(ctx context.Context) (Frame, error)
}

// CameraCommand controls a camera agent.
type CameraCommand struct {
	Kind CameraCommandKind
	FPS  float64
}

// CameraCommandKind discriminates CameraCommand.
type CameraCommandKind int

const (
	CameraStart CameraCommandKind = iota
	CameraStop
	CameraSetFPS
)

// Camera is a sensor agent: it runs its driver and emits frames while
// started. IR eye and IR face cameras run on the thread substrate (the
// drivers block in cgo); the RGB camera runs as a task.
type Camera struct {
	AgentName string
	Producer  FrameProducer

	running bool
}

func (c *Camera) Name() string { return c.AgentName }

func (c *Camera) Run(ctx context.Context, port *orbcore.InnerPort[CameraCommand, Frame]) {
	for {
		if !c.running || c.Producer == nil {
			// An absent driver (hardware variant without this sensor)
			// leaves the agent responsive to commands but frameless.
			in, ok := port.Next(ctx)
			if !ok {
				return
			}
			c.apply(in.Value)
			continue
		}
		if in, ok := port.TryNext(); ok {
			c.apply(in.Value)
			continue
		}
		frame, err := c.Producer.Next(ctx)
		if err != nil {
			return
		}
		if err := port.Send(orbcore.NewOutput(frame)); err != nil {
			return
		}
	}
}

func (c *Camera) apply(cmd CameraCommand) {
	switch cmd.Kind {
	case CameraStart:
		c.running = true
	case CameraStop:
		c.running = false
	case CameraSetFPS:
		// Frame pacing lives in the driver; the agent only relays the
		// request when the producer supports it.
		if s, ok := c.Producer.(interface{ SetFPS(float64) }); ok {
			s.SetFPS(cmd.FPS)
		}
	}
}

// AutoExposureInput feeds the IR auto-exposure agent.
type AutoExposureInput struct {
	Kind AutoExposureInputKind

	Frame Frame
	// MinDuration/MaxDuration reconfigure the allowed IR LED duration
	// range, in µs. Changing wavelength reconfigures this range (spec §4.5
	// "LED policy").
	MinDuration int
	MaxDuration int
}

// AutoExposureInputKind discriminates AutoExposureInput.
type AutoExposureInputKind int

const (
	AutoExposureFrame AutoExposureInputKind = iota
	AutoExposureSetRange
)

// targetIRMean is the pixel mean the exposure loop converges to.
const targetIRMean = 128.0

// AutoExposure adjusts the IR LED duration so the frame pixel mean
// converges to the target, within the configured duration range.
type AutoExposure struct {
	MinDuration int
	MaxDuration int

	duration int
}

func (a *AutoExposure) Name() string { return "ir-auto-exposure" }

func (a *AutoExposure) Run(ctx context.Context, port *orbcore.InnerPort[AutoExposureInput, int]) {
	if a.duration == 0 {
		a.duration = (a.MinDuration + a.MaxDuration) / 2
	}
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		switch in.Value.Kind {
		case AutoExposureSetRange:
			a.MinDuration = in.Value.MinDuration
			a.MaxDuration = in.Value.MaxDuration
			a.duration = clampInt(a.duration, a.MinDuration, a.MaxDuration)
		case AutoExposureFrame:
			next := a.step(in.Value.Frame.Mean)
			if next != a.duration {
				a.duration = next
				if err := port.Send(orbcore.Chain(in, a.duration)); err != nil {
					return
				}
			}
		}
	}
}

// step moves the duration proportionally toward the target mean.
func (a *AutoExposure) step(mean float64) int {
	if mean <= 0 {
		return clampInt(a.MaxDuration, a.MinDuration, a.MaxDuration)
	}
	next := int(float64(a.duration) * targetIRMean / mean)
	// Limit the per-frame step to avoid oscillation on specular highlights.
	if next > a.duration*2 {
		next = a.duration * 2
	}
	return clampInt(next, a.MinDuration, a.MaxDuration)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AutoFocusInput feeds the IR auto-focus agent: either a frame-derived
// sharpness sample or an externally estimated user distance.
type AutoFocusInput struct {
	Kind AutoFocusInputKind

	Sharpness float64
	// DistanceMM is the estimated eye distance used to seed the search.
	DistanceMM float64
}

// AutoFocusInputKind discriminates AutoFocusInput.
type AutoFocusInputKind int

const (
	AutoFocusSharpness AutoFocusInputKind = iota
	AutoFocusDistance
)

// Liquid-lens focus limits, in driver units.
const (
	lensFocusMin = -300
	lensFocusMax = 500
)

// AutoFocus hill-climbs the liquid-lens focus value on the sharpness
// signal, reseeded by distance estimates.
type AutoFocus struct {
	focus         int32
	step          int32
	lastSharpness float64
}

func (a *AutoFocus) Name() string { return "ir-auto-focus" }

func (a *AutoFocus) Run(ctx context.Context, port *orbcore.InnerPort[AutoFocusInput, int32]) {
	if a.step == 0 {
		a.step = 20
	}
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		switch in.Value.Kind {
		case AutoFocusDistance:
			// Coarse mapping from distance to lens power; the sharpness
			// climb refines from here.
			seed := int32(400 - in.Value.DistanceMM)
			a.focus = clampFocus(seed)
		case AutoFocusSharpness:
			if in.Value.Sharpness < a.lastSharpness {
				a.step = -a.step
			}
			a.lastSharpness = in.Value.Sharpness
			a.focus = clampFocus(a.focus + a.step)
		}
		if err := port.Send(orbcore.Chain(in, a.focus)); err != nil {
			return
		}
	}
}

func clampFocus(v int32) int32 {
	if v < lensFocusMin {
		return lensFocusMin
	}
	if v > lensFocusMax {
		return lensFocusMax
	}
	return v
}
