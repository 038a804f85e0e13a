package plan

import (
	"context"
	"math"
	"time"

	"orbcore"
	"orbcore/orb"
)

// The capture extensions each wrap the base plan, delegating every handler
// they do not override (spec §4.7 "Extensions"). The extension owns the
// base; the base never needs a back-pointer.

// SweepRecord is the per-sweep metadata record emitted by the focus and
// mirror sweeps.
type SweepRecord struct {
	Eye         orbcore.Eye
	Coefficients [6]float32
	FrameCount  int
	Frames      []orb.Frame
	StartedAt   time.Time
}

// FocusSweep pauses normal operation after the base plan captures an eye,
// programs the microcontroller with a degree-3 polynomial mapping frame
// index to lens focus centred on the last achieved focus, collects frames
// at a higher FPS, and resumes.
type FocusSweep struct {
	*Capture

	FrameCount int
	SweepFPS   float64
	// LastFocus is the focus value the sweep is centred on; updated by the
	// auto-focus stream while the base runs.
	LastFocus int32

	Records []SweepRecord

	sweeping  bool
	collected []orb.Frame
	record    SweepRecord
	prevDone  int
}

// NewFocusSweep wraps base with the default sweep shape.
func NewFocusSweep(base *Capture) *FocusSweep {
	return &FocusSweep{Capture: base, FrameCount: 40, SweepFPS: 60}
}

func (p *FocusSweep) HandleAutoFocus(o *orb.Orb, out orbcore.Output[int32]) orbcore.Flow {
	p.LastFocus = out.Value
	return p.Capture.HandleAutoFocus(o, out)
}

func (p *FocusSweep) HandleIRNet(o *orb.Orb, out orbcore.Output[orb.IRNetOutput]) orbcore.Flow {
	if p.sweeping {
		// Normal operation is paused for the duration of the sweep.
		return orbcore.Continue
	}
	flow := p.Capture.HandleIRNet(o, out)
	if done := p.total - p.ObjectivesRemaining(); done > p.prevDone {
		p.prevDone = done
		p.beginSweep(o)
	}
	return flow
}

// beginSweep programs the sweep polynomial: frame index -> focus value,
// degree 3, centred on the last achieved focus.
func (p *FocusSweep) beginSweep(o *orb.Orb) {
	span := float32(p.FrameCount)
	coefficients := [6]float32{float32(p.LastFocus) - span/2, 1, 0, 1 / (span * span), 0, 0}
	o.Mcu.SendNow(orb.McuCommand{Kind: orb.McuFrameRate, FPS: p.SweepFPS})
	o.Mcu.SendNow(orb.McuCommand{
		Kind:       orb.McuFocusSweep,
		Polynomial: coefficients,
		FrameCount: p.FrameCount,
	})
	p.sweeping = true
	p.collected = nil
	p.record = SweepRecord{
		Eye:          p.currentSweepEye(),
		Coefficients: coefficients,
		FrameCount:   p.FrameCount,
		StartedAt:    time.Now(),
	}
}

func (p *FocusSweep) currentSweepEye() orbcore.Eye {
	if p.prevDone > 0 && p.prevDone <= len(p.Objectives) {
		return p.Objectives[p.prevDone-1].TargetEye
	}
	return orbcore.EyeLeft
}

func (p *FocusSweep) HandleIREyeCamera(o *orb.Orb, out orbcore.Output[orb.Frame]) orbcore.Flow {
	if p.sweeping {
		p.collected = append(p.collected, out.Value)
		if len(p.collected) >= p.FrameCount {
			p.endSweep(o)
		}
		return orbcore.Continue
	}
	return p.Capture.HandleIREyeCamera(o, out)
}

func (p *FocusSweep) endSweep(o *orb.Orb) {
	p.record.Frames = p.collected
	p.Records = append(p.Records, p.record)
	p.collected = nil
	p.sweeping = false
	o.Mcu.SendNow(orb.McuCommand{Kind: orb.McuFrameRate, FPS: orb.DefaultFrameRate})
}

func (p *FocusSweep) PollExtra(ctx context.Context, o *orb.Orb) orbcore.Flow {
	if p.sweeping {
		// The outer plan's termination semantics stay in force, but the
		// base must not conclude success mid-sweep.
		if time.Now().After(p.deadline) {
			p.timedOut = true
			return orbcore.Break
		}
		return orbcore.Continue
	}
	return p.Capture.PollExtra(ctx, o)
}

// MirrorSweep is the FocusSweep shape over mirror coordinates: a 2D
// Archimedean spiral in (radius, angle) around the last mirror point.
type MirrorSweep struct {
	*Capture

	FrameCount int
	SweepFPS   float64
	// RadiusStep is the spiral's radial growth per revolution, degrees.
	RadiusStep float64

	Records []SweepRecord

	sweeping  bool
	collected []orb.Frame
	record    SweepRecord
	prevDone  int
}

// NewMirrorSweep wraps base with the default spiral shape.
func NewMirrorSweep(base *Capture) *MirrorSweep {
	return &MirrorSweep{Capture: base, FrameCount: 40, SweepFPS: 60, RadiusStep: 0.5}
}

func (p *MirrorSweep) HandleIRNet(o *orb.Orb, out orbcore.Output[orb.IRNetOutput]) orbcore.Flow {
	if p.sweeping {
		return orbcore.Continue
	}
	flow := p.Capture.HandleIRNet(o, out)
	if done := p.total - p.ObjectivesRemaining(); done > p.prevDone {
		p.prevDone = done
		p.beginSweep(o)
	}
	return flow
}

func (p *MirrorSweep) beginSweep(o *orb.Orb) {
	// Archimedean spiral r = a + b*theta around the last mirror point,
	// encoded as (radius, angle) polynomial coefficients per frame index.
	thetaPerFrame := 2 * math.Pi / 8
	coefficients := [6]float32{
		0, float32(p.RadiusStep * thetaPerFrame / (2 * math.Pi)), 0,
		0, float32(thetaPerFrame), 0,
	}
	o.Mcu.SendNow(orb.McuCommand{Kind: orb.McuFrameRate, FPS: p.SweepFPS})
	o.Mcu.SendNow(orb.McuCommand{
		Kind:       orb.McuMirrorSweep,
		Polynomial: coefficients,
		FrameCount: p.FrameCount,
	})
	p.sweeping = true
	p.collected = nil
	p.record = SweepRecord{
		Coefficients: coefficients,
		FrameCount:   p.FrameCount,
		StartedAt:    time.Now(),
	}
}

func (p *MirrorSweep) HandleIREyeCamera(o *orb.Orb, out orbcore.Output[orb.Frame]) orbcore.Flow {
	if p.sweeping {
		p.collected = append(p.collected, out.Value)
		if len(p.collected) >= p.FrameCount {
			p.record.Frames = p.collected
			p.Records = append(p.Records, p.record)
			p.collected = nil
			p.sweeping = false
			o.Mcu.SendNow(orb.McuCommand{Kind: orb.McuFrameRate, FPS: orb.DefaultFrameRate})
		}
		return orbcore.Continue
	}
	return p.Capture.HandleIREyeCamera(o, out)
}

func (p *MirrorSweep) PollExtra(ctx context.Context, o *orb.Orb) orbcore.Flow {
	if p.sweeping {
		if time.Now().After(p.deadline) {
			p.timedOut = true
			return orbcore.Break
		}
		return orbcore.Continue
	}
	return p.Capture.PollExtra(ctx, o)
}

// MultiWavelengthSettle is the auto-exposure settle window before the
// extra-wavelength frames count.
const MultiWavelengthSettle = 300 * time.Millisecond

// NewMultiWavelength extends the standard objectives with a 940 nm and a
// 740 nm capture per eye at fixed exposures, separated by a short
// auto-exposure settle window (spec §4.7 "Multi-wavelength").
func NewMultiWavelength(timeout time.Duration) *Capture {
	objectives := StandardObjectives()
	for _, eye := range []orbcore.Eye{orbcore.EyeLeft, orbcore.EyeRight} {
		objectives = append(objectives,
			Objective{TargetEye: eye, Wavelength: orbcore.Wavelength940, DurationUS: 600},
			Objective{TargetEye: eye, Wavelength: orbcore.Wavelength740, DurationUS: 350},
		)
	}
	capture := NewCapture(objectives, timeout)
	capture.ValidAfterGap = MultiWavelengthSettle
	return capture
}

// Overcapture extends capture with a time-bounded continuous burst at the
// configured wavelengths after the base plan succeeds.
type Overcapture struct {
	*Capture

	BurstDuration time.Duration

	Frames []orb.Frame

	burstUntil time.Time
	bursting   bool
}

// NewOvercapture wraps base with the default burst window.
func NewOvercapture(base *Capture) *Overcapture {
	return &Overcapture{Capture: base, BurstDuration: 2 * time.Second}
}

func (p *Overcapture) HandleIREyeCamera(o *orb.Orb, out orbcore.Output[orb.Frame]) orbcore.Flow {
	if p.bursting {
		p.Frames = append(p.Frames, out.Value)
		return orbcore.Continue
	}
	return p.Capture.HandleIREyeCamera(o, out)
}

func (p *Overcapture) PollExtra(ctx context.Context, o *orb.Orb) orbcore.Flow {
	if p.bursting {
		if time.Now().After(p.burstUntil) {
			return orbcore.Break
		}
		if time.Now().After(p.deadline) {
			p.timedOut = true
			return orbcore.Break
		}
		return orbcore.Continue
	}
	flow := p.Capture.PollExtra(ctx, o)
	if flow == orbcore.Break && p.Success() {
		// Base finished; extend with the burst before breaking out.
		p.bursting = true
		p.burstUntil = time.Now().Add(p.BurstDuration)
		return orbcore.Continue
	}
	return flow
}

// PupilContraction ramps the user-facing white LED after a sharp-iris
// event, holds, then restores, saving frames at reduced FPS during the
// ramp and hold.
type PupilContraction struct {
	*Capture

	RampDuration time.Duration
	HoldDuration time.Duration
	SaveFPS      float64

	Frames []orb.Frame

	stage      pupilStage
	stageStart time.Time
	lastSaved  time.Time
	prevDone   int
}

type pupilStage int

const (
	pupilIdle pupilStage = iota
	pupilRamp
	pupilHold
)

// NewPupilContraction wraps base with the default ramp shape.
func NewPupilContraction(base *Capture) *PupilContraction {
	return &PupilContraction{
		Capture:      base,
		RampDuration: 1500 * time.Millisecond,
		HoldDuration: time.Second,
		SaveFPS:      5,
	}
}

func (p *PupilContraction) HandleIRNet(o *orb.Orb, out orbcore.Output[orb.IRNetOutput]) orbcore.Flow {
	flow := p.Capture.HandleIRNet(o, out)
	if done := p.total - p.ObjectivesRemaining(); done > p.prevDone && p.stage == pupilIdle {
		p.prevDone = done
		p.stage = pupilRamp
		p.stageStart = time.Now()
	}
	return flow
}

func (p *PupilContraction) HandleIREyeCamera(o *orb.Orb, out orbcore.Output[orb.Frame]) orbcore.Flow {
	if p.stage != pupilIdle && p.SaveFPS > 0 {
		if time.Since(p.lastSaved) >= time.Duration(float64(time.Second)/p.SaveFPS) {
			p.lastSaved = time.Now()
			p.Frames = append(p.Frames, out.Value)
		}
	}
	return p.Capture.HandleIREyeCamera(o, out)
}

func (p *PupilContraction) PollExtra(ctx context.Context, o *orb.Orb) orbcore.Flow {
	switch p.stage {
	case pupilRamp:
		elapsed := time.Since(p.stageStart)
		brightness := float64(elapsed) / float64(p.RampDuration)
		if brightness >= 1 {
			brightness = 1
			p.stage = pupilHold
			p.stageStart = time.Now()
		}
		o.Mcu.SendNow(orb.McuCommand{Kind: orb.McuWhiteLed, LedPattern: "solid", Brightness: brightness})
	case pupilHold:
		if time.Since(p.stageStart) >= p.HoldDuration {
			p.stage = pupilIdle
			o.Mcu.SendNow(orb.McuCommand{Kind: orb.McuWhiteLed, LedPattern: "solid", Brightness: 0})
		}
	}
	return p.Capture.PollExtra(ctx, o)
}
