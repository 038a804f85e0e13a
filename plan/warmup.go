package plan

import (
	"context"
	"time"

	"orbcore"
	"orbcore/orb"
)

// Warmup exercises the sensors and inference stack at boot so the first
// signup does not pay model-load and sensor-settle latency.
type Warmup struct {
	orb.NoopPlan

	Duration time.Duration

	deadline time.Time
	sawIR    bool
	sawRGB   bool
}

// Start enables the capture stack for the warmup window.
func (p *Warmup) Start(ctx context.Context, o *orb.Orb) error {
	p.deadline = time.Now().Add(p.Duration)
	start := func(cell *orbcore.Cell[orb.CameraCommand, orb.Frame]) error {
		if err := cell.Enable(); err != nil {
			return err
		}
		port, ok := cell.Port()
		if !ok {
			return nil
		}
		return port.Send(ctx, orb.CameraCommand{Kind: orb.CameraStart})
	}
	if err := start(o.IREyeCamera); err != nil {
		return err
	}
	if err := start(o.RGBCamera); err != nil {
		return err
	}
	if err := o.EnableIRNet(); err != nil {
		return err
	}
	return o.EnableRGBNet(true)
}

// Stop tears the warmup stack back down.
func (p *Warmup) Stop(o *orb.Orb) {
	o.DisableIRNet()
	o.DisableRGBNet()
	o.IREyeCamera.Disable()
	o.RGBCamera.Disable()
}

// Ready reports whether both inference paths produced an output during the
// window.
func (p *Warmup) Ready() bool { return p.sawIR && p.sawRGB }

func (p *Warmup) HandleIRNet(_ *orb.Orb, out orbcore.Output[orb.IRNetOutput]) orbcore.Flow {
	if out.Value.Kind == orb.IRNetOutEstimate {
		p.sawIR = true
	}
	return orbcore.Continue
}

func (p *Warmup) HandleRGBNet(_ *orb.Orb, out orbcore.Output[orb.RGBNetOutput]) orbcore.Flow {
	if out.Value.Kind == orb.IRNetOutEstimate {
		p.sawRGB = true
	}
	return orbcore.Continue
}

func (p *Warmup) PollExtra(_ context.Context, _ *orb.Orb) orbcore.Flow {
	if time.Now().After(p.deadline) || (p.sawIR && p.sawRGB) {
		return orbcore.Break
	}
	return orbcore.Continue
}
