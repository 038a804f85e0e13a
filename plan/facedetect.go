package plan

import (
	"context"
	"time"

	"orbcore"
	"orbcore/orb"
)

// FaceDetect runs RGB inference until an estimate reports a face or the
// timeout fires (spec §4.10 "face-detect"). The face's position in the
// frame is not checked.
type FaceDetect struct {
	orb.NoopPlan

	Timeout time.Duration

	deadline time.Time
	detected bool
}

// Start enables the RGB path and arms the timeout.
func (p *FaceDetect) Start(ctx context.Context, o *orb.Orb) error {
	if !o.RGBCamera.Enabled() {
		if err := o.RGBCamera.Enable(); err != nil {
			return err
		}
		if port, ok := o.RGBCamera.Port(); ok {
			if err := port.Send(ctx, orb.CameraCommand{Kind: orb.CameraStart}); err != nil {
				return err
			}
		}
	}
	if !o.RGBNetCell.Enabled() {
		if err := o.EnableRGBNet(true); err != nil {
			return err
		}
	}
	if !o.DistanceCell.Enabled() {
		if err := o.DistanceCell.Enable(); err != nil {
			return err
		}
	}
	if p.Timeout > 0 {
		p.deadline = time.Now().Add(p.Timeout)
	}
	return nil
}

// Stop releases the detection resources; the RGB path stays up for the
// capture phase that follows on success.
func (p *FaceDetect) Stop(o *orb.Orb) {
	o.DistanceCell.Disable()
}

// Detected reports whether a face was found before the timeout.
func (p *FaceDetect) Detected() bool { return p.detected }

func (p *FaceDetect) HandleRGBNet(o *orb.Orb, out orbcore.Output[orb.RGBNetOutput]) orbcore.Flow {
	if out.Value.Kind != orb.IRNetOutEstimate {
		return orbcore.Continue
	}
	if out.Value.Estimate.FaceDetected {
		p.detected = true
		return orbcore.Break
	}
	return orbcore.Continue
}

func (p *FaceDetect) PollExtra(_ context.Context, _ *orb.Orb) orbcore.Flow {
	if !p.deadline.IsZero() && time.Now().After(p.deadline) {
		return orbcore.Break
	}
	return orbcore.Continue
}
