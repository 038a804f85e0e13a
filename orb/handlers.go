package orb

import (
	"time"

	"orbcore"
	"orbcore/internal/mirror"
	"orbcore/internal/qr"
)

// The handlers below implement the orb's mandatory cross-agent policies —
// frame fan-out, inference correlation, actuator routing — before
// delegating each output to the plan (spec §4.5 "Plans can override any
// handler; the orb broker's default delegates to the plan after performing
// the mandatory policies above").

func (o *Orb) handleIREyeCamera(plan Plan, out orbcore.Output[Frame]) orbcore.Flow {
	frame := out.Value
	if port, ok := o.LivestreamC.Port(); ok {
		_ = port.SendNow(LivestreamInput{Kind: LivestreamIREyeFrame, Frame: frame})
	}
	if port, ok := o.AutoExposureC.Port(); ok {
		_ = port.SendNow(AutoExposureInput{Kind: AutoExposureFrame, Frame: frame})
	}
	if port, ok := o.IRNet.Port(); ok {
		// The envelope's SourceTS rides along so the estimate can be
		// matched back to this frame (spec §4.5 "Inference correlation").
		in := orbcore.Input[IRNetInput]{
			Value:    IRNetInput{Kind: IRNetEstimateFrame, Frame: frame, TargetLeftEye: o.TargetLeftEye},
			SourceTS: out.SourceTS,
		}
		if err := port.SendInput(o.ctx, in); err == nil {
			o.irNetFrames = pushFrame(o.irNetFrames, tsFrame{frame: frame, ts: out.SourceTS})
		}
	} else {
		if port, ok := o.AutoFocusCell.Port(); ok {
			_ = port.SendNow(AutoFocusInput{Kind: AutoFocusSharpness, Sharpness: frame.Mean})
		}
		o.archiveFrame("ir-eye", frame, o.LEDWavelength, o.ConfigSnapshot().IREyeSaveFPSOverride)
	}
	return plan.HandleIREyeCamera(o, out)
}

func (o *Orb) handleIRFaceCamera(plan Plan, out orbcore.Output[Frame]) orbcore.Flow {
	if port, ok := o.LivestreamC.Port(); ok {
		_ = port.SendNow(LivestreamInput{Kind: LivestreamIRFaceFrame, Frame: out.Value})
	}
	o.archiveFrame("ir-face", out.Value, o.LEDWavelength, o.ConfigSnapshot().IRFaceSaveFPSOverride)
	return plan.HandleIRFaceCamera(o, out)
}

func (o *Orb) handleRGBCamera(plan Plan, out orbcore.Output[Frame]) orbcore.Flow {
	frame := out.Value
	if port, ok := o.LivestreamC.Port(); ok {
		_ = port.SendNow(LivestreamInput{Kind: LivestreamRGBFrame, Frame: frame})
	}
	if port, ok := o.QRCodeCell.Port(); ok {
		_ = port.SendNow(QRInput{Kind: QRFrame, Frame: frame})
	}
	if port, ok := o.RGBNetCell.Port(); ok {
		in := orbcore.Input[RGBNetInput]{
			Value:    RGBNetInput{Kind: IRNetEstimateFrame, Frame: frame},
			SourceTS: out.SourceTS,
		}
		if err := port.SendInput(o.ctx, in); err == nil {
			o.rgbNetFrames = pushFrame(o.rgbNetFrames, tsFrame{frame: frame, ts: out.SourceTS})
		}
	}
	return plan.HandleRGBCamera(o, out)
}

func (o *Orb) handleThermalCamera(plan Plan, out orbcore.Output[Frame]) orbcore.Flow {
	o.archiveFrame("thermal", out.Value, orbcore.WavelengthNone, o.ConfigSnapshot().ThermalSaveFPSOverride)
	return plan.HandleThermalCamera(o, out)
}

func (o *Orb) handleDepthCamera(plan Plan, out orbcore.Output[Frame]) orbcore.Flow {
	return plan.HandleDepthCamera(o, out)
}

func (o *Orb) handleIRNet(plan Plan, out orbcore.Output[IRNetOutput]) orbcore.Flow {
	if out.Value.Kind == IRNetOutEstimate {
		frame, ok := popFrame(&o.irNetFrames, out.SourceTS)
		if !ok {
			o.Logger.Error("ir-net frame not found", "source_ts", out.SourceTS)
			return orbcore.Continue
		}
		o.LastIRNetFrame = frame
		estimate := out.Value.Estimate
		// Archive first so the notary's history timestamps the
		// estimate-matched frame before any downstream forwarding.
		if port, ok := o.NotaryCell.Port(); ok {
			_ = port.SendNow(NotaryInput{
				Stream:      "ir-net",
				Frame:       frame,
				Wavelength:  o.LEDWavelength,
				FPSOverride: fpsOverride(o.ConfigSnapshot().IREyeSaveFPSOverride),
				IREstimate:  &estimate,
			})
		}
		if port, ok := o.EyePIDCell.Port(); ok {
			_ = port.SendInput(o.ctx, orbcore.Input[EyePIDInput]{
				Value:    EyePIDInput{Kind: EyePIDEstimate, Estimate: estimate},
				SourceTS: out.SourceTS,
			})
		}
		if port, ok := o.AutoFocusCell.Port(); ok {
			_ = port.SendNow(AutoFocusInput{Kind: AutoFocusSharpness, Sharpness: estimate.Sharpness})
		}
	}
	return plan.HandleIRNet(o, out)
}

func (o *Orb) handleRGBNet(plan Plan, out orbcore.Output[RGBNetOutput]) orbcore.Flow {
	if out.Value.Kind == IRNetOutEstimate {
		frame, ok := popFrame(&o.rgbNetFrames, out.SourceTS)
		if !ok {
			o.Logger.Error("rgb-net frame not found", "source_ts", out.SourceTS)
			return orbcore.Continue
		}
		o.LastRGBNetFrame = frame
		estimate := out.Value.Estimate
		if port, ok := o.NotaryCell.Port(); ok {
			_ = port.SendNow(NotaryInput{
				Stream:      "rgb-net",
				Frame:       frame,
				RGBEstimate: &estimate,
			})
		}
		if port, ok := o.LivestreamC.Port(); ok {
			_ = port.SendNow(LivestreamInput{Kind: LivestreamRGBNetEstimate, Estimate: estimate})
		}
		if port, ok := o.EyeTrackerC.Port(); ok {
			_ = port.SendInput(o.ctx, orbcore.Input[EyeTrackerInput]{
				Value:    EyeTrackerInput{TargetLeftEye: o.TargetLeftEye, Estimate: estimate},
				SourceTS: out.SourceTS,
			})
		}
		if port, ok := o.DistanceCell.Port(); ok {
			_ = port.SendNow(DistanceInput{Kind: DistanceRGBNetEstimate, Estimate: estimate})
		}
		if !o.OnlyRGBNetFrames {
			if port, ok := o.FaceIDCell.Port(); ok {
				_ = port.SendInput(o.ctx, orbcore.Input[FaceIdentifierInput]{
					Value: FaceIdentifierInput{
						Kind:      FaceIdentifierValidityProbe,
						Frames:    []Frame{frame},
						Landmarks: []RGBNetEstimate{estimate},
					},
					SourceTS: out.SourceTS,
				})
			}
		}
	}
	return plan.HandleRGBNet(o, out)
}

func (o *Orb) handleFaceIdentifier(plan Plan, out orbcore.Output[FaceIdentifierOutput]) orbcore.Flow {
	// Plans that do not expect validity probes ignore them via the no-op
	// handler; the contract for a probe result outside a capture context
	// is not fully documented, so nothing here treats it as an error.
	return plan.HandleFaceIdentifier(o, out)
}

func (o *Orb) handleEyeTracker(plan Plan, out orbcore.Output[mirror.Point]) orbcore.Flow {
	o.MirrorPoint = out.Value
	o.sendMirrorSetPoint(out)
	return plan.HandleEyeTracker(o, out)
}

func (o *Orb) handleEyePIDController(plan Plan, out orbcore.Output[mirror.Point]) orbcore.Flow {
	o.MirrorOffset = out.Value
	o.PIDOffsets = append(o.PIDOffsets, out.Value)
	o.sendMirrorSetPoint(orbcore.Output[mirror.Point]{
		Value:    o.MirrorPoint.Add(out.Value),
		SourceTS: out.SourceTS,
	})
	return plan.HandleEyePIDController(o, out)
}

func (o *Orb) sendMirrorSetPoint(out orbcore.Output[mirror.Point]) {
	if port, ok := o.MirrorCell.Port(); ok {
		_ = port.SendInput(o.ctx, orbcore.Input[MirrorCommand]{
			Value:    MirrorCommand{Kind: MirrorSetPoint, Point: out.Value},
			SourceTS: out.SourceTS,
		})
	}
}

func (o *Orb) handleMirror(plan Plan, out orbcore.Output[MirrorOutput]) orbcore.Flow {
	if out.Value.Kind == MirrorOutCommand {
		o.Mcu.SendNow(out.Value.Command)
	}
	return plan.HandleMirror(o, out)
}

func (o *Orb) handleAutoExposure(plan Plan, out orbcore.Output[int]) orbcore.Flow {
	o.SetIRLedDuration(out.Value)
	return plan.HandleAutoExposure(o, out)
}

func (o *Orb) handleAutoFocus(plan Plan, out orbcore.Output[int32]) orbcore.Flow {
	o.Mcu.SendNow(McuCommand{Kind: McuLiquidLens, LensFocus: out.Value})
	if port, ok := o.LivestreamC.Port(); ok {
		_ = port.SendNow(LivestreamInput{Kind: LivestreamFocus, Focus: out.Value})
	}
	return plan.HandleAutoFocus(o, out)
}

func (o *Orb) handleMcuBroadcast(plan Plan, broadcast McuBroadcast) orbcore.Flow {
	if broadcast.Kind == McuAmbientLight {
		if port, ok := o.QRCodeCell.Port(); ok {
			_ = port.SendNow(QRInput{Kind: QRExposureHint, AmbientLux: broadcast.AmbientLux})
		}
	}
	return plan.HandleMcu(o, broadcast)
}

func (o *Orb) archiveFrame(stream string, frame Frame, wavelength orbcore.Wavelength, override *float64) {
	port, ok := o.NotaryCell.Port()
	if !ok {
		return
	}
	_ = port.SendNow(NotaryInput{
		Stream:      stream,
		Frame:       frame,
		Wavelength:  wavelength,
		FPSOverride: fpsOverride(override),
	})
}

// fpsOverride unwraps a config save-rate override; nil keeps the stream's
// default.
func fpsOverride(override *float64) float64 {
	if override == nil {
		return 0
	}
	return *override
}

// pushFrame appends to a correlation FIFO, bounding its depth.
func pushFrame(fifo []tsFrame, entry tsFrame) []tsFrame {
	fifo = append(fifo, entry)
	if len(fifo) > inferenceFIFOLimit {
		fifo = fifo[len(fifo)-inferenceFIFOLimit:]
	}
	return fifo
}

// popFrame pops entries from the FIFO front until it finds the one with a
// matching source timestamp; non-matching older entries are dropped (spec
// §4.5 "Inference correlation").
func popFrame(fifo *[]tsFrame, ts time.Time) (Frame, bool) {
	for len(*fifo) > 0 {
		head := (*fifo)[0]
		*fifo = (*fifo)[1:]
		if head.ts.Equal(ts) {
			return head.frame, true
		}
	}
	return Frame{}, false
}

// MinQRPayloadLen re-exports the QR false-positive threshold for plans.
const MinQRPayloadLen = qr.MinPayloadLen
