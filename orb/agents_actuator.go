package orb

import (
	"context"
	"time"

	"orbcore"
	"orbcore/internal/calibration"
	"orbcore/internal/mirror"
)

// EyeTrackerInput feeds the eye tracker with RGB-net eye landmarks.
type EyeTrackerInput struct {
	TargetLeftEye bool
	Estimate      RGBNetEstimate
}

// EyeTracker converts RGB-net eye landmarks into a mirror set-point aimed
// at the target eye.
type EyeTracker struct{}

func (a *EyeTracker) Name() string { return "eye-tracker" }

// Mapping from normalized image coordinates to mirror degrees around the
// neutral point, tuned for the eye camera's field of view.
const (
	eyeTrackerSpanH = 30.0
	eyeTrackerSpanV = 25.0
)

func (a *EyeTracker) Run(ctx context.Context, port *orbcore.InnerPort[EyeTrackerInput, mirror.Point]) {
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		estimate := in.Value.Estimate
		if !estimate.FaceDetected {
			continue
		}
		eye := estimate.RightEye
		if in.Value.TargetLeftEye {
			eye = estimate.LeftEye
		}
		point := mirror.Neutral().Add(mirror.Point{
			Horizontal: (eye.X - 0.5) * eyeTrackerSpanH,
			Vertical:   (0.5 - eye.Y) * eyeTrackerSpanV,
		})
		if err := port.Send(orbcore.Chain(in, point)); err != nil {
			return
		}
	}
}

// EyePIDInput feeds the eye PID controller.
type EyePIDInput struct {
	Kind EyePIDInputKind

	Estimate IRNetEstimate
}

// EyePIDInputKind discriminates EyePIDInput.
type EyePIDInputKind int

const (
	// EyePIDEstimate carries an IR-net estimate whose landmarks refine the
	// mirror offset.
	EyePIDEstimate EyePIDInputKind = iota
	// EyePIDSwitchEye suppresses the controller while the mirror swings to
	// the other eye.
	EyePIDSwitchEye
	// EyePIDReset clears the controller state.
	EyePIDReset
)

const (
	// Sharpness below this means the landmarks are not trustworthy.
	eyePIDMinSharpness = 1.1
	// Offset resets after this long without usable landmarks.
	eyePIDResetDelay = 1800 * time.Millisecond
	// PID suppression window while the mirror switches the target eye.
	eyePIDSwitchInterval = 400 * time.Millisecond
)

// EyePIDController keeps the iris centered by emitting continuous mirror
// offsets derived from IR-net landmarks.
type EyePIDController struct{}

func (a *EyePIDController) Name() string { return "eye-pid-controller" }

func (a *EyePIDController) Run(ctx context.Context, port *orbcore.InnerPort[EyePIDInput, mirror.Point]) {
	for {
		controller := mirror.NewEyeOffsetController(eyePIDResetDelay.Seconds())
		last := time.Time{}
		suppress := 0.0
		reset := false
		for !reset {
			in, ok := port.Next(ctx)
			if !ok {
				return
			}
			switch in.Value.Kind {
			case EyePIDReset:
				reset = true
			case EyePIDSwitchEye:
				suppress = eyePIDSwitchInterval.Seconds()
			case EyePIDEstimate:
				dt := 0.0
				if !last.IsZero() {
					dt = in.SourceTS.Sub(last).Seconds()
				}
				last = in.SourceTS
				suppress -= dt
				if suppress > 0 {
					continue
				}
				estimate := in.Value.Estimate
				var x, y float64
				if estimate.Sharpness > eyePIDMinSharpness {
					if cx, cy, ok := mirror.IrisCenterFromLandmarks(estimate.Landmarks); ok {
						x, y = controller.Update(cx, cy, dt)
					} else {
						x, y = controller.Idle(dt)
					}
				} else {
					x, y = controller.Idle(dt)
				}
				out := mirror.Point{Horizontal: x, Vertical: y}
				if err := port.Send(orbcore.Chain(in, out)); err != nil {
					return
				}
			}
		}
	}
}

// MirrorCommand controls the mirror actuator agent.
type MirrorCommand struct {
	Kind MirrorCommandKind

	Point       mirror.Point
	Calibration calibration.Calibration
}

// MirrorCommandKind discriminates MirrorCommand.
type MirrorCommandKind int

const (
	// MirrorSetPoint aims the mirror; the current calibration offset is
	// added before conversion.
	MirrorSetPoint MirrorCommandKind = iota
	// MirrorRecalibrate replaces the calibration offset.
	MirrorRecalibrate
	// MirrorTakeLog emits the recorded set-point history and clears it.
	MirrorTakeLog
)

// MirrorOutput is one mirror actuator emission.
type MirrorOutput struct {
	Kind MirrorOutputKind

	Command McuCommand
	// Log is the set-point history since the last MirrorTakeLog.
	Log []mirror.Point
}

// MirrorOutputKind discriminates MirrorOutput.
type MirrorOutputKind int

const (
	MirrorOutCommand MirrorOutputKind = iota
	MirrorOutLog
)

// MirrorActuator adds the calibration offset to each set-point, converts
// angles through the two-joint inverse kinematics, clamps to the hardware
// variant's envelope, and emits the final microcontroller command.
type MirrorActuator struct {
	Calibration calibration.Calibration
	Variant     mirror.Variant
}

func (a *MirrorActuator) Name() string { return "mirror" }

func (a *MirrorActuator) Run(ctx context.Context, port *orbcore.InnerPort[MirrorCommand, MirrorOutput]) {
	offset := a.Calibration.Point()
	var log []mirror.Point
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		switch in.Value.Kind {
		case MirrorSetPoint:
			point := in.Value.Point.Add(offset)
			cmd := McuCommand{Kind: McuMirror, Mirror: mirror.Convert(point, a.Variant)}
			log = append(log, in.Value.Point)
			out := MirrorOutput{Kind: MirrorOutCommand, Command: cmd}
			if err := port.Send(orbcore.Chain(in, out)); err != nil {
				return
			}
		case MirrorRecalibrate:
			offset = in.Value.Calibration.Point()
		case MirrorTakeLog:
			out := MirrorOutput{Kind: MirrorOutLog, Log: log}
			log = nil
			if err := port.Send(orbcore.Chain(in, out)); err != nil {
				return
			}
		}
	}
}
