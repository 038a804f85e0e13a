// Package orb specializes the broker for the biometric capture device: it
// owns the full set of agent cells, routes sensor frames to their
// consumers, correlates inference outputs with originating frames through
// source timestamps, and applies the mirror/LED actuator policies before
// delegating each output to the running plan (spec §4.5).
package orb

import (
	"context"
	"log/slog"
	"time"

	"orbcore"
	"orbcore/internal/agentproc"
	"orbcore/internal/calibration"
	"orbcore/internal/config"
	"orbcore/internal/mirror"
)

// DefaultIRLedWavelength is the wavelength capture starts with.
const DefaultIRLedWavelength = orbcore.Wavelength850

// DefaultIRLedDuration is the boot-time IR LED duration in µs.
const DefaultIRLedDuration = 300

// DefaultFrameRate is the sensor frame rate restored between signups.
const DefaultFrameRate = 30.0

// inferenceFIFOLimit bounds the per-direction (frame, source_ts) queues; a
// deeper backlog means inference is hopelessly behind and older frames are
// useless.
const inferenceFIFOLimit = 16

type tsFrame struct {
	frame Frame
	ts    time.Time
}

// Orb is the domain broker. Beyond dispatch it owns the non-agent
// resources: microcontroller port, UI engine, config, calibration, and the
// cross-agent policy state.
type Orb struct {
	*orbcore.Broker

	Logger   *slog.Logger
	Tracer   orbcore.Tracer
	Env      orbcore.OrbEnv
	UI       Engine
	Notifier SignupNotifier
	Mcu      Mcu
	Config   *config.Store
	Tuning   config.Tuning

	CalibrationStore *calibration.Store
	Calibration      calibration.Calibration
	Variant          mirror.Variant

	IREyeCamera   *orbcore.Cell[CameraCommand, Frame]
	IRFaceCamera  *orbcore.Cell[CameraCommand, Frame]
	RGBCamera     *orbcore.Cell[CameraCommand, Frame]
	ThermalCamera *orbcore.Cell[CameraCommand, Frame]
	DepthCamera   *orbcore.Cell[CameraCommand, Frame]
	IRNet         *orbcore.Cell[IRNetInput, IRNetOutput]
	RGBNetCell    *orbcore.Cell[RGBNetInput, RGBNetOutput]
	IrisCell      *orbcore.Cell[IrisInput, IrisOutput]
	FaceIDCell    *orbcore.Cell[FaceIdentifierInput, FaceIdentifierOutput]
	QRCodeCell    *orbcore.Cell[QRInput, string]
	EyeTrackerC   *orbcore.Cell[EyeTrackerInput, mirror.Point]
	EyePIDCell    *orbcore.Cell[EyePIDInput, mirror.Point]
	MirrorCell    *orbcore.Cell[MirrorCommand, MirrorOutput]
	AutoExposureC *orbcore.Cell[AutoExposureInput, int]
	AutoFocusCell *orbcore.Cell[AutoFocusInput, int32]
	DistanceCell  *orbcore.Cell[DistanceInput, DistanceStatus]
	NotaryCell    *orbcore.Cell[NotaryInput, NotaryEvent]
	UploaderCell  *orbcore.Cell[UploaderInput, UploadEvent]
	LivestreamC   *orbcore.Cell[LivestreamInput, struct{}]

	// TargetLeftEye selects the eye the mirror and IR-net aim at.
	TargetLeftEye bool
	// OnlyRGBNetFrames controls whether RGB frames feed the RGB-net model
	// exclusively or also the face identifier.
	OnlyRGBNetFrames bool
	// LEDWavelength and LEDDuration mirror the microcontroller's IR LED
	// state (spec §4.5 "LED policy").
	LEDWavelength orbcore.Wavelength
	LEDDuration   int

	// MirrorPoint is the latest eye-tracker set-point; MirrorOffset the
	// latest PID refinement. Both compose with the calibration offset
	// inside the mirror actuator.
	MirrorPoint  mirror.Point
	MirrorOffset mirror.Point
	// PIDOffsets records the PID refinements of the running signup for the
	// continuous-calibration update (spec §4.7).
	PIDOffsets []mirror.Point

	// LastIRNetFrame / LastRGBNetFrame hold the frame matched to the most
	// recently dispatched inference output, for plans that persist frame
	// pairs.
	LastIRNetFrame  Frame
	LastRGBNetFrame Frame

	irNetFrames  []tsFrame
	rgbNetFrames []tsFrame

	ctx context.Context
}

// Builder assembles an Orb from its collaborators.
type Builder struct {
	Logger   *slog.Logger
	Tracer   orbcore.Tracer
	Env      orbcore.OrbEnv
	UI       Engine
	Notifier SignupNotifier
	Mcu      Mcu
	Config   *config.Store
	Tuning   config.Tuning

	CalibrationStore *calibration.Store
	HardwareVersion  string

	IREyeProducer   FrameProducer
	IRFaceProducer  FrameProducer
	RGBProducer     FrameProducer
	ThermalProducer FrameProducer
	DepthProducer   FrameProducer

	IRNetEstimator  IRNetEstimator
	RGBNetEstimator RGBNetEstimator
	IrisEstimator   IrisEstimator
	FaceEstimator   FaceIdentifierEstimator
	QRDecoder       QRDecoder
	// QRSubprocess selects the subprocess substrate for the QR agent; the
	// in-process task substrate is used otherwise (tests, child images).
	QRSubprocess bool

	FrameSink     FrameSink
	UploadBackend UploadBackend
	Streamer      FrameStreamer
}

// Build wires the agent cells and policy state. Cells start Disabled;
// plans enable what they need. A zero Tuning is replaced by
// config.DefaultTuning().
func (b Builder) Build(ctx context.Context) (*Orb, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if b.UI == nil {
		b.UI = NoopEngine{}
	}
	if b.Notifier == nil {
		b.Notifier = NoopNotifier{}
	}
	var cal calibration.Calibration
	if b.CalibrationStore != nil {
		cal = b.CalibrationStore.LoadOrDefault()
	} else {
		cal = calibration.Default()
	}
	variant := mirror.DetectVariant(b.HardwareVersion)
	tuning := b.Tuning
	if tuning == (config.Tuning{}) {
		tuning = config.DefaultTuning()
	}

	o := &Orb{
		Broker:           orbcore.NewBroker(),
		Logger:           logger,
		Tracer:           b.Tracer,
		Env:              b.Env,
		UI:               b.UI,
		Notifier:         b.Notifier,
		Mcu:              b.Mcu,
		Config:           b.Config,
		Tuning:           tuning,
		CalibrationStore: b.CalibrationStore,
		Calibration:      cal,
		Variant:          variant,
		OnlyRGBNetFrames: true,
		LEDWavelength:    DefaultIRLedWavelength,
		LEDDuration:      DefaultIRLedDuration,
		ctx:              ctx,
	}

	o.IREyeCamera = threadCell(ctx, &Camera{AgentName: "ir-eye-camera", Producer: b.IREyeProducer}, 1, 0)
	o.IRFaceCamera = threadCell(ctx, &Camera{AgentName: "ir-face-camera", Producer: b.IRFaceProducer}, 1, 0)
	o.RGBCamera = taskCell(ctx, &Camera{AgentName: "rgb-camera", Producer: b.RGBProducer}, 1, 0)
	o.ThermalCamera = threadCell(ctx, &Camera{AgentName: "thermal-camera", Producer: b.ThermalProducer}, 1, 0)
	o.DepthCamera = threadCell(ctx, &Camera{AgentName: "depth-camera", Producer: b.DepthProducer}, 1, 0)

	o.IRNet = taskCell(ctx, &IRNet{Estimator: b.IRNetEstimator}, 4, 4)
	o.RGBNetCell = taskCell(ctx, &RGBNet{Estimator: b.RGBNetEstimator}, 4, 4)
	o.IrisCell = taskCell(ctx, &Iris{Estimator: b.IrisEstimator}, 4, 4)
	o.FaceIDCell = taskCell(ctx, &FaceIdentifier{Estimator: b.FaceEstimator}, 4, 4)

	if b.QRSubprocess {
		o.QRCodeCell = orbcore.NewCell(func() (*orbcore.OuterPort[QRInput, string], orbcore.KillFuture) {
			outer, kill, err := SpawnQRCode(ctx, agentproc.Options{Logger: logger})
			if err != nil {
				logger.Error("qr-code subprocess spawn failed, falling back to task", "err", err)
				return orbcore.SpawnTask[QRInput, string](ctx, &QRCode{Decode: b.QRDecoder}, 4, 4)
			}
			return outer, kill
		})
	} else {
		o.QRCodeCell = taskCell(ctx, &QRCode{Decode: b.QRDecoder}, 4, 4)
	}

	o.EyeTrackerC = threadCell(ctx, &EyeTracker{}, 1, 0)
	o.EyePIDCell = taskCell(ctx, &EyePIDController{}, 1, 0)
	o.MirrorCell = taskCell(ctx, &MirrorActuator{Calibration: cal, Variant: variant}, 1, 1)
	min, max := DefaultIRLedWavelength.AutoExposureDurationRange()
	o.AutoExposureC = taskCell(ctx, &AutoExposure{MinDuration: min, MaxDuration: max}, 1, 0)
	o.AutoFocusCell = taskCell(ctx, &AutoFocus{}, 1, 0)
	o.DistanceCell = taskCell(ctx, &Distance{}, 1, 0)
	o.NotaryCell = threadCell(ctx, &Notary{Sink: b.FrameSink, DefaultFPS: 2}, 8, 8)
	o.UploaderCell = taskCell(ctx, &Uploader{Backend: b.UploadBackend}, 4, 4)
	o.LivestreamC = threadCell(ctx, &Livestream{Streamer: b.Streamer}, 1, 1)

	return o, nil
}

func taskCell[I, O any](ctx context.Context, agent orbcore.PortAgent[I, O], inCap, outCap int) *orbcore.Cell[I, O] {
	return orbcore.NewCell(func() (*orbcore.OuterPort[I, O], orbcore.KillFuture) {
		return orbcore.SpawnTask(ctx, agent, inCap, outCap)
	})
}

func threadCell[I, O any](ctx context.Context, agent orbcore.PortAgent[I, O], inCap, outCap int) *orbcore.Cell[I, O] {
	return orbcore.NewCell(func() (*orbcore.OuterPort[I, O], orbcore.KillFuture) {
		return orbcore.SpawnThread(ctx, agent, inCap, outCap)
	})
}

// ConfigSnapshot returns the current config, or defaults when no store is
// wired (tests).
func (o *Orb) ConfigSnapshot() config.Config {
	if o.Config == nil {
		return config.Default()
	}
	return o.Config.Snapshot()
}

// Shutdown disables every enabled cell, releasing agents, subprocesses,
// and their shared memory (spec §9 "Scoped resource release").
func (o *Orb) Shutdown() {
	o.IREyeCamera.Disable()
	o.IRFaceCamera.Disable()
	o.RGBCamera.Disable()
	o.ThermalCamera.Disable()
	o.DepthCamera.Disable()
	o.IRNet.Disable()
	o.RGBNetCell.Disable()
	o.IrisCell.Disable()
	o.FaceIDCell.Disable()
	o.QRCodeCell.Disable()
	o.EyeTrackerC.Disable()
	o.EyePIDCell.Disable()
	o.MirrorCell.Disable()
	o.AutoExposureC.Disable()
	o.AutoFocusCell.Disable()
	o.DistanceCell.Disable()
	o.NotaryCell.Disable()
	o.UploaderCell.Disable()
	o.LivestreamC.Disable()
}

// EnableIRNet starts IR inference; IR eye frames are routed to the model
// from the next broker pass.
func (o *Orb) EnableIRNet() error {
	o.irNetFrames = nil
	return o.IRNet.Enable()
}

// DisableIRNet stops IR inference and drops the correlation FIFO.
func (o *Orb) DisableIRNet() {
	o.IRNet.Disable()
	o.irNetFrames = nil
}

// EnableRGBNet starts RGB inference. onlyRGBNetFrames controls whether RGB
// frames also feed the face identifier.
func (o *Orb) EnableRGBNet(onlyRGBNetFrames bool) error {
	o.rgbNetFrames = nil
	o.OnlyRGBNetFrames = onlyRGBNetFrames
	return o.RGBNetCell.Enable()
}

// DisableRGBNet stops RGB inference and drops the correlation FIFO.
func (o *Orb) DisableRGBNet() {
	o.RGBNetCell.Disable()
	o.rgbNetFrames = nil
	o.OnlyRGBNetFrames = true
}

// SetLEDWavelength selects the IR LED wavelength. WavelengthNone turns the
// LED off. A real wavelength also reconfigures the auto-exposure duration
// range, which is stricter at 740 nm (spec §4.5 "LED policy").
func (o *Orb) SetLEDWavelength(ctx context.Context, w orbcore.Wavelength) error {
	o.LEDWavelength = w
	o.Mcu.SendNow(McuCommand{Kind: McuIRLedWavelength, Wavelength: w})
	if w == orbcore.WavelengthNone {
		return nil
	}
	min, max := w.AutoExposureDurationRange()
	if port, ok := o.AutoExposureC.Port(); ok {
		return port.Send(ctx, AutoExposureInput{
			Kind:        AutoExposureSetRange,
			MinDuration: min,
			MaxDuration: max,
		})
	}
	return nil
}

// SetIRLedDuration commands the IR LED duration in µs, clamped to the
// current wavelength's range.
func (o *Orb) SetIRLedDuration(duration int) {
	if min, max := o.LEDWavelength.AutoExposureDurationRange(); max > 0 {
		duration = clampInt(duration, min, max)
	}
	o.LEDDuration = duration
	o.Mcu.SendNow(McuCommand{Kind: McuIRLedDuration, DurationUS: duration})
}

// SetTargetEye switches the capture target eye, suppressing the PID while
// the mirror swings over.
func (o *Orb) SetTargetEye(left bool) {
	if o.TargetLeftEye == left {
		return
	}
	o.TargetLeftEye = left
	if port, ok := o.EyePIDCell.Port(); ok {
		_ = port.SendNow(EyePIDInput{Kind: EyePIDSwitchEye})
	}
}

// ResetHardware restores the between-phase hardware baseline: LED off,
// liquid lens at rest, default frame rate, fan back to its configured
// ceiling (spec §4.10).
func (o *Orb) ResetHardware(ctx context.Context) error {
	if err := o.SetLEDWavelength(ctx, orbcore.WavelengthNone); err != nil {
		return err
	}
	o.Mcu.SendNow(McuCommand{Kind: McuLiquidLens, LensFocus: 0})
	o.Mcu.SendNow(McuCommand{Kind: McuFrameRate, FPS: DefaultFrameRate})
	o.Mcu.SendNow(McuCommand{Kind: McuFan, FanSpeed: o.ConfigSnapshot().FanMaxSpeed / 100.0})
	return nil
}

// StoreCalibration folds the signup's recorded PID offsets into the
// persisted calibration (spec §4.7 "Continuous calibration") and reloads
// the mirror actuator with the result.
func (o *Orb) StoreCalibration(ctx context.Context) error {
	if len(o.PIDOffsets) == 0 {
		return nil
	}
	updated := calibration.ContinuousUpdate(o.Calibration, o.PIDOffsets, o.Tuning.CalibrationReducer)
	o.PIDOffsets = nil
	o.Calibration = updated
	if port, ok := o.MirrorCell.Port(); ok {
		if err := port.Send(ctx, MirrorCommand{Kind: MirrorRecalibrate, Calibration: updated}); err != nil {
			return err
		}
	}
	if o.CalibrationStore == nil {
		return nil
	}
	return o.CalibrationStore.Save(updated)
}

// Run drives plan until a handler breaks or ctx is cancelled (spec §4.4
// "run(plan)").
func (o *Orb) Run(ctx context.Context, plan Plan) error {
	return o.RunWithFence(ctx, time.Time{}, plan)
}

// RunWithFence is Run discarding outputs older than fence (spec §4.4
// "run_with_fence").
func (o *Orb) RunWithFence(ctx context.Context, fence time.Time, plan Plan) error {
	var span orbcore.Span
	if o.Tracer != nil {
		ctx, span = o.Tracer.Start(ctx, "broker.run")
		defer span.End()
	}
	mcuID, mcuCh := o.Mcu.Broadcasts().Subscribe()
	defer o.Mcu.Broadcasts().Unsubscribe(mcuID)

	pollers := o.pollers(plan)
	extra := func(ctx context.Context) orbcore.Flow {
		for {
			select {
			case broadcast := <-mcuCh:
				if o.handleMcuBroadcast(plan, broadcast) == orbcore.Break {
					return orbcore.Break
				}
			default:
				return plan.PollExtra(ctx, o)
			}
		}
	}
	err := o.Broker.RunWithFence(ctx, fence, pollers, extra)
	if err != nil && span != nil {
		span.Error(err)
	}
	return err
}

func (o *Orb) pollers(plan Plan) []orbcore.PollFunc {
	return []orbcore.PollFunc{
		cellPoller(o.IREyeCamera, func(out orbcore.Output[Frame]) orbcore.Flow { return o.handleIREyeCamera(plan, out) }),
		cellPoller(o.IRFaceCamera, func(out orbcore.Output[Frame]) orbcore.Flow { return o.handleIRFaceCamera(plan, out) }),
		cellPoller(o.RGBCamera, func(out orbcore.Output[Frame]) orbcore.Flow { return o.handleRGBCamera(plan, out) }),
		cellPoller(o.ThermalCamera, func(out orbcore.Output[Frame]) orbcore.Flow { return o.handleThermalCamera(plan, out) }),
		cellPoller(o.DepthCamera, func(out orbcore.Output[Frame]) orbcore.Flow { return o.handleDepthCamera(plan, out) }),
		cellPoller(o.IRNet, func(out orbcore.Output[IRNetOutput]) orbcore.Flow { return o.handleIRNet(plan, out) }),
		cellPoller(o.RGBNetCell, func(out orbcore.Output[RGBNetOutput]) orbcore.Flow { return o.handleRGBNet(plan, out) }),
		cellPoller(o.IrisCell, func(out orbcore.Output[IrisOutput]) orbcore.Flow { return plan.HandleIris(o, out) }),
		cellPoller(o.FaceIDCell, func(out orbcore.Output[FaceIdentifierOutput]) orbcore.Flow { return o.handleFaceIdentifier(plan, out) }),
		cellPoller(o.QRCodeCell, func(out orbcore.Output[string]) orbcore.Flow { return plan.HandleQRCode(o, out) }),
		cellPoller(o.EyeTrackerC, func(out orbcore.Output[mirror.Point]) orbcore.Flow { return o.handleEyeTracker(plan, out) }),
		cellPoller(o.EyePIDCell, func(out orbcore.Output[mirror.Point]) orbcore.Flow { return o.handleEyePIDController(plan, out) }),
		cellPoller(o.MirrorCell, func(out orbcore.Output[MirrorOutput]) orbcore.Flow { return o.handleMirror(plan, out) }),
		cellPoller(o.AutoExposureC, func(out orbcore.Output[int]) orbcore.Flow { return o.handleAutoExposure(plan, out) }),
		cellPoller(o.AutoFocusCell, func(out orbcore.Output[int32]) orbcore.Flow { return o.handleAutoFocus(plan, out) }),
		cellPoller(o.DistanceCell, func(out orbcore.Output[DistanceStatus]) orbcore.Flow { return plan.HandleDistance(o, out) }),
		cellPoller(o.NotaryCell, func(out orbcore.Output[NotaryEvent]) orbcore.Flow { return plan.HandleNotary(o, out) }),
		cellPoller(o.UploaderCell, func(out orbcore.Output[UploadEvent]) orbcore.Flow { return plan.HandleUploader(o, out) }),
	}
}

func cellPoller[I, O any](cell *orbcore.Cell[I, O], handle func(orbcore.Output[O]) orbcore.Flow) orbcore.PollFunc {
	return func(fence time.Time) orbcore.Flow {
		port, ok := cell.Port()
		if !ok {
			return orbcore.Continue
		}
		return orbcore.PollOutput(port, fence, handle)
	}
}
