package plan

import (
	"context"
	"errors"
	"time"

	"orbcore"
	"orbcore/orb"
)

// Pipeline progress constants (spec §4.8): progress starts at 0.075 and
// reaches 0.9; the face identifier contributes ~3.1% of the span, each iris
// estimate ~48.4%.
const (
	pipelineProgressStart = 0.075
	pipelineProgressEnd   = 0.9
	pipelineIrisShare     = 0.484
	pipelineFaceShare     = 0.031
)

// PipelineOutput is a successful biometric-pipeline run.
type PipelineOutput struct {
	LeftIris  orb.IrisRecord
	RightIris orb.IrisRecord
	Face      orb.FaceIdentifierBundle

	IrisVersion  string
	IRNetVersion string
	// IrisConfig and FaceConfig are the inference agent configs echoed for
	// the debug report.
	IrisConfig map[string]string
	FaceConfig map[string]string
}

// PipelineResultKind classifies how the pipeline ended.
type PipelineResultKind int

const (
	PipelineSuccess PipelineResultKind = iota
	PipelineTimeout
	PipelineIrisError
)

// Pipeline runs the ML stack over a completed capture: versions, config
// pushes, both iris estimations and the face-identifier bundle in
// parallel, all guarded by one global watchdog that resets on every
// arrival (spec §4.8).
type Pipeline struct {
	orb.NoopPlan

	Capture CaptureOutput
	Timeout time.Duration

	deadline time.Time
	progress float64

	output       PipelineOutput
	haveLeft     bool
	haveRight    bool
	haveFace     bool
	haveIrisVer  bool
	haveIRNetVer bool
	haveIrisCfg  bool
	haveFaceCfg  bool

	kind PipelineResultKind
	errAgent string
}

// NewPipeline creates a pipeline over capture.
func NewPipeline(capture CaptureOutput, timeout time.Duration) *Pipeline {
	return &Pipeline{Capture: capture, Timeout: timeout}
}

// Start enables the inference agents and fires every request (spec §4.8
// steps 1-3).
func (p *Pipeline) Start(ctx context.Context, o *orb.Orb) error {
	if !o.IrisCell.Enabled() {
		if err := o.IrisCell.Enable(); err != nil {
			return err
		}
	}
	if !o.FaceIDCell.Enabled() {
		if err := o.FaceIDCell.Enable(); err != nil {
			return err
		}
	}
	if !o.IRNet.Enabled() {
		if err := o.EnableIRNet(); err != nil {
			return err
		}
	}
	p.resetWatchdog()
	p.progress = pipelineProgressStart
	p.emitProgress(o)

	irisPort, ok := o.IrisCell.Port()
	if !ok {
		return &orbcore.ErrPipelineTimeout{Agent: "iris"}
	}
	irNetPort, ok := o.IRNet.Port()
	if !ok {
		return &orbcore.ErrPipelineTimeout{Agent: "ir-net"}
	}
	facePort, ok := o.FaceIDCell.Port()
	if !ok {
		return &orbcore.ErrPipelineTimeout{Agent: "face-identifier"}
	}

	// Versions.
	if err := irisPort.Send(ctx, orb.IrisInput{Kind: orb.IrisVersionRequest}); err != nil {
		return err
	}
	if err := irNetPort.Send(ctx, orb.IRNetInput{Kind: orb.IRNetVersionRequest}); err != nil {
		return err
	}
	// Config pushes, echoed back for the debug report.
	modelConfigs := o.ConfigSnapshot()
	if err := irisPort.Send(ctx, orb.IrisInput{Kind: orb.IrisConfigPush, Config: modelConfigs.IrisModelConfigs}); err != nil {
		return err
	}
	if err := facePort.Send(ctx, orb.FaceIdentifierInput{Kind: orb.FaceIdentifierConfigPush, Config: modelConfigs.FaceIdentifierModelConfigs}); err != nil {
		return err
	}
	// Estimations, in parallel: left iris, right iris, face identifier on
	// all three candidate RGB frames plus their eye-landmark annotations.
	if err := irisPort.Send(ctx, orb.IrisInput{
		Kind:      orb.IrisEstimateRequest,
		Eye:       orbcore.EyeLeft,
		Frame:     p.Capture.Left.IRFrame,
		Landmarks: p.Capture.Left.IREstimate.Landmarks,
	}); err != nil {
		return err
	}
	if err := irisPort.Send(ctx, orb.IrisInput{
		Kind:      orb.IrisEstimateRequest,
		Eye:       orbcore.EyeRight,
		Frame:     p.Capture.Right.IRFrame,
		Landmarks: p.Capture.Right.IREstimate.Landmarks,
	}); err != nil {
		return err
	}
	return facePort.Send(ctx, orb.FaceIdentifierInput{
		Kind: orb.FaceIdentifierEstimateRequest,
		Frames: []orb.Frame{
			p.Capture.Left.RGBFrame,
			p.Capture.Right.RGBFrame,
			p.Capture.SelfCustodyFrame,
		},
		Landmarks: []orb.RGBNetEstimate{
			p.Capture.Left.RGBEstimate,
			p.Capture.Right.RGBEstimate,
			p.Capture.SelfCustodyLandmarks,
		},
	})
}

// Stop disables the pipeline-only agents.
func (p *Pipeline) Stop(o *orb.Orb) {
	o.IrisCell.Disable()
	o.FaceIDCell.Disable()
	o.DisableIRNet()
}

// Kind reports how the run ended.
func (p *Pipeline) Kind() PipelineResultKind { return p.kind }

// Output returns the pipeline result; valid only when Kind() ==
// PipelineSuccess.
func (p *Pipeline) Output() PipelineOutput { return p.output }

func (p *Pipeline) resetWatchdog() {
	p.deadline = time.Now().Add(p.Timeout)
}

func (p *Pipeline) HandleIris(o *orb.Orb, out orbcore.Output[orb.IrisOutput]) orbcore.Flow {
	p.resetWatchdog()
	switch out.Value.Kind {
	case orb.IrisOutError:
		// An explicit iris failure is non-recoverable (spec §4.8 step 5).
		o.Logger.Error("iris estimation failed", "err", out.Value.Err)
		p.kind = PipelineIrisError
		p.errAgent = "iris"
		return orbcore.Break
	case orb.IrisOutVersion:
		p.output.IrisVersion = out.Value.Version
		p.haveIrisVer = true
	case orb.IrisOutConfig:
		p.output.IrisConfig = out.Value.Config
		p.haveIrisCfg = true
	case orb.IrisOutEstimate:
		record := out.Value.Record
		if record.Eye == orbcore.EyeLeft {
			p.output.LeftIris = record
			p.haveLeft = true
		} else {
			p.output.RightIris = record
			p.haveRight = true
		}
		p.progress += pipelineIrisShare * (pipelineProgressEnd - pipelineProgressStart)
		p.emitProgress(o)
	}
	return p.checkComplete(o)
}

func (p *Pipeline) HandleIRNet(o *orb.Orb, out orbcore.Output[orb.IRNetOutput]) orbcore.Flow {
	if out.Value.Kind != orb.IRNetOutVersion {
		return orbcore.Continue
	}
	p.resetWatchdog()
	p.output.IRNetVersion = out.Value.Version
	p.haveIRNetVer = true
	return p.checkComplete(o)
}

func (p *Pipeline) HandleFaceIdentifier(o *orb.Orb, out orbcore.Output[orb.FaceIdentifierOutput]) orbcore.Flow {
	p.resetWatchdog()
	switch out.Value.Kind {
	case orb.FaceIdentifierOutConfig:
		p.output.FaceConfig = out.Value.Config
		p.haveFaceCfg = true
	case orb.FaceIdentifierOutBundle:
		p.output.Face = out.Value.Bundle
		p.haveFace = true
		p.progress += pipelineFaceShare * (pipelineProgressEnd - pipelineProgressStart)
		p.emitProgress(o)
	case orb.FaceIdentifierOutError:
		o.Logger.Error("face identifier failed", "err", out.Value.Err)
	}
	return p.checkComplete(o)
}

// checkComplete breaks once every arrival is in (spec §4.8 step 4).
func (p *Pipeline) checkComplete(o *orb.Orb) orbcore.Flow {
	if p.haveLeft && p.haveRight && p.haveFace &&
		p.haveIrisVer && p.haveIRNetVer && p.haveIrisCfg && p.haveFaceCfg {
		p.kind = PipelineSuccess
		p.progress = pipelineProgressEnd
		p.emitProgress(o)
		return orbcore.Break
	}
	return orbcore.Continue
}

func (p *Pipeline) PollExtra(_ context.Context, o *orb.Orb) orbcore.Flow {
	if time.Now().After(p.deadline) {
		p.kind = PipelineTimeout
		return orbcore.Break
	}
	return orbcore.Continue
}

func (p *Pipeline) emitProgress(o *orb.Orb) {
	o.UI.Emit(orb.Event{Kind: orb.EventPipelineProgress, Progress: p.progress})
}

// ErrIris reports a non-recoverable iris inference failure.
var ErrIris = errors.New("plan: iris estimation failed")

// Err converts a non-success result into its error value, the named sum
// replacing downcast-based control flow (spec §9 design notes).
func (p *Pipeline) Err() error {
	switch p.kind {
	case PipelineTimeout:
		return &orbcore.ErrPipelineTimeout{Agent: p.errAgent}
	case PipelineIrisError:
		return ErrIris
	default:
		return nil
	}
}
