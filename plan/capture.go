package plan

import (
	"context"
	"time"

	"orbcore"
	"orbcore/orb"
)

// Objective is one capture goal: a sharp IR frame of the target eye at the
// given wavelength (spec §4.7 "Objective queue").
type Objective struct {
	TargetEye        orbcore.Eye
	Wavelength       orbcore.Wavelength
	DurationUS       int
	OnlyRGBNetFrames bool
}

// StandardObjectives is the default flow: one objective per eye at the
// default wavelength.
func StandardObjectives() []Objective {
	return []Objective{
		{TargetEye: orbcore.EyeLeft, Wavelength: orb.DefaultIRLedWavelength, DurationUS: orb.DefaultIRLedDuration},
		{TargetEye: orbcore.EyeRight, Wavelength: orb.DefaultIRLedWavelength, DurationUS: orb.DefaultIRLedDuration},
	}
}

// EyeCapture is one eye's captured frame pair.
type EyeCapture struct {
	IRFrame     orb.Frame
	IREstimate  orb.IRNetEstimate
	RGBFrame    orb.Frame
	RGBEstimate orb.RGBNetEstimate
}

// CaptureOutput is the result of a successful capture: exactly one valid
// frame pair per eye plus the face self-custody candidate (spec §3
// invariants).
type CaptureOutput struct {
	Left  EyeCapture
	Right EyeCapture

	SelfCustodyFrame     orb.Frame
	SelfCustodyLandmarks orb.RGBNetEstimate
	FaceIRFrame          orb.Frame
	ThermalFrame         orb.Frame

	Latitude  *float64
	Longitude *float64

	CapturedAt time.Time
}

// Capture progress weights (spec §4.7 "UX progress").
const (
	captureMaxProgress      = 0.8
	captureFaceBonus        = 0.25
	occlusionLowPassRC      = 0.4
	occlusionSeedFactor     = 1.5
	occlusionOnHysteresis   = 0.975
	occlusionOffHysteresis  = 1.025
	captureMinSharpnessProg = 1.2
)

type frameInfo[E any] struct {
	estimate E
	frame    orb.Frame
}

// Capture is the biometric-capture plan: it drives the objective queue,
// tracks occlusion with hysteresis, averages GPS fixes, reports UX
// progress, and terminates on completion or timeout (spec §4.7).
type Capture struct {
	orb.NoopPlan

	Objectives []Objective
	Timeout    time.Duration
	// ValidAfterGap is the mandatory delay after a successful objective
	// before the next sharp capture may count (default 0; extensions set a
	// larger gap).
	ValidAfterGap time.Duration

	total      int
	index      int
	deadline   time.Time
	validAfter time.Time

	leftIR   *frameInfo[orb.IRNetEstimate]
	rightIR  *frameInfo[orb.IRNetEstimate]
	leftRGB  *frameInfo[orb.RGBNetEstimate]
	rightRGB *frameInfo[orb.RGBNetEstimate]

	selfCustody      *frameInfo[orb.RGBNetEstimate]
	selfCustodyScore float64
	lastFaceIR       orb.Frame
	faceIR           orb.Frame
	lastThermal      orb.Frame
	thermal          orb.Frame

	maxSharpness float64
	halfFired    bool
	allFired     bool

	occlusionLowPass float64
	occlusionSeeded  bool
	occlusionLastTS  time.Time
	occlusionOnSince time.Time
	occlusionOn      bool

	latitude  meanAccumulator
	longitude meanAccumulator

	timedOut bool
	success  bool
	result   CaptureOutput
}

// NewCapture creates a capture plan over the given objectives.
func NewCapture(objectives []Objective, timeout time.Duration) *Capture {
	return &Capture{Objectives: objectives, Timeout: timeout}
}

// Start configures the orb for the first objective and arms the phase
// timeout.
func (p *Capture) Start(ctx context.Context, o *orb.Orb) error {
	p.total = len(p.Objectives)
	p.index = 0
	p.deadline = time.Now().Add(p.Timeout)
	p.seedOcclusion(o)
	o.PIDOffsets = nil

	if err := p.enableAgents(ctx, o); err != nil {
		return err
	}
	o.UI.Emit(orb.Event{Kind: orb.EventCaptureStart})
	return p.applyObjective(ctx, o)
}

func (p *Capture) enableAgents(ctx context.Context, o *orb.Orb) error {
	start := func(cell *orbcore.Cell[orb.CameraCommand, orb.Frame]) error {
		if cell.Enabled() {
			return nil
		}
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
	if err := start(o.IRFaceCamera); err != nil {
		return err
	}
	if err := start(o.RGBCamera); err != nil {
		return err
	}
	if o.ConfigSnapshot().ThermalCamera {
		if err := start(o.ThermalCamera); err != nil {
			return err
		}
	}
	if !o.IRNet.Enabled() {
		if err := o.EnableIRNet(); err != nil {
			return err
		}
	}
	o.DisableRGBNet()
	if err := o.EnableRGBNet(false); err != nil {
		return err
	}
	for _, enable := range []func() error{
		o.FaceIDCell.Enable,
		o.AutoExposureC.Enable,
		o.AutoFocusCell.Enable,
		o.EyeTrackerC.Enable,
		o.EyePIDCell.Enable,
		o.MirrorCell.Enable,
		o.DistanceCell.Enable,
	} {
		if err := enable(); err != nil {
			// Already-enabled cells are fine; capture composes with plans
			// that pre-enabled parts of the stack.
			continue
		}
	}
	return nil
}

// Stop tears down the capture-only agents and turns the LED off.
func (p *Capture) Stop(ctx context.Context, o *orb.Orb) {
	o.DisableIRNet()
	o.DisableRGBNet()
	o.FaceIDCell.Disable()
	o.EyePIDCell.Disable()
	o.EyeTrackerC.Disable()
	o.AutoExposureC.Disable()
	o.AutoFocusCell.Disable()
	o.DistanceCell.Disable()
	_ = o.SetLEDWavelength(ctx, orbcore.WavelengthNone)
}

// Success reports whether every objective completed with a self-custody
// candidate present.
func (p *Capture) Success() bool { return p.success }

// TimedOut reports whether the phase timeout fired first.
func (p *Capture) TimedOut() bool { return p.timedOut }

// ObjectivesRemaining is the length of the unfinished objective queue.
func (p *Capture) ObjectivesRemaining() int { return p.total - p.index }

// Result returns the capture output; valid only when Success().
func (p *Capture) Result() CaptureOutput { return p.result }

func (p *Capture) currentObjective() Objective {
	return p.Objectives[p.index]
}

// applyObjective reconfigures the orb for the current objective.
func (p *Capture) applyObjective(ctx context.Context, o *orb.Orb) error {
	obj := p.currentObjective()
	o.SetTargetEye(obj.TargetEye == orbcore.EyeLeft)
	if err := o.SetLEDWavelength(ctx, obj.Wavelength); err != nil {
		return err
	}
	if obj.DurationUS > 0 {
		o.SetIRLedDuration(obj.DurationUS)
	}
	o.OnlyRGBNetFrames = obj.OnlyRGBNetFrames
	p.maxSharpness = 0
	return nil
}

func (p *Capture) HandleIRNet(o *orb.Orb, out orbcore.Output[orb.IRNetOutput]) orbcore.Flow {
	if out.Value.Kind != orb.IRNetOutEstimate || p.index >= p.total {
		return orbcore.Continue
	}
	estimate := out.Value.Estimate
	p.updateOcclusion(o, estimate, out.SourceTS)

	obj := p.currentObjective()
	if estimate.PerceivedSide != obj.TargetEye {
		// Perceived-side mismatch discards the frame.
		return orbcore.Continue
	}
	p.updateProgress(o, estimate.Sharpness)

	tuning := o.Tuning
	brightnessOK := !o.AutoExposureC.Enabled() ||
		(o.LastIRNetFrame.Mean >= tuning.IRBrightnessMin && o.LastIRNetFrame.Mean <= tuning.IRBrightnessMax)
	valid := estimate.Score >= tuning.IrisScoreMin &&
		brightnessOK &&
		!time.Now().Before(p.validAfter)
	if !valid {
		return orbcore.Continue
	}

	info := &frameInfo[orb.IRNetEstimate]{estimate: estimate, frame: o.LastIRNetFrame}
	if obj.TargetEye == orbcore.EyeLeft {
		p.leftIR = info
	} else {
		p.rightIR = info
	}
	o.Logger.Info("sharp iris captured", "eye", obj.TargetEye.String(), "score", estimate.Score)
	p.advanceObjective(o)
	return orbcore.Continue
}

// advanceObjective pops the completed objective and reconfigures for the
// next one. The queue length decreases monotonically (spec §3 invariants).
func (p *Capture) advanceObjective(o *orb.Orb) {
	p.index++
	p.validAfter = time.Now().Add(p.ValidAfterGap)
	if p.index >= p.total {
		if !p.allFired {
			p.allFired = true
			o.UI.Emit(orb.Event{Kind: orb.EventCaptureAllObjectives})
		}
		return
	}
	if !p.halfFired && p.index*2 >= p.total {
		p.halfFired = true
		o.UI.Emit(orb.Event{Kind: orb.EventCaptureHalfObjectives})
	}
	if err := p.applyObjective(context.Background(), o); err != nil {
		o.Logger.Error("objective reconfiguration failed", "err", err)
	}
}

func (p *Capture) HandleRGBNet(o *orb.Orb, out orbcore.Output[orb.RGBNetOutput]) orbcore.Flow {
	if out.Value.Kind != orb.IRNetOutEstimate {
		return orbcore.Continue
	}
	estimate := out.Value.Estimate
	if !estimate.FaceDetected {
		return orbcore.Continue
	}
	// Keyed by the orb's current target eye rather than the objective
	// queue: the pair for the final objective may arrive just after the
	// queue empties.
	info := &frameInfo[orb.RGBNetEstimate]{estimate: estimate, frame: o.LastRGBNetFrame}
	if o.TargetLeftEye {
		p.leftRGB = info
	} else {
		p.rightRGB = info
	}
	return orbcore.Continue
}

func (p *Capture) HandleFaceIdentifier(o *orb.Orb, out orbcore.Output[orb.FaceIdentifierOutput]) orbcore.Flow {
	if out.Value.Kind != orb.FaceIdentifierOutIsValidImage || !out.Value.Valid {
		return orbcore.Continue
	}
	if p.selfCustody == nil || out.Value.Score > p.selfCustodyScore {
		o.Logger.Info("face self-custody candidate captured", "score", out.Value.Score)
		p.selfCustody = &frameInfo[orb.RGBNetEstimate]{frame: out.Value.Frame}
		p.selfCustodyScore = out.Value.Score
		p.faceIR = p.lastFaceIR
		p.thermal = p.lastThermal
		p.updateProgress(o, 0)
	}
	// One candidate is enough until the next probe window opens.
	o.OnlyRGBNetFrames = true
	return orbcore.Continue
}

func (p *Capture) HandleIRFaceCamera(o *orb.Orb, out orbcore.Output[orb.Frame]) orbcore.Flow {
	p.lastFaceIR = out.Value
	return orbcore.Continue
}

func (p *Capture) HandleThermalCamera(o *orb.Orb, out orbcore.Output[orb.Frame]) orbcore.Flow {
	p.lastThermal = out.Value
	return orbcore.Continue
}

func (p *Capture) HandleMcu(o *orb.Orb, broadcast orb.McuBroadcast) orbcore.Flow {
	if broadcast.Kind == orb.McuGPS {
		if lat, lon, ok := parseNMEALatLon(broadcast.NMEA); ok {
			p.latitude.add(lat)
			p.longitude.add(lon)
		}
	}
	return orbcore.Continue
}

func (p *Capture) PollExtra(_ context.Context, o *orb.Orb) orbcore.Flow {
	if time.Now().After(p.deadline) {
		p.timedOut = true
		return orbcore.Break
	}
	if p.index >= p.total && p.selfCustody != nil &&
		p.leftRGB != nil && p.rightRGB != nil {
		p.finish(o)
		return orbcore.Break
	}
	return orbcore.Continue
}

func (p *Capture) finish(o *orb.Orb) {
	if p.leftIR == nil || p.rightIR == nil || p.leftRGB == nil || p.rightRGB == nil || p.selfCustody == nil {
		// A successful capture requires exactly one valid frame pair for
		// each slot; anything less is not success.
		return
	}
	p.success = true
	p.result = CaptureOutput{
		Left: EyeCapture{
			IRFrame:    p.leftIR.frame,
			IREstimate: p.leftIR.estimate,
			RGBFrame:   p.leftRGB.frame,
			RGBEstimate: p.leftRGB.estimate,
		},
		Right: EyeCapture{
			IRFrame:    p.rightIR.frame,
			IREstimate: p.rightIR.estimate,
			RGBFrame:   p.rightRGB.frame,
			RGBEstimate: p.rightRGB.estimate,
		},
		SelfCustodyFrame:     p.selfCustody.frame,
		SelfCustodyLandmarks: p.selfCustody.estimate,
		FaceIRFrame:          p.faceIR,
		ThermalFrame:         p.thermal,
		CapturedAt:           time.Now(),
	}
	if lat, ok := p.latitude.mean(); ok {
		p.result.Latitude = &lat
	}
	if lon, ok := p.longitude.mean(); ok {
		p.result.Longitude = &lon
	}
	o.UI.Emit(orb.Event{Kind: orb.EventCaptureSuccess})
	// Fold this signup's PID refinements into the persisted mirror
	// calibration (spec §4.7 "Continuous calibration").
	if err := o.StoreCalibration(context.Background()); err != nil {
		o.Logger.Error("continuous calibration store failed", "err", err)
	}
}

// updateProgress recomputes the weighted UX progress: objective completion
// scaled by the sharpness ratio, plus a bonus once the self-custody frame
// is acquired (spec §4.7 "UX progress").
func (p *Capture) updateProgress(o *orb.Orb, sharpness float64) {
	if sharpness > p.maxSharpness {
		p.maxSharpness = sharpness
	}
	current := p.maxSharpness / o.Tuning.IrisScoreMin
	if current > 1 {
		current = 1
	}
	objective := (float64(p.index) + current) / float64(p.total)
	if objective > 1 {
		objective = 1
	}
	progress := objective * (captureMaxProgress - captureFaceBonus)
	if p.selfCustody != nil {
		progress += captureFaceBonus
	}
	o.UI.Emit(orb.Event{Kind: orb.EventCaptureProgress, Progress: progress})
}

// seedOcclusion initializes the low-pass filter above the threshold so the
// phase starts with the indicator off.
func (p *Capture) seedOcclusion(o *orb.Orb) {
	p.occlusionLowPass = o.Tuning.OcclusionThreshold * occlusionSeedFactor
	p.occlusionSeeded = true
	p.occlusionOn = false
	p.occlusionOnSince = time.Time{}
	p.occlusionLastTS = time.Time{}
}

// updateOcclusion low-pass-filters the IR-net 30° occlusion metric and
// drives a boolean indicator with hysteresis bands and a minimum-on time
// (spec §4.7 "Occlusion").
func (p *Capture) updateOcclusion(o *orb.Orb, estimate orb.IRNetEstimate, ts time.Time) {
	tuning := o.Tuning
	threshold := tuning.OcclusionThreshold
	value := estimate.Occlusion30
	if estimate.Sharpness < captureMinSharpnessProg || value != value {
		// Untrustworthy estimates nudge toward "not occluded".
		value = threshold * 1.05
	}
	dt := 0.0
	if !p.occlusionLastTS.IsZero() {
		dt = ts.Sub(p.occlusionLastTS).Seconds()
	}
	p.occlusionLastTS = ts
	if dt > 0 {
		alpha := dt / (occlusionLowPassRC + dt)
		p.occlusionLowPass += alpha * (value - p.occlusionLowPass)
	}

	minOn := time.Duration(tuning.OcclusionMinOnMillis) * time.Millisecond
	var detected bool
	if p.occlusionOn {
		detected = p.occlusionLowPass < threshold*occlusionOffHysteresis ||
			(!p.occlusionOnSince.IsZero() && time.Since(p.occlusionOnSince) < minOn)
	} else {
		detected = p.occlusionLowPass < threshold*occlusionOnHysteresis
	}
	if detected != p.occlusionOn {
		p.occlusionOn = detected
		if detected {
			p.occlusionOnSince = time.Now()
		} else {
			p.occlusionOnSince = time.Time{}
		}
		o.UI.Emit(orb.Event{Kind: orb.EventCaptureOcclusion, Occluded: detected})
	}
}
