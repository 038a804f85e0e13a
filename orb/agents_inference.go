package orb

import (
	"context"

	"orbcore"
)

// Point2D is a normalized image coordinate.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// IRNetEstimate is one IR-net inference result. The model itself is an
// external collaborator; this is the value shape the orb consumes.
type IRNetEstimate struct {
	Score         float64
	Sharpness     float64
	Occlusion30   float64
	PerceivedSide orbcore.Eye
	// Landmarks is a 9x2 matrix; rows 4..7 are the iris boundary points.
	Landmarks [][2]float32
}

// IRNetInput feeds the IR-net agent.
type IRNetInput struct {
	Kind IRNetInputKind

	Frame         Frame
	TargetLeftEye bool
}

// IRNetInputKind discriminates IRNetInput.
type IRNetInputKind int

const (
	IRNetEstimateFrame IRNetInputKind = iota
	IRNetVersionRequest
)

// IRNetOutput is one IR-net agent emission.
type IRNetOutput struct {
	Kind IRNetOutputKind

	Estimate IRNetEstimate
	Version  string
}

// IRNetOutputKind discriminates IRNetOutput.
type IRNetOutputKind int

const (
	IRNetOutEstimate IRNetOutputKind = iota
	IRNetOutVersion
)

// IRNetEstimator is the opaque IR inference backend.
type IRNetEstimator interface {
	Estimate(ctx context.Context, frame Frame, targetLeftEye bool) (IRNetEstimate, error)
	Version() string
}

// IRNet wraps the IR inference backend as an agent. Inference runs in a
// subprocess in production for crash isolation; the agent body is identical
// in either substrate.
type IRNet struct {
	Estimator IRNetEstimator
}

func (a *IRNet) Name() string { return "ir-net" }

func (a *IRNet) Run(ctx context.Context, port *orbcore.InnerPort[IRNetInput, IRNetOutput]) {
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		if a.Estimator == nil {
			// Builds without the bundled model stay responsive but emit
			// nothing; plans detect the gap via their own timeouts.
			continue
		}
		switch in.Value.Kind {
		case IRNetVersionRequest:
			out := IRNetOutput{Kind: IRNetOutVersion, Version: a.Estimator.Version()}
			if err := port.Send(orbcore.Chain(in, out)); err != nil {
				return
			}
		case IRNetEstimateFrame:
			estimate, err := a.Estimator.Estimate(ctx, in.Value.Frame, in.Value.TargetLeftEye)
			if err != nil {
				continue
			}
			out := IRNetOutput{Kind: IRNetOutEstimate, Estimate: estimate}
			if err := port.Send(orbcore.Chain(in, out)); err != nil {
				return
			}
		}
	}
}

// RGBNetEstimate is one RGB-net inference result: face detection plus eye
// landmarks.
type RGBNetEstimate struct {
	FaceDetected bool
	LeftEye      Point2D
	RightEye     Point2D
	// BBox is the detected face bounding box in normalized coordinates:
	// {x0, y0, x1, y1}.
	BBox [4]float64
}

// RGBNetInput feeds the RGB-net agent.
type RGBNetInput struct {
	Kind IRNetInputKind // same request/version discipline as IR-net

	Frame Frame
}

// RGBNetOutput is one RGB-net agent emission.
type RGBNetOutput struct {
	Kind IRNetOutputKind

	Estimate RGBNetEstimate
	Version  string
}

// RGBNetEstimator is the opaque RGB inference backend.
type RGBNetEstimator interface {
	Estimate(ctx context.Context, frame Frame) (RGBNetEstimate, error)
	Version() string
}

// RGBNet wraps the RGB face/landmark backend as an agent.
type RGBNet struct {
	Estimator RGBNetEstimator
}

func (a *RGBNet) Name() string { return "rgb-net" }

func (a *RGBNet) Run(ctx context.Context, port *orbcore.InnerPort[RGBNetInput, RGBNetOutput]) {
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		if a.Estimator == nil {
			continue
		}
		switch in.Value.Kind {
		case IRNetVersionRequest:
			out := RGBNetOutput{Kind: IRNetOutVersion, Version: a.Estimator.Version()}
			if err := port.Send(orbcore.Chain(in, out)); err != nil {
				return
			}
		case IRNetEstimateFrame:
			estimate, err := a.Estimator.Estimate(ctx, in.Value.Frame)
			if err != nil {
				continue
			}
			out := RGBNetOutput{Kind: IRNetOutEstimate, Estimate: estimate}
			if err := port.Send(orbcore.Chain(in, out)); err != nil {
				return
			}
		}
	}
}

// IrisRecord is one eye's iris estimation result: base-64 packed iris and
// mask codes plus model metadata (spec §4.8).
type IrisRecord struct {
	Eye            orbcore.Eye
	IrisCodeB64    string
	MaskCodeB64    string
	NormalizedIris []byte
	NormalizedMask []byte
	Metadata       map[string]string
}

// IrisInput feeds the iris segmentation agent.
type IrisInput struct {
	Kind IrisInputKind

	Eye       orbcore.Eye
	Frame     Frame
	Landmarks [][2]float32
	Config    map[string]string
}

// IrisInputKind discriminates IrisInput.
type IrisInputKind int

const (
	IrisEstimateRequest IrisInputKind = iota
	IrisVersionRequest
	IrisConfigPush
)

// IrisOutput is one iris agent emission. Err is set when the inference
// backend reported an explicit failure, which is non-recoverable for the
// running pipeline (spec §4.8 step 5).
type IrisOutput struct {
	Kind IrisOutputKind

	Record  IrisRecord
	Version string
	Config  map[string]string
	Err     string
}

// IrisOutputKind discriminates IrisOutput.
type IrisOutputKind int

const (
	IrisOutEstimate IrisOutputKind = iota
	IrisOutVersion
	IrisOutConfig
	IrisOutError
)

// IrisEstimator is the opaque iris segmentation backend.
type IrisEstimator interface {
	Estimate(ctx context.Context, eye orbcore.Eye, frame Frame, landmarks [][2]float32) (IrisRecord, error)
	Version() string
	Config() map[string]string
}

// Iris wraps the iris segmentation backend as an agent.
type Iris struct {
	Estimator IrisEstimator
}

func (a *Iris) Name() string { return "iris" }

func (a *Iris) Run(ctx context.Context, port *orbcore.InnerPort[IrisInput, IrisOutput]) {
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		if a.Estimator == nil {
			out := IrisOutput{Kind: IrisOutError, Err: "iris backend not available"}
			if err := port.Send(orbcore.Chain(in, out)); err != nil {
				return
			}
			continue
		}
		var out IrisOutput
		switch in.Value.Kind {
		case IrisVersionRequest:
			out = IrisOutput{Kind: IrisOutVersion, Version: a.Estimator.Version()}
		case IrisConfigPush:
			out = IrisOutput{Kind: IrisOutConfig, Config: a.Estimator.Config()}
		case IrisEstimateRequest:
			record, err := a.Estimator.Estimate(ctx, in.Value.Eye, in.Value.Frame, in.Value.Landmarks)
			if err != nil {
				out = IrisOutput{Kind: IrisOutError, Err: err.Error()}
			} else {
				out = IrisOutput{Kind: IrisOutEstimate, Record: record}
			}
		}
		if err := port.Send(orbcore.Chain(in, out)); err != nil {
			return
		}
	}
}

// FaceIdentifierBundle is the face-identifier result for a capture's RGB
// candidates: thumbnail, embeddings, and the inference backend name.
type FaceIdentifierBundle struct {
	Thumbnail  []byte
	Embeddings [][]float32
	Backend    string
}

// FaceIdentifierInput feeds the face-identifier agent.
type FaceIdentifierInput struct {
	Kind FaceIdentifierInputKind

	Frames    []Frame
	Landmarks []RGBNetEstimate
	Config    map[string]string
}

// FaceIdentifierInputKind discriminates FaceIdentifierInput.
type FaceIdentifierInputKind int

const (
	FaceIdentifierEstimateRequest FaceIdentifierInputKind = iota
	FaceIdentifierConfigPush
	// FaceIdentifierValidityProbe asks whether a single RGB frame is a
	// usable face self-custody candidate.
	FaceIdentifierValidityProbe
)

// FaceIdentifierOutput is one face-identifier agent emission.
type FaceIdentifierOutput struct {
	Kind FaceIdentifierOutputKind

	Bundle FaceIdentifierBundle
	Config map[string]string
	// Valid and Score report an image-validity probe; Frame echoes the
	// probed frame so the capture plan can retain the winning candidate.
	// Receiving a probe result outside a capture context is not a fully
	// documented contract; consumers log and ignore it.
	Valid bool
	Score float64
	Frame Frame
	Err   string
}

// FaceIdentifierOutputKind discriminates FaceIdentifierOutput.
type FaceIdentifierOutputKind int

const (
	FaceIdentifierOutBundle FaceIdentifierOutputKind = iota
	FaceIdentifierOutConfig
	FaceIdentifierOutIsValidImage
	FaceIdentifierOutError
)

// FaceIdentifierEstimator is the opaque face identification backend.
type FaceIdentifierEstimator interface {
	Estimate(ctx context.Context, frames []Frame, landmarks []RGBNetEstimate) (FaceIdentifierBundle, error)
	// IsValid scores one frame as a face self-custody candidate.
	IsValid(ctx context.Context, frame Frame, landmarks RGBNetEstimate) (valid bool, score float64, err error)
	Config() map[string]string
}

// FaceIdentifier wraps the face identification backend as an agent.
type FaceIdentifier struct {
	Estimator FaceIdentifierEstimator
}

func (a *FaceIdentifier) Name() string { return "face-identifier" }

func (a *FaceIdentifier) Run(ctx context.Context, port *orbcore.InnerPort[FaceIdentifierInput, FaceIdentifierOutput]) {
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		if a.Estimator == nil {
			out := FaceIdentifierOutput{Kind: FaceIdentifierOutError, Err: "face backend not available"}
			if err := port.Send(orbcore.Chain(in, out)); err != nil {
				return
			}
			continue
		}
		var out FaceIdentifierOutput
		switch in.Value.Kind {
		case FaceIdentifierConfigPush:
			out = FaceIdentifierOutput{Kind: FaceIdentifierOutConfig, Config: a.Estimator.Config()}
		case FaceIdentifierEstimateRequest:
			bundle, err := a.Estimator.Estimate(ctx, in.Value.Frames, in.Value.Landmarks)
			if err != nil {
				out = FaceIdentifierOutput{Kind: FaceIdentifierOutError, Err: err.Error()}
			} else {
				out = FaceIdentifierOutput{Kind: FaceIdentifierOutBundle, Bundle: bundle}
			}
		case FaceIdentifierValidityProbe:
			var landmarks RGBNetEstimate
			if len(in.Value.Landmarks) > 0 {
				landmarks = in.Value.Landmarks[0]
			}
			var frame Frame
			if len(in.Value.Frames) > 0 {
				frame = in.Value.Frames[0]
			}
			valid, score, err := a.Estimator.IsValid(ctx, frame, landmarks)
			if err != nil {
				out = FaceIdentifierOutput{Kind: FaceIdentifierOutError, Err: err.Error()}
			} else {
				out = FaceIdentifierOutput{
					Kind:  FaceIdentifierOutIsValidImage,
					Valid: valid,
					Score: score,
					Frame: frame,
				}
			}
		}
		if err := port.Send(orbcore.Chain(in, out)); err != nil {
			return
		}
	}
}
