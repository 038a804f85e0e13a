package orb

import (
	"context"
	"fmt"
	"math"

	"orbcore"
)

// Sound is an audible cue the distance feedback loop may request. SoundNone
// means no sound this tick — the value the selector returns when the range
// band has not changed since the last cue.
type Sound int

const (
	SoundNone Sound = iota
	SoundTooClose
	SoundTooFar
	SoundInRange
)

// DistanceInput feeds the distance agent.
type DistanceInput struct {
	Kind DistanceInputKind

	Estimate RGBNetEstimate
	// ToFMM is a time-of-flight range reading in millimetres.
	ToFMM float64
}

// DistanceInputKind discriminates DistanceInput.
type DistanceInputKind int

const (
	DistanceRGBNetEstimate DistanceInputKind = iota
	DistanceToF
)

// DistanceStatus is the distance agent's view of where the user stands.
type DistanceStatus struct {
	DistanceMM float64
	InRange    bool
	Sound      Sound
}

// Capture operating range in millimetres.
const (
	distanceMinMM = 250.0
	distanceMaxMM = 450.0
)

// Distance fuses RGB-net face scale with the time-of-flight reading into a
// user distance estimate and a sound cue.
type Distance struct {
	lastSound Sound
}

func (a *Distance) Name() string { return "distance" }

func (a *Distance) Run(ctx context.Context, port *orbcore.InnerPort[DistanceInput, DistanceStatus]) {
	tofMM := math.NaN()
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		switch in.Value.Kind {
		case DistanceToF:
			tofMM = in.Value.ToFMM
			continue
		case DistanceRGBNetEstimate:
			estimate := in.Value.Estimate
			if !estimate.FaceDetected {
				continue
			}
			distance := estimateDistanceMM(estimate, tofMM)
			status := DistanceStatus{
				DistanceMM: distance,
				InRange:    distance >= distanceMinMM && distance <= distanceMaxMM,
				Sound:      a.selectSound(distance),
			}
			if err := port.Send(orbcore.Chain(in, status)); err != nil {
				return
			}
		}
	}
}

// estimateDistanceMM prefers the time-of-flight reading and falls back to
// the face bounding-box scale.
func estimateDistanceMM(estimate RGBNetEstimate, tofMM float64) float64 {
	if !math.IsNaN(tofMM) && tofMM > 0 {
		return tofMM
	}
	width := estimate.BBox[2] - estimate.BBox[0]
	if width <= 0 {
		return math.Inf(1)
	}
	// A face filling the frame is roughly at the near limit.
	return distanceMinMM / width
}

// selectSound debounces the cue so the same state does not retrigger.
func (a *Distance) selectSound(distanceMM float64) Sound {
	var next Sound
	switch {
	case distanceMM < distanceMinMM:
		next = SoundTooClose
	case distanceMM > distanceMaxMM:
		next = SoundTooFar
	default:
		next = SoundInRange
	}
	if next == a.lastSound {
		return SoundNone
	}
	a.lastSound = next
	return next
}

// NotaryInput asks the image-archival agent to persist a frame with its
// metadata, rate-limited per stream.
type NotaryInput struct {
	Stream     string
	Frame      Frame
	Wavelength orbcore.Wavelength
	// FPSOverride caps the save rate; zero keeps the stream's default.
	FPSOverride float64
	Metadata    map[string]string
	// IREstimate / RGBEstimate annotate a frame archived on inference
	// output, so the saved history pairs each frame with the estimate that
	// matched it.
	IREstimate  *IRNetEstimate
	RGBEstimate *RGBNetEstimate
}

// NotaryEvent reports one archived frame.
type NotaryEvent struct {
	Stream string
	Saved  bool
}

// FrameSink persists frames; the concrete storage layout is external.
type FrameSink interface {
	Save(ctx context.Context, stream string, frame Frame, metadata map[string]string) error
}

// Notary is the image-archival agent: it saves selected frames through the
// sink, honoring per-stream FPS caps.
type Notary struct {
	Sink       FrameSink
	DefaultFPS float64

	lastSaved map[string]Frame
	lastTS    map[string]float64
}

func (a *Notary) Name() string { return "image-notary" }

func (a *Notary) Run(ctx context.Context, port *orbcore.InnerPort[NotaryInput, NotaryEvent]) {
	a.lastTS = make(map[string]float64)
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		if a.Sink == nil {
			continue
		}
		req := in.Value
		fps := a.DefaultFPS
		if req.FPSOverride > 0 {
			fps = req.FPSOverride
		}
		ts := req.Frame.Timestamp.Seconds()
		if fps > 0 {
			if last, ok := a.lastTS[req.Stream]; ok && ts-last < 1.0/fps {
				continue
			}
		}
		a.lastTS[req.Stream] = ts
		saved := a.Sink.Save(ctx, req.Stream, req.Frame, estimateMetadata(req)) == nil
		event := NotaryEvent{Stream: req.Stream, Saved: saved}
		if err := port.Send(orbcore.Chain(in, event)); err != nil {
			return
		}
	}
}

// estimateMetadata folds a request's inference annotations into its
// metadata map.
func estimateMetadata(req NotaryInput) map[string]string {
	if req.IREstimate == nil && req.RGBEstimate == nil {
		return req.Metadata
	}
	metadata := make(map[string]string, len(req.Metadata)+4)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if e := req.IREstimate; e != nil {
		metadata["score"] = fmt.Sprintf("%g", e.Score)
		metadata["sharpness"] = fmt.Sprintf("%g", e.Sharpness)
		metadata["perceived_side"] = e.PerceivedSide.String()
	}
	if e := req.RGBEstimate; e != nil {
		metadata["face_detected"] = fmt.Sprintf("%t", e.FaceDetected)
	}
	metadata["wavelength"] = req.Wavelength.String()
	return metadata
}

// UploaderInput controls the background image uploader.
type UploaderInput struct {
	Kind UploaderInputKind

	// Path names a cached artefact to enqueue.
	Path string
}

// UploaderInputKind discriminates UploaderInput.
type UploaderInputKind int

const (
	// UploaderEnqueue queues one artefact.
	UploaderEnqueue UploaderInputKind = iota
	// UploaderResume re-queues previously-cached artefacts, used by the
	// idle plan to drain the backlog between signups.
	UploaderResume
)

// UploadEvent reports one finished upload attempt.
type UploadEvent struct {
	Path string
	OK   bool
}

// UploadBackend ships one cached artefact; the presigned-URL flow behind it
// lives in the network package.
type UploadBackend interface {
	UploadCached(ctx context.Context, path string) error
	ListCached(ctx context.Context) ([]string, error)
}

// Uploader drains queued uploads of previously-cached data in the
// background.
type Uploader struct {
	Backend UploadBackend
}

func (a *Uploader) Name() string { return "image-uploader" }

func (a *Uploader) Run(ctx context.Context, port *orbcore.InnerPort[UploaderInput, UploadEvent]) {
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		if a.Backend == nil {
			continue
		}
		var paths []string
		switch in.Value.Kind {
		case UploaderEnqueue:
			paths = []string{in.Value.Path}
		case UploaderResume:
			cached, err := a.Backend.ListCached(ctx)
			if err != nil {
				continue
			}
			paths = cached
		}
		for _, path := range paths {
			err := a.Backend.UploadCached(ctx, path)
			event := UploadEvent{Path: path, OK: err == nil}
			if sendErr := port.Send(orbcore.Chain(in, event)); sendErr != nil {
				return
			}
		}
	}
}

// LivestreamInput feeds the livestream agent with the frames and overlays
// it mirrors to the debug client.
type LivestreamInput struct {
	Kind LivestreamInputKind

	Frame    Frame
	Estimate RGBNetEstimate
	Focus    int32
}

// LivestreamInputKind discriminates LivestreamInput.
type LivestreamInputKind int

const (
	LivestreamIREyeFrame LivestreamInputKind = iota
	LivestreamIRFaceFrame
	LivestreamRGBFrame
	LivestreamRGBNetEstimate
	LivestreamFocus
)

// FrameStreamer publishes frames to the livestream client; the transport is
// external.
type FrameStreamer interface {
	Publish(ctx context.Context, input LivestreamInput) error
}

// Livestream mirrors sensor frames and overlays to a debug client. It is a
// pure sink; its output port never emits.
type Livestream struct {
	Streamer FrameStreamer
}

func (a *Livestream) Name() string { return "livestream" }

func (a *Livestream) Run(ctx context.Context, port *orbcore.InnerPort[LivestreamInput, struct{}]) {
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		_ = a.Streamer.Publish(ctx, in.Value)
	}
}
