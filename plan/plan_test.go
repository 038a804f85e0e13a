package plan

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"orbcore"
	"orbcore/internal/calibration"
	"orbcore/orb"
)

// pacedProducer emits identical frames at a fixed interval.
type pacedProducer struct {
	frame    orb.Frame
	interval time.Duration
}

func (p *pacedProducer) Next(ctx context.Context) (orb.Frame, error) {
	select {
	case <-ctx.Done():
		return orb.Frame{}, ctx.Err()
	case <-time.After(p.interval):
		return p.frame, nil
	}
}

// sharpAfterIRNet emits low-score estimates for warmup, then a sharp one
// with the perceived side matching the requested target eye.
type sharpAfterIRNet struct {
	mu      sync.Mutex
	started time.Time
	warmup  time.Duration
	score   float64
}

func (s *sharpAfterIRNet) Estimate(_ context.Context, _ orb.Frame, targetLeftEye bool) (orb.IRNetEstimate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		s.started = time.Now()
	}
	side := orbcore.EyeRight
	if targetLeftEye {
		side = orbcore.EyeLeft
	}
	estimate := orb.IRNetEstimate{
		Sharpness:     3.0,
		Occlusion30:   1.0,
		PerceivedSide: side,
		Landmarks: [][2]float32{
			{0, 0}, {0, 0}, {0, 0}, {0, 0},
			{0.4, 0.5}, {0.5, 0.5}, {0.6, 0.5}, {0.5, 0.5},
			{0, 0},
		},
	}
	if time.Since(s.started) < s.warmup {
		estimate.Score = s.score / 2
	} else {
		estimate.Score = s.score + 0.001
	}
	return estimate, nil
}

func (s *sharpAfterIRNet) Version() string { return "ir-net-1" }

type faceRGBNet struct{}

func (faceRGBNet) Estimate(context.Context, orb.Frame) (orb.RGBNetEstimate, error) {
	return orb.RGBNetEstimate{
		FaceDetected: true,
		LeftEye:      orb.Point2D{X: 0.45, Y: 0.5},
		RightEye:     orb.Point2D{X: 0.55, Y: 0.5},
		BBox:         [4]float64{0.2, 0.2, 0.8, 0.8},
	}, nil
}
func (faceRGBNet) Version() string { return "rgb-net-1" }

type validFace struct{}

func (validFace) Estimate(context.Context, []orb.Frame, []orb.RGBNetEstimate) (orb.FaceIdentifierBundle, error) {
	return orb.FaceIdentifierBundle{
		Thumbnail:  []byte("thumb"),
		Embeddings: [][]float32{{0.1, 0.2}},
		Backend:    "test",
	}, nil
}
func (validFace) IsValid(context.Context, orb.Frame, orb.RGBNetEstimate) (bool, float64, error) {
	return true, 1.0, nil
}
func (validFace) Config() map[string]string { return map[string]string{"model": "face-1"} }

// blockingIris answers version/config but never finishes an estimate.
type blockingIris struct{}

func (blockingIris) Estimate(ctx context.Context, _ orbcore.Eye, _ orb.Frame, _ [][2]float32) (orb.IrisRecord, error) {
	<-ctx.Done()
	return orb.IrisRecord{}, ctx.Err()
}
func (blockingIris) Version() string          { return "iris-1" }
func (blockingIris) Config() map[string]string { return map[string]string{"model": "iris-1"} }

// promptIris answers everything immediately.
type promptIris struct{}

func (promptIris) Estimate(_ context.Context, eye orbcore.Eye, _ orb.Frame, _ [][2]float32) (orb.IrisRecord, error) {
	return orb.IrisRecord{
		Eye:            eye,
		IrisCodeB64:    "aXJpcw==",
		MaskCodeB64:    "bWFzaw==",
		NormalizedIris: []byte("norm"),
		NormalizedMask: []byte("norm-mask"),
	}, nil
}
func (promptIris) Version() string          { return "iris-1" }
func (promptIris) Config() map[string]string { return map[string]string{"model": "iris-1"} }

func captureBuilder(iris orb.IrisEstimator, store *calibration.Store) orb.Builder {
	irFrame := orb.Frame{Width: 640, Height: 480, Layout: orb.PixelIR, Mean: 120, Pixels: []byte{1}}
	rgbFrame := orb.Frame{Width: 1280, Height: 960, Layout: orb.PixelRGB8, Pixels: []byte{2}}
	return orb.Builder{
		Logger:           slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Mcu:              orb.NewFakeMcu(),
		CalibrationStore: store,
		IREyeProducer:    &pacedProducer{frame: irFrame, interval: 5 * time.Millisecond},
		IRFaceProducer:   &pacedProducer{frame: irFrame, interval: 20 * time.Millisecond},
		RGBProducer:      &pacedProducer{frame: rgbFrame, interval: 10 * time.Millisecond},
		IRNetEstimator:   &sharpAfterIRNet{warmup: 200 * time.Millisecond, score: 1.0},
		RGBNetEstimator:  faceRGBNet{},
		IrisEstimator:    iris,
		FaceEstimator:    validFace{},
	}
}

// TestCapture_SuccessWithWarmupBurst is the capture success scenario: a
// stream of below-threshold estimates, then a sharp left capture, a sharp
// right capture, and a face self-custody candidate. Both objectives
// complete in order, progress reaches at least 0.8, and the continuous
// calibration store runs.
func TestCapture_SuccessWithWarmupBurst(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dir := t.TempDir()
	store := calibration.NewStore(dir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ui := &orb.RecordingEngine{}

	b := captureBuilder(promptIris{}, store)
	b.UI = ui
	o, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer o.Shutdown()
	o.Tuning.CaptureTimeoutSecs = 20

	capture := NewCapture(StandardObjectives(), 20*time.Second)
	if err := capture.Start(ctx, o); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err = o.Run(ctx, capture)
	capture.Stop(ctx, o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !capture.Success() {
		t.Fatalf("capture failed: timedOut=%v remaining=%d", capture.TimedOut(), capture.ObjectivesRemaining())
	}
	if capture.ObjectivesRemaining() != 0 {
		t.Errorf("objectives remaining = %d", capture.ObjectivesRemaining())
	}
	result := capture.Result()
	if result.Left.IREstimate.PerceivedSide != orbcore.EyeLeft {
		t.Errorf("left slot holds %v", result.Left.IREstimate.PerceivedSide)
	}
	if result.Right.IREstimate.PerceivedSide != orbcore.EyeRight {
		t.Errorf("right slot holds %v", result.Right.IREstimate.PerceivedSide)
	}
	if len(result.SelfCustodyFrame.Pixels) == 0 {
		t.Error("no self-custody candidate")
	}

	var maxProgress float64
	for _, event := range ui.Events {
		if event.Kind == orb.EventCaptureProgress && event.Progress > maxProgress {
			maxProgress = event.Progress
		}
	}
	if maxProgress < 0.8 {
		t.Errorf("max progress = %v, want >= 0.8", maxProgress)
	}
	if !ui.Has(orb.EventCaptureAllObjectives) {
		t.Error("all-objectives event missing")
	}
	if ui.Count(orb.EventCaptureAllObjectives) != 1 {
		t.Error("all-objectives event must fire idempotently")
	}
	if !ui.Has(orb.EventCaptureSuccess) {
		t.Error("capture success event missing")
	}

	// The continuous-calibration store ran: the calibration file exists.
	if _, err := os.Stat(store.Path); err != nil {
		t.Errorf("calibration not stored: %v", err)
	}
}

// TestPipeline_WatchdogTimeout is the pipeline watchdog scenario: the iris
// agent never responds, so after the global timeout the pipeline returns
// Timeout.
func TestPipeline_WatchdogTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b := captureBuilder(blockingIris{}, nil)
	o, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer o.Shutdown()

	pipeline := NewPipeline(CaptureOutput{}, 300*time.Millisecond)
	if err := pipeline.Start(ctx, o); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err = o.Run(ctx, pipeline)
	pipeline.Stop(o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pipeline.Kind() != PipelineTimeout {
		t.Fatalf("kind = %v, want timeout", pipeline.Kind())
	}
	var timeout *orbcore.ErrPipelineTimeout
	if !asPipelineTimeout(pipeline.Err(), &timeout) {
		t.Errorf("Err() = %v, want ErrPipelineTimeout", pipeline.Err())
	}
}

func asPipelineTimeout(err error, target **orbcore.ErrPipelineTimeout) bool {
	e, ok := err.(*orbcore.ErrPipelineTimeout)
	if ok {
		*target = e
	}
	return ok
}

func TestPipeline_Success(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b := captureBuilder(promptIris{}, nil)
	o, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer o.Shutdown()

	capture := CaptureOutput{
		Left:  EyeCapture{IRFrame: orb.Frame{Pixels: []byte{1}}},
		Right: EyeCapture{IRFrame: orb.Frame{Pixels: []byte{2}}},
	}
	pipeline := NewPipeline(capture, 5*time.Second)
	if err := pipeline.Start(ctx, o); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err = o.Run(ctx, pipeline)
	pipeline.Stop(o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pipeline.Kind() != PipelineSuccess {
		t.Fatalf("kind = %v, want success", pipeline.Kind())
	}
	out := pipeline.Output()
	if out.LeftIris.Eye != orbcore.EyeLeft || out.RightIris.Eye != orbcore.EyeRight {
		t.Errorf("iris records = %+v / %+v", out.LeftIris, out.RightIris)
	}
	if out.IrisVersion != "iris-1" || out.IRNetVersion != "ir-net-1" {
		t.Errorf("versions = %q / %q", out.IrisVersion, out.IRNetVersion)
	}
	if out.IrisConfig["model"] != "iris-1" || out.FaceConfig["model"] != "face-1" {
		t.Errorf("configs = %v / %v", out.IrisConfig, out.FaceConfig)
	}
	if string(out.Face.Thumbnail) != "thumb" {
		t.Errorf("face bundle = %+v", out.Face)
	}
}
