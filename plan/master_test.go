package plan

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/nacl/box"

	"orbcore"
	"orbcore/internal/pcp"
	"orbcore/network"
	"orbcore/orb"
)

type fakeBackend struct {
	mu           sync.Mutex
	debugReports int
	tierUploads  []int
	signupState  network.PollState
}

func (b *fakeBackend) ValidateOperator(context.Context, string) error { return nil }
func (b *fakeBackend) ValidateUser(context.Context, string, string) error { return nil }
func (b *fakeBackend) CheckOrbVersion(context.Context, string) (bool, error) { return false, nil }
func (b *fakeBackend) Signup(context.Context, network.SignupRequest) (bool, error) {
	return true, nil
}
func (b *fakeBackend) PollSignup(context.Context, string) (network.PollState, error) {
	return b.signupState, nil
}
func (b *fakeBackend) UploadPersonalCustodyPackage(_ context.Context, _ string, tier int, _ []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tierUploads = append(b.tierUploads, tier)
	return nil
}
func (b *fakeBackend) UploadDebugReport(context.Context, string, []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.debugReports++
	return nil
}

func (b *fakeBackend) debugReportCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.debugReports
}

type recordingNotifier struct {
	mu       sync.Mutex
	started  int
	finished []bool
}

func (n *recordingNotifier) SignupStarted() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started++
}

func (n *recordingNotifier) SignupFinished(success bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, success)
}

type fakeCommitter struct{}

func (fakeCommitter) Commit(data []byte) ([]byte, []byte, error) {
	return []byte("commitment"), []byte("blinding"), nil
}

type fakeSigner struct{}

func (fakeSigner) Sign(digest []byte) ([]byte, error) { return append([]byte("sig"), digest...), nil }

const (
	testOperatorQR = "userid:66ad4897-0ca7-4727-8365-ca808348e3cd:1"
	testUserQR     = "userid:cf37084e-5087-484c-b5a3-3ca3c34016d1:1"
)

// pressButton publishes a short press/release pair once the idle plan is
// listening.
func pressButton(mcu *orb.FakeMcu) {
	time.Sleep(200 * time.Millisecond)
	mcu.Broadcasts().Publish(orb.McuBroadcast{Kind: orb.McuButton, ButtonPressed: true})
	time.Sleep(50 * time.Millisecond)
	mcu.Broadcasts().Publish(orb.McuBroadcast{Kind: orb.McuButton, ButtonPressed: false})
}

func testMaster(backend *fakeBackend) *Master {
	return &Master{
		Backend:           backend,
		Builder:           &pcp.Builder{Signer: fakeSigner{}, Committer: fakeCommitter{}},
		Versions:          orbcore.VersionSet{SoftwareVersion: "1.0.0"},
		DefaultOperatorQR: testOperatorQR,
		DefaultUserQR:     testUserQR,
	}
}

// TestMaster_PipelineTimeoutFailsSignup is the watchdog scenario at the
// sequencer level: the iris agent never responds, the pipeline times out,
// the master converts it into fail(pipeline), and the debug report uploads
// exactly once.
func TestMaster_PipelineTimeoutFailsSignup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	mcu := orb.NewFakeMcu()
	ui := &orb.RecordingEngine{}
	notifier := &recordingNotifier{}
	b := captureBuilder(blockingIris{}, nil)
	b.Mcu = mcu
	b.UI = ui
	b.Notifier = notifier
	o, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer o.Shutdown()
	o.Tuning.CaptureTimeoutSecs = 30
	o.Tuning.PipelineTimeoutSecs = 1

	backend := &fakeBackend{signupState: network.PollCompletedSuccess}
	master := testMaster(backend)

	go pressButton(mcu)
	result, err := master.RunOnce(ctx, o)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result == nil {
		t.Fatal("expected a signup result")
	}
	if result.Success {
		t.Error("signup must fail on pipeline timeout")
	}
	if result.FailureCode != FailPipeline {
		t.Errorf("failure code = %q, want %q", result.FailureCode, FailPipeline)
	}
	if got := backend.debugReportCount(); got != 1 {
		t.Errorf("debug report uploaded %d times, want exactly 1", got)
	}
	if notifier.started != 1 || len(notifier.finished) != 1 || notifier.finished[0] {
		t.Errorf("notifier = started %d, finished %v", notifier.started, notifier.finished)
	}
	failed := false
	for _, event := range ui.Events {
		if event.Kind == orb.EventSignupFailure && event.Reason == FailPipeline {
			failed = true
		}
	}
	if !failed {
		t.Error("no signup_failure(pipeline) UX event")
	}
	if master.SignupInProgress() {
		t.Error("signup-in-progress flag not cleared")
	}
}

// TestMaster_SuccessfulSignup drives the full happy path: button press,
// default QR codes, capture, pipeline, custody package, tier-0 upload, and
// enrollment.
func TestMaster_SuccessfulSignup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	mcu := orb.NewFakeMcu()
	notifier := &recordingNotifier{}
	b := captureBuilder(promptIris{}, nil)
	b.Mcu = mcu
	b.Notifier = notifier
	o, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer o.Shutdown()
	o.Tuning.CaptureTimeoutSecs = 30
	o.Tuning.PipelineTimeoutSecs = 10

	backend := &fakeBackend{signupState: network.PollCompletedSuccess}
	master := testMaster(backend)
	pub, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	master.Keys = pcp.Keys{
		Iris:           pcp.PublicKey(*pub),
		NormalizedIris: pcp.PublicKey(*pub),
		Face:           pcp.PublicKey(*pub),
		SelfCustody:    pcp.PublicKey(*pub),
	}

	go pressButton(mcu)
	result, err := master.RunOnce(ctx, o)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result == nil || !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.Reason != orbcore.SignupNormal {
		t.Errorf("reason = %v, want normal (fraud hook is a no-op)", result.Reason)
	}
	if got := backend.debugReportCount(); got != 1 {
		t.Errorf("debug report uploaded %d times, want exactly 1", got)
	}

	backend.mu.Lock()
	tier0Uploaded := false
	for _, tier := range backend.tierUploads {
		if tier == 0 {
			tier0Uploaded = true
		}
	}
	backend.mu.Unlock()
	if !tier0Uploaded {
		t.Error("tier-0 package never uploaded")
	}
}
