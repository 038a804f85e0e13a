package plan

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"orbcore"
	"orbcore/internal/calibration"
	"orbcore/internal/pcp"
	"orbcore/internal/qr"
	"orbcore/network"
	"orbcore/orb"
)

// Phase failure codes surfaced on the debug report and UX (spec §4.10).
const (
	FailSoftwareVersionBlocked = "software-version-blocked"
	FailFaceNotFound           = "face-not-found"
	FailCaptureTimeout         = "capture-timeout"
	FailPipeline               = "pipeline"
	FailUploadCustodyImages    = "upload-custody-images"
	FailEnrollment             = "enrollment"
)

// hardwareResetTimeout bounds the between-phase hardware reset.
const hardwareResetTimeout = 10 * time.Second

// Backend is the subset of the remote API the master plan drives.
// network.Backend implements it.
type Backend interface {
	ValidateOperator(ctx context.Context, operatorID string) error
	ValidateUser(ctx context.Context, userID, dataPolicy string) error
	CheckOrbVersion(ctx context.Context, version string) (blocked bool, err error)
	Signup(ctx context.Context, req network.SignupRequest) (accepted bool, err error)
	PollSignup(ctx context.Context, signupID string) (network.PollState, error)
	UploadPersonalCustodyPackage(ctx context.Context, signupID string, tier int, data []byte, checksum string) error
	UploadDebugReport(ctx context.Context, signupID string, report []byte) error
}

// PackageBuilder builds the personal custody package; pcp.Builder
// implements it.
type PackageBuilder interface {
	Build(in pcp.Input, keys pcp.Keys) (pcp.Package, error)
}

// FraudCheck inspects a pipeline result for fraud signals. The hook is a
// permanent no-op in this build; it exists so the signup reason can still
// be derived through it (spec §4.10 "Fraud never occurs").
type FraudCheck func(PipelineOutput) bool

// NoFraudCheck is the pluggable no-op hook.
func NoFraudCheck(PipelineOutput) bool { return false }

// DebugReport is the per-signup diagnostic record. Its full serialization
// is external; this layer ships the JSON skeleton.
type DebugReport struct {
	SignupID   string               `json:"signup_id"`
	Reason     string               `json:"signup_reason"`
	Status     string               `json:"signup_status"`
	FailureAt  string               `json:"failure_at,omitempty"`
	Versions   orbcore.VersionSet   `json:"versions"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

// SignupResult is one finished signup attempt.
type SignupResult struct {
	Success     bool
	FailureCode string
	Reason      orbcore.SignupReason
}

// Master is the phase sequencer over the whole signup flow (spec §4.10).
type Master struct {
	Backend  Backend
	Builder  PackageBuilder
	Keys     pcp.Keys
	Fraud    FraudCheck
	Versions orbcore.VersionSet

	// DefaultOperatorQR / DefaultUserQR skip the respective scan phases,
	// matching the -o/-u CLI flags.
	DefaultOperatorQR string
	DefaultUserQR     string

	// UserScanMode waits for a user QR instead of a button press, with
	// IdleTimeout sending the device back to idle.
	UserScanMode bool
	IdleTimeout  time.Duration

	// DuplicateQRDelay is the suppression window after a user QR matching
	// the operator id. Empirically tuned in the field; parameterised here.
	DuplicateQRDelay time.Duration

	WifiJoiner WifiJoiner

	signupInProgress atomic.Bool
}

// SignupInProgress reports the atomic "signup in progress" flag.
func (m *Master) SignupInProgress() bool { return m.signupInProgress.Load() }

func (m *Master) fraudCheck() FraudCheck {
	if m.Fraud == nil {
		return NoFraudCheck
	}
	return m.Fraud
}

func (m *Master) duplicateDelay(o *orb.Orb) time.Duration {
	if m.DuplicateQRDelay > 0 {
		return m.DuplicateQRDelay
	}
	return time.Duration(o.Tuning.QRDuplicateDelayMS) * time.Millisecond
}

// RunOnce drives one full trip through the master sequencer: idle wait,
// QR scans, then — if a signup starts — the capture/pipeline/custody/enroll
// phases. It returns nil when the device should go back to idle; every
// phase failure is converted into UX and a debug-report status rather than
// an error (spec §7 "no error propagates past the master plan
// boundary").
func (m *Master) RunOnce(ctx context.Context, o *orb.Orb) (*SignupResult, error) {
	trigger, userQR, err := m.waitForTrigger(ctx, o)
	if err != nil {
		return nil, err
	}
	if trigger == IdleTimedOut {
		return nil, nil
	}

	operator, proceed, err := m.scanOperator(ctx, o)
	if err != nil || !proceed {
		return nil, err
	}

	user := userQR
	if trigger != IdleUserQR || user == nil {
		scanned, ok, err := m.scanUser(ctx, o, operator)
		if err != nil || !ok {
			return nil, err
		}
		user = scanned
	}

	result := m.runSignup(ctx, o, operator, *user)
	return &result, nil
}

func (m *Master) waitForTrigger(ctx context.Context, o *orb.Orb) (IdleTrigger, *qr.User, error) {
	idle := &Idle{Mode: IdleWaitForButton, ResumeUploads: true}
	if m.UserScanMode {
		idle.Mode = IdlePassiveQRScan
		idle.Timeout = m.IdleTimeout
	}
	if err := idle.Start(ctx, o); err != nil {
		return IdleTimedOut, nil, err
	}
	defer idle.Stop(o)
	if err := o.Run(ctx, idle); err != nil {
		return IdleTimedOut, nil, err
	}
	if idle.Trigger() == IdleUserQR {
		user := idle.UserQR().User
		return IdleUserQR, &user, nil
	}
	return idle.Trigger(), nil, nil
}

// scanOperator loops until a valid operator QR is scanned, a magic action
// executes, or the scan times out. proceed=false sends the device back to
// idle.
func (m *Master) scanOperator(ctx context.Context, o *orb.Orb) (qr.Operator, bool, error) {
	if m.DefaultOperatorQR != "" {
		if operator, ok := qr.ParseOperator(m.DefaultOperatorQR); ok {
			return operator, true, nil
		}
	}
	for {
		scan := NewQRScan(QRSchemaOperator,
			time.Duration(o.Tuning.CaptureTimeoutSecs)*time.Second,
			time.Duration(o.Tuning.QRReminderSecs)*time.Second)
		if err := scan.Start(ctx, o); err != nil {
			return qr.Operator{}, false, err
		}
		err := o.Run(ctx, scan)
		scan.Stop(o)
		if err != nil {
			return qr.Operator{}, false, err
		}
		switch result := scan.Result(); result.Kind {
		case QRTimeout:
			return qr.Operator{}, false, nil
		case QRInvalid:
			continue
		case QRScanned:
			if result.Operator.Magic != qr.MagicNone {
				m.executeMagic(ctx, o, result.Operator.Magic)
				return qr.Operator{}, false, nil
			}
			if err := m.Backend.ValidateOperator(ctx, result.Operator.User.UserID); err != nil {
				o.Logger.Warn("operator validation failed", "err", err)
				continue
			}
			return result.Operator, true, nil
		}
	}
}

// executeMagic runs a device-wide magic action (spec §4.10 "magic
// action").
func (m *Master) executeMagic(ctx context.Context, o *orb.Orb, action qr.MagicAction) {
	switch action {
	case qr.MagicResetMirror:
		o.Logger.Info("magic action: reset mirror calibration")
		o.PIDOffsets = nil
		o.Calibration = calibration.Default()
		if o.CalibrationStore != nil {
			if err := o.CalibrationStore.Save(o.Calibration); err != nil {
				o.Logger.Error("mirror calibration reset failed", "err", err)
			}
		}
	case qr.MagicResetWifi:
		o.Logger.Info("magic action: reset wifi credentials")
		if m.WifiJoiner != nil {
			wifi := &Wifi{Joiner: m.WifiJoiner, Timeout: 2 * time.Minute}
			if _, err := wifi.Run(ctx, o); err != nil {
				o.Logger.Error("wifi reconfiguration failed", "err", err)
			}
		}
	}
}

// scanUser loops on the user QR scan, retrying after the duplicate
// suppression window when the user id collides with the operator id.
func (m *Master) scanUser(ctx context.Context, o *orb.Orb, operator qr.Operator) (*qr.User, bool, error) {
	if m.DefaultUserQR != "" {
		if user, ok := qr.ParseUser(m.DefaultUserQR); ok {
			return &user, true, nil
		}
	}
	for {
		scan := NewQRScan(QRSchemaUser,
			time.Duration(o.Tuning.CaptureTimeoutSecs)*time.Second,
			time.Duration(o.Tuning.QRReminderSecs)*time.Second)
		if err := scan.Start(ctx, o); err != nil {
			return nil, false, err
		}
		err := o.Run(ctx, scan)
		scan.Stop(o)
		if err != nil {
			return nil, false, err
		}
		switch result := scan.Result(); result.Kind {
		case QRTimeout:
			return nil, false, nil
		case QRInvalid:
			continue
		case QRScanned:
			user := result.User
			if user.UserID == operator.User.UserID {
				// The operator's own badge is still in front of the
				// camera; wait out the duplicate window and rescan.
				select {
				case <-ctx.Done():
					return nil, false, ctx.Err()
				case <-time.After(m.duplicateDelay(o)):
				}
				continue
			}
			if err := m.Backend.ValidateUser(ctx, user.UserID, user.DataPolicy.String()); err != nil {
				o.Logger.Warn("user validation failed", "err", err)
				continue
			}
			return &user, true, nil
		}
	}
}

// runSignup drives the signup phases after both QR codes are in hand.
func (m *Master) runSignup(ctx context.Context, o *orb.Orb, operator qr.Operator, user qr.User) SignupResult {
	signupID := orbcore.NewID()
	m.signupInProgress.Store(true)
	o.Notifier.SignupStarted()
	o.UI.Emit(orb.Event{Kind: orb.EventSignupStart})
	startedAt := time.Now()
	// The image-archival agent runs for the whole signup so every phase's
	// frames land in the debug-report history.
	if err := o.NotaryCell.Enable(); err != nil {
		o.Logger.Warn("image notary enable failed", "err", err)
	}

	result := m.runSignupPhases(ctx, o, signupID, operator, user)

	o.NotaryCell.Disable()
	m.resetHardware(o)
	m.uploadDebugReport(ctx, o, signupID, result, startedAt)
	o.Notifier.SignupFinished(result.Success)
	m.signupInProgress.Store(false)
	if result.Success {
		o.UI.Emit(orb.Event{Kind: orb.EventSignupSuccess})
	} else {
		o.UI.Emit(orb.Event{Kind: orb.EventSignupFailure, Reason: result.FailureCode})
	}
	return result
}

func (m *Master) runSignupPhases(ctx context.Context, o *orb.Orb, signupID string, operator qr.Operator, user qr.User) SignupResult {
	fail := func(code string) SignupResult {
		return SignupResult{FailureCode: code, Reason: orbcore.SignupFailure}
	}

	// check-orb-version
	blocked, err := m.Backend.CheckOrbVersion(ctx, m.Versions.SoftwareVersion)
	if err != nil {
		o.Logger.Warn("orb version check failed, proceeding", "err", err)
	} else if blocked {
		o.UI.Emit(orb.Event{Kind: orb.EventSoftwareVersionBlocked})
		return fail(FailSoftwareVersionBlocked)
	}

	// face-detect
	detect := &FaceDetect{Timeout: 30 * time.Second}
	if err := detect.Start(ctx, o); err != nil {
		return fail(FailFaceNotFound)
	}
	err = o.Run(ctx, detect)
	detect.Stop(o)
	if err != nil || !detect.Detected() {
		return fail(FailFaceNotFound)
	}
	m.resetHardware(o)

	// biometric-capture
	capture := NewCapture(StandardObjectives(), time.Duration(o.Tuning.CaptureTimeoutSecs)*time.Second)
	if err := capture.Start(ctx, o); err != nil {
		return fail(FailCaptureTimeout)
	}
	fence := time.Now()
	err = o.RunWithFence(ctx, fence, capture)
	capture.Stop(ctx, o)
	if err != nil || !capture.Success() {
		return fail(FailCaptureTimeout)
	}
	m.resetHardware(o)

	// biometric-pipeline
	pipeline := NewPipeline(capture.Result(), time.Duration(o.Tuning.PipelineTimeoutSecs)*time.Second)
	if err := pipeline.Start(ctx, o); err != nil {
		return fail(FailPipeline)
	}
	err = o.Run(ctx, pipeline)
	pipeline.Stop(o)
	if err != nil || pipeline.Kind() != PipelineSuccess {
		return fail(FailPipeline)
	}
	output := pipeline.Output()

	reason := orbcore.SignupNormal
	if m.fraudCheck()(output) {
		reason = orbcore.SignupFraud
	}

	// build-pcp (CPU-bound; always advances to the tier-0 upload)
	if m.Builder == nil {
		o.Logger.Error("no custody package builder wired")
		return fail(FailUploadCustodyImages)
	}
	captureOut := capture.Result()
	pkg, err := m.Builder.Build(packageInput(signupID, operator, user, m.Versions, captureOut, output), m.Keys)
	if err != nil {
		o.Logger.Error("custody package build failed", "err", err)
		return fail(FailUploadCustodyImages)
	}

	// upload-pcp-tier0; retries live in the backend client, exhaustion
	// fails the phase.
	if err := m.Backend.UploadPersonalCustodyPackage(ctx, signupID, 0, pkg.Tier0, pkg.Tier0SHA256); err != nil {
		return fail(FailUploadCustodyImages)
	}
	// enqueue-pcp-tier1 + enqueue-pcp-tier2: shipped in the background so
	// enrollment is not gated on them.
	go func() {
		group, uploadCtx := errgroup.WithContext(context.WithoutCancel(ctx))
		for _, tier := range []struct {
			n        int
			data     []byte
			checksum string
		}{{1, pkg.Tier1, pkg.Tier1SHA256}, {2, pkg.Tier2, pkg.Tier2SHA256}} {
			if len(tier.data) == 0 {
				continue
			}
			tier := tier
			group.Go(func() error {
				return m.Backend.UploadPersonalCustodyPackage(uploadCtx, signupID, tier.n, tier.data, tier.checksum)
			})
		}
		if err := group.Wait(); err != nil {
			o.Logger.Error("background tier upload failed", "err", err)
		}
	}()

	// enroll-user
	if !m.enroll(ctx, o, signupID, operator, user) {
		return SignupResult{FailureCode: FailEnrollment, Reason: reason}
	}
	return SignupResult{Success: true, Reason: reason}
}

// enroll calls the signup endpoint (client-side bounded retries) and polls
// the status endpoint to a terminal state (spec §4.10 "User enrollment").
func (m *Master) enroll(ctx context.Context, o *orb.Orb, signupID string, operator qr.Operator, user qr.User) bool {
	accepted, err := m.Backend.Signup(ctx, network.SignupRequest{
		SignupID:        signupID,
		OperatorID:      operator.User.UserID,
		UserID:          user.UserID,
		SoftwareVersion: m.Versions.SoftwareVersion,
	})
	if err != nil || !accepted {
		o.Logger.Error("signup submission failed", "err", err, "accepted", accepted)
		return false
	}
	state, err := m.Backend.PollSignup(ctx, signupID)
	if err != nil {
		o.Logger.Error("signup poll failed", "err", err)
		return false
	}
	switch state {
	case network.PollCompletedSuccess:
		return true
	case network.PollCompletedDuplicate:
		o.Logger.Warn("signup completed as duplicate", "signup_id", signupID)
		return false
	default:
		o.Logger.Error("signup poll ended unsuccessfully", "state", state.String())
		return false
	}
}

// resetHardware restores the between-phase baseline with a bounded
// timeout (spec §4.10).
func (m *Master) resetHardware(o *orb.Orb) {
	ctx, cancel := context.WithTimeout(context.Background(), hardwareResetTimeout)
	defer cancel()
	if err := o.ResetHardware(ctx); err != nil {
		o.Logger.Error("hardware reset failed", "err", err)
	}
}

// uploadDebugReport ships the diagnostic record exactly once per signup
// end.
func (m *Master) uploadDebugReport(ctx context.Context, o *orb.Orb, signupID string, result SignupResult, startedAt time.Time) {
	status := "success"
	if !result.Success {
		status = "failure"
	}
	report := DebugReport{
		SignupID:   signupID,
		Reason:     result.Reason.String(),
		Status:     status,
		FailureAt:  result.FailureCode,
		Versions:   m.Versions,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	payload, err := json.Marshal(report)
	if err != nil {
		o.Logger.Error("debug report serialization failed", "err", err)
		return
	}
	if err := m.Backend.UploadDebugReport(ctx, signupID, payload); err != nil {
		o.Logger.Error("debug report upload failed", "err", err)
	}
}

// packageInput maps the capture and pipeline outputs onto the package
// builder's input.
func packageInput(signupID string, operator qr.Operator, user qr.User, versions orbcore.VersionSet, capture CaptureOutput, output PipelineOutput) pcp.Input {
	extra := make(map[string][]byte)
	if len(capture.FaceIRFrame.Pixels) > 0 {
		extra["face_ir.bin"] = capture.FaceIRFrame.Pixels
	}
	if len(capture.ThermalFrame.Pixels) > 0 {
		extra["thermal.bin"] = capture.ThermalFrame.Pixels
	}
	country := ""
	return pcp.Input{
		Version:         pcp.Version3,
		SignupID:        signupID,
		OperatorID:      operator.User.UserID,
		QRCode:          user.UserID,
		SoftwareVersion: versions.SoftwareVersion,
		Country:         country,
		Timestamp:       capture.CapturedAt,
		Left: pcp.IrisData{
			Eye:            orbcore.EyeLeft,
			IRFrame:        capture.Left.IRFrame.Pixels,
			IrisCodeB64:    output.LeftIris.IrisCodeB64,
			MaskCodeB64:    output.LeftIris.MaskCodeB64,
			NormalizedIris: output.LeftIris.NormalizedIris,
			NormalizedMask: output.LeftIris.NormalizedMask,
		},
		Right: pcp.IrisData{
			Eye:            orbcore.EyeRight,
			IRFrame:        capture.Right.IRFrame.Pixels,
			IrisCodeB64:    output.RightIris.IrisCodeB64,
			MaskCodeB64:    output.RightIris.MaskCodeB64,
			NormalizedIris: output.RightIris.NormalizedIris,
			NormalizedMask: output.RightIris.NormalizedMask,
		},
		FaceFrame:      capture.SelfCustodyFrame.Pixels,
		FaceThumbnail:  output.Face.Thumbnail,
		FaceEmbeddings: flattenEmbeddings(output.Face.Embeddings),
		ExtraFrames:    extra,
	}
}

func flattenEmbeddings(embeddings [][]float32) []byte {
	payload, _ := json.Marshal(embeddings)
	return payload
}
