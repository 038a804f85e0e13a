package orb

import (
	"context"

	"orbcore"
	"orbcore/internal/mirror"
)

// Plan is the strategy the orb broker drives: one handler per agent plus
// PollExtra (spec §4.6). Every method defaults to Continue; concrete plans
// embed NoopPlan and override what they need. Composition is an outer plan
// owning an inner plan and forwarding calls (spec §4.7 extensions).
//
// Plans are strictly synchronous dispatchers: no handler suspends; waits
// are expressed via PollExtra (spec §5 "Suspension points").
type Plan interface {
	HandleIREyeCamera(o *Orb, out orbcore.Output[Frame]) orbcore.Flow
	HandleIRFaceCamera(o *Orb, out orbcore.Output[Frame]) orbcore.Flow
	HandleRGBCamera(o *Orb, out orbcore.Output[Frame]) orbcore.Flow
	HandleThermalCamera(o *Orb, out orbcore.Output[Frame]) orbcore.Flow
	HandleDepthCamera(o *Orb, out orbcore.Output[Frame]) orbcore.Flow
	HandleIRNet(o *Orb, out orbcore.Output[IRNetOutput]) orbcore.Flow
	HandleRGBNet(o *Orb, out orbcore.Output[RGBNetOutput]) orbcore.Flow
	HandleIris(o *Orb, out orbcore.Output[IrisOutput]) orbcore.Flow
	HandleFaceIdentifier(o *Orb, out orbcore.Output[FaceIdentifierOutput]) orbcore.Flow
	HandleQRCode(o *Orb, out orbcore.Output[string]) orbcore.Flow
	HandleEyeTracker(o *Orb, out orbcore.Output[mirror.Point]) orbcore.Flow
	HandleEyePIDController(o *Orb, out orbcore.Output[mirror.Point]) orbcore.Flow
	HandleMirror(o *Orb, out orbcore.Output[MirrorOutput]) orbcore.Flow
	HandleAutoExposure(o *Orb, out orbcore.Output[int]) orbcore.Flow
	HandleAutoFocus(o *Orb, out orbcore.Output[int32]) orbcore.Flow
	HandleDistance(o *Orb, out orbcore.Output[DistanceStatus]) orbcore.Flow
	HandleNotary(o *Orb, out orbcore.Output[NotaryEvent]) orbcore.Flow
	HandleUploader(o *Orb, out orbcore.Output[UploadEvent]) orbcore.Flow
	HandleMcu(o *Orb, broadcast McuBroadcast) orbcore.Flow

	// PollExtra runs once per broker pass, after the agent polls. Plans
	// use it for timeouts and other non-agent wakeups.
	PollExtra(ctx context.Context, o *Orb) orbcore.Flow
}

// NoopPlan implements every Plan method as Continue. Embed it to implement
// only the handlers a plan cares about.
type NoopPlan struct{}

func (NoopPlan) HandleIREyeCamera(*Orb, orbcore.Output[Frame]) orbcore.Flow   { return orbcore.Continue }
func (NoopPlan) HandleIRFaceCamera(*Orb, orbcore.Output[Frame]) orbcore.Flow  { return orbcore.Continue }
func (NoopPlan) HandleRGBCamera(*Orb, orbcore.Output[Frame]) orbcore.Flow     { return orbcore.Continue }
func (NoopPlan) HandleThermalCamera(*Orb, orbcore.Output[Frame]) orbcore.Flow { return orbcore.Continue }
func (NoopPlan) HandleDepthCamera(*Orb, orbcore.Output[Frame]) orbcore.Flow   { return orbcore.Continue }
func (NoopPlan) HandleIRNet(*Orb, orbcore.Output[IRNetOutput]) orbcore.Flow   { return orbcore.Continue }
func (NoopPlan) HandleRGBNet(*Orb, orbcore.Output[RGBNetOutput]) orbcore.Flow { return orbcore.Continue }
func (NoopPlan) HandleIris(*Orb, orbcore.Output[IrisOutput]) orbcore.Flow     { return orbcore.Continue }
func (NoopPlan) HandleFaceIdentifier(*Orb, orbcore.Output[FaceIdentifierOutput]) orbcore.Flow {
	return orbcore.Continue
}
func (NoopPlan) HandleQRCode(*Orb, orbcore.Output[string]) orbcore.Flow { return orbcore.Continue }
func (NoopPlan) HandleEyeTracker(*Orb, orbcore.Output[mirror.Point]) orbcore.Flow {
	return orbcore.Continue
}
func (NoopPlan) HandleEyePIDController(*Orb, orbcore.Output[mirror.Point]) orbcore.Flow {
	return orbcore.Continue
}
func (NoopPlan) HandleMirror(*Orb, orbcore.Output[MirrorOutput]) orbcore.Flow { return orbcore.Continue }
func (NoopPlan) HandleAutoExposure(*Orb, orbcore.Output[int]) orbcore.Flow    { return orbcore.Continue }
func (NoopPlan) HandleAutoFocus(*Orb, orbcore.Output[int32]) orbcore.Flow     { return orbcore.Continue }
func (NoopPlan) HandleDistance(*Orb, orbcore.Output[DistanceStatus]) orbcore.Flow {
	return orbcore.Continue
}
func (NoopPlan) HandleNotary(*Orb, orbcore.Output[NotaryEvent]) orbcore.Flow { return orbcore.Continue }
func (NoopPlan) HandleUploader(*Orb, orbcore.Output[UploadEvent]) orbcore.Flow {
	return orbcore.Continue
}
func (NoopPlan) HandleMcu(*Orb, McuBroadcast) orbcore.Flow { return orbcore.Continue }

func (NoopPlan) PollExtra(context.Context, *Orb) orbcore.Flow { return orbcore.Continue }
