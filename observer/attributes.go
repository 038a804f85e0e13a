package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for orb observability spans and metrics.
var (
	AttrAgentName    = attribute.Key("agent.name")
	AttrAgentStatus  = attribute.Key("agent.status")
	AttrExitStrategy = attribute.Key("agent.exit_strategy")

	AttrSignupID     = attribute.Key("signup.id")
	AttrSignupPhase  = attribute.Key("signup.phase")
	AttrSignupReason = attribute.Key("signup.reason")
	AttrSignupResult = attribute.Key("signup.result")

	AttrEye        = attribute.Key("capture.eye")
	AttrWavelength = attribute.Key("capture.wavelength")

	AttrQRSchema = attribute.Key("qr.schema")
	AttrQRValid  = attribute.Key("qr.valid")

	AttrUploadTier   = attribute.Key("upload.tier")
	AttrUploadStatus = attribute.Key("upload.status")

	AttrCalibrationAxis = attribute.Key("calibration.axis")
)
