package orb

import (
	"context"

	"orbcore"
	"orbcore/internal/mirror"
)

// McuCommand is one typed command to the main microcontroller (spec §6
// "Microcontroller port"). Exactly one field group is meaningful per
// command, selected by Kind.
type McuCommand struct {
	Kind McuCommandKind

	Wavelength  orbcore.Wavelength // IRLedWavelength
	DurationUS  int                // IRLedDuration, µs
	FPS         float64            // FrameRate
	Mirror      mirror.McuCommand  // Mirror
	LensFocus   int32              // LiquidLens, clamped signed focus value
	LedPattern  string             // WhiteLed pattern name
	Brightness  float64            // WhiteLed brightness in [0, 1]
	Sensor      CameraKind         // CameraTrigger
	TriggerOn   bool               // CameraTrigger
	FanSpeed    float64            // Fan, fraction of the configured maximum
	Polynomial  [6]float32         // FocusSweep / MirrorSweep coefficients
	FrameCount  int                // FocusSweep / MirrorSweep
	ReportEvery int                // VoltageReportPeriod, ms
}

// McuCommandKind discriminates McuCommand.
type McuCommandKind int

const (
	McuIRLedWavelength McuCommandKind = iota
	McuIRLedDuration
	McuFrameRate
	McuMirror
	McuLiquidLens
	McuWhiteLed
	McuCameraTrigger
	McuFocusSweep
	McuMirrorSweep
	McuVoltageReportPeriod
	McuFan
)

// CameraKind names a triggerable sensor.
type CameraKind int

const (
	CameraIREye CameraKind = iota
	CameraIRFace
	CameraRGB
	CameraThermal
	CameraDepth
	CameraToF
)

// McuBroadcast is one message on the microcontroller's broadcast stream.
type McuBroadcast struct {
	Kind McuBroadcastKind

	ButtonPressed bool    // Button: true on press, false on release
	AmbientLux    float64 // AmbientLight
	NMEA          string  // GPS sentence
	Voltage       float64 // VoltageSample
}

// McuBroadcastKind discriminates McuBroadcast.
type McuBroadcastKind int

const (
	McuButton McuBroadcastKind = iota
	McuAmbientLight
	McuGPS
	McuVoltage
)

// Mcu is the main microcontroller port: a single MPSC on the send side
// (SendNow drops the oldest pending non-critical command) and a
// single-producer/multi-consumer broadcast on the receive side (spec §5
// "Resource discipline").
type Mcu interface {
	// Send delivers a command, blocking until the transmit queue accepts
	// it. Used for commands that must not be dropped (sweep polynomials,
	// trigger changes).
	Send(ctx context.Context, cmd McuCommand) error
	// SendNow delivers a non-critical command with drop-oldest semantics.
	SendNow(cmd McuCommand)
	// Broadcasts returns the broadcast fan-out; each subscriber sees only
	// the latest value.
	Broadcasts() *orbcore.Broadcaster[McuBroadcast]
}

// FakeMcu records commands for tests and exposes a broadcast publisher.
type FakeMcu struct {
	Sent       []McuCommand
	broadcasts *orbcore.Broadcaster[McuBroadcast]
}

// NewFakeMcu creates an empty FakeMcu.
func NewFakeMcu() *FakeMcu {
	return &FakeMcu{broadcasts: orbcore.NewBroadcaster[McuBroadcast]()}
}

func (m *FakeMcu) Send(_ context.Context, cmd McuCommand) error {
	m.Sent = append(m.Sent, cmd)
	return nil
}

func (m *FakeMcu) SendNow(cmd McuCommand) {
	m.Sent = append(m.Sent, cmd)
}

func (m *FakeMcu) Broadcasts() *orbcore.Broadcaster[McuBroadcast] { return m.broadcasts }

// LastOfKind returns the most recent sent command of the given kind.
func (m *FakeMcu) LastOfKind(kind McuCommandKind) (McuCommand, bool) {
	for i := len(m.Sent) - 1; i >= 0; i-- {
		if m.Sent[i].Kind == kind {
			return m.Sent[i], true
		}
	}
	return McuCommand{}, false
}
