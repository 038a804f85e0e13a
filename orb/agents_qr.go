package orb

import (
	"context"

	"orbcore"
	"orbcore/internal/agentproc"
	"orbcore/internal/shmem"
)

// QRAgentName selects the QR-code agent for subprocess dispatch.
const QRAgentName = "qr-code"

// qrLayout sizes the QR agent's shared-memory transport. Slots must hold a
// full RGB frame.
var qrLayout = agentproc.Layout{InitSize: 256, SlotSize: 4 << 20, SlotCount: 4}

// QRDecoder decodes a QR payload out of an RGB frame. The codec library
// behind it is the reason this agent runs in a subprocess: a crash in the
// decoder must not take the broker down (spec §4.12).
type QRDecoder func(frame Frame) (string, bool)

// QRInput feeds the QR-code agent.
type QRInput struct {
	Kind QRInputKind

	Frame Frame
	// AmbientLux is the microcontroller's ambient-light reading, forwarded
	// as an exposure hint.
	AmbientLux float64
}

// QRInputKind discriminates QRInput.
type QRInputKind int

const (
	QRFrame QRInputKind = iota
	QRExposureHint
)

// QRCode is the QR-code reading agent.
type QRCode struct {
	Decode QRDecoder

	ambientLux float64
}

func (a *QRCode) Name() string { return QRAgentName }

func (a *QRCode) Run(ctx context.Context, port *orbcore.InnerPort[QRInput, string]) {
	for {
		in, ok := port.Next(ctx)
		if !ok {
			return
		}
		switch in.Value.Kind {
		case QRExposureHint:
			a.ambientLux = in.Value.AmbientLux
		case QRFrame:
			if a.Decode == nil {
				continue
			}
			payload, ok := a.Decode(in.Value.Frame)
			if !ok {
				continue
			}
			if err := port.Send(orbcore.Chain(in, payload)); err != nil {
				return
			}
		}
	}
}

var registeredDecoder QRDecoder

// SetQRDecoder installs the QR codec used by the subprocess entry. Must be
// called before agentproc.Main() so the child image resolves the same
// decoder as the parent.
func SetQRDecoder(d QRDecoder) { registeredDecoder = d }

func init() {
	agentproc.Register(QRAgentName, qrLayout,
		func(ctx context.Context, _ []byte, inputs, outputs *shmem.Ring) error {
			agent := &QRCode{Decode: registeredDecoder}
			if agent.Decode == nil {
				agent.Decode = func(Frame) (string, bool) { return "", false }
			}
			return agentproc.ServePortAgent(ctx, agent,
				agentproc.JSONCodec[orbcore.Input[QRInput]]{},
				agentproc.JSONCodec[orbcore.Output[string]]{},
				inputs, outputs)
		})
}

// SpawnQRCode starts the QR-code agent in a subprocess with the default
// Retry exit strategy (spec §4.2 step 3).
func SpawnQRCode(ctx context.Context, opts agentproc.Options) (*orbcore.OuterPort[QRInput, string], orbcore.KillFuture, error) {
	return agentproc.Spawn(ctx, QRAgentName,
		agentproc.JSONCodec[orbcore.Input[QRInput]]{},
		agentproc.JSONCodec[orbcore.Output[string]]{},
		opts)
}
