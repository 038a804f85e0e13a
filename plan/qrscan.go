package plan

import (
	"context"
	"time"

	"orbcore"
	"orbcore/internal/mecard"
	"orbcore/internal/qr"
	"orbcore/orb"
)

// QRSchema selects which QR payloads a scan accepts.
type QRSchema int

const (
	QRSchemaOperator QRSchema = iota
	QRSchemaUser
	QRSchemaWifi
)

func (s QRSchema) String() string {
	switch s {
	case QRSchemaUser:
		return "user"
	case QRSchemaWifi:
		return "wifi"
	default:
		return "operator"
	}
}

// QRResultKind classifies how a QR scan ended.
type QRResultKind int

const (
	QRScanned QRResultKind = iota
	QRInvalid
	QRTimeout
)

// QRResult is a finished QR scan.
type QRResult struct {
	Kind QRResultKind

	Operator qr.Operator
	User     qr.User
	Wifi     mecard.Credentials
	// Payload is the raw decoded string, recorded for the debug report.
	Payload string
}

// QRScan polls the QR-code agent for decoded payloads, forwards ambient
// light as an exposure hint (wired by the orb broker), reminds the user
// every reminder interval, and terminates on a decode or timeout (spec
// §4.12).
type QRScan struct {
	orb.NoopPlan

	Schema   QRSchema
	Timeout  time.Duration
	Reminder time.Duration

	deadline     time.Time
	nextReminder time.Time
	result       QRResult
	done         bool
}

// NewQRScan creates a scan for the given schema. A zero timeout or reminder
// interval disables that timer.
func NewQRScan(schema QRSchema, timeout, reminder time.Duration) *QRScan {
	return &QRScan{Schema: schema, Timeout: timeout, Reminder: reminder}
}

// Start enables the QR agent and RGB camera and arms the timers.
func (p *QRScan) Start(ctx context.Context, o *orb.Orb) error {
	if !o.QRCodeCell.Enabled() {
		if err := o.QRCodeCell.Enable(); err != nil {
			return err
		}
	}
	if !o.RGBCamera.Enabled() {
		if err := o.RGBCamera.Enable(); err != nil {
			return err
		}
		if port, ok := o.RGBCamera.Port(); ok {
			if err := port.Send(ctx, orb.CameraCommand{Kind: orb.CameraStart}); err != nil {
				return err
			}
		}
	}
	now := time.Now()
	if p.Timeout > 0 {
		p.deadline = now.Add(p.Timeout)
	}
	if p.Reminder > 0 {
		p.nextReminder = now.Add(p.Reminder)
	}
	o.UI.Emit(orb.Event{Kind: orb.EventQRScanStart, Schema: p.Schema.String()})
	return nil
}

// Stop disables the QR agent.
func (p *QRScan) Stop(o *orb.Orb) {
	o.QRCodeCell.Disable()
}

// Result returns the scan outcome after the broker run breaks.
func (p *QRScan) Result() QRResult { return p.result }

func (p *QRScan) HandleQRCode(o *orb.Orb, out orbcore.Output[string]) orbcore.Flow {
	payload := out.Value
	// Short payloads are likely detector false positives.
	if len(payload) < qr.MinPayloadLen {
		return orbcore.Continue
	}
	p.result = QRResult{Payload: payload}
	switch p.Schema {
	case QRSchemaOperator:
		if operator, ok := qr.ParseOperator(payload); ok {
			p.result.Kind = QRScanned
			p.result.Operator = operator
		} else {
			p.result.Kind = QRInvalid
		}
	case QRSchemaUser:
		if user, ok := qr.ParseUser(payload); ok {
			p.result.Kind = QRScanned
			p.result.User = user
		} else {
			p.result.Kind = QRInvalid
		}
	case QRSchemaWifi:
		if creds, err := mecard.Parse(payload); err == nil {
			p.result.Kind = QRScanned
			p.result.Wifi = creds
		} else {
			p.result.Kind = QRInvalid
		}
	}
	if p.result.Kind == QRInvalid {
		o.UI.Emit(orb.Event{Kind: orb.EventQRScanInvalid, Schema: p.Schema.String()})
	} else {
		o.UI.Emit(orb.Event{Kind: orb.EventQRScanCompleted, Schema: p.Schema.String()})
	}
	p.done = true
	return orbcore.Break
}

func (p *QRScan) PollExtra(_ context.Context, o *orb.Orb) orbcore.Flow {
	now := time.Now()
	if !p.deadline.IsZero() && now.After(p.deadline) {
		p.result = QRResult{Kind: QRTimeout}
		p.done = true
		return orbcore.Break
	}
	if !p.nextReminder.IsZero() && now.After(p.nextReminder) {
		p.nextReminder = now.Add(p.Reminder)
		o.UI.Emit(orb.Event{Kind: orb.EventQRScanReminder, Schema: p.Schema.String()})
	}
	return orbcore.Continue
}
