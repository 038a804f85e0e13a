package plan

import (
	"context"
	"time"

	"orbcore"
	"orbcore/orb"
)

// longPressDuration separates a short button press from a long one; only
// releases within this window trigger a signup.
const longPressDuration = 2 * time.Second

// IdleMode selects how the idle plan waits for a signup trigger.
type IdleMode int

const (
	// IdleWaitForButton subscribes to the microcontroller broadcast and
	// breaks on a short button press.
	IdleWaitForButton IdleMode = iota
	// IdlePassiveQRScan runs a user QR scan in parallel; a decoded user
	// code is the trigger.
	IdlePassiveQRScan
)

// IdleTrigger is how the idle wait ended.
type IdleTrigger int

const (
	IdleButtonPressed IdleTrigger = iota
	IdleUserQR
	IdleTimedOut
)

// Idle waits for a signup trigger, optionally draining the background
// upload queue while waiting (spec §4.11).
type Idle struct {
	orb.NoopPlan

	Mode    IdleMode
	Timeout time.Duration
	// ResumeUploads enables the background image-uploader agent for the
	// duration of the wait.
	ResumeUploads bool

	qrScan    *QRScan
	deadline  time.Time
	pressedAt time.Time
	trigger   IdleTrigger
	userQR    QRResult
}

// Start configures the idle wait.
func (p *Idle) Start(ctx context.Context, o *orb.Orb) error {
	o.UI.Emit(orb.Event{Kind: orb.EventIdle})
	if p.Timeout > 0 {
		p.deadline = time.Now().Add(p.Timeout)
	}
	if p.ResumeUploads && !o.UploaderCell.Enabled() {
		if err := o.UploaderCell.Enable(); err != nil {
			return err
		}
		if port, ok := o.UploaderCell.Port(); ok {
			if err := port.Send(ctx, orb.UploaderInput{Kind: orb.UploaderResume}); err != nil {
				return err
			}
		}
	}
	if p.Mode == IdlePassiveQRScan {
		p.qrScan = NewQRScan(QRSchemaUser, 0, 0)
		return p.qrScan.Start(ctx, o)
	}
	return nil
}

// Stop releases the idle resources.
func (p *Idle) Stop(o *orb.Orb) {
	if p.qrScan != nil {
		p.qrScan.Stop(o)
	}
	o.UploaderCell.Disable()
}

// Trigger reports how the wait ended.
func (p *Idle) Trigger() IdleTrigger { return p.trigger }

// UserQR returns the decoded user QR when Trigger() == IdleUserQR.
func (p *Idle) UserQR() QRResult { return p.userQR }

func (p *Idle) HandleMcu(o *orb.Orb, broadcast orb.McuBroadcast) orbcore.Flow {
	if broadcast.Kind != orb.McuButton {
		return orbcore.Continue
	}
	if broadcast.ButtonPressed {
		p.pressedAt = time.Now()
		return orbcore.Continue
	}
	// Release: a short press triggers, a long press is reserved for the
	// supervisor's shutdown gesture.
	if !p.pressedAt.IsZero() && time.Since(p.pressedAt) < longPressDuration {
		p.trigger = IdleButtonPressed
		return orbcore.Break
	}
	p.pressedAt = time.Time{}
	return orbcore.Continue
}

func (p *Idle) HandleQRCode(o *orb.Orb, out orbcore.Output[string]) orbcore.Flow {
	if p.qrScan == nil {
		return orbcore.Continue
	}
	if flow := p.qrScan.HandleQRCode(o, out); flow == orbcore.Break {
		result := p.qrScan.Result()
		if result.Kind == QRScanned {
			p.trigger = IdleUserQR
			p.userQR = result
			return orbcore.Break
		}
		// Invalid payloads do not end the wait.
	}
	return orbcore.Continue
}

func (p *Idle) PollExtra(ctx context.Context, o *orb.Orb) orbcore.Flow {
	if !p.deadline.IsZero() && time.Now().After(p.deadline) {
		p.trigger = IdleTimedOut
		return orbcore.Break
	}
	return orbcore.Continue
}
