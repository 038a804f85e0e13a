package plan

import (
	"context"
	"testing"
	"time"

	"orbcore/orb"
)

func qrOrb(t *testing.T, decode orb.QRDecoder) (*orb.Orb, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	b := captureBuilder(promptIris{}, nil)
	b.QRDecoder = decode
	o, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(o.Shutdown)
	return o, ctx
}

func TestQRScan_ValidOperatorPayload(t *testing.T) {
	o, ctx := qrOrb(t, func(orb.Frame) (string, bool) {
		return testOperatorQR, true
	})
	ui := &orb.RecordingEngine{}
	o.UI = ui

	scan := NewQRScan(QRSchemaOperator, 5*time.Second, time.Minute)
	if err := scan.Start(ctx, o); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer scan.Stop(o)
	if err := o.Run(ctx, scan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	result := scan.Result()
	if result.Kind != QRScanned {
		t.Fatalf("kind = %v, want scanned", result.Kind)
	}
	if result.Operator.User.UserID != "66ad4897-0ca7-4727-8365-ca808348e3cd" {
		t.Errorf("operator = %+v", result.Operator)
	}
	if !ui.Has(orb.EventQRScanCompleted) {
		t.Error("qr_scan_completed event missing")
	}
}

func TestQRScan_InvalidPayloadBreaksAsInvalid(t *testing.T) {
	o, ctx := qrOrb(t, func(orb.Frame) (string, bool) {
		return "definitely-not-a-valid-qr-payload", true
	})
	scan := NewQRScan(QRSchemaUser, 5*time.Second, time.Minute)
	if err := scan.Start(ctx, o); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer scan.Stop(o)
	if err := o.Run(ctx, scan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if scan.Result().Kind != QRInvalid {
		t.Errorf("kind = %v, want invalid", scan.Result().Kind)
	}
}

func TestQRScan_ShortPayloadIgnored(t *testing.T) {
	o, ctx := qrOrb(t, func(orb.Frame) (string, bool) {
		// Below the false-positive threshold; the scan must time out
		// instead of reporting Invalid.
		return "short", true
	})
	scan := NewQRScan(QRSchemaUser, 500*time.Millisecond, time.Minute)
	if err := scan.Start(ctx, o); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer scan.Stop(o)
	if err := o.Run(ctx, scan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if scan.Result().Kind != QRTimeout {
		t.Errorf("kind = %v, want timeout", scan.Result().Kind)
	}
}

func TestQRScan_WifiSchema(t *testing.T) {
	o, ctx := qrOrb(t, func(orb.Frame) (string, bool) {
		return "WIFI:T:WPA;S:mynetwork;P:mypass;;", true
	})
	scan := NewQRScan(QRSchemaWifi, 5*time.Second, time.Minute)
	if err := scan.Start(ctx, o); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer scan.Stop(o)
	if err := o.Run(ctx, scan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	result := scan.Result()
	if result.Kind != QRScanned {
		t.Fatalf("kind = %v, want scanned", result.Kind)
	}
	if result.Wifi.SSID != "mynetwork" {
		t.Errorf("wifi = %+v", result.Wifi)
	}
}
