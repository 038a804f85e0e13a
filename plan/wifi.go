package plan

import (
	"context"
	"time"

	"orbcore/internal/mecard"
	"orbcore/orb"
)

// WifiJoiner applies decoded WiFi credentials to the host network stack;
// the concrete supplicant integration is external.
type WifiJoiner interface {
	Join(ctx context.Context, creds mecard.Credentials) error
}

// Wifi scans for a WiFi MECARD QR code and hands the credentials to the
// joiner. Used by the reset_wifi_credentials magic action.
type Wifi struct {
	Joiner  WifiJoiner
	Timeout time.Duration
}

// Run scans and joins, returning false on scan timeout or an invalid
// payload.
func (p *Wifi) Run(ctx context.Context, o *orb.Orb) (bool, error) {
	scan := NewQRScan(QRSchemaWifi, p.Timeout, 30*time.Second)
	if err := scan.Start(ctx, o); err != nil {
		return false, err
	}
	defer scan.Stop(o)
	if err := o.Run(ctx, scan); err != nil {
		return false, err
	}
	result := scan.Result()
	if result.Kind != QRScanned {
		return false, nil
	}
	if err := p.Joiner.Join(ctx, result.Wifi); err != nil {
		return false, err
	}
	return true, nil
}
