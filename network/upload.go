package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"orbcore"
	"orbcore/internal/config"
)

// orbVersionResponse is the orb-OS version check reply.
type orbVersionResponse struct {
	Blocked bool `json:"blocked"`
}

// CheckOrbVersion asks the backend whether this orb-OS version is blocked
// from signups (spec §4.10 "check-orb-version").
func (b *Backend) CheckOrbVersion(ctx context.Context, version string) (blocked bool, err error) {
	var resp orbVersionResponse
	if err := b.client.JSON(ctx, "GET", "/api/v2/orbs/os-status?version="+version, nil, &resp); err != nil {
		return false, err
	}
	return resp.Blocked, nil
}

// FetchConfig downloads the full runtime config (spec §6 "config fetch").
// Implements config.Fetcher.
func (b *Backend) FetchConfig(ctx context.Context) (config.Config, error) {
	var cfg config.Config
	if err := b.client.JSON(ctx, "GET", "/api/v2/config", nil, &cfg); err != nil {
		return config.Config{}, err
	}
	return cfg.Normalize(), nil
}

// presignedURLResponse carries the upload target for one artefact.
type presignedURLResponse struct {
	URL string `json:"url"`
}

// PresignedURL requests an upload URL for the given upload type and key.
func (b *Backend) PresignedURL(ctx context.Context, uploadType, key string) (string, error) {
	var resp presignedURLResponse
	path := fmt.Sprintf("/api/v2/uploads/presigned?type=%s&key=%s", uploadType, key)
	if err := b.client.JSON(ctx, "POST", path, nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// UploadPersonalCustodyPackage ships one sealed PCP tier to its presigned
// URL, tagging the request with the package checksum. 4xx is fatal for the
// phase; 5xx retries inside the client (spec §7).
func (b *Backend) UploadPersonalCustodyPackage(ctx context.Context, signupID string, tier int, data []byte, checksum string) error {
	uploadType := fmt.Sprintf("personal-custody-package-tier%d", tier)
	url, err := b.PresignedURL(ctx, uploadType, signupID)
	if err != nil {
		return err
	}
	return b.putBlob(ctx, url, data, checksum)
}

// UploadDebugReport ships the serialized signup debug report.
func (b *Backend) UploadDebugReport(ctx context.Context, signupID string, report []byte) error {
	url, err := b.PresignedURL(ctx, "debug-report", signupID)
	if err != nil {
		return err
	}
	return b.putBlob(ctx, url, report, "")
}

// putBlob PUTs a binary payload to a presigned URL with the Client's retry
// discipline.
func (b *Backend) putBlob(ctx context.Context, url string, data []byte, checksum string) error {
	_, err := retryCall(ctx, b.client.MaxAttempts, b.client.BaseDelay, "PUT "+url, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, "PUT", url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		if checksum != "" {
			req.Header.Set("X-Checksum-Sha256", checksum)
		}
		resp, err := b.client.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}
		return nil, &orbcore.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	})
	return err
}
