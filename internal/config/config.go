// Package config holds the orb's runtime configuration: a basic subset
// persisted to disk as config.json, the full config refreshed from the
// backend and cached in memory behind a mutex, and a TOML tuning file with
// the capture-loop constants.
package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/text/language"
)

const (
	// MaxSoundVolume bounds the sound_volume option; out-of-range values
	// are clamped, not rejected.
	MaxSoundVolume = 100

	defaultSoundVolume = 60
	defaultMaxFanSpeed = 100.0
)

// BasicConfig is the subset persisted to disk between boots.
type BasicConfig struct {
	SoundVolume int     `json:"sound_volume"`
	Language    *string `json:"language,omitempty"`
}

// Config is the full runtime configuration. The non-basic fields are
// refreshed from the backend and live only in memory.
type Config struct {
	BasicConfig BasicConfig `json:"basic_config"`

	FanMaxSpeed                float64           `json:"fan_max_speed"`
	SlowInternetPingThreshold  time.Duration     `json:"slow_internet_ping_threshold"`
	BlockSignupWhenNoInternet  bool              `json:"block_signup_when_no_internet"`
	IREyeSaveFPSOverride       *float64          `json:"ir_eye_save_fps_override,omitempty"`
	IRFaceSaveFPSOverride      *float64          `json:"ir_face_save_fps_override,omitempty"`
	ThermalSaveFPSOverride     *float64          `json:"thermal_save_fps_override,omitempty"`
	IRNetModelConfigs          map[string]string `json:"ir_net_model_configs,omitempty"`
	IrisModelConfigs           map[string]string `json:"iris_model_configs,omitempty"`
	FaceIdentifierModelConfigs map[string]string `json:"face_identifier_model_configs,omitempty"`
	ThermalCamera              bool              `json:"thermal_camera"`
	UploadSelfCustodyImages    bool              `json:"upload_self_custody_images"`
	UploadSelfCustodyThumbnail bool              `json:"upload_self_custody_thumbnail"`
	UploadIrisNormalizedImages bool              `json:"upload_iris_normalized_images"`
}

// Default returns the configuration used when no file and no backend
// response is available.
func Default() Config {
	return Config{
		BasicConfig:               BasicConfig{SoundVolume: defaultSoundVolume},
		FanMaxSpeed:               defaultMaxFanSpeed,
		SlowInternetPingThreshold: 500 * time.Millisecond,
		ThermalCamera:             true,
		UploadSelfCustodyImages:   true,
	}
}

// Validate reports whether the config's option values are in range.
func (c Config) Validate() bool {
	return c.BasicConfig.SoundVolume >= 0 && c.BasicConfig.SoundVolume <= MaxSoundVolume
}

// Normalize clamps out-of-range option values into their valid ranges and
// drops an unparseable language tag.
func (c Config) Normalize() Config {
	if c.BasicConfig.SoundVolume < 0 {
		c.BasicConfig.SoundVolume = 0
	}
	if c.BasicConfig.SoundVolume > MaxSoundVolume {
		c.BasicConfig.SoundVolume = MaxSoundVolume
	}
	if c.FanMaxSpeed <= 0 || c.FanMaxSpeed > defaultMaxFanSpeed {
		c.FanMaxSpeed = defaultMaxFanSpeed
	}
	if c.BasicConfig.Language != nil {
		if tag, err := language.Parse(*c.BasicConfig.Language); err != nil {
			c.BasicConfig.Language = nil
		} else {
			canonical := tag.String()
			c.BasicConfig.Language = &canonical
		}
	}
	return c
}

// Store owns the on-disk basic config and the in-memory full config. All
// reads go through the mutex; the lock is held only across field access,
// never across I/O.
type Store struct {
	Logger *slog.Logger

	path string
	mu   sync.Mutex
	cfg  Config
}

// NewStore creates a Store rooted at dir (config.json inside it), seeded
// with the on-disk basic config or defaults.
func NewStore(dir string, logger *slog.Logger) *Store {
	s := &Store{Logger: logger, path: filepath.Join(dir, "config.json")}
	s.cfg = s.loadOrDefault()
	return s
}

// Snapshot returns a copy of the current config.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SoundVolume returns the current sound volume option.
func (s *Store) SoundVolume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.BasicConfig.SoundVolume
}

// loadOrDefault reads the persisted basic config. A missing file yields the
// default; a malformed or invalid file logs an error and yields the
// default. It never fails.
func (s *Store) loadOrDefault() Config {
	cfg := Default()
	contents, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.Logger.Error("config loading error", "path", s.path, "err", err)
		}
		return cfg
	}
	var basic BasicConfig
	if err := json.Unmarshal(contents, &basic); err != nil {
		s.Logger.Error("config parsing error", "path", s.path, "err", err)
		return cfg
	}
	cfg.BasicConfig = basic
	if !cfg.Validate() {
		s.Logger.Error("config validation failed, substituting defaults",
			"sound_volume", basic.SoundVolume)
		return Default()
	}
	return cfg
}

// Save persists the current basic config subset.
func (s *Store) Save() error {
	s.mu.Lock()
	basic := s.cfg.BasicConfig
	s.mu.Unlock()
	contents, err := json.MarshalIndent(basic, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, contents, 0o644)
}

// Fetcher downloads the full config from the backend.
type Fetcher interface {
	FetchConfig(ctx context.Context) (Config, error)
}

// Refresh downloads the full config, replaces the in-memory copy with the
// normalized result, and persists the basic subset. Fetch failures leave
// the cached config untouched.
func (s *Store) Refresh(ctx context.Context, fetcher Fetcher) error {
	cfg, err := fetcher.FetchConfig(ctx)
	if err != nil {
		s.Logger.Warn("config refresh failed, keeping cached config", "err", err)
		return err
	}
	cfg = cfg.Normalize()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.Save()
}
