package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestNewStore_MissingFileUsesDefaults(t *testing.T) {
	s := NewStore(t.TempDir(), testLogger())
	cfg := s.Snapshot()
	if cfg.BasicConfig != Default().BasicConfig {
		t.Errorf("got %+v, want defaults", cfg.BasicConfig)
	}
	if !cfg.Validate() {
		t.Error("default config must validate")
	}
}

func TestNewStore_MalformedFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(dir, testLogger())
	if s.Snapshot().BasicConfig != Default().BasicConfig {
		t.Errorf("got %+v, want defaults", s.Snapshot().BasicConfig)
	}
}

func TestNewStore_OutOfRangeVolumeUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"sound_volume": 400}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(dir, testLogger())
	if got := s.SoundVolume(); got != Default().BasicConfig.SoundVolume {
		t.Errorf("sound volume = %d, want default", got)
	}
}

func TestNewStore_ReadsPersistedBasicConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"sound_volume": 42}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(dir, testLogger())
	if got := s.SoundVolume(); got != 42 {
		t.Errorf("sound volume = %d, want 42", got)
	}
}

func TestNormalize_ClampsVolume(t *testing.T) {
	cfg := Default()
	cfg.BasicConfig.SoundVolume = 400
	if got := cfg.Normalize().BasicConfig.SoundVolume; got != MaxSoundVolume {
		t.Errorf("clamped volume = %d, want %d", got, MaxSoundVolume)
	}
	cfg.BasicConfig.SoundVolume = -5
	if got := cfg.Normalize().BasicConfig.SoundVolume; got != 0 {
		t.Errorf("clamped volume = %d, want 0", got)
	}
}

type fetcherFunc func(ctx context.Context) (Config, error)

func (f fetcherFunc) FetchConfig(ctx context.Context) (Config, error) { return f(ctx) }

func TestRefresh_ReplacesAndPersists(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, testLogger())
	remote := Default()
	remote.BasicConfig.SoundVolume = 250 // clamped on the way in
	err := s.Refresh(context.Background(), fetcherFunc(func(context.Context) (Config, error) {
		return remote, nil
	}))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := s.SoundVolume(); got != MaxSoundVolume {
		t.Errorf("sound volume = %d, want %d", got, MaxSoundVolume)
	}
	// A fresh store sees the persisted subset.
	if got := NewStore(dir, testLogger()).SoundVolume(); got != MaxSoundVolume {
		t.Errorf("persisted volume = %d, want %d", got, MaxSoundVolume)
	}
}

func TestRefresh_FetchFailureKeepsCache(t *testing.T) {
	s := NewStore(t.TempDir(), testLogger())
	before := s.Snapshot()
	err := s.Refresh(context.Background(), fetcherFunc(func(context.Context) (Config, error) {
		return Config{}, errors.New("backend down")
	}))
	if err == nil {
		t.Fatal("expected an error")
	}
	if s.Snapshot().BasicConfig != before.BasicConfig {
		t.Error("cache changed on fetch failure")
	}
}

func TestLoadTuning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.toml")
	if err := os.WriteFile(path, []byte("iris_score_min = 1.5\ncapture_timeout_secs = 90\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tuning := LoadTuning(path, testLogger())
	if tuning.IrisScoreMin != 1.5 {
		t.Errorf("iris score min = %v, want 1.5", tuning.IrisScoreMin)
	}
	if tuning.CaptureTimeoutSecs != 90 {
		t.Errorf("capture timeout = %v, want 90", tuning.CaptureTimeoutSecs)
	}
	// Unset keys keep defaults.
	if tuning.CalibrationReducer != DefaultTuning().CalibrationReducer {
		t.Errorf("reducer = %v, want default", tuning.CalibrationReducer)
	}
}

func TestLoadTuning_MissingAndMalformed(t *testing.T) {
	if got := LoadTuning(filepath.Join(t.TempDir(), "absent.toml"), testLogger()); got != DefaultTuning() {
		t.Errorf("missing file: got %+v", got)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.toml")
	if err := os.WriteFile(path, []byte("iris_score_min = [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := LoadTuning(path, testLogger()); got != DefaultTuning() {
		t.Errorf("malformed file: got %+v", got)
	}
}
