package config

import (
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Tuning holds the capture-loop constants that field engineering adjusts
// per site without a firmware rebuild. Loaded from tuning.toml next to the
// config; missing or malformed files fall back to the built-in values.
type Tuning struct {
	IrisScoreMin         float64 `toml:"iris_score_min"`
	IRBrightnessMin      float64 `toml:"ir_brightness_min"`
	IRBrightnessMax      float64 `toml:"ir_brightness_max"`
	OcclusionThreshold   float64 `toml:"occlusion_threshold"`
	OcclusionHysteresis  float64 `toml:"occlusion_hysteresis"`
	OcclusionMinOnMillis int     `toml:"occlusion_min_on_millis"`
	CalibrationReducer   float64 `toml:"calibration_reducer"`
	CaptureTimeoutSecs   int     `toml:"capture_timeout_secs"`
	PipelineTimeoutSecs  int     `toml:"pipeline_timeout_secs"`
	QRReminderSecs       int     `toml:"qr_reminder_secs"`
	QRDuplicateDelayMS   int     `toml:"qr_duplicate_delay_millis"`
}

// DefaultTuning returns the built-in capture constants.
func DefaultTuning() Tuning {
	return Tuning{
		IrisScoreMin:         1.0,
		IRBrightnessMin:      90,
		IRBrightnessMax:      180,
		OcclusionThreshold:   0.30,
		OcclusionHysteresis:  0.025,
		OcclusionMinOnMillis: 450,
		CalibrationReducer:   0.1,
		CaptureTimeoutSecs:   60,
		PipelineTimeoutSecs:  60,
		QRReminderSecs:       30,
		QRDuplicateDelayMS:   1500,
	}
}

// LoadTuning reads the tuning TOML at path, merging over the defaults. A
// missing file is not an error; a malformed one logs and falls back.
func LoadTuning(path string, logger *slog.Logger) Tuning {
	tuning := DefaultTuning()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("tuning loading error", "path", path, "err", err)
		}
		return tuning
	}
	if _, err := toml.Decode(string(data), &tuning); err != nil {
		logger.Error("tuning parsing error", "path", path, "err", err)
		return DefaultTuning()
	}
	return tuning
}
