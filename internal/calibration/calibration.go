// Package calibration persists the mirror calibration offsets and applies
// the continuous-calibration update after each successful capture.
package calibration

import (
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"orbcore/internal/mirror"
)

// DefaultReducer scales each signup's observed offset before it is folded
// into the stored calibration, so the calibration drifts toward the
// observed aiming point without overshooting on noise.
const DefaultReducer = 0.1

// Calibration is the persisted calibration data.
type Calibration struct {
	Mirror Mirror `json:"mirror"`
}

// Mirror holds the persisted mirror offsets in degrees.
type Mirror struct {
	HorizontalOffset float64 `json:"horizontal_offset"`
	VerticalOffset   float64 `json:"vertical_offset"`
}

// Default returns the factory calibration.
func Default() Calibration {
	return Calibration{Mirror: Mirror{HorizontalOffset: -1.0, VerticalOffset: -6.0}}
}

// Point returns the calibration as a mirror offset point.
func (c Calibration) Point() mirror.Point {
	return mirror.Point{Horizontal: c.Mirror.HorizontalOffset, Vertical: c.Mirror.VerticalOffset}
}

// Store is the persistence surface for calibration data.
type Store struct {
	Path   string
	Logger *slog.Logger
}

// NewStore creates a Store rooted at dir (calibration.json inside it).
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{Path: filepath.Join(dir, "calibration.json"), Logger: logger}
}

// LoadOrDefault reads the calibration file, returning the factory default
// when the file is absent or malformed. It never fails.
func (s *Store) LoadOrDefault() Calibration {
	contents, err := os.ReadFile(s.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.Logger.Error("calibration loading error", "path", s.Path, "err", err)
		}
		return Default()
	}
	var c Calibration
	if err := json.Unmarshal(contents, &c); err != nil {
		s.Logger.Error("calibration parsing error", "path", s.Path, "err", err)
		return Default()
	}
	return c
}

// Save writes the calibration to the file system.
func (s *Store) Save(c Calibration) error {
	contents, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	s.Logger.Info("storing calibration data",
		"horizontal", c.Mirror.HorizontalOffset,
		"vertical", c.Mirror.VerticalOffset)
	return os.WriteFile(s.Path, contents, 0o644)
}

// ContinuousUpdate folds one signup's recorded PID offsets into the stored
// calibration: for each axis, the element with minimum absolute value is
// scaled by reducer and added to the stored offset. For offsets of bounded
// magnitude M, the calibration moves by at most M*reducer per signup.
func ContinuousUpdate(c Calibration, offsets []mirror.Point, reducer float64) Calibration {
	if len(offsets) == 0 {
		return c
	}
	h := offsets[0].Horizontal
	v := offsets[0].Vertical
	for _, p := range offsets[1:] {
		if math.Abs(p.Horizontal) < math.Abs(h) {
			h = p.Horizontal
		}
		if math.Abs(p.Vertical) < math.Abs(v) {
			v = p.Vertical
		}
	}
	c.Mirror.HorizontalOffset += h * reducer
	c.Mirror.VerticalOffset += v * reducer
	return c
}
