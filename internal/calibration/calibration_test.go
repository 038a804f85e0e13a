package calibration

import (
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"orbcore/internal/mirror"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	c := testStore(t).LoadOrDefault()
	if c != Default() {
		t.Errorf("got %+v, want factory default", c)
	}
}

func TestLoadOrDefault_MalformedFile(t *testing.T) {
	s := testStore(t)
	if err := os.WriteFile(s.Path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if c := s.LoadOrDefault(); c != Default() {
		t.Errorf("got %+v, want factory default", c)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := testStore(t)
	want := Calibration{Mirror: Mirror{HorizontalOffset: 2.5, VerticalOffset: -3.25}}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := s.LoadOrDefault(); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSave_UnwritableDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing", "nested"), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := s.Save(Default()); err == nil {
		t.Error("expected an error writing into a missing directory")
	}
}

func TestContinuousUpdate_PicksMinimumAbsolutePerAxis(t *testing.T) {
	c := Calibration{Mirror: Mirror{HorizontalOffset: 1.0, VerticalOffset: -2.0}}
	offsets := []mirror.Point{
		{Horizontal: 5.0, Vertical: -0.5},
		{Horizontal: -0.2, Vertical: 4.0},
		{Horizontal: 3.0, Vertical: 2.0},
	}
	got := ContinuousUpdate(c, offsets, 0.1)
	if math.Abs(got.Mirror.HorizontalOffset-(1.0+-0.2*0.1)) > 1e-12 {
		t.Errorf("horizontal = %v", got.Mirror.HorizontalOffset)
	}
	if math.Abs(got.Mirror.VerticalOffset-(-2.0+-0.5*0.1)) > 1e-12 {
		t.Errorf("vertical = %v", got.Mirror.VerticalOffset)
	}
}

func TestContinuousUpdate_EmptyOffsetsIsNoop(t *testing.T) {
	c := Default()
	if got := ContinuousUpdate(c, nil, 0.1); got != c {
		t.Errorf("got %+v, want unchanged", got)
	}
}

func TestContinuousUpdate_Stability(t *testing.T) {
	// For offsets of bounded magnitude M, the calibration moves by at most
	// M*reducer per signup.
	const M = 4.0
	const reducer = 0.1
	rng := rand.New(rand.NewSource(3))
	c := Default()
	for signup := 0; signup < 100; signup++ {
		offsets := make([]mirror.Point, 1+rng.Intn(20))
		for i := range offsets {
			offsets[i] = mirror.Point{
				Horizontal: (rng.Float64()*2 - 1) * M,
				Vertical:   (rng.Float64()*2 - 1) * M,
			}
		}
		next := ContinuousUpdate(c, offsets, reducer)
		if d := math.Abs(next.Mirror.HorizontalOffset - c.Mirror.HorizontalOffset); d > M*reducer+1e-12 {
			t.Fatalf("signup %d: horizontal moved %v > %v", signup, d, M*reducer)
		}
		if d := math.Abs(next.Mirror.VerticalOffset - c.Mirror.VerticalOffset); d > M*reducer+1e-12 {
			t.Fatalf("signup %d: vertical moved %v > %v", signup, d, M*reducer)
		}
		c = next
	}
}
