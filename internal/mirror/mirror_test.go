package mirror

import (
	"math"
	"testing"
)

func TestConvert_ClampsToVariantEnvelope(t *testing.T) {
	points := []Point{
		{Horizontal: 45, Vertical: 0},
		{Horizontal: -400, Vertical: 500},
		{Horizontal: 400, Vertical: -500},
		{Horizontal: 0, Vertical: 90},
		{Horizontal: 90, Vertical: -90},
	}
	for _, v := range []Variant{VariantV1, VariantV2} {
		for _, p := range points {
			cmd := Convert(p, v)
			phi := float64(cmd.PhiMilliDeg) / 1000.0
			theta := float64(cmd.ThetaMilliDeg) / 1000.0
			if phi < v.HorizontalMin || phi > v.HorizontalMax {
				t.Errorf("variant %s point %+v: phi %.3f outside [%g, %g]",
					v.Name, p, phi, v.HorizontalMin, v.HorizontalMax)
			}
			if theta < v.VerticalMin || theta > v.VerticalMax {
				t.Errorf("variant %s point %+v: theta %.3f outside [%g, %g]",
					v.Name, p, theta, v.VerticalMin, v.VerticalMax)
			}
		}
	}
}

func TestDetectVariant(t *testing.T) {
	if DetectVariant("EVT2").Name != "v2" {
		t.Error("EVT2 should map to v2")
	}
	if DetectVariant("unknown-rev").Name != "v1" {
		t.Error("unknown versions should default to v1")
	}
}

func TestPointAddSub(t *testing.T) {
	a := Point{Horizontal: 3, Vertical: -2}
	b := Point{Horizontal: -1, Vertical: 5}
	sum := a.Add(b)
	if sum.Horizontal != 2 || sum.Vertical != 3 {
		t.Errorf("Add = %+v", sum)
	}
	if diff := sum.Sub(b); diff != a {
		t.Errorf("Sub = %+v, want %+v", diff, a)
	}
}

func TestIrisCenterFromLandmarks(t *testing.T) {
	landmarks := [][2]float32{
		{0, 0}, {0, 0}, {0, 0}, {0, 0},
		{1, 0}, {0, 0}, {2, 0}, {0, 0},
		{0, 0},
	}
	x, y, ok := IrisCenterFromLandmarks(landmarks)
	if !ok {
		t.Fatal("expected a center")
	}
	if math.Abs(x-3.0) > 1e-9 || math.Abs(y-(-6.0)) > 1e-9 {
		t.Errorf("center = (%v, %v), want (3, -6)", x, y)
	}
}

func TestIrisCenterFromLandmarks_TooFewRows(t *testing.T) {
	if _, _, ok := IrisCenterFromLandmarks([][2]float32{{0, 0}}); ok {
		t.Error("expected no center for a 1-row matrix")
	}
}

func TestIrisCenterFromLandmarks_DegenerateSpread(t *testing.T) {
	landmarks := make([][2]float32, 9)
	if _, _, ok := IrisCenterFromLandmarks(landmarks); ok {
		t.Error("expected no center when boundary points coincide")
	}
}

func TestPid_ResetClearsMemory(t *testing.T) {
	pid := Pid{Proportional: 1, Integral: 0.5, Derivative: 0.1, Filter: 0.5}
	pid.Advance(1, 0, 0.1)
	pid.Advance(1, 0.5, 0.1)
	pid.Reset()
	first := pid.Advance(1, 0, 0.1)
	var fresh = Pid{Proportional: 1, Integral: 0.5, Derivative: 0.1, Filter: 0.5}
	if got := fresh.Advance(1, 0, 0.1); got != first {
		t.Errorf("after Reset, Advance = %v, fresh controller = %v", first, got)
	}
}

func TestEyeOffsetController(t *testing.T) {
	ctrl := NewEyeOffsetController(1.0)

	if x, y := ctrl.Idle(0.5); x != 0 || y != 0 {
		t.Errorf("idle offset = (%v, %v), want (0, 0)", x, y)
	}
	if x, y := ctrl.Update(1.0, 1.0, 1.0); x == 0 && y == 0 {
		t.Error("update with an offset should move the controller")
	}
	// Idling past the reset delay zeroes the offset again.
	if x, y := ctrl.Idle(2.0); x != 0 || y != 0 {
		t.Errorf("offset after reset delay = (%v, %v), want (0, 0)", x, y)
	}
}
