// Package mirror models the movable mirror: points in device angles, the
// two-joint inverse kinematics converting a point into servo angles, and
// the per-hardware-variant clamp applied before anything is sent to the
// microcontroller.
package mirror

import "math"

// Point is a mirror position in degrees. Two kinds compose by addition: a
// set-point from the eye tracker plus a persisted calibration offset.
type Point struct {
	Horizontal float64 `json:"horizontal"`
	Vertical   float64 `json:"vertical"`
}

// Add composes a set-point with a calibration offset.
func (p Point) Add(other Point) Point {
	return Point{Horizontal: p.Horizontal + other.Horizontal, Vertical: p.Vertical + other.Vertical}
}

// Sub is the inverse of Add.
func (p Point) Sub(other Point) Point {
	return Point{Horizontal: p.Horizontal - other.Horizontal, Vertical: p.Vertical - other.Vertical}
}

// Neutral is the configured neutral mirror point, the identity element for
// set-point composition.
func Neutral() Point {
	return Point{Horizontal: horizontalNeutral, Vertical: verticalNeutral}
}

const (
	horizontalNeutral = 45.0
	verticalNeutral   = 0.0
)

// Variant is a hardware revision with its own servo angle envelope.
type Variant struct {
	Name          string
	HorizontalMin float64
	HorizontalMax float64
	VerticalMin   float64
	VerticalMax   float64
}

// Variants by detected hardware version. V2 carries a reduced vertical
// envelope; its linkage fouls the chassis beyond ±30 degrees.
var (
	VariantV1 = Variant{Name: "v1", HorizontalMin: 26, HorizontalMax: 64, VerticalMin: -35, VerticalMax: 35}
	VariantV2 = Variant{Name: "v2", HorizontalMin: 26, HorizontalMax: 64, VerticalMin: -30, VerticalMax: 30}
)

// DetectVariant maps a persisted hardware_version string onto its servo
// envelope, defaulting to V1 for unknown versions.
func DetectVariant(hardwareVersion string) Variant {
	switch hardwareVersion {
	case "EVT2", "DVT":
		return VariantV2
	default:
		return VariantV1
	}
}

// McuCommand is the final milli-degree pair emitted to the microcontroller.
type McuCommand struct {
	PhiMilliDeg   uint32
	ThetaMilliDeg int32
}

// Convert runs the two-joint inverse kinematics for point and clamps the
// resulting servo angles to the variant's envelope, returning the
// microcontroller command in milli-degrees. A point the linkage cannot
// reach (the kinematics yield NaN) maps to the centre of the envelope.
func Convert(point Point, v Variant) McuCommand {
	horizontal, vertical := servoAngles(point)
	horizontal = clamp(horizontal, v.HorizontalMin, v.HorizontalMax)
	vertical = clamp(vertical, v.VerticalMin, v.VerticalMax)
	return McuCommand{
		PhiMilliDeg:   uint32(math.Round(horizontal * 1000.0)),
		ThetaMilliDeg: int32(math.Round(vertical * 1000.0)),
	}
}

// ServoAngles exposes the raw (unclamped) inverse kinematics for tests and
// calibration tooling.
func ServoAngles(point Point) (horizontal, vertical float64) {
	return servoAngles(point)
}

func servoAngles(point Point) (float64, float64) {
	theta, gamma := anglesOnMotorPlanes(90.0-point.Horizontal, -point.Vertical)
	return horizontalServoAngle(theta), verticalServoAngle(gamma)
}

func horizontalServoAngle(thetaAngle float64) float64 {
	const (
		a1 = 18.385
		a2 = 4.243
		a3 = 13.741
		a4 = 19.307
		r1 = 7.0
		r2 = 14.0
	)
	g1 := toRad(90.0)

	b1 := math.Sqrt(a1*a1 + a2*a2)
	h1 := math.Atan2(a2, a1)
	h2 := h1 + toRad(thetaAngle)
	b2 := b1 * math.Cos(h2)
	b3 := b1 * math.Sin(h2)
	b4 := a3 - b2
	b5 := a4 - b3
	h3 := math.Atan2(b4, b5)
	b6 := math.Sqrt(b4*b4 + b5*b5)
	h4 := math.Acos((r1*r1 + b6*b6 - r2*r2) / (2.0 * r1 * b6))

	return toDegree(g1 - (h3 + h4))
}

func verticalServoAngle(phiAngle float64) float64 {
	const (
		r1 = 15.0
		r2 = 7.0
		a1 = 22.00
		a2 = 4.3
		r3 = 23.534
	)
	g1 := toRad(90.0)

	b1 := r1 * math.Cos(toRad(90.0)-toRad(phiAngle))
	b2 := r2 * math.Sin(toRad(90.0)-toRad(phiAngle))
	b3 := b1 + a1
	b4 := b2 - a2
	b5 := math.Sqrt(b3*b3 + b4*b4)
	h1 := math.Atan2(b4, b2)
	h2 := math.Acos((r2*r2 + b5*b5 - r3*r3) / (2.0 * r2 * b5))

	return toDegree(toRad(180.0) - (h1 + h2 + g1))
}

func anglesOnMotorPlanes(horizontal, vertical float64) (float64, float64) {
	theta := horizontal - 45.0
	phi := vertical
	gamma := toDegree(math.Atan(math.Tan(toRad(phi)) * math.Cos(toRad(theta))))
	return theta, gamma
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return (lo + hi) / 2
	}
	return math.Min(math.Max(v, lo), hi)
}

func toRad(degrees float64) float64 { return degrees / 180.0 * math.Pi }

func toDegree(rad float64) float64 { return rad * 180.0 / math.Pi }
