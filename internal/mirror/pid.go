package mirror

import "math"

// Pid is a discrete PID controller with a low-pass filter on the derivative
// term. Advance returns the control signal for one time step; Reset zeroes
// the integrator and derivative memory.
type Pid struct {
	Proportional float64
	Integral     float64
	Derivative   float64
	Filter       float64

	accumulated float64
	lastError   float64
	filtered    float64
	primed      bool
}

// Advance steps the controller by dt seconds toward target given the
// current measurement, returning the control signal.
func (p *Pid) Advance(target, current, dt float64) float64 {
	err := target - current
	p.accumulated += err * dt

	var derivative float64
	if p.primed && dt > 0 {
		raw := (err - p.lastError) / dt
		p.filtered += p.Filter * (raw - p.filtered)
		derivative = p.filtered
	}
	p.lastError = err
	p.primed = true

	return p.Proportional*err + p.Integral*p.accumulated + p.Derivative*derivative
}

// Reset zeroes the accumulated error and the derivative memory.
func (p *Pid) Reset() {
	p.accumulated = 0
	p.lastError = 0
	p.filtered = 0
	p.primed = false
}

// Gains tuned for the eye-centering loop.
const (
	pidProportional = 0.012
	pidIntegral     = 0.00016
	pidDerivative   = 0.0023
	pidFilter       = 0.26
)

// IrisDiameterMM is the anatomical constant used to convert landmark units
// into millimetres.
const IrisDiameterMM = 12.0

// trustedRadius is the maximum accepted landmark distance in millimetres;
// estimates further out are discarded as implausible.
const trustedRadius = 100.0

// EyeOffsetController drives the mirror offset to center on the user's
// iris, one Pid per axis. The offset resets to zero after resetDelay
// seconds without a usable landmark estimate.
type EyeOffsetController struct {
	resetDelay float64
	horizontal Pid
	vertical   Pid
	idleTime   float64
	x, y       float64
}

// NewEyeOffsetController creates a controller with the tuned gains.
func NewEyeOffsetController(resetDelay float64) *EyeOffsetController {
	pid := Pid{
		Proportional: pidProportional,
		Integral:     pidIntegral,
		Derivative:   pidDerivative,
		Filter:       pidFilter,
	}
	return &EyeOffsetController{resetDelay: resetDelay, horizontal: pid, vertical: pid}
}

// Update advances the controller with a predicted iris offset, returning
// the mirror offset in degrees.
func (c *EyeOffsetController) Update(x, y, dt float64) (float64, float64) {
	c.idleTime = 0
	c.x += c.horizontal.Advance(0, x, dt)
	c.y -= c.vertical.Advance(0, y, dt)
	return c.x, c.y
}

// Idle advances the controller without an iris estimate. After resetDelay
// seconds of idling, the offset and both controllers reset.
func (c *EyeOffsetController) Idle(dt float64) (float64, float64) {
	c.idleTime += dt
	if c.idleTime > c.resetDelay {
		c.idleTime = 0
		c.horizontal.Reset()
		c.vertical.Reset()
		c.x, c.y = 0, 0
	}
	return c.x, c.y
}

// IrisCenterFromLandmarks converts an IR-net 9x2 landmark matrix into the
// iris-center offset in millimetres. Rows 4..7 are the iris boundary
// points; the distance between rows 4 and 6 along x gives the scale in
// landmark units per iris diameter. Reports ok=false when the matrix is too
// small, degenerate, or the horizontal offset is outside the trusted radius
// (the vertical offset is not range-checked).
func IrisCenterFromLandmarks(landmarks [][2]float32) (x, y float64, ok bool) {
	if len(landmarks) < 8 {
		return 0, 0, false
	}
	spread := math.Abs(float64(landmarks[4][0] - landmarks[6][0]))
	if spread == 0 {
		return 0, 0, false
	}
	irisWidth := IrisDiameterMM / spread
	var cx, cy float64
	for i := 4; i < 8; i++ {
		cx += float64(landmarks[i][0])
		cy += float64(landmarks[i][1])
	}
	cx /= 4
	cy /= 4
	x = (cx - 0.5) * irisWidth
	y = (cy - 0.5) * irisWidth
	if x < -trustedRadius || x >= trustedRadius {
		return 0, 0, false
	}
	return x, y, true
}
