// Package calibration normalizes raw GameCube-family controller samples
// (stick and trigger bytes in the 0-255 domain) into the calibrated ranges
// virtual-pad surfaces expect, and drives the runtime calibration wizards
// that learn a controller's octagon gate and trigger breakpoints.
package calibration

import (
	"math"

	"github.com/dalmatheo/gc-controller/internal/gcerr"
)

// TriggerKink is the normalized output (0..1) a trigger reports when held at
// its bump position in non-bump-100-percent mode. Held fixed per build.
const TriggerKink = 0.8

// Stick holds a per-axis calibration: a raw-byte center and half-range, plus
// the eight normalized octagon-gate extents captured at each 45-degree
// sector during calibration.
type Stick struct {
	CenterX, CenterY int      // raw byte domain, 0-255
	RangeX, RangeY   int      // half-range from center to extreme
	Octagon          [8]Point // normalized (x, y) extents, sector 0 = 0deg (east), CCW
}

// Point is a normalized 2D coordinate in [-1, 1].
type Point struct {
	X, Y float64
}

// Trigger holds a single trigger's three-point calibration curve.
// Invariant: 0 <= Base < Bump < Max <= 255.
type Trigger struct {
	Base, Bump, Max int
	Bump100Percent  bool
}

// DefaultOctagon is the fallback gate used before a stick has been
// calibrated: a regular octagon inscribed in the unit circle, so points are
// clipped to that octagon (which lies on or inside the unit circle).
var DefaultOctagon = [8]Point{
	{1, 0}, {0.7071, 0.7071}, {0, 1}, {-0.7071, 0.7071},
	{-1, 0}, {-0.7071, -0.7071}, {0, -1}, {0.7071, -0.7071},
}

// DefaultStick is used for any slot that has never been calibrated.
var DefaultStick = Stick{
	CenterX: 128, CenterY: 128,
	RangeX: 100, RangeY: 100,
	Octagon: DefaultOctagon,
}

// DefaultTrigger is used for any trigger that has never been calibrated.
var DefaultTrigger = Trigger{Base: 30, Bump: 180, Max: 255}

// deadzoneRadius eliminates rest jitter near the origin after gate
// projection. Small enough not to eat legitimate light stick taps.
const deadzoneRadius = 0.04

// normalize maps a raw byte around a center through a half-range into
// [-1, 1], clamping at the edges. Falls back to the center when r is
// degenerate rather than dividing by zero.
func normalize(v, c, r int) float64 {
	if r <= 0 {
		return 0
	}
	n := float64(v-c) / float64(r)
	if n > 1 {
		return 1
	}
	if n < -1 {
		return -1
	}
	return n
}

// NormalizeAxis is the exported single-axis primitive exercised directly by
// the testable-properties suite in calibration_test.go.
func NormalizeAxis(v, c, r int) (float64, error) {
	if r <= 0 {
		return 0, gcerr.ErrCalibration
	}
	return normalize(v, c, r), nil
}

// NormalizeStick converts one raw stick sample into a gated, dead-zoned
// normalized point.
func (s Stick) NormalizeStick(rawX, rawY int) Point {
	p := Point{
		X: normalize(rawX, s.CenterX, s.RangeX),
		Y: normalize(rawY, s.CenterY, s.RangeY),
	}
	p = projectOntoOctagon(p, s.Octagon)
	return applyDeadzone(p)
}

func applyDeadzone(p Point) Point {
	if math.Hypot(p.X, p.Y) < deadzoneRadius {
		return Point{}
	}
	return p
}

// projectOntoOctagon clips p onto the learned octagon boundary along the ray
// from the origin through p, when p lies outside the octagon. Points inside
// pass through unchanged. This can only shorten the ray, never lengthen it,
// so the "never expands the point outward" invariant holds by construction.
func projectOntoOctagon(p Point, oct [8]Point) Point {
	if p.X == 0 && p.Y == 0 {
		return p
	}
	boundary := octagonBoundaryAlongRay(p, oct)
	if boundary == 0 {
		return p
	}
	// t==1 means p is exactly on the ray to the boundary point; scale p by
	// min(1, dist(origin,boundary)/dist(origin,p)).
	pd := math.Hypot(p.X, p.Y)
	if pd <= boundary {
		return p
	}
	scale := boundary / pd
	return Point{X: p.X * scale, Y: p.Y * scale}
}

// octagonBoundaryAlongRay returns the distance from the origin to where the
// ray toward p crosses the octagon boundary.
func octagonBoundaryAlongRay(p Point, oct [8]Point) float64 {
	angle := math.Atan2(p.Y, p.X)
	if angle < 0 {
		angle += 2 * math.Pi
	}
	sector := int(angle / (math.Pi / 4))
	if sector > 7 {
		sector = 7
	}
	a := oct[sector]
	b := oct[(sector+1)%8]
	return raySegmentIntersectionDistance(angle, a, b)
}

// raySegmentIntersectionDistance finds where a ray from the origin at the
// given angle crosses the segment a-b, returning the distance from the
// origin to that crossing.
func raySegmentIntersectionDistance(angle float64, a, b Point) float64 {
	dx, dy := math.Cos(angle), math.Sin(angle)
	// Segment: a + u*(b-a), u in [0,1]. Ray: t*(dx,dy), t >= 0.
	ex, ey := b.X-a.X, b.Y-a.Y
	denom := dx*ey - dy*ex
	if math.Abs(denom) < 1e-9 {
		return math.Hypot(a.X, a.Y)
	}
	u := (dx*(-a.Y) - dy*(-a.X)) / denom
	if u < 0 || u > 1 {
		return math.Hypot(a.X, a.Y)
	}
	ix := a.X + u*ex
	iy := a.Y + u*ey
	return math.Hypot(ix, iy)
}

// NormalizeTrigger maps a raw trigger byte (0-255) to a calibrated 0-255
// output using the three-point base/bump/max curve.
func (t Trigger) NormalizeTrigger(raw int) byte {
	if raw <= t.Base {
		return 0
	}
	if t.Bump100Percent {
		return clampByte(linearFraction(raw, t.Base, t.Bump) * 255)
	}
	// Two-segment linear map: base->0, bump->kink, max->1.
	if raw <= t.Bump {
		return clampByte(linearFraction(raw, t.Base, t.Bump) * TriggerKink * 255)
	}
	frac := TriggerKink + linearFraction(raw, t.Bump, t.Max)*(1-TriggerKink)
	return clampByte(frac * 255)
}

func linearFraction(v, lo, hi int) float64 {
	if hi <= lo {
		return 1
	}
	f := float64(v-lo) / float64(hi-lo)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

func clampByte(v float64) byte {
	if v >= 255 {
		return 255
	}
	if v <= 0 {
		return 0
	}
	return byte(v + 0.5)
}
