// Package transform holds the coordinate and time conversions shared by the
// reference constellation and trajectories: SGP4 output in TEME is rotated to
// ECEF with GMST only, receiver positions move between geodetic and ECEF on
// WGS-84, and look angles and range rate are computed in the topocentric
// frame. Polar motion and nutation are ignored; the resulting tens of meters
// do not matter for visibility or Doppler.
package transform

import (
	"math"
	"time"
)

// Vec3 is a Cartesian vector.
type Vec3 [3]float64

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

// Dot returns the scalar product.
func (v Vec3) Dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }

// Norm returns the Euclidean length.
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Finite reports whether no component is NaN or Inf.
func (v Vec3) Finite() bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// StateTEME is SGP4 output: km and km/s in the TEME frame.
type StateTEME struct {
	Pos, Vel Vec3
}

// StateECEF is a position (m) and velocity (m/s) in ECEF.
type StateECEF struct {
	Pos, Vel Vec3
}

// TEMEToECEF rotates a TEME state into ECEF at t.
func TEMEToECEF(s StateTEME, t time.Time) StateECEF {
	return TEMEToECEFWithGMST(s, GMST(t))
}

// TEMEToECEFWithGMST rotates with a precomputed GMST angle, for batches
// propagated to the same instant:
//
//	r_ecef = R3(gmst) r_teme
//	v_ecef = R3(gmst) v_teme - w x r_ecef
func TEMEToECEFWithGMST(s StateTEME, gmst float64) StateECEF {
	c, sn := math.Cos(gmst), math.Sin(gmst)

	x := s.Pos[0]*c + s.Pos[1]*sn
	y := -s.Pos[0]*sn + s.Pos[1]*c
	z := s.Pos[2]

	vx := s.Vel[0]*c + s.Vel[1]*sn + OmegaEarth*y
	vy := -s.Vel[0]*sn + s.Vel[1]*c - OmegaEarth*x
	vz := s.Vel[2]

	return StateECEF{
		Pos: Vec3{x * 1000, y * 1000, z * 1000},
		Vel: Vec3{vx * 1000, vy * 1000, vz * 1000},
	}
}

// Orbit radius bounds in meters. GNSS MEO sits near 26,600 km and BeiDou
// GEO/IGSO near 42,200 km.
const (
	minOrbitRadius = 6200e3
	maxOrbitRadius = 50000e3
)

// ValidOrbit reports whether an ECEF position is a plausible satellite
// position.
func ValidOrbit(pos Vec3) bool {
	if !pos.Finite() {
		return false
	}
	r := pos.Norm()
	return r >= minOrbitRadius && r <= maxOrbitRadius
}
