package propagation

import (
	"fmt"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"github.com/star/stargnss/internal/transform"
)

// Orbital radius band accepted for navigation satellites (km). GLONASS MEO
// sits near 25 500 km and BeiDou GEO/IGSO near 42 164 km; anything outside
// this band is a bad element set or a diverged propagation.
const (
	minGNSSRadiusKm = 19000.0
	maxGNSSRadiusKm = 45000.0
)

// SGP4Propagator propagates one almanac entry with go-satellite, which
// includes the SDP4 deep-space branch that 12 and 24 hour orbits need.
//
// satellite.Propagate takes the Satellite by value, so its error codes never
// reach the caller; failures are caught by checking the output instead.
type SGP4Propagator struct {
	sat     satellite.Satellite
	noradID int
}

// NewSGP4Propagator initializes SGP4 from a TLE pair.
//
// The lines are checked before they reach the library because go-satellite
// calls log.Fatal on malformed input.
func NewSGP4Propagator(line1, line2 string, noradID int) (*SGP4Propagator, error) {
	if err := checkLines(line1, line2); err != nil {
		return nil, fmt.Errorf("invalid TLE for NORAD %d: %w", noradID, err)
	}

	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return nil, fmt.Errorf("sgp4 init failed for NORAD %d: code=%d %s", noradID, sat.Error, sat.ErrorStr)
	}
	return &SGP4Propagator{sat: sat, noradID: noradID}, nil
}

func checkLines(line1, line2 string) error {
	for i, line := range [2]string{strings.TrimSpace(line1), strings.TrimSpace(line2)} {
		n := i + 1
		if len(line) != 69 {
			return fmt.Errorf("line%d length %d, expected 69", n, len(line))
		}
		if want := byte('0' + n); line[0] != want {
			return fmt.Errorf("line%d must start with '%c', got '%c'", n, want, line[0])
		}
	}
	return nil
}

// Propagate returns the TEME state at t (km, km/s).
//
// The library only accepts whole seconds. The state at the second below t is
// carried forward along its velocity, which stays well under a meter at
// navigation-orbit accelerations.
func (p *SGP4Propagator) Propagate(t time.Time) (transform.StateTEME, error) {
	t = t.UTC()
	base := t.Truncate(time.Second)
	pos, vel := satellite.Propagate(p.sat, base.Year(), int(base.Month()), base.Day(), base.Hour(), base.Minute(), base.Second())

	s := transform.StateTEME{
		Pos: transform.Vec3{pos.X, pos.Y, pos.Z},
		Vel: transform.Vec3{vel.X, vel.Y, vel.Z},
	}
	if !s.Pos.Finite() || !s.Vel.Finite() {
		return transform.StateTEME{}, fmt.Errorf("sgp4 propagation failed for NORAD %d: output is NaN/Inf", p.noradID)
	}
	if r := s.Pos.Norm(); r < minGNSSRadiusKm || r > maxGNSSRadiusKm {
		return transform.StateTEME{}, fmt.Errorf("sgp4 propagation failed for NORAD %d: radius %.1f km outside navigation orbits", p.noradID, r)
	}

	return extrapolate(s, t.Sub(base).Seconds()), nil
}

// extrapolate advances s by dt seconds at constant velocity.
func extrapolate(s transform.StateTEME, dt float64) transform.StateTEME {
	if dt <= 0 {
		return s
	}
	for i := range s.Pos {
		s.Pos[i] += s.Vel[i] * dt
	}
	return s
}
