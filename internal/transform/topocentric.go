package transform

import "math"

// Observer is a receiver position with its topocentric rotation
// precomputed, so many satellites can be looked at cheaply.
type Observer struct {
	Pos Vec3
	Vel Vec3

	sinLat, cosLat float64
	sinLon, cosLon float64
}

// NewObserver builds an observer at an ECEF position moving with vel.
func NewObserver(pos, vel Vec3) Observer {
	g := ToGeodetic(pos)
	lat, lon := g.LatDeg*deg, g.LonDeg*deg
	return Observer{
		Pos:    pos,
		Vel:    vel,
		sinLat: math.Sin(lat),
		cosLat: math.Cos(lat),
		sinLon: math.Sin(lon),
		cosLon: math.Cos(lon),
	}
}

// LookAngles is the direction and distance from an observer to a satellite.
type LookAngles struct {
	AzimuthDeg   float64 // clockwise from north
	ElevationDeg float64 // above the horizon
	RangeM       float64
}

// Look computes look angles to a satellite at ECEF position sat using the
// SEZ rotation (Vallado 4.4).
func (o Observer) Look(sat Vec3) LookAngles {
	r := sat.Sub(o.Pos)

	south := o.sinLat*o.cosLon*r[0] + o.sinLat*o.sinLon*r[1] - o.cosLat*r[2]
	east := -o.sinLon*r[0] + o.cosLon*r[1]
	up := o.cosLat*o.cosLon*r[0] + o.cosLat*o.sinLon*r[1] + o.sinLat*r[2]

	rng := math.Sqrt(south*south + east*east + up*up)
	az := math.Atan2(east, -south)
	if az < 0 {
		az += 2 * math.Pi
	}

	return LookAngles{
		AzimuthDeg:   az / deg,
		ElevationDeg: math.Asin(up/rng) / deg,
		RangeM:       rng,
	}
}

// RangeRate returns the rate of change of the observer-satellite distance
// in m/s; positive while the satellite recedes.
func (o Observer) RangeRate(sat StateECEF) float64 {
	los := sat.Pos.Sub(o.Pos)
	n := los.Norm()
	if n == 0 {
		return 0
	}
	return sat.Vel.Sub(o.Vel).Dot(los) / n
}
