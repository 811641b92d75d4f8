package transform

import "math"

// WGS-84 ellipsoid.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
)

const deg = math.Pi / 180

// Geodetic is a WGS-84 position: degrees and meters above the ellipsoid.
type Geodetic struct {
	LatDeg float64 `yaml:"lat"`
	LonDeg float64 `yaml:"lon"`
	AltM   float64 `yaml:"alt"`
}

// ECEF converts g to Earth-centered coordinates in meters.
func (g Geodetic) ECEF() Vec3 {
	lat, lon := g.LatDeg*deg, g.LonDeg*deg
	sinLat := math.Sin(lat)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	return Vec3{
		(n + g.AltM) * math.Cos(lat) * math.Cos(lon),
		(n + g.AltM) * math.Cos(lat) * math.Sin(lon),
		(n*(1-wgs84E2) + g.AltM) * sinLat,
	}
}

// ToGeodetic converts ECEF meters to geodetic coordinates. The latitude
// iteration converges in a few steps anywhere near the surface.
func ToGeodetic(p Vec3) Geodetic {
	x, y, z := p[0], p[1], p[2]
	lon := math.Atan2(y, x)
	rho := math.Hypot(x, y)

	lat := math.Atan2(z, rho*(1-wgs84E2))
	for i := 0; i < 5; i++ {
		s := math.Sin(lat)
		n := wgs84A / math.Sqrt(1-wgs84E2*s*s)
		lat = math.Atan2(z+wgs84E2*n*s, rho)
	}

	s, c := math.Sin(lat), math.Cos(lat)
	n := wgs84A / math.Sqrt(1-wgs84E2*s*s)
	var alt float64
	if math.Abs(c) > 1e-10 {
		alt = rho/c - n
	} else {
		alt = math.Abs(z)/math.Abs(s) - n*(1-wgs84E2)
	}

	return Geodetic{LatDeg: lat / deg, LonDeg: lon / deg, AltM: alt}
}
