package transform

import (
	"math"
	"time"
)

const (
	// j2000 is the Julian Date of the J2000.0 epoch.
	j2000 = 2451545.0
	// OmegaEarth is Earth's rotation rate in rad/s (WGS-84).
	OmegaEarth = 7.2921151467e-5
	// secondsPerWeek is the length of a GNSS week.
	secondsPerWeek = 7 * 24 * 3600
)

// gpsEpoch is the start of GPS week 0.
var gpsEpoch = time.Date(1980, 1, 6, 0, 0, 0, 0, time.UTC)

// gpsLeapSeconds is GPS-UTC since 2017-01-01. Simulated intervals before
// that date are shifted by the current value; the error is irrelevant for
// visibility and Doppler.
const gpsLeapSeconds = 18

// JulianDate converts a UTC time to a Julian Date.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	y := float64(t.Year())
	m := float64(t.Month())
	d := float64(t.Day())
	frac := (float64(t.Hour()) +
		float64(t.Minute())/60 +
		(float64(t.Second())+float64(t.Nanosecond())/1e9)/3600) / 24

	if m <= 2 {
		y--
		m += 12
	}
	a := math.Floor(y / 100)
	b := 2 - a + math.Floor(a/4)

	return math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + d + b - 1524.5 + frac
}

// GMST returns Greenwich Mean Sidereal Time in radians (IAU-82, Vallado 3-47).
func GMST(t time.Time) float64 {
	tu := (JulianDate(t) - j2000) / 36525.0

	sec := 67310.54841 +
		(876600*3600+8640184.812866)*tu +
		0.093104*tu*tu -
		6.2e-6*tu*tu*tu

	sec = math.Mod(sec, 86400)
	if sec < 0 {
		sec += 86400
	}
	return sec / 86400 * 2 * math.Pi
}

// GPSTime returns the GPS week number and seconds of week for a UTC time.
func GPSTime(t time.Time) (week int, tow float64) {
	d := t.UTC().Sub(gpsEpoch) + gpsLeapSeconds*time.Second
	secs := d.Seconds()
	week = int(math.Floor(secs / secondsPerWeek))
	tow = secs - float64(week)*secondsPerWeek
	return week, tow
}
