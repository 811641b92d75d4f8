// Package passes predicts when satellites are above a receiver's elevation
// mask. GNSS orbits are slow, so a coarse scan finds every crossing and a
// bisection pins it down to the second.
package passes

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/star/stargnss/internal/propagation"
	"github.com/star/stargnss/internal/tle"
	"github.com/star/stargnss/internal/transform"
)

// Pass is one interval during which a satellite is above the mask.
type Pass struct {
	Rise            time.Time `json:"rise"`
	Culmination     time.Time `json:"culmination"`
	Set             time.Time `json:"set"`
	MaxElevationDeg float64   `json:"max_elevation_deg"`
	RiseAzimuthDeg  float64   `json:"rise_azimuth_deg"`
	SetAzimuthDeg   float64   `json:"set_azimuth_deg"`
	// RisenBefore and SetsAfter mark passes cut by the request window.
	RisenBefore bool `json:"risen_before,omitempty"`
	SetsAfter   bool `json:"sets_after,omitempty"`
}

// Duration returns Set - Rise.
func (p Pass) Duration() time.Duration { return p.Set.Sub(p.Rise) }

// SatellitePasses holds the passes of one satellite.
type SatellitePasses struct {
	NORADID int    `json:"norad_id"`
	PRN     int    `json:"prn"`
	Name    string `json:"name"`
	Passes  []Pass `json:"passes"`
	Error   string `json:"error,omitempty"`
}

// Request describes a prediction.
type Request struct {
	Receiver     transform.Geodetic
	Entries      []tle.Entry
	Start, End   time.Time
	MinElevation float64       // degrees
	Step         time.Duration // coarse scan step (default: 1m)
	MaxPasses    int           // per satellite, 0 = unlimited
	Workers      int           // default: runtime.NumCPU()
}

const resolution = time.Second

// Predict computes the passes of every entry in req. Satellites are scanned
// concurrently on a bounded number of goroutines; results keep the order of
// req.Entries.
func Predict(ctx context.Context, req Request) []SatellitePasses {
	if req.Step <= 0 {
		req.Step = time.Minute
	}
	workers := req.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	rx := transform.NewObserver(req.Receiver.ECEF(), transform.Vec3{})

	results := make([]SatellitePasses, len(req.Entries))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, entry := range req.Entries {
		results[i] = SatellitePasses{NORADID: entry.NORADID, PRN: entry.PRN, Name: entry.Name}

		wg.Add(1)
		go func(res *SatellitePasses, e tle.Entry) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				res.Error = "cancelled"
				return
			}

			passes, err := scan(ctx, req, rx, e)
			if err != nil {
				res.Error = err.Error()
				return
			}
			res.Passes = passes
		}(&results[i], entry)
	}

	wg.Wait()
	return results
}

// sky evaluates one satellite's look angles.
type sky struct {
	prop *propagation.SGP4Propagator
	rx   transform.Observer
}

func (s sky) look(t time.Time) (transform.LookAngles, error) {
	teme, err := s.prop.Propagate(t)
	if err != nil {
		return transform.LookAngles{}, err
	}
	return s.rx.Look(transform.TEMEToECEF(teme, t).Pos), nil
}

// scan walks [Start, End] in Step increments and refines every mask
// crossing.
func scan(ctx context.Context, req Request, rx transform.Observer, e tle.Entry) ([]Pass, error) {
	prop, err := propagation.NewSGP4Propagator(e.Line1, e.Line2, e.NORADID)
	if err != nil {
		return nil, fmt.Errorf("sgp4 init: %w", err)
	}
	s := sky{prop: prop, rx: rx}
	above := func(la transform.LookAngles) bool { return la.ElevationDeg >= req.MinElevation }

	var (
		passes []Pass
		cur    *Pass
	)
	t := req.Start
	la, err := s.look(t)
	if err != nil {
		return nil, err
	}
	if above(la) {
		cur = &Pass{Rise: t, RiseAzimuthDeg: la.AzimuthDeg, RisenBefore: true, MaxElevationDeg: la.ElevationDeg, Culmination: t}
	}

	for t.Before(req.End) {
		if ctx.Err() != nil {
			return passes, ctx.Err()
		}
		prev := t
		t = t.Add(req.Step)
		if t.After(req.End) {
			t = req.End
		}
		if la, err = s.look(t); err != nil {
			return nil, err
		}

		switch up := above(la); {
		case up && cur == nil:
			rise, rla, err := s.crossing(prev, t, req.MinElevation, true)
			if err != nil {
				return nil, err
			}
			cur = &Pass{Rise: rise, RiseAzimuthDeg: rla.AzimuthDeg, MaxElevationDeg: rla.ElevationDeg, Culmination: rise}
		case !up && cur != nil:
			set, sla, err := s.crossing(prev, t, req.MinElevation, false)
			if err != nil {
				return nil, err
			}
			cur.Set, cur.SetAzimuthDeg = set, sla.AzimuthDeg
			passes = append(passes, *cur)
			cur = nil
			if req.MaxPasses > 0 && len(passes) >= req.MaxPasses {
				return passes, nil
			}
			continue
		}
		if cur != nil && la.ElevationDeg > cur.MaxElevationDeg {
			cur.MaxElevationDeg, cur.Culmination = la.ElevationDeg, t
		}
	}

	if cur != nil {
		cur.Set, cur.SetAzimuthDeg, cur.SetsAfter = req.End, la.AzimuthDeg, true
		passes = append(passes, *cur)
	}
	return passes, nil
}

// crossing bisects (a, b] for the first instant on the "up" side of the mask
// when rising, or the last one when setting, and returns its look angles.
func (s sky) crossing(a, b time.Time, mask float64, rising bool) (time.Time, transform.LookAngles, error) {
	for b.Sub(a) > resolution {
		mid := a.Add(b.Sub(a) / 2).Truncate(resolution)
		if !mid.After(a) {
			mid = a.Add(resolution)
		}
		la, err := s.look(mid)
		if err != nil {
			return time.Time{}, la, err
		}
		if (la.ElevationDeg >= mask) == rising {
			b = mid
		} else {
			a = mid
		}
	}
	t := b
	if !rising {
		t = a
	}
	la, err := s.look(t)
	return t, la, err
}
