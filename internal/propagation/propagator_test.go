package propagation

import (
	"context"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/star/stargnss/internal/tle"
	"github.com/star/stargnss/internal/transform"
)

// GNSS elements near 2024-04-09 12:00 UTC. MEO orbits exercise the
// deep-space branch of the model.
const (
	gpsLine1 = "1 24876U 97035A   24100.50000000 -.00000030  00000-0  00000-0 0  9997"
	gpsLine2 = "2 24876  55.5000 130.0000 0050000 100.0000 260.0000  2.00560000196001"

	galLine1 = "1 40889U 15045A   24100.50000000 -.00000050  00000-0  00000-0 0  9992"
	galLine2 = "2 40889  56.1000  40.0000 0003000  30.0000 330.0000  1.70474000 52009"
)

var target = time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testEntries() []tle.Entry {
	return []tle.Entry{
		{NORADID: 24876, PRN: 13, Name: "GPS BIIR-2  (PRN 13)", Line1: gpsLine1, Line2: gpsLine2},
		{NORADID: 40889, PRN: 24, Name: "GSAT0203 (GALILEO-PRN E24)", Line1: galLine1, Line2: galLine2},
	}
}

// TestPropagateSingle verifies that a GPS satellite lands on a MEO orbit and
// that the ECEF rotation preserves the radius.
func TestPropagateSingle(t *testing.T) {
	prop, err := NewSGP4Propagator(gpsLine1, gpsLine2, 24876)
	if err != nil {
		t.Fatalf("NewSGP4Propagator failed: %v", err)
	}

	teme, err := prop.Propagate(target)
	if err != nil {
		t.Fatalf("Propagate failed: %v", err)
	}

	// A 2 rev/day orbit has a semi-major axis of ~26,560 km.
	mag := teme.Pos.Norm()
	if mag < 26000 || mag > 27200 {
		t.Errorf("TEME position magnitude = %.1f km, expected ~26560 km", mag)
	}

	ecef := transform.TEMEToECEF(teme, target)
	if !transform.ValidOrbit(ecef.Pos) {
		t.Errorf("ECEF position failed validation: %v m", ecef.Pos)
	}
	if math.Abs(ecef.Pos.Norm()/1000-mag) > 0.01 {
		t.Errorf("ECEF magnitude = %.3f km, TEME magnitude = %.3f km (should match)", ecef.Pos.Norm()/1000, mag)
	}
}

// TestPropagateSubSecond verifies sub-second instants are continuous with
// the next whole second.
func TestPropagateSubSecond(t *testing.T) {
	prop, err := NewSGP4Propagator(gpsLine1, gpsLine2, 24876)
	if err != nil {
		t.Fatalf("NewSGP4Propagator failed: %v", err)
	}

	almost, err := prop.Propagate(target.Add(999 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	next, err := prop.Propagate(target.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	base, err := prop.Propagate(target)
	if err != nil {
		t.Fatal(err)
	}

	// Below a meter of extrapolation error, in km.
	if d := almost.Pos.Sub(next.Pos).Norm(); d > 0.01 {
		t.Errorf("extrapolated position %.4f km away from next second", d)
	}
	if d := almost.Pos.Sub(base.Pos).Norm(); d < 1 {
		t.Errorf("extrapolation did not move the satellite (%.4f km)", d)
	}
}

// TestPropagateInvalidTLE verifies that an invalid TLE returns an error.
func TestPropagateInvalidTLE(t *testing.T) {
	if _, err := NewSGP4Propagator("invalid line 1", "invalid line 2", 99999); err == nil {
		t.Fatal("expected error for invalid TLE, got nil")
	}
}

// TestPropagateSubSecondLinear verifies sub-second instants continue the state of
// the whole second below along its velocity.
func TestPropagateSubSecondLinear(t *testing.T) {
	prop, err := NewSGP4Propagator(gpsLine1, gpsLine2, 24876)
	if err != nil {
		t.Fatalf("NewSGP4Propagator failed: %v", err)
	}

	base, err := prop.Propagate(target)
	if err != nil {
		t.Fatalf("Propagate failed: %v", err)
	}
	half, err := prop.Propagate(target.Add(500 * time.Millisecond))
	if err != nil {
		t.Fatalf("Propagate failed: %v", err)
	}

	for i := range base.Pos {
		want := base.Pos[i] + base.Vel[i]*0.5
		if math.Abs(half.Pos[i]-want) > 1e-9 {
			t.Errorf("axis %d: got %.6f km, want %.6f km", i, half.Pos[i], want)
		}
	}
}

// TestWorkerPoolBatch verifies the worker pool processes multiple satellites correctly.
func TestWorkerPoolBatch(t *testing.T) {
	pool := NewWorkerPool(4)

	batch := pool.PropagateBatch(context.Background(), testEntries(), target, nil)
	if len(batch.Failed) > 0 {
		t.Errorf("failures: %v", batch.Failed)
	}
	if len(batch.States) != 2 {
		t.Fatalf("got %d states, want 2", len(batch.States))
	}

	for _, s := range batch.States {
		if !transform.ValidOrbit(s.ECEF.Pos) {
			t.Errorf("NORAD %d: ECEF position failed validation: %v", s.NORADID, s.ECEF.Pos)
		}
		if s.PRN == 0 {
			t.Errorf("NORAD %d: PRN not carried through", s.NORADID)
		}
	}
}

// TestWorkerPoolKeepsOrderAndReportsFailures verifies states come back in
// almanac order and a bad entry is named by PRN instead of dropped silently.
func TestWorkerPoolKeepsOrderAndReportsFailures(t *testing.T) {
	entries := testEntries()
	entries = []tle.Entry{entries[1], {NORADID: 99999, PRN: 31, Line1: "bad", Line2: "bad"}, entries[0]}

	batch := NewWorkerPool(3).PropagateBatch(context.Background(), entries, target, nil)

	if len(batch.Failed) != 1 {
		t.Fatalf("got %d failures, want 1", len(batch.Failed))
	}
	if f := batch.Failed[0]; f.PRN != 31 || f.NORADID != 99999 || f.Err == nil {
		t.Errorf("unexpected failure record: %+v", f)
	}
	if len(batch.States) != 2 || batch.States[0].PRN != 24 || batch.States[1].PRN != 13 {
		t.Errorf("states out of almanac order: %+v", batch.States)
	}
}

// TestWorkerPoolCancellation verifies the worker pool respects context cancellation.
func TestWorkerPoolCancellation(t *testing.T) {
	pool := NewWorkerPool(2)

	entries := make([]tle.Entry, 100)
	for i := range entries {
		entries[i] = tle.Entry{NORADID: 24876 + i, Line1: gpsLine1, Line2: gpsLine2}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := pool.PropagateBatch(ctx, entries, target, nil)
	if len(batch.States) >= len(entries) {
		t.Errorf("expected fewer results with cancelled context, got %d/%d", len(batch.States), len(entries))
	}
}

// TestPropagateSystem verifies per-system propagation, PRN ordering and
// cache rebuilds on dataset change.
func TestPropagateSystem(t *testing.T) {
	store := tle.NewStore()
	entries := testEntries()
	entries[0].PRN, entries[1].PRN = 7, 3
	store.Set(tle.NewDataset("gps", "test", time.Now(), entries))

	prop := NewPropagator(store, PropConfig{Workers: 2}, testLogger())
	states, ds, err := prop.PropagateSystem(context.Background(), "gps", target)
	if err != nil {
		t.Fatalf("PropagateSystem: %v", err)
	}
	if ds != store.Get("gps") {
		t.Error("returned dataset is not the stored one")
	}
	if len(states) != 2 || states[0].PRN != 3 || states[1].PRN != 7 {
		t.Fatalf("states not ordered by PRN: %+v", states)
	}

	first := prop.cachedProps(ds)
	if again := prop.cachedProps(ds); len(again) != len(first) || again[24876] != first[24876] {
		t.Error("cache rebuilt without a dataset change")
	}

	store.Set(tle.NewDataset("gps", "test", time.Now().Add(time.Minute), entries[:1]))
	if rebuilt := prop.cachedProps(store.Get("gps")); len(rebuilt) != 1 {
		t.Errorf("cache not rebuilt after dataset change: %d propagators", len(rebuilt))
	}
}

// TestPropagatorNoDataset verifies error when no TLE data is loaded.
func TestPropagatorNoDataset(t *testing.T) {
	prop := NewPropagator(tle.NewStore(), PropConfig{Workers: 2}, testLogger())
	if _, _, err := prop.PropagateSystem(context.Background(), "glonass", time.Now()); err == nil {
		t.Fatal("expected error when no dataset loaded")
	}
}

// BenchmarkPropagate1000 benchmarks propagating 1000 satellites.
func BenchmarkPropagate1000(b *testing.B) {
	entries := make([]tle.Entry, 1000)
	for i := range entries {
		entries[i] = tle.Entry{NORADID: 24876 + i, PRN: i + 1, Line1: gpsLine1, Line2: gpsLine2}
	}

	store := tle.NewStore()
	store.Set(tle.NewDataset("gps", "bench", time.Now(), entries))

	prop := NewPropagator(store, PropConfig{Workers: 4}, testLogger())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := prop.PropagateSystem(ctx, "gps", target); err != nil {
			b.Fatal(err)
		}
	}
}
