package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/star/stargnss/internal/auth"
	"github.com/star/stargnss/internal/sim"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type MockController struct {
	mock.Mock
}

func (m *MockController) ID() string             { return m.Called().String(0) }
func (m *MockController) Strategy() string       { return m.Called().String(0) }
func (m *MockController) SatelliteCap() int      { return m.Called().Int(0) }
func (m *MockController) Pause() error           { return m.Called().Error(0) }
func (m *MockController) Resume() error          { return m.Called().Error(0) }
func (m *MockController) Cancel() error          { return m.Called().Error(0) }
func (m *MockController) State() sim.RunState    { return m.Called().Get(0).(sim.RunState) }
func (m *MockController) Progress() sim.Progress { return m.Called().Get(0).(sim.Progress) }

func (m *MockController) Snapshot() *sim.Snapshot {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*sim.Snapshot)
}

var t0 = time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC)

func testSnapshot() *sim.Snapshot {
	return &sim.Snapshot{
		Interval: sim.Interval{Start: t0, End: t0.Add(100 * time.Millisecond)},
		Visible: map[sim.System][]sim.Observation{
			sim.GPS: {
				{Sat: sim.SatID{System: sim.GPS, PRN: 5}, ElevationDeg: 45, AzimuthDeg: 120, RangeM: 2.1e7, RangeRateMps: -300, Healthy: true, Enabled: true},
				{Sat: sim.SatID{System: sim.GPS, PRN: 13}, ElevationDeg: 12, Healthy: true},
			},
			sim.Galileo: {
				{Sat: sim.SatID{System: sim.Galileo, PRN: 24}, ElevationDeg: 60, Healthy: true, Enabled: true},
			},
		},
	}
}

// stubStatus makes the read-only accessors return a running simulation.
func stubStatus(ctrl *MockController, state sim.RunState) {
	ctrl.On("ID").Return("run-1").Maybe()
	ctrl.On("Strategy").Return("throughput").Maybe()
	ctrl.On("State").Return(state).Maybe()
	ctrl.On("SatelliteCap").Return(7).Maybe()
	ctrl.On("Snapshot").Return(testSnapshot()).Maybe()
	ctrl.On("Progress").Return(sim.Progress{
		Fraction:      0.25,
		SimTime:       t0.Add(15 * time.Second),
		Elapsed:       10 * time.Second,
		Remaining:     30 * time.Second,
		SlicesWritten: 150,
		Underruns:     2,
	}).Maybe()
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatus(t *testing.T) {
	ctrl := &MockController{}
	stubStatus(ctrl, sim.StateRunning)
	h := NewServer(Config{Addr: ":0"}, ctrl, testLogger()).Handler()

	w := do(t, h, "GET", "/api/v1/simulation", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, statusResponse{
		ID:               "run-1",
		Strategy:         "throughput",
		State:            "running",
		Progress:         0.25,
		SimTime:          "2024-04-10T08:00:15Z",
		ElapsedSeconds:   10,
		RemainingSeconds: 30,
		SlicesWritten:    150,
		Underruns:        2,
		SatelliteCap:     7,
		Visible:          3,
	}, got)
}

func TestSnapshot(t *testing.T) {
	ctrl := &MockController{}
	stubStatus(ctrl, sim.StateRunning)
	h := NewServer(Config{}, ctrl, testLogger()).Handler()

	w := do(t, h, "GET", "/api/v1/simulation/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all snapshotResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&all))
	assert.Equal(t, 3, all.Count)
	assert.Equal(t, "2024-04-10T08:00:00Z", all.IntervalStart)
	require.Len(t, all.Systems["GPS"], 2)
	assert.Equal(t, observationJSON{Sat: "G05", PRN: 5, ElevationDeg: 45, AzimuthDeg: 120, RangeM: 2.1e7, RangeRateMps: -300, Healthy: true, Enabled: true}, all.Systems["GPS"][0])

	w = do(t, h, "GET", "/api/v1/simulation/snapshot/galileo", "")
	require.Equal(t, http.StatusOK, w.Code)
	var gal snapshotResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&gal))
	assert.Equal(t, 1, gal.Count)
	assert.Len(t, gal.Systems, 1)
	assert.Equal(t, "E24", gal.Systems["Galileo"][0].Sat)

	w = do(t, h, "GET", "/api/v1/simulation/snapshot/navic", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshotEmpty(t *testing.T) {
	ctrl := &MockController{}
	ctrl.On("Snapshot").Return(nil)
	h := NewServer(Config{}, ctrl, testLogger()).Handler()

	w := do(t, h, "GET", "/api/v1/simulation/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got snapshotResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Zero(t, got.Count)
	assert.Empty(t, got.Systems)
}

func TestControl(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		method     string
		err        error
		wantStatus int
	}{
		{"pause", "/api/v1/simulation/pause", "Pause", nil, http.StatusAccepted},
		{"resume", "/api/v1/simulation/resume", "Resume", nil, http.StatusAccepted},
		{"cancel", "/api/v1/simulation/cancel", "Cancel", nil, http.StatusAccepted},
		{"invalid state", "/api/v1/simulation/resume", "Resume", fmt.Errorf("resume from running: %w", sim.ErrInvalidState), http.StatusConflict},
		{"unsupported", "/api/v1/simulation/pause", "Pause", fmt.Errorf("pause a live trajectory: %w", sim.ErrUnsupported), http.StatusNotImplemented},
		{"other failure", "/api/v1/simulation/cancel", "Cancel", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &MockController{}
			stubStatus(ctrl, sim.StatePaused)
			ctrl.On(tt.method).Return(tt.err).Once()
			h := NewServer(Config{}, ctrl, testLogger()).Handler()

			w := do(t, h, "POST", tt.path, "")
			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			if tt.err != nil {
				assert.Contains(t, body["error"], tt.err.Error())
			} else {
				assert.Equal(t, "paused", body["state"])
			}
			ctrl.AssertExpectations(t)
		})
	}
}

func TestControlRequiresToken(t *testing.T) {
	ctrl := &MockController{}
	stubStatus(ctrl, sim.StateRunning)
	ctrl.On("Cancel").Return(nil).Once()
	h := NewServer(Config{Auth: auth.Config{Enabled: true, Token: "tok"}}, ctrl, testLogger()).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, "POST", "/api/v1/simulation/cancel", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/api/v1/simulation", "").Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, "POST", "/api/v1/simulation/cancel", "tok").Code)
	ctrl.AssertNumberOfCalls(t, "Cancel", 1)
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		state sim.RunState
		want  int
	}{
		{sim.StateReady, http.StatusOK},
		{sim.StateInitializing, http.StatusOK},
		{sim.StateRunning, http.StatusOK},
		{sim.StatePausing, http.StatusOK},
		{sim.StatePaused, http.StatusOK},
		{sim.StateCancelling, http.StatusServiceUnavailable},
		{sim.StateCancelled, http.StatusServiceUnavailable},
		{sim.StateFinished, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			ctrl := &MockController{}
			ctrl.On("State").Return(tt.state)
			h := NewServer(Config{}, ctrl, testLogger()).Handler()
			assert.Equal(t, tt.want, do(t, h, "GET", "/readyz", "").Code)
			assert.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz", "").Code)
		})
	}
}

// TestEventsRoute verifies the event stream is mounted, public, and can
// flush through the middleware chain.
func TestEventsRoute(t *testing.T) {
	ctrl := &MockController{}
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {}\n\n"))
		w.(http.Flusher).Flush()
	})
	h := NewServer(Config{Auth: auth.Config{Enabled: true, Token: "tok"}, Events: events}, ctrl, testLogger()).Handler()

	w := do(t, h, "GET", "/api/v1/simulation/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, w.Flushed)
	assert.Equal(t, "data: {}\n\n", w.Body.String())

	bare := NewServer(Config{}, ctrl, testLogger()).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, bare, "GET", "/api/v1/simulation/events", "").Code)
}

func TestUnknownMethod(t *testing.T) {
	ctrl := &MockController{}
	h := NewServer(Config{}, ctrl, testLogger()).Handler()
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, "GET", "/api/v1/simulation/cancel", "").Code)
}
