package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/stormaudio-controller/internal/model"
	"github.com/thatsimonsguy/stormaudio-controller/internal/poller"
	"github.com/thatsimonsguy/stormaudio-controller/internal/transport"
)

type fakeController struct {
	mu    sync.Mutex
	snap  model.DeviceSnapshot
	calls []string
	err   error
}

func newFakeController() *fakeController {
	vol := -42.0
	muted := false
	input := 2
	return &fakeController{snap: model.DeviceSnapshot{
		Power:     model.PowerOn,
		Processor: model.ProcessorOn,
		VolumeDB:  &vol,
		Muted:     &muted,
		InputID:   &input,
		Inputs:    []model.Input{{ID: 1, Name: "Apple TV"}, {ID: 2, Name: "Kaleidescape"}},
		Available: true,
		Mode:      model.ModeNormal,
	}}
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Snapshot() model.DeviceSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Clone()
}

func (f *fakeController) Refresh(context.Context) model.DeviceSnapshot {
	_ = f.record("refresh")
	return f.Snapshot()
}

func (f *fakeController) SetPower(_ context.Context, on bool) error {
	return f.record(fmt.Sprintf("power:%t", on))
}

func (f *fakeController) SetVolume(_ context.Context, level float64) error {
	return f.record(fmt.Sprintf("volume:%.2f", level))
}

func (f *fakeController) VolumeUp(context.Context) error   { return f.record("volume_up") }
func (f *fakeController) VolumeDown(context.Context) error { return f.record("volume_down") }

func (f *fakeController) SetMute(_ context.Context, muted bool) error {
	return f.record(fmt.Sprintf("mute:%t", muted))
}

func (f *fakeController) ToggleMute(context.Context) error { return f.record("mute_toggle") }

func (f *fakeController) SelectInput(_ context.Context, source string) error {
	if source == "Laserdisc" {
		return fmt.Errorf("%w: %q", poller.ErrUnknownInput, source)
	}
	return f.record("input:" + source)
}

func (f *fakeController) NextInput(context.Context) error { return f.record("input_next") }
func (f *fakeController) PrevInput(context.Context) error { return f.record("input_prev") }

func (f *fakeController) SelectPreset(_ context.Context, id int) error {
	return f.record(fmt.Sprintf("preset:%d", id))
}

func (f *fakeController) SetDim(_ context.Context, on bool) error {
	return f.record(fmt.Sprintf("dim:%t", on))
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := NewServer(newFakeController())

	w := do(t, s, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("x-request-id"))
}

func TestGetSnapshot(t *testing.T) {
	s := NewServer(newFakeController())

	w := do(t, s, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "on", body["power_state"])
	assert.Equal(t, "on", body["processor_state"])
	assert.Equal(t, -42.0, body["volume_db"])
	assert.InDelta(t, 0.58, body["volume_level"], 0.0001)
	assert.Equal(t, "Kaleidescape", body["source"])
	assert.Equal(t, []any{"Apple TV", "Kaleidescape"}, body["source_list"])
	assert.Equal(t, "on", body["media_state"])
	assert.Equal(t, "normal", body["mode"])
	assert.Equal(t, true, body["available"])
	assert.Nil(t, body["preset_id"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := NewServer(newFakeController())

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	req.Header.Set("x-request-id", "abc-123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get("x-request-id"))
}

func TestRefreshReportsUnavailable(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(ctrl)

	w := do(t, s, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusOK, w.Code)

	ctrl.mu.Lock()
	ctrl.snap.Available = false
	ctrl.mu.Unlock()

	w = do(t, s, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, []string{"refresh", "refresh"}, ctrl.recorded())
}

func TestControls(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		call   string
	}{
		{"power on", http.MethodPut, "/api/power", `{"on": true}`, "power:true"},
		{"power off", http.MethodPut, "/api/power", `{"on": false}`, "power:false"},
		{"volume", http.MethodPut, "/api/volume", `{"level": 0.25}`, "volume:0.25"},
		{"volume up", http.MethodPost, "/api/volume/up", "", "volume_up"},
		{"volume down", http.MethodPost, "/api/volume/down", "", "volume_down"},
		{"mute", http.MethodPut, "/api/mute", `{"muted": true}`, "mute:true"},
		{"mute toggle", http.MethodPost, "/api/mute/toggle", "", "mute_toggle"},
		{"input by name", http.MethodPut, "/api/input", `{"source": "Apple TV"}`, "input:Apple TV"},
		{"input next", http.MethodPost, "/api/input/next", "", "input_next"},
		{"input prev", http.MethodPost, "/api/input/prev/", "", "input_prev"},
		{"preset", http.MethodPut, "/api/preset", `{"id": 4}`, "preset:4"},
		{"dim", http.MethodPut, "/api/dim", `{"on": true}`, "dim:true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			s := NewServer(ctrl)

			w := do(t, s, tt.method, tt.path, tt.body)

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, []string{tt.call}, ctrl.recorded())

			var body SnapshotResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, model.PowerOn, body.Power)
		})
	}
}

func TestControlValidation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"bad json", http.MethodPut, "/api/power", `{"on":`, http.StatusBadRequest},
		{"missing power", http.MethodPut, "/api/power", `{}`, http.StatusBadRequest},
		{"missing level", http.MethodPut, "/api/volume", `{}`, http.StatusBadRequest},
		{"level too high", http.MethodPut, "/api/volume", `{"level": 1.5}`, http.StatusBadRequest},
		{"level negative", http.MethodPut, "/api/volume", `{"level": -0.1}`, http.StatusBadRequest},
		{"missing muted", http.MethodPut, "/api/mute", `{"on": true}`, http.StatusBadRequest},
		{"empty source", http.MethodPut, "/api/input", `{"source": ""}`, http.StatusBadRequest},
		{"unknown input", http.MethodPut, "/api/input", `{"source": "Laserdisc"}`, http.StatusNotFound},
		{"missing preset", http.MethodPut, "/api/preset", `{}`, http.StatusBadRequest},
		{"missing dim", http.MethodPut, "/api/dim", `{}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/power", "", http.StatusMethodNotAllowed},
		{"unknown route", http.MethodGet, "/api/zones", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			s := NewServer(ctrl)

			w := do(t, s, tt.method, tt.path, tt.body)

			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Empty(t, ctrl.recorded())
		})
	}
}

func TestErrorResponseCarriesRequestID(t *testing.T) {
	s := NewServer(newFakeController())

	req := httptest.NewRequest(http.MethodPut, "/api/input", bytes.NewReader([]byte(`{"source": "Laserdisc"}`)))
	req.Header.Set("x-request-id", "req-42")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "unknown input")
	assert.Equal(t, "req-42", body.RequestID)
}

func TestDeviceFailureIsBadGateway(t *testing.T) {
	ctrl := newFakeController()
	ctrl.err = &transport.Error{Op: "connect", Err: fmt.Errorf("connection refused")}
	s := NewServer(ctrl)

	w := do(t, s, http.MethodPost, "/api/mute/toggle", "")

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "connection refused")
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(newFakeController())

	w := do(t, s, http.MethodOptions, "/api/volume", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
