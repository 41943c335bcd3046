package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamer-doppler/doppler"
	"github.com/dreamer-doppler/doppler/device"
	"github.com/dreamer-doppler/doppler/store"
)

type fakeProbe struct{}

func (fakeProbe) Enumerate() (device.DeviceInfo, error) {
	return device.DeviceInfo{IsUnifiedMemory: true}, nil
}

func newTestServer() *Server {
	engine := doppler.New(store.NewMem(), nil, fakeProbe{}, 1)
	return New(engine)
}

func TestRootHandlerReportsRunning(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInitDeviceHandlerReturnsCapabilities(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/device/init", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var caps device.Capabilities
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caps))
	require.Equal(t, device.TierUnified, caps.Tier)
}

func TestListModelsHandlerEmpty(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"models"`)
}

func TestStorageHandlerReportsUsage(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/storage", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLoadModelHandlerRejectsMissingBody(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/load", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateHandlerRejectsUnloadedModel(t *testing.T) {
	s := newTestServer()
	body, err := json.Marshal(map[string]any{"modelId": "nope", "prompt": "hi"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteModelHandlerMissingModelIsIdempotent(t *testing.T) {
	s := newTestServer()
	body, err := json.Marshal(map[string]any{"modelId": "nope"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodDelete, "/api/delete", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
