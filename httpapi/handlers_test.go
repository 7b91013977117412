package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sdxlforge/orchestrator/cache"
	"github.com/sdxlforge/orchestrator/device"
	"github.com/sdxlforge/orchestrator/ipc"
	"github.com/sdxlforge/orchestrator/pool"
	"github.com/sdxlforge/orchestrator/session"
)

// fakeTransport/fakeLauncher mirror pool's own test doubles (unexported
// there, so duplicated here) to exercise the HTTP surface without a real
// worker subprocess.
type fakeTransport struct{}

func (fakeTransport) Initialize(ctx context.Context) error { return nil }
func (fakeTransport) Call(ctx context.Context, req ipc.Request) (ipc.Response, error) {
	return ipc.Response{Success: true, Payload: map[string]any{"image_paths": []any{"/out/1.png"}}}, nil
}
func (fakeTransport) Healthy() bool                     { return true }
func (fakeTransport) Dispose(ctx context.Context) error { return nil }

type fakeLauncher struct{}

func (fakeLauncher) Launch(ctx context.Context, d device.Device) (ipc.Transport, error) {
	return fakeTransport{}, nil
}

type fixedSizeLoader uint64

func (f fixedSizeLoader) Stage(ctx context.Context, path string) (uint64, error) {
	return uint64(f), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	registry := device.NewRegistry()
	c := cache.New(cache.Config{BudgetBytes: 100 << 30}, fixedSizeLoader(1<<30), nil)
	p := pool.New(registry, c, fakeLauncher{}, 1, nil)

	err := p.Initialize(context.Background(), device.StaticEnumerator{Devices: []device.Device{
		{ID: "gpu_0", Name: "A100", TotalVRAM: 40 << 30, AvailableVRAM: 40 << 30},
	}})
	require.NoError(t, err)

	sm := session.New(p, 0, nil)
	return New(p, c, registry, sm, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLoadModelThenPoolStatusReflectsResidency(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/load_model", loadModelRequest{
		DeviceID: "gpu_0",
		Model:    modelSpecBody{ID: "sdxl-base", Path: "/models/sdxl-base.safetensors", Type: cache.TypeBase},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	require.Equal(t, true, body["success"])

	rec = doJSON(t, h, http.MethodGet, "/api/pool_status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeEnvelope(t, rec)
	data := body["data"].([]any)
	require.Len(t, data, 1)
	row := data[0].(map[string]any)
	require.Equal(t, "sdxl-base", row["CurrentModel"])
}

func TestLoadModelUnknownDeviceReturns404(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/load_model", loadModelRequest{
		DeviceID: "gpu_9",
		Model:    modelSpecBody{ID: "sdxl-base", Path: "/models/sdxl-base.safetensors", Type: cache.TypeBase},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeEnvelope(t, rec)
	require.Equal(t, false, body["success"])
}

func TestRunInferenceCreatesPollsAndCompletesSession(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/run_inference", runInferenceRequest{
		DeviceID:    "gpu_0",
		Model:       modelSpecBody{ID: "sdxl-base", Path: "/models/sdxl-base.safetensors", Type: cache.TypeBase},
		MessageType: ipc.MessageGenerateSDXLEnhanced,
		Payload:     map[string]any{"prompt": "a red cube"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	data := body["data"].(map[string]any)
	sessionID := data["ID"].(string)
	require.NotEmpty(t, sessionID)

	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/api/session_status/"+sessionID, nil)
		body := decodeEnvelope(t, rec)
		data := body["data"].(map[string]any)
		return data["State"] == float64(session.StateCompleted)
	}, time.Second, time.Millisecond, "session never reached Completed")
}

func TestSessionStatusUnknownIDReturns404(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/session_status/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateModelsReportsMissingFile(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/validate_models", validateModelsRequest{
		Paths: []string{"/does/not/exist.safetensors"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	data := body["data"].([]any)
	row := data[0].(map[string]any)
	require.Equal(t, false, row["Exists"])
}

func TestAutoBalanceReturnsEmptyOnBalancedFleet(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/auto_balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	require.Empty(t, body["data"])
}
