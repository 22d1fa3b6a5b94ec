package controlhttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetryhealth "github.com/99souls/mswitch/controller/telemetry/health"
)

type stubSwitcher struct {
	ids []string
	err error
}

func (s *stubSwitcher) EnqueueSwitch(id string) error {
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, id)
	return nil
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSwitchPathForm(t *testing.T) {
	sw := &stubSwitcher{}
	h := NewHandler(Options{Switcher: sw})
	rec := doRequest(h, http.MethodPost, "/switch/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1", body["source"])
	require.Equal(t, []string{"1"}, sw.ids)
}

func TestSwitchJSONForm(t *testing.T) {
	sw := &stubSwitcher{}
	h := NewHandler(Options{Switcher: sw})
	rec := doRequest(h, http.MethodPost, "/switch", `{"source":"s2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "s2", body["source"])
	require.Equal(t, []string{"s2"}, sw.ids)
}

func TestSwitchRejectsGarbage(t *testing.T) {
	sw := &stubSwitcher{}
	h := NewHandler(Options{Switcher: sw})

	rec := doRequest(h, http.MethodPost, "/switch", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", decode(t, rec)["status"])

	rec = doRequest(h, http.MethodPost, "/switch", `{"source":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(h, http.MethodGet, "/switch/1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, sw.ids)
}

func TestSwitchSurfacesEnqueueError(t *testing.T) {
	sw := &stubSwitcher{err: errors.New("command queue full")}
	h := NewHandler(Options{Switcher: sw})
	rec := doRequest(h, http.MethodPost, "/switch/1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["message"], "queue full")
}

func TestDefaultPathReturnsOKBody(t *testing.T) {
	h := NewHandler(Options{Switcher: &stubSwitcher{}})
	rec := doRequest(h, http.MethodGet, "/anything", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestStatusEndpoint(t *testing.T) {
	h := NewHandler(Options{
		Switcher: &stubSwitcher{},
		Status:   func() any { return map[string]int{"active_index": 2} },
	})
	rec := doRequest(h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["active_index"])
}

func TestHealthAndReadiness(t *testing.T) {
	eval := telemetryhealth.NewEvaluator(0, telemetryhealth.Inputs{
		Sources: func() (int, []telemetryhealth.SourceState) {
			return 0, []telemetryhealth.SourceState{
				{ID: "s0", Healthy: false},
				{ID: "s1", Healthy: true},
			}
		},
	})
	h := NewHandler(Options{Switcher: &stubSwitcher{}, Health: eval})

	rec := doRequest(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "unhealthy", body["overall"])
	assert.Equal(t, "s0", body["active_source"])

	rec = doRequest(h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, decode(t, rec)["ready"])
}
