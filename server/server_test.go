package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/observability"
	"github.com/aofdev/aof/workflow"
)

func noopWorkflow(t *testing.T) *workflow.Executor {
	t.Helper()
	exec, err := workflow.NewExecutor(&config.WorkflowConfig{
		Name:       "noop",
		Entrypoint: "done",
		Steps:      []config.StepConfig{{Name: "done", Type: config.StepTerminal}},
	}, nil)
	require.NoError(t, err)
	return exec
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := New(nil)
	rec := do(t, s.Router(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(nil, WithMetrics(observability.New()))
	rec := do(t, s.Router(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	// Without metrics the route is absent.
	bare := New(nil)
	rec = do(t, bare.Router(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowEndpoint(t *testing.T) {
	s := New(nil, WithWorkflow(noopWorkflow(t)))
	router := s.Router()

	rec := do(t, router, http.MethodPost, "/workflow/noop", `{"input":{"service":"api"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)
	assert.Contains(t, rec.Body.String(), `"run_id"`)

	rec = do(t, router, http.MethodPost, "/workflow/missing", `{"input":{}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPost, "/workflow/noop", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEndpointRoundTrip(t *testing.T) {
	s := New(nil, WithWorkflow(noopWorkflow(t)))
	router := s.Router()

	rec := do(t, router, http.MethodPost, "/workflow/noop", `{"input":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)

	rec = do(t, router, http.MethodGet, "/run/"+resp.RunID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"workflow"`)

	rec = do(t, router, http.MethodGet, "/run/unknown-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookUnknownPlatform(t *testing.T) {
	s := New(nil)
	rec := do(t, s.Router(), http.MethodPost, "/webhook/slack", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no trigger for platform")
}

func TestFleetEndpointValidation(t *testing.T) {
	s := New(nil)
	router := s.Router()

	rec := do(t, router, http.MethodPost, "/fleet/sre", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/fleet/sre", `{"input":"check pods"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSHeaders(t *testing.T) {
	s := New(nil, WithCORS("https://ops.example.com"))
	router := s.Router()

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
