package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/psantana5/taskgate/pkg/api"
	"github.com/psantana5/taskgate/pkg/auth"
	"github.com/psantana5/taskgate/pkg/coordinator"
	"github.com/psantana5/taskgate/pkg/engine"
	"github.com/psantana5/taskgate/pkg/metrics"
	"github.com/psantana5/taskgate/pkg/ratelimit"
	"github.com/psantana5/taskgate/pkg/services"
	"github.com/psantana5/taskgate/pkg/store"
)

type testServer struct {
	router http.Handler
	store  *store.MemoryStore
	engine *engine.Local
}

type serverOption func(*api.Handler, *api.RouterOptions)

func newTestServer(t *testing.T, resumer engine.Resumer, opts ...serverOption) *testServer {
	t.Helper()

	s := store.NewMemoryStore()
	m := metrics.New()
	copts := coordinator.Options{Metrics: m}
	registrar := coordinator.NewRegistrar(s, coordinator.Config{}, copts)
	local := engine.NewLocal(registrar.EngineRegistry(), nil, nil, engine.LocalConfig{})
	if resumer == nil {
		resumer = local
	}
	resolver := coordinator.NewResolver(s, resumer, coordinator.Config{}, copts)

	h := api.NewHandler(registrar, resolver, nil)
	h.SetServices(services.New(auth.NewSecretCache(auth.StaticSource("svc-secret")), services.Config{}, nil, m))
	ropts := api.RouterOptions{Metrics: m.Handler(), Engine: local}
	for _, opt := range opts {
		opt(h, &ropts)
	}
	return &testServer{router: api.NewRouter(h, ropts), store: s, engine: local}
}

func (ts *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSuspensionRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	body := `{"correlationKey":"PROJ-1","resumptionHandle":"handle-abcdefgh","executionRef":"exec-1","ttlSeconds":60}`

	w := ts.do(t, "POST", "/api/v1/suspensions", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["resumptionHandle"]; got != "handle***" {
		t.Errorf("Expected redacted handle, got %v", got)
	}

	if w := ts.do(t, "POST", "/api/v1/suspensions", body); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate key, got %d", w.Code)
	}
	if w := ts.do(t, "POST", "/api/v1/suspensions", `{"correlationKey":"PROJ-2"}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing handle, got %d", w.Code)
	}
	if w := ts.do(t, "POST", "/api/v1/suspensions", `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", w.Code)
	}

	w = ts.do(t, "GET", "/api/v1/suspensions/PROJ-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "handle-abcdefgh") {
		t.Errorf("Full handle leaked: %s", w.Body.String())
	}

	for i := 0; i < 2; i++ {
		if w := ts.do(t, "DELETE", "/api/v1/suspensions/PROJ-1", ""); w.Code != http.StatusNoContent {
			t.Errorf("Delete %d: expected 204, got %d", i, w.Code)
		}
	}

	w = ts.do(t, "GET", "/api/v1/suspensions/PROJ-1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 after delete, got %d", w.Code)
	}
	if decode(t, w)["details"] != coordinator.NotFoundGuidance {
		t.Errorf("Expected guidance in 404 body: %s", w.Body.String())
	}
}

func TestCallbackResumesLocalExecution(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, "POST", "/api/v1/engine/executions", `{"correlationKey":"PROJ-10"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 from engine start, got %d: %s", w.Code, w.Body.String())
	}
	execRef, _ := decode(t, w)["executionRef"].(string)

	w = ts.do(t, "POST", "/api/v1/callback", `{"jiraStoryId":"PROJ-10","message":"approved","status":"Done"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode(t, w)
	if res["message"] != "Callback processed successfully" || res["status"] != "success" || res["executionRef"] != execRef {
		t.Errorf("Unexpected resolution: %v", res)
	}

	w = ts.do(t, "GET", "/api/v1/engine/executions/"+execRef, "")
	if got := decode(t, w)["status"]; got != string(engine.StatusSucceeded) {
		t.Errorf("Expected execution SUCCEEDED, got %v", got)
	}

	w = ts.do(t, "POST", "/api/v1/callback", `{"correlationKey":"PROJ-10","detail":"again"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 on second callback, got %d", w.Code)
	}
	body := decode(t, w)
	if body["error"] != "No active workflow found for correlation key: PROJ-10" {
		t.Errorf("Unexpected not-found message: %v", body["error"])
	}
	if body["details"] != coordinator.NotFoundGuidance {
		t.Errorf("Expected guidance, got %v", body["details"])
	}
}

func TestCallbackFailureOutcome(t *testing.T) {
	ts := newTestServer(t, nil)

	exec, err := ts.engine.Start(context.Background(), "PROJ-11", 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w := ts.do(t, "POST", "/api/v1/callback", `{"correlationKey":"PROJ-11","detail":"rejected by reviewer","status":"blocked"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, err := ts.engine.Get(exec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != engine.StatusFailed || got.Error != engine.FailureKindCallback || got.Cause != "rejected by reviewer" {
		t.Errorf("Unexpected execution: %+v", got)
	}
}

func TestCallbackValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing key", `{"detail":"x"}`, "Missing required parameter: correlationKey"},
		{"missing detail", `{"correlationKey":"PROJ-1"}`, "Missing required parameter: detail"},
		{"bad body", `[`, "Invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", "/api/v1/callback", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d", w.Code)
			}
			if got := decode(t, w)["error"]; got != tt.want {
				t.Errorf("Expected %q, got %v", tt.want, got)
			}
		})
	}
}

type brokenResumer struct{}

func (brokenResumer) ResolveSuccess(ctx context.Context, handle string, payload []byte) error {
	return errors.New("engine unavailable")
}

func (brokenResumer) ResolveFailure(ctx context.Context, handle, errorKind, cause string) error {
	return errors.New("engine unavailable")
}

func TestCallbackInternalErrorKeepsSuspension(t *testing.T) {
	ts := newTestServer(t, brokenResumer{})

	w := ts.do(t, "POST", "/api/v1/suspensions", `{"correlationKey":"PROJ-20","resumptionHandle":"h-1234567","executionRef":"e-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}

	w = ts.do(t, "POST", "/api/v1/callback", `{"correlationKey":"PROJ-20","detail":"done"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["error"] != "Internal server error" || body["details"] != "Failed to process callback" {
		t.Errorf("Unexpected 500 body: %v", body)
	}
	if strings.Contains(w.Body.String(), "engine unavailable") {
		t.Errorf("Internal cause leaked: %s", w.Body.String())
	}

	if w := ts.do(t, "GET", "/api/v1/suspensions/PROJ-20", ""); w.Code != http.StatusOK {
		t.Errorf("Expected suspension to survive a failed resume, got %d", w.Code)
	}
}

func TestServiceRoutes(t *testing.T) {
	verifier, err := auth.NewKeyVerifier("api-key", "")
	if err != nil {
		t.Fatalf("NewKeyVerifier failed: %v", err)
	}
	ts := newTestServer(t, nil, func(h *api.Handler, o *api.RouterOptions) { o.APIKey = verifier })

	w := ts.do(t, "POST", "/api/v1/services/validation", `{"correlationKey":"PROJ-1","packageIds":["a1","a10"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for internal invocation, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["validationStatus"]; got != "FAILED" {
		t.Errorf("Expected FAILED, got %v", got)
	}

	w = ts.do(t, "POST", "/api/v1/services/notification", `{"correlationKey":"PROJ-1","message":"hi"}`,
		"Authorization", "Bearer svc-secret")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with service secret, got %d", w.Code)
	}

	w = ts.do(t, "POST", "/api/v1/services/deployment", `{"correlationKey":"PROJ-1","packageIds":["p5"]}`,
		"Authorization", "Bearer api-key")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 with wrong service secret, got %d", w.Code)
	}
	if body := decode(t, w); body["error"] != "Unauthorized" || body["message"] != "Invalid bearer token" {
		t.Errorf("Unexpected 401 body: %v", body)
	}

	if w := ts.do(t, "POST", "/api/v1/services/validation", `{"correlationKey":"PROJ-1"}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without packageIds, got %d", w.Code)
	}
	if w := ts.do(t, "POST", "/api/v1/services/billing", `{}`); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown service, got %d", w.Code)
	}
}

func TestAPIKeyGuardsCoordinatorRoutes(t *testing.T) {
	verifier, err := auth.NewKeyVerifier("api-key", "")
	if err != nil {
		t.Fatalf("NewKeyVerifier failed: %v", err)
	}
	ts := newTestServer(t, nil, func(h *api.Handler, o *api.RouterOptions) { o.APIKey = verifier })

	if w := ts.do(t, "GET", "/api/v1/stats", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}
	if w := ts.do(t, "GET", "/api/v1/stats", "", "Authorization", "Bearer api-key"); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", w.Code)
	}
	if w := ts.do(t, "GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("Expected open /health, got %d", w.Code)
	}
	w := ts.do(t, "GET", "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "taskgate_suspensions_registered_total") {
		t.Errorf("Expected open /metrics with coordinator counters, got %d", w.Code)
	}
}

func TestCallbackRateLimit(t *testing.T) {
	ts := newTestServer(t, nil, func(h *api.Handler, o *api.RouterOptions) {
		h.SetRateLimiter(ratelimit.NewLimiter(0.001, 1))
	})

	if w := ts.do(t, "POST", "/api/v1/callback", `{"correlationKey":"PROJ-1","detail":"x"}`); w.Code != http.StatusNotFound {
		t.Fatalf("Expected first callback to pass the limiter, got %d", w.Code)
	}
	w := ts.do(t, "POST", "/api/v1/callback", `{"correlationKey":"PROJ-1","detail":"x"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "GET", "/health", "", "X-Request-ID", "req-42")
	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("Expected request id echoed, got %q", got)
	}
}
