package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mattjoyce/envgate/internal/activation"
	"github.com/mattjoyce/envgate/internal/catalog"
	"github.com/mattjoyce/envgate/internal/events"
	"github.com/mattjoyce/envgate/internal/workspace"
)

type fakeOrchestrator struct {
	envs    []catalog.Candidate
	current *catalog.Candidate

	listErr    error
	setErr     error
	clearErr   error
	refreshErr error

	listCalls    int
	setCalls     int
	clearCalls   int
	refreshCalls int
	lastSetID    string
	lastForce    bool
}

func (f *fakeOrchestrator) List(ctx context.Context, scope workspace.Scope, force bool) ([]catalog.Candidate, error) {
	f.listCalls++
	return f.envs, f.listErr
}

func (f *fakeOrchestrator) Get(ctx context.Context, scope workspace.Scope) (*catalog.Candidate, error) {
	return f.current, nil
}

func (f *fakeOrchestrator) Set(ctx context.Context, scope workspace.Scope, candidate catalog.Candidate, forceReinstall bool) error {
	f.setCalls++
	f.lastSetID = candidate.ID
	f.lastForce = forceReinstall
	if f.setErr != nil {
		return f.setErr
	}
	f.current = &candidate
	return nil
}

func (f *fakeOrchestrator) Clear(ctx context.Context, scope workspace.Scope) error {
	f.clearCalls++
	if f.clearErr != nil {
		return f.clearErr
	}
	f.current = nil
	return nil
}

func (f *fakeOrchestrator) Refresh(ctx context.Context, scope workspace.Scope) error {
	f.refreshCalls++
	return f.refreshErr
}

func (f *fakeOrchestrator) Resolve(ctx context.Context, scope workspace.Scope, path string) (*catalog.Candidate, error) {
	for i := range f.envs {
		if f.envs[i].VenvPath == path {
			return &f.envs[i], nil
		}
	}
	return nil, nil
}

const testAPIKey = "test-key-123"

func newTestServer(t *testing.T, orch Orchestrator) *Server {
	t.Helper()
	scope, err := workspace.NewScope("demo", t.TempDir())
	if err != nil {
		t.Fatalf("new scope: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(
		Config{Listen: "127.0.0.1:0", APIKey: testAPIKey},
		orch,
		map[string]workspace.Scope{"demo": scope},
		events.NewHub(16),
		logger,
	)
}

func doRequest(s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	if authed {
		r.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, r)
	return rec
}

func sampleEnvs() []catalog.Candidate {
	return []catalog.Candidate{
		{
			ID:          "abc1234@def5678",
			Name:        "flask",
			Python:      "3.11.0",
			DisplayName: "flask (3.11.0) | attrs=latest",
			VenvPath:    "/venvs/flask",
			Interpreter: "/venvs/flask/bin/python",
		},
	}
}

func TestHealthzNoAuth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeOrchestrator{})
	rec := doRequest(s, "GET", "/healthz", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rec.Code)
	}

	var resp HealthzResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Workspaces != 1 {
		t.Errorf("healthz = %+v", resp)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeOrchestrator{})
	for _, path := range []string{"/workspaces", "/workspace/demo/envs", "/workspace/demo/current"} {
		rec := doRequest(s, "GET", path, "", false)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without auth = %d, want 401", path, rec.Code)
		}
	}

	rec := doRequest(s, "GET", "/workspaces", "", true)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /workspaces with auth = %d, want 200", rec.Code)
	}
}

func TestUnknownWorkspace(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeOrchestrator{})
	rec := doRequest(s, "GET", "/workspace/nope/envs", "", true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown workspace = %d, want 404", rec.Code)
	}
}

func TestListEnvs(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{envs: sampleEnvs()}
	s := newTestServer(t, orch)

	rec := doRequest(s, "GET", "/workspace/demo/envs", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET envs = %d, want 200", rec.Code)
	}

	var resp EnvsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Envs) != 1 || resp.Envs[0].ID != "abc1234@def5678" {
		t.Errorf("envs = %+v", resp.Envs)
	}
}

func TestGetCurrentNone(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeOrchestrator{})
	rec := doRequest(s, "GET", "/workspace/demo/current", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET current = %d, want 200", rec.Code)
	}

	var resp CurrentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Current != nil {
		t.Errorf("Current = %+v, want nil", resp.Current)
	}
}

func TestSetCurrent(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{envs: sampleEnvs()}
	s := newTestServer(t, orch)

	body := `{"id":"abc1234@def5678","force_reinstall":true}`
	rec := doRequest(s, "PUT", "/workspace/demo/current", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT current = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	if orch.setCalls != 1 || orch.lastSetID != "abc1234@def5678" || !orch.lastForce {
		t.Errorf("Set calls=%d id=%q force=%v", orch.setCalls, orch.lastSetID, orch.lastForce)
	}

	var resp CurrentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Current == nil || resp.Current.ID != "abc1234@def5678" {
		t.Errorf("Current = %+v", resp.Current)
	}
}

func TestSetCurrentValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeOrchestrator{envs: sampleEnvs()})

	if rec := doRequest(s, "PUT", "/workspace/demo/current", "not json", true); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body = %d, want 400", rec.Code)
	}
	if rec := doRequest(s, "PUT", "/workspace/demo/current", `{}`, true); rec.Code != http.StatusBadRequest {
		t.Errorf("missing id = %d, want 400", rec.Code)
	}
	if rec := doRequest(s, "PUT", "/workspace/demo/current", `{"id":"fff0000@fff1111"}`, true); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id = %d, want 404", rec.Code)
	}
}

func TestSetCurrentErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"superseded", context.Canceled, http.StatusConflict},
		{"not usable", activation.ErrNotUsable, http.StatusConflict},
		{"vanished", activation.ErrNotFound, http.StatusNotFound},
		{"build failure", errors.New("pip exploded"), http.StatusBadGateway},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, &fakeOrchestrator{envs: sampleEnvs(), setErr: tc.err})
			rec := doRequest(s, "PUT", "/workspace/demo/current", `{"id":"abc1234@def5678"}`, true)
			if rec.Code != tc.wantCode {
				t.Errorf("PUT current with %v = %d, want %d", tc.err, rec.Code, tc.wantCode)
			}
		})
	}
}

func TestClearCurrent(t *testing.T) {
	t.Parallel()

	envs := sampleEnvs()
	orch := &fakeOrchestrator{envs: envs, current: &envs[0]}
	s := newTestServer(t, orch)

	rec := doRequest(s, "DELETE", "/workspace/demo/current", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE current = %d, want 200", rec.Code)
	}
	if orch.clearCalls != 1 {
		t.Errorf("clearCalls = %d, want 1", orch.clearCalls)
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{envs: sampleEnvs()}
	s := newTestServer(t, orch)

	rec := doRequest(s, "POST", "/workspace/demo/refresh", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST refresh = %d, want 200", rec.Code)
	}
	if orch.refreshCalls != 1 {
		t.Errorf("refreshCalls = %d, want 1", orch.refreshCalls)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeOrchestrator{envs: sampleEnvs()})

	if rec := doRequest(s, "GET", "/workspace/demo/resolve", "", true); rec.Code != http.StatusBadRequest {
		t.Errorf("resolve without path = %d, want 400", rec.Code)
	}

	rec := doRequest(s, "GET", "/workspace/demo/resolve?path=/venvs/flask", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve = %d, want 200", rec.Code)
	}

	var cand catalog.Candidate
	if err := json.Unmarshal(rec.Body.Bytes(), &cand); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cand.ID != "abc1234@def5678" {
		t.Errorf("resolved ID = %q", cand.ID)
	}

	if rec := doRequest(s, "GET", "/workspace/demo/resolve?path=/nowhere", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("resolve miss = %d, want 404", rec.Code)
	}
}

func TestOpenAPIDoc(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeOrchestrator{})
	rec := doRequest(s, "GET", "/openapi.json", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json = %d, want 200", rec.Code)
	}

	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	paths, ok := doc["paths"].(map[string]any)
	if !ok {
		t.Fatal("missing paths object")
	}
	if _, ok := paths["/workspace/demo/current"]; !ok {
		t.Error("missing /workspace/demo/current path item")
	}
}
