package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/martinemde/debugagent/agentloop"
	"github.com/martinemde/debugagent/investigation"
	"github.com/martinemde/debugagent/llm"
	"github.com/martinemde/debugagent/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type gatewayFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)

func (f gatewayFunc) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}

// echoGateway answers by quoting the user turn.
var echoGateway = gatewayFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Message: llm.AssistantMessage("done: " + req.Messages[1].Content)}, nil
})

func newTestServer(t *testing.T, defaults investigation.Target) (*Server, *store.DB) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	inv := investigation.New(echoGateway, agentloop.NewRegistry(), agentloop.DefaultConfig(), investigation.WithRecorder(db))
	return New(context.Background(), inv, db, defaults, nil), db
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
}

var defaults = investigation.Target{FunctionName: "score-api", ProjectID: "acme-prod", Repo: "acme/score-api", BaseBranch: "main"}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, defaults)
	w := do(t, s, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("unexpected health response %d %s", w.Code, w.Body.String())
	}
}

func TestStartAndInspectInvestigation(t *testing.T) {
	s, _ := newTestServer(t, defaults)

	w := do(t, s, http.MethodPost, "/api/v1/investigations", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", w.Code, w.Body.String())
	}
	var started struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, w, &started)
	if started.ID == "" || started.Status != "running" {
		t.Fatalf("unexpected start response %+v", started)
	}

	s.Wait()

	w = do(t, s, http.MethodGet, "/api/v1/investigations/"+started.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var run store.Run
	decode(t, w, &run)
	if run.Status != "success" || run.FunctionName != "score-api" || run.Rounds != 1 {
		t.Errorf("unexpected run %+v", run)
	}
	if !strings.HasPrefix(run.FinalAnswer, "done: Investigate production issues with the Cloud Function 'score-api'") {
		t.Errorf("unexpected final answer %q", run.FinalAnswer)
	}

	w = do(t, s, http.MethodGet, "/api/v1/investigations/"+started.ID+"/transcript", "")
	var transcript struct {
		ID       string          `json:"id"`
		Messages []store.Message `json:"messages"`
	}
	decode(t, w, &transcript)
	if len(transcript.Messages) != 3 || transcript.Messages[0].Role != "system" {
		t.Errorf("unexpected transcript %+v", transcript)
	}
}

func TestStartOverridesDefaults(t *testing.T) {
	s, db := newTestServer(t, defaults)

	w := do(t, s, http.MethodPost, "/api/v1/investigations", `{"function_name":"ratio-api","note":"after deploy","max_iterations":3}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", w.Code, w.Body.String())
	}
	var started struct{ ID string }
	decode(t, w, &started)
	s.Wait()

	run, err := db.GetRun(context.Background(), started.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.FunctionName != "ratio-api" || run.ProjectID != "acme-prod" || run.Note != "after deploy" {
		t.Errorf("unexpected run %+v", run)
	}
}

func TestStartRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t, defaults)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"function_name":`},
		{"negative budget", `{"max_iterations":-1}`},
		{"budget too large", `{"max_iterations":1000}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/api/v1/investigations", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestStartWithoutTarget(t *testing.T) {
	s, _ := newTestServer(t, investigation.Target{})
	w := do(t, s, http.MethodPost, "/api/v1/investigations", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d %s", w.Code, w.Body.String())
	}
}

func TestUnknownInvestigation(t *testing.T) {
	s, _ := newTestServer(t, defaults)
	for _, path := range []string{"/api/v1/investigations/nope", "/api/v1/investigations/nope/transcript"} {
		w := do(t, s, http.MethodGet, path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestListInvestigations(t *testing.T) {
	s, _ := newTestServer(t, defaults)

	w := do(t, s, http.MethodGet, "/api/v1/investigations", "")
	var empty struct {
		Investigations []store.Run `json:"investigations"`
	}
	decode(t, w, &empty)
	if empty.Investigations == nil || len(empty.Investigations) != 0 {
		t.Errorf("expected an empty list, got %s", w.Body.String())
	}

	for i := 0; i < 3; i++ {
		if w := do(t, s, http.MethodPost, "/api/v1/investigations", ""); w.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", w.Code)
		}
	}
	s.Wait()

	w = do(t, s, http.MethodGet, "/api/v1/investigations?limit=2", "")
	var list struct {
		Investigations []store.Run `json:"investigations"`
	}
	decode(t, w, &list)
	if len(list.Investigations) != 2 {
		t.Errorf("expected 2 runs, got %d", len(list.Investigations))
	}

	if w := do(t, s, http.MethodGet, "/api/v1/investigations?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad limit, got %d", w.Code)
	}
}
