package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"propline/internal/config"
	"propline/internal/correlate"
	"propline/internal/db"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/migrate"
	"propline/internal/sweep"
	"propline/internal/tracker"
	"propline/internal/transport"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("proj-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sent := &transport.Recorder{}
	e := engine.New(conn, cfg, sent)
	trk := tracker.New(conn, cfg, sent)
	idx := correlate.New(e, trk)
	sw := sweep.New(conn, cfg, trk, idx, nil)

	handler, err := New(Config{
		Engine:   e,
		Tracker:  trk,
		Index:    idx,
		Sweeper:  sw,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":              "proj-1",
		"client_name":     "Acme Corp",
		"sales_rep_email": "rep@company.com",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var created domain.Project
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if created.Stage != domain.StageIntake {
		t.Fatalf("stage = %s, want intake", created.Stage)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/advance", map[string]any{
		"from": "intake",
		"to":   "brief",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}

	// Replaying the same transition conflicts with the moved-on project.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/advance", map[string]any{
		"from": "intake",
		"to":   "brief",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale advance: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "stale_transition" {
		t.Fatalf("error code = %s, want stale_transition", code)
	}

	// Skipping stages is a semantic error, not a conflict.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/advance", map[string]any{
		"from": "brief",
		"to":   "submitted",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid advance: %d %s", res.StatusCode, string(data))
	}
}

func TestSuspendAndInboundReplyOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":              "proj-1",
		"client_name":     "Acme Corp",
		"sales_rep_email": "rep@company.com",
	}, nil); res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/advance", map[string]any{
		"from": "intake", "to": "brief",
	}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/suspend", map[string]any{
		"stage":     "brief",
		"awaiting":  "brief_approval",
		"resume_to": "brief_done",
		"recipient": "rep@company.com",
		"subject":   "Approve the brief",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("suspend: %d %s", res.StatusCode, string(data))
	}
	var cont domain.Continuation
	if err := json.Unmarshal(data, &cont); err != nil {
		t.Fatalf("unmarshal continuation: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/inbound", map[string]any{
		"external_id": "msg-1",
		"thread_ref":  cont.CorrelationKey,
		"sender":      "rep@company.com",
		"body":        "approved",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ingest: %d %s", res.StatusCode, string(data))
	}
	var resolution correlate.Resolution
	if err := json.Unmarshal(data, &resolution); err != nil {
		t.Fatalf("unmarshal resolution: %v", err)
	}
	if resolution.Kind != correlate.KindContinuation {
		t.Fatalf("kind = %s, want continuation", resolution.Kind)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Stage != domain.StageBriefDone {
		t.Fatalf("stage = %s, want brief_done", p.Stage)
	}
}

func TestDecisionEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":              "proj-1",
		"client_name":     "Acme Corp",
		"sales_rep_email": "rep@company.com",
	}, nil); res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/decision", map[string]any{
		"action":   "advance",
		"to_stage": "brief",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance decision: %d %s", res.StatusCode, string(data))
	}
	var out DecisionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Applied {
		t.Fatalf("decision not applied: %+v", out)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/decision", map[string]any{
		"action":   "request_validation",
		"resource": "legal@company.com",
		"question": "contract terms acceptable?",
		"critical": true,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validation decision: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Applied || out.ValidationID == "" {
		t.Fatalf("validation decision = %+v", out)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}

	// Health stays open for probes.
	res, err = srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}

func TestUnknownProjectIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("error code = %s, want not_found", code)
	}
}
