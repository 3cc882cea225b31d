package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kannamma/internal/app"
	"kannamma/internal/calls"
	"kannamma/internal/config"
	"kannamma/internal/dashboard"
	"kannamma/internal/domain"
)

const testSeed = `ashas:
  - id: asha-1
    name: Kavitha
    phc_name: Melur PHC
    password: secret
  - id: asha-2
    name: Revathi
    phc_name: Vadipatti PHC
    password: other
mothers:
  - id: m1
    asha_id: asha-1
    name: Lakshmi
    age: 24
    phone: "+919800000001"
    address: Ward 3
    last_anc_date: "2024-01-10"
    gestation_weeks: 20
  - id: m2
    asha_id: asha-1
    name: Priya
    age: 29
    phone: "+919800000002"
    address: Main Rd
    last_anc_date: "2024-02-01"
    gestation_weeks: 32
  - id: m3
    asha_id: asha-1
    name: Meena
    age: 31
    phone: "+919800000003"
    address: Temple St, near tank
    last_anc_date: "2024-02-20"
    gestation_weeks: 12
  - id: m9
    asha_id: asha-2
    name: Selvi
    age: 22
    phone: "+919800000009"
    address: Bus stand
    last_anc_date: "2024-02-11"
    gestation_weeks: 18
`

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
	cfg := config.Default()
	cfg.IVR.Simulator.Delay = 0
	cfg.IVR.Simulator.Script = map[string]string{
		"m1": "answered",
		"m2": "not_answered",
		"m3": "pressed_2",
		"m9": "answered",
	}
	ctx := context.Background()
	b, err := app.NewBackend(ctx, workspace, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	seed, err := app.ParseSeed([]byte(testSeed))
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	if _, err := app.Seed(ctx, b.(app.Seeder), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := dashboard.New(b, cfg, zerolog.Nop())
	handler, err := New(Config{
		Service:  svc,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour},
		Log:      zerolog.Nop(),
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
			svc.Wait()
			b.Close()
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

func login(t *testing.T, srv *testServer, id, password string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"asha_id":  id,
		"password": password,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if out.Token == "" || out.ASHA.ID != id {
		t.Fatalf("unexpected login response %s", string(data))
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v: %s", err, string(data))
	}
	return env.Error.Code
}

func TestLoginRejectsBadPassword(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"asha_id":  "asha-1",
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("unexpected code %s", code)
	}
	if !strings.Contains(string(data), "Invalid ASHA ID or password") {
		t.Fatalf("unexpected message %s", string(data))
	}
}

func TestRequiresToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/dashboard", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/dashboard", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
}

func TestDashboardOverview(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := login(t, srv, "asha-1", "secret")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/dashboard", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dashboard status %d: %s", res.StatusCode, string(data))
	}
	var ov dashboard.Overview
	if err := json.Unmarshal(data, &ov); err != nil {
		t.Fatalf("unmarshal overview: %v", err)
	}
	if ov.ASHA.PHCName != "Melur PHC" || ov.MotherCount != 3 || ov.FlaggedCount != 0 {
		t.Fatalf("unexpected overview %+v", ov)
	}
	if ov.Mothers[0].ID != "m1" || ov.Mothers[2].ID != "m3" {
		t.Fatalf("roster out of order %+v", ov.Mothers)
	}
	if !strings.Contains(string(data), `"call_logs":[]`) {
		t.Fatalf("expected empty call log list, got %s", string(data))
	}
}

func TestMotherActions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := login(t, srv, "asha-1", "secret")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/mothers/m1", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("profile status %d: %s", res.StatusCode, string(data))
	}
	var profile dashboard.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		t.Fatalf("unmarshal profile: %v", err)
	}
	if profile.ANCDateLabel != "10 January 2024" || profile.VisitLabel != "Not Yet Visited" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/mothers/m1/flag/toggle", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Patient
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal patient: %v", err)
	}
	if !p.Flagged {
		t.Fatalf("expected flagged after toggle")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/mothers?flagged=true", nil, headers)
	var list MothersResponse
	if err := json.Unmarshal(data, &list); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("flagged list %d: %s", res.StatusCode, string(data))
	}
	if len(list.Items) != 1 || list.Items[0].ID != "m1" {
		t.Fatalf("unexpected flagged list %+v", list.Items)
	}

	for i := 0; i < 2; i++ {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/mothers/m1/visit", nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("visit status %d: %s", res.StatusCode, string(data))
		}
		p = domain.Patient{}
		if err := json.Unmarshal(data, &p); err != nil {
			t.Fatalf("unmarshal patient: %v", err)
		}
		if !p.Visited || p.Flagged {
			t.Fatalf("visit %d left %+v", i, p)
		}
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/mothers/m1/notes", map[string]any{"notes": "prefers evening calls"}, headers)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "prefers evening calls") {
		t.Fatalf("notes status %d: %s", res.StatusCode, string(data))
	}
}

func TestMotherOfAnotherWorkerIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := login(t, srv, "asha-1", "secret")

	for _, path := range []string{"/v0/mothers/m9", "/v0/mothers/missing"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+path, nil, headers)
		if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
			t.Fatalf("%s: expected 404, got %d: %s", path, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/mothers/m9/visit", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on foreign visit, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCallAllWaitFlagsFollowUps(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := login(t, srv, "asha-1", "secret")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/call-all?wait=true", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("call all status %d: %s", res.StatusCode, string(data))
	}
	var out CallAllResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal call all: %v", err)
	}
	if out.Result == nil || out.Session != nil {
		t.Fatalf("expected a finished result, got %s", string(data))
	}
	flagged := map[string]bool{}
	for _, p := range out.Result.Mothers {
		flagged[p.ID] = p.Flagged
	}
	if flagged["m1"] || !flagged["m2"] || !flagged["m3"] {
		t.Fatalf("unexpected flags %v", flagged)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/call-logs", nil, headers)
	var logs CallLogsResponse
	if err := json.Unmarshal(data, &logs); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("call logs %d: %s", res.StatusCode, string(data))
	}
	if len(logs.Items) != 3 {
		t.Fatalf("expected 3 call logs, got %d", len(logs.Items))
	}
	for _, l := range logs.Items {
		if l.MotherName == "" {
			t.Fatalf("call log without mother name %+v", l)
		}
	}
}

func TestCallAllBackgroundSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := login(t, srv, "asha-1", "secret")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/call-all", nil, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("call all status %d: %s", res.StatusCode, string(data))
	}
	var out CallAllResponse
	if err := json.Unmarshal(data, &out); err != nil || out.Session == nil {
		t.Fatalf("expected a session: %s", string(data))
	}
	id := out.Session.ID

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/call-all/"+id, nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("session status %d: %s", res.StatusCode, string(data))
		}
		var sess calls.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			t.Fatalf("unmarshal session: %v", err)
		}
		if sess.Status == calls.SessionCompleted {
			if sess.Done != 3 || sess.Flags == nil || len(sess.Flags.Flagged) != 2 {
				t.Fatalf("unexpected finished session %+v", sess)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session did not complete: %s", string(data))
		}
		time.Sleep(20 * time.Millisecond)
	}

	other := login(t, srv, "asha-2", "other")
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/call-all/"+id, nil, other)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign session should be hidden, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/call-all/"+id, nil, headers)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"dismissed":true`) {
		t.Fatalf("dismiss %d: %s", res.StatusCode, string(data))
	}
}

func TestExportCSV(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := login(t, srv, "asha-1", "secret")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/export/mothers.csv", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", res.StatusCode, string(data))
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %s", ct)
	}
	if cd := res.Header.Get("Content-Disposition"); !strings.Contains(cd, "mothers-list-") || !strings.Contains(cd, ".csv") {
		t.Fatalf("unexpected disposition %s", cd)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 4 || records[0][0] != "Name" || records[3][3] != "Temple St, near tank" {
		t.Fatalf("unexpected csv %v", records)
	}
}

func TestOpenAPIErrorSchemaResolves(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const readers = 8
	bodies := make([][]byte, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 1; i < readers; i++ {
		if !bytes.Equal(bodies[0], bodies[i]) {
			t.Fatalf("openapi documents differ between requests")
		}
	}

	var doc struct {
		Paths map[string]map[string]struct {
			Responses map[string]struct {
				Content map[string]struct {
					Schema struct {
						Ref string `json:"$ref"`
					} `json:"schema"`
				} `json:"content"`
			} `json:"responses"`
		} `json:"paths"`
		Components struct {
			Schemas map[string]struct {
				Properties map[string]any `json:"properties"`
			} `json:"schemas"`
		} `json:"components"`
	}
	if err := json.Unmarshal(bodies[0], &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	op, ok := doc.Paths["/v0/dashboard"]["get"]
	if !ok {
		t.Fatalf("dashboard operation missing from %v", doc.Paths)
	}
	ref := op.Responses["default"].Content["application/json"].Schema.Ref
	name := strings.TrimPrefix(ref, "#/components/schemas/")
	if name == "" || name == ref {
		t.Fatalf("unexpected default response ref %q", ref)
	}
	schema, ok := doc.Components.Schemas[name]
	if !ok {
		t.Fatalf("ref %q does not resolve", ref)
	}
	if _, ok := schema.Properties["error"]; !ok {
		t.Fatalf("error schema lacks the error envelope: %+v", schema)
	}
}
