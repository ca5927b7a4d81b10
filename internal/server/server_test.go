package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"civimend/internal/config"
	"civimend/internal/db"
	"civimend/internal/domain"
	"civimend/internal/engine"
	"civimend/internal/migrate"
)

const testSecret = "test-secret"

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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
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

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Roles:            roles,
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func asSteward(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, "steward-1", "steward")}
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

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/grievances", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
	// garbage bearer tokens are rejected
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/grievances", nil, map[string]string{
		"Authorization": "Bearer not-a-jwt",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestStewardRoleEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/grievances", map[string]any{
		"title": "Fallen tree blocking the bike lane",
	}, asActor("citizen-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create grievance: %d %s", res.StatusCode, string(data))
	}
	var g domain.Grievance
	_ = json.Unmarshal(data, &g)

	// plain JWT without the steward role cannot classify
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/grievances/"+g.ID+"/classify", map[string]any{
		"category": "greenery",
	}, map[string]string{"Authorization": "Bearer " + signToken(t, "someone")})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/grievances/"+g.ID+"/classify", map[string]any{
		"category": "greenery", "priority": "high",
	}, asSteward(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("steward classify: %d %s", res.StatusCode, string(data))
	}
}

func TestGrievanceToAssignmentOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/grievances", map[string]any{
		"title":    "Burst water main on Elm",
		"priority": "urgent",
	}, asActor("citizen-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create grievance: %d %s", res.StatusCode, string(data))
	}
	var g domain.Grievance
	_ = json.Unmarshal(data, &g)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/grievances/"+g.ID+"/classify", map[string]any{
		"category": "water", "priority": "urgent",
	}, asSteward(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("classify: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/grievances/"+g.ID+"/activate", nil, asSteward(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate: %d %s", res.StatusCode, string(data))
	}

	// a single bid on an urgent grievance auto-assigns
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/grievances/"+g.ID+"/bids", map[string]any{
		"amount": "750", "eta_hours": 6,
	}, asActor("worker-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("bid: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/grievances/"+g.ID, nil, asActor("citizen-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get grievance: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &g)
	if g.Status != "assigned" || g.AssignmentID == nil {
		t.Fatalf("expected auto-assignment, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/assignments/"+*g.AssignmentID, nil, asActor("worker-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get assignment: %d %s", res.StatusCode, string(data))
	}
	var a domain.Assignment
	_ = json.Unmarshal(data, &a)
	if a.WorkerID != "worker-1" {
		t.Fatalf("unexpected assignment: %s", string(data))
	}

	// a second bid from the same worker conflicts with the accepted one
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/grievances/"+g.ID+"/bids", map[string]any{
		"amount": "700", "eta_hours": 6,
	}, asActor("worker-2"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 bidding on assigned grievance, got %d %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/grievances/nope", nil, asActor("citizen-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v (%s)", err, string(data))
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %s", string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "citizen-9", "name": "kiosk", "key": "super-secret-key",
	}, asSteward(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/grievances", map[string]any{
		"title": "Graffiti on the library wall",
	}, map[string]string{"X-Api-Key": "super-secret-key"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("api key create grievance: %d %s", res.StatusCode, string(data))
	}
	var g domain.Grievance
	_ = json.Unmarshal(data, &g)
	if g.CitizenID != "citizen-9" {
		t.Fatalf("api key should act as its bound actor, got %s", g.CitizenID)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/grievances", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown api key, got %d", res.StatusCode)
	}
}
