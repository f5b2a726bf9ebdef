package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"mailpilot/internal/config"
	"mailpilot/internal/db"
	"mailpilot/internal/domain"
	"mailpilot/internal/migrate"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/store"
)

const testSecret = "test-secret"

type testServer struct {
	URL   string
	Coord pipeline.Coordinator
	close func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	coord := pipeline.New(conn, config.Default(), nil)
	handler, err := New(Config{Coordinator: coord, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:   "http://" + ln.Addr().String(),
		Coord: coord,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
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
	res, err := http.DefaultClient.Do(req)
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

func authHeader(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + mintToken(t, "tester")}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/records", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no auth status = %d, want 401", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/records", nil, map[string]string{"Authorization": "Bearer bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", res.StatusCode)
	}
	// health is open
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	raw := "raw-key-value"
	tx, err := srv.Coord.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = srv.Coord.Store.InsertAPIKeyTx(ctx, tx, domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   "svc-ingest",
		KeyHash:   store.HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/settings", nil, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status = %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/settings", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want 401", res.StatusCode)
	}
}

func TestIngestAndListRecords(t *testing.T) {
	srv := newTestServer(t)
	hdr := authHeader(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"provider_id":  "prov-1",
		"sender_email": "alice@example.com",
		"subject":      "hello",
		"body_plain":   "secret body text",
	}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status = %d: %s", res.StatusCode, data)
	}
	var created domain.EmailRecord
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}

	// same provider id returns the existing record
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"provider_id":  "prov-1",
		"sender_email": "alice@example.com",
	}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("re-ingest status = %d: %s", res.StatusCode, data)
	}
	var again domain.EmailRecord
	if err := json.Unmarshal(data, &again); err != nil {
		t.Fatal(err)
	}
	if again.ID != created.ID {
		t.Fatalf("dedup failed: %s vs %s", again.ID, created.ID)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/records", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", res.StatusCode, data)
	}
	var list RecordListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
	// list view must never leak body text
	if bytes.Contains(data, []byte("secret body text")) {
		t.Fatal("record list leaked body content")
	}
}

func TestCancelRecordConflictWhenTerminal(t *testing.T) {
	srv := newTestServer(t)
	hdr := authHeader(t)

	_, data := doJSON(t, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"provider_id":  "prov-1",
		"sender_email": "alice@example.com",
	}, hdr)
	var rec domain.EmailRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/records/"+rec.ID+"/cancel", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/records/"+rec.ID+"/cancel", nil, hdr)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", res.StatusCode)
	}
}

func TestApprovalDecisionFlow(t *testing.T) {
	srv := newTestServer(t)
	hdr := authHeader(t)
	ctx := context.Background()

	_, data := doJSON(t, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"provider_id":  "prov-1",
		"sender_email": "alice@example.com",
	}, hdr)
	var rec domain.EmailRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}

	approval := domain.ApprovalRequest{
		ID:        uuid.New().String(),
		RecordID:  rec.ID,
		Draft:     "Thanks, noted.",
		Decision:  domain.DecisionPending,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	tx, err := srv.Coord.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Coord.Store.InsertApprovalRequestTx(ctx, tx, approval); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/approvals/"+approval.ID+"/approve", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d: %s", res.StatusCode, data)
	}
	var decided domain.ApprovalRequest
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatal(err)
	}
	if decided.Decision != domain.DecisionApproved {
		t.Fatalf("decision = %s, want approved", decided.Decision)
	}
	if decided.DecidedBy == nil || *decided.DecidedBy != "tester" {
		t.Fatalf("decided_by = %v, want tester", decided.DecidedBy)
	}

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/approvals/"+approval.ID+"/reject", nil, hdr)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second decision status = %d, want 409", res.StatusCode)
	}
}

func TestSettingsPatch(t *testing.T) {
	srv := newTestServer(t)
	hdr := authHeader(t)

	res, data := doJSON(t, http.MethodPatch, srv.URL+"/v0/settings", map[string]any{
		"cloud_llm": true,
	}, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d: %s", res.StatusCode, data)
	}
	var s domain.Settings
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	if !s.CloudLLM {
		t.Fatal("cloud_llm not enabled")
	}
	if !s.RedactionEnabled {
		t.Fatal("redaction default lost on patch")
	}
}

func TestRecordNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/records/nope", nil, authHeader(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %q, want not_found", envelope.Error.Code)
	}
}
