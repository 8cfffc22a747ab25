package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"peerhub/internal/config"
	"peerhub/internal/db"
	"peerhub/internal/domain"
	"peerhub/internal/engine"
	"peerhub/internal/migrate"
	"peerhub/internal/payments"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "whsec_test"
)

type stubGateway struct {
	mu      sync.Mutex
	seq     int
	intents map[string]payments.Intent
}

func (g *stubGateway) CreateCustomer(ctx context.Context, email string) (string, error) {
	return "cus_test", nil
}

func (g *stubGateway) CreateIntent(ctx context.Context, p payments.IntentParams) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	in := payments.Intent{
		ID:           fmt.Sprintf("pi_%d", g.seq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", g.seq),
		Status:       payments.IntentRequiresPaymentMethod,
		Amount:       p.Amount,
		Currency:     p.Currency,
	}
	g.intents[in.ID] = in
	return in, nil
}

func (g *stubGateway) RetrieveIntent(ctx context.Context, id string) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[id]
	if !ok {
		return payments.Intent{}, &payments.Error{Op: "retrieve_intent", Status: 404, Reason: "no such intent"}
	}
	return in, nil
}

func (g *stubGateway) CreateRefund(ctx context.Context, intentID string, amount int64) (string, error) {
	return "re_test", nil
}

func (g *stubGateway) CreateTransfer(ctx context.Context, destination string, amount int64, metadata map[string]string) (string, error) {
	return "tr_test", nil
}

func (g *stubGateway) CreateAccount(ctx context.Context, email string) (payments.Account, error) {
	return payments.Account{ID: "acct_test"}, nil
}

func (g *stubGateway) AccountLink(ctx context.Context, accountID, returnURL string) (string, error) {
	return "https://onboard.example/" + accountID, nil
}

func (g *stubGateway) succeed(intentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in := g.intents[intentID]
	in.Status = payments.IntentSucceeded
	g.intents[intentID] = in
}

type testServer struct {
	URL     string
	client  *http.Client
	gateway *stubGateway
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gw := &stubGateway{intents: map[string]payments.Intent{}}
	e := engine.New(conn, config.Default(), gw, nil)
	handler, err := New(Config{
		Engine:        e,
		BasePath:      "/v1",
		Auth:          AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
		WebhookSecret: testWebhookSecret,
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
		URL:     "http://" + ln.Addr().String(),
		client:  &http.Client{},
		gateway: gw,
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

func actorHeaders(id, role string) map[string]string {
	return map[string]string{"X-Actor-Id": id, "X-Actor-Role": role}
}

func (s *testServer) createProject(t *testing.T, client *http.Client, builderID string) domain.Project {
	t.Helper()
	res, data := doJSON(t, client, http.MethodPost, s.URL+"/v1/projects", map[string]any{
		"name": "My App",
	}, actorHeaders(builderID, "builder"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func (s *testServer) createV1Job(t *testing.T, client *http.Client, builderID, projectID string) domain.Job {
	t.Helper()
	res, data := doJSON(t, client, http.MethodPost, s.URL+"/v1/jobs", map[string]any{
		"project_id":     projectID,
		"schema_version": "v1",
		"title":          "Test my app",
		"payout_amount":  "20",
		"max_testers":    3,
	}, actorHeaders(builderID, "builder"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	var j domain.Job
	if err := json.Unmarshal(data, &j); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	return j
}

func signedWebhook(t *testing.T, payload []byte) map[string]string {
	t.Helper()
	return map[string]string{
		"Stripe-Signature": payments.SignPayload(payload, testWebhookSecret, time.Now()),
	}
}

func postWebhook(t *testing.T, srv *testServer, payload []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/payments/webhook", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func TestRequiresAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %s, want unauthorized", envelope.Error.Code)
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "builder-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "builder",
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}

	wrongKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("other-secret"))
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{
		"Authorization": "Bearer " + wrongKey,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d", res.StatusCode)
	}
}

func TestRoleEnforcement(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"name": "My App",
	}, actorHeaders("tester-1", "tester"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("tester creating project: status %d: %s", res.StatusCode, string(data))
	}
}

func TestWebhookRejectsUnsignedPayload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	p := srv.createProject(t, client, "builder-1")
	j := srv.createV1Job(t, client, "builder-1", p.ID)
	srv.gateway.succeed(j.PaymentIntentID)

	payload := []byte(fmt.Sprintf(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"%s","status":"succeeded"}}}`, j.PaymentIntentID))
	res, data := postWebhook(t, srv, payload, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsigned webhook status %d: %s", res.StatusCode, string(data))
	}

	// the event must not have been applied
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+j.ID, nil, actorHeaders("builder-1", "builder"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get job status %d", res.StatusCode)
	}
	var got domain.Job
	_ = json.Unmarshal(data, &got)
	if got.Status != domain.JobPendingPayment {
		t.Fatalf("job status = %s after rejected webhook, want pending_payment", got.Status)
	}
}

func TestWebhookReconcilesPayment(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	p := srv.createProject(t, client, "builder-1")
	j := srv.createV1Job(t, client, "builder-1", p.ID)
	srv.gateway.succeed(j.PaymentIntentID)

	payload := []byte(fmt.Sprintf(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"%s","status":"succeeded"}}}`, j.PaymentIntentID))
	for i := 0; i < 2; i++ {
		res, data := postWebhook(t, srv, payload, signedWebhook(t, payload))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("webhook #%d status %d: %s", i, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+j.ID, nil, actorHeaders("builder-1", "builder"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get job status %d", res.StatusCode)
	}
	var got domain.Job
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if got.Status != domain.JobOpen || got.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("job = %s/%s, want open/paid", got.Status, got.PaymentStatus)
	}
}

func TestJobClaimAndSubmissionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	p := srv.createProject(t, client, "builder-1")
	j := srv.createV1Job(t, client, "builder-1", p.ID)
	if j.TotalCharge.StringFixed(2) != "69.00" {
		t.Fatalf("total charge = %s, want 69.00", j.TotalCharge)
	}

	srv.gateway.succeed(j.PaymentIntentID)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+j.ID+"/payment/confirm", nil, actorHeaders("builder-1", "builder"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d: %s", res.StatusCode, string(data))
	}

	// claiming needs the tester role
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+j.ID+"/claim", nil, actorHeaders("builder-1", "builder"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("builder claim status %d, want 403", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+j.ID+"/claim", nil, actorHeaders("tester-1", "tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var sub domain.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatalf("unmarshal submission: %v", err)
	}
	if sub.Status != domain.SubmissionDraft {
		t.Fatalf("submission status = %s, want draft", sub.Status)
	}

	// duplicate claim conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+j.ID+"/claim", nil, actorHeaders("tester-1", "tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate claim status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/submissions/"+sub.ID, map[string]any{
		"overall_feedback": "smooth, found one bug",
		"usability_score":  4,
		"bug_reports": []map[string]any{
			{"title": "Crash on login", "severity": "high", "steps_to_reproduce": "tap login twice"},
		},
	}, actorHeaders("tester-1", "tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update draft status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/submissions/"+sub.ID+"/submit", nil, actorHeaders("tester-1", "tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/submissions/"+sub.ID+"/approve", map[string]any{
		"feedback": "thorough report",
		"rating":   5,
	}, actorHeaders("builder-1", "builder"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var reviewed domain.Submission
	if err := json.Unmarshal(data, &reviewed); err != nil {
		t.Fatalf("unmarshal reviewed: %v", err)
	}
	if reviewed.Status != domain.SubmissionApproved {
		t.Fatalf("status = %s, want approved", reviewed.Status)
	}
}

func TestValidationErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	p := srv.createProject(t, client, "builder-1")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"project_id":     p.ID,
		"schema_version": "v1",
		"title":          "Overpriced",
		"payout_amount":  "2000",
		"max_testers":    1,
	}, actorHeaders("builder-1", "builder"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("code = %s, want bad_request", envelope.Error.Code)
	}
	if envelope.Error.Details["field"] != "payout_amount" {
		t.Fatalf("details = %v, want field payout_amount", envelope.Error.Details)
	}
}
