package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"peerhub/internal/config"
	"peerhub/internal/db"
	"peerhub/internal/domain"
	"peerhub/internal/engine"
	"peerhub/internal/migrate"
	"peerhub/internal/payments"
)

type refundCall struct {
	IntentID string
	Amount   int64
}

type transferCall struct {
	Destination string
	Amount      int64
}

type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	intents   map[string]payments.Intent
	refunds   []refundCall
	transfers []transferCall

	refundErr   error
	transferErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: map[string]payments.Intent{}}
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, email string) (string, error) {
	return "cus_test", nil
}

func (g *fakeGateway) CreateIntent(ctx context.Context, p payments.IntentParams) (payments.Intent, error) {
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

func (g *fakeGateway) RetrieveIntent(ctx context.Context, id string) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[id]
	if !ok {
		return payments.Intent{}, &payments.Error{Op: "retrieve_intent", Status: 404, Reason: "no such intent"}
	}
	return in, nil
}

func (g *fakeGateway) CreateRefund(ctx context.Context, intentID string, amount int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return "", g.refundErr
	}
	g.refunds = append(g.refunds, refundCall{IntentID: intentID, Amount: amount})
	return fmt.Sprintf("re_%d", len(g.refunds)), nil
}

func (g *fakeGateway) CreateTransfer(ctx context.Context, destination string, amount int64, metadata map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transferErr != nil {
		return "", g.transferErr
	}
	g.transfers = append(g.transfers, transferCall{Destination: destination, Amount: amount})
	return fmt.Sprintf("tr_%d", len(g.transfers)), nil
}

func (g *fakeGateway) CreateAccount(ctx context.Context, email string) (payments.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return payments.Account{ID: fmt.Sprintf("acct_%d", g.seq)}, nil
}

func (g *fakeGateway) AccountLink(ctx context.Context, accountID, returnURL string) (string, error) {
	return "https://onboard.example/" + accountID, nil
}

func (g *fakeGateway) succeed(intentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in := g.intents[intentID]
	in.Status = payments.IntentSucceeded
	g.intents[intentID] = in
}

func (g *fakeGateway) cancel(intentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in := g.intents[intentID]
	in.Status = payments.IntentCanceled
	g.intents[intentID] = in
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

type testEnv struct {
	Engine  engine.Engine
	Gateway *fakeGateway
	Ctx     context.Context
	Project string
}

const (
	builder = "builder-1"
	tester  = "tester-1"
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gw := newFakeGateway()
	eng := engine.New(conn, config.Default(), gw, nil)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, builder, engine.ProjectSpec{Name: "My App"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Gateway: gw, Ctx: ctx, Project: p.ID}
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func (env testEnv) createV1Job(t *testing.T, payout string, maxTesters int) domain.Job {
	t.Helper()
	j, err := env.Engine.CreateJob(env.Ctx, builder, engine.JobSpec{
		ProjectID:     env.Project,
		SchemaVersion: domain.JobV1,
		Title:         "Test my app",
		PayoutAmount:  dec(payout),
		MaxTesters:    maxTesters,
	})
	if err != nil {
		t.Fatalf("create v1 job: %v", err)
	}
	return j
}

func (env testEnv) payJob(t *testing.T, j domain.Job) domain.Job {
	t.Helper()
	env.Gateway.succeed(j.PaymentIntentID)
	if err := env.Engine.ReconcilePayment(env.Ctx, j.PaymentIntentID, payments.IntentSucceeded, "gateway"); err != nil {
		t.Fatalf("reconcile job payment: %v", err)
	}
	paid, err := env.Engine.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	return paid
}

func (env testEnv) createV2Job(t *testing.T, assignment string, roles []engine.RoleSpec) domain.Job {
	t.Helper()
	j, err := env.Engine.CreateJob(env.Ctx, builder, engine.JobSpec{
		ProjectID:      env.Project,
		SchemaVersion:  domain.JobV2,
		Title:          "Structured testing",
		AssignmentType: assignment,
		Roles:          roles,
	})
	if err != nil {
		t.Fatalf("create v2 job: %v", err)
	}
	return j
}

func TestCreateJobV1ChargesUpfront(t *testing.T) {
	env := newTestEnv(t)
	j := env.createV1Job(t, "20", 3)

	if j.Status != domain.JobPendingPayment {
		t.Fatalf("status = %s, want pending_payment", j.Status)
	}
	if !j.TotalCharge.Equal(dec("69")) {
		t.Fatalf("total charge = %s, want 69.00", j.TotalCharge)
	}
	if !j.PlatformFee.Equal(dec("9")) {
		t.Fatalf("platform fee = %s, want 9.00", j.PlatformFee)
	}
	in, err := env.Gateway.RetrieveIntent(context.Background(), j.PaymentIntentID)
	if err != nil {
		t.Fatalf("intent not created: %v", err)
	}
	if in.Amount != 6900 {
		t.Fatalf("intent amount = %d, want 6900", in.Amount)
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		spec engine.JobSpec
	}{
		{"zero payout", engine.JobSpec{ProjectID: env.Project, SchemaVersion: "v1", Title: "x", PayoutAmount: dec("0"), MaxTesters: 1}},
		{"payout too large", engine.JobSpec{ProjectID: env.Project, SchemaVersion: "v1", Title: "x", PayoutAmount: dec("1001"), MaxTesters: 1}},
		{"capacity too large", engine.JobSpec{ProjectID: env.Project, SchemaVersion: "v1", Title: "x", PayoutAmount: dec("10"), MaxTesters: 11}},
		{"v2 without roles", engine.JobSpec{ProjectID: env.Project, SchemaVersion: "v2", Title: "x", AssignmentType: "whole_job"}},
		{"bad schema version", engine.JobSpec{ProjectID: env.Project, SchemaVersion: "v3", Title: "x"}},
	}
	for _, tc := range cases {
		var ve engine.ValidationError
		if _, err := env.Engine.CreateJob(env.Ctx, builder, tc.spec); !errors.As(err, &ve) {
			t.Errorf("%s: error = %v, want ValidationError", tc.name, err)
		}
	}
	// a gateway intent must not exist for any rejected job
	if env.Gateway.seq != 0 {
		t.Fatalf("gateway saw %d intent creations for rejected jobs", env.Gateway.seq)
	}
}

func TestClaimRequiresPaidJob(t *testing.T) {
	env := newTestEnv(t)
	j := env.createV1Job(t, "20", 3)
	var se engine.StateError
	if _, err := env.Engine.ClaimJob(env.Ctx, tester, j.ID); !errors.As(err, &se) {
		t.Fatalf("claim on pending_payment job: error = %v, want StateError", err)
	}
}

func TestClaimCreatesDraftAndAdvancesJob(t *testing.T) {
	env := newTestEnv(t)
	j := env.payJob(t, env.createV1Job(t, "20", 3))
	if j.Status != domain.JobOpen {
		t.Fatalf("paid job status = %s, want open", j.Status)
	}

	s, err := env.Engine.ClaimJob(env.Ctx, tester, j.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if s.Status != domain.SubmissionDraft || s.ServiceType != domain.ServiceTest {
		t.Fatalf("draft = %s/%s, want draft/test", s.Status, s.ServiceType)
	}
	if !s.PayoutAmount.Equal(dec("20")) {
		t.Fatalf("draft payout = %s, want 20", s.PayoutAmount)
	}
	j, _ = env.Engine.GetJob(env.Ctx, j.ID)
	if j.Status != domain.JobInProgress {
		t.Fatalf("job status after claim = %s, want in_progress", j.Status)
	}

	var ce engine.ConflictError
	if _, err := env.Engine.ClaimJob(env.Ctx, tester, j.ID); !errors.As(err, &ce) {
		t.Fatalf("double claim: error = %v, want ConflictError", err)
	}
}

func TestClaimCapacityUnderContention(t *testing.T) {
	env := newTestEnv(t)
	j := env.payJob(t, env.createV1Job(t, "20", 3))

	const attempts = 6
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.ClaimJob(env.Ctx, fmt.Sprintf("tester-%d", i), j.ID)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		var ce engine.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("loser error = %v, want ConflictError", err)
		}
	}
	if won != 3 {
		t.Fatalf("%d claims won, want exactly 3", won)
	}
	j, _ = env.Engine.GetJob(env.Ctx, j.ID)
	if len(j.AssignedTesters) != 3 {
		t.Fatalf("assigned = %d, want 3", len(j.AssignedTesters))
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	j := env.createV1Job(t, "20", 3)
	env.Gateway.succeed(j.PaymentIntentID)

	// webhook and confirm race: apply the same signal three times
	for i := 0; i < 3; i++ {
		if err := env.Engine.ReconcilePayment(env.Ctx, j.PaymentIntentID, payments.IntentSucceeded, "gateway"); err != nil {
			t.Fatalf("reconcile #%d: %v", i, err)
		}
	}
	j, _ = env.Engine.GetJob(env.Ctx, j.ID)
	if j.Status != domain.JobOpen || j.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("job = %s/%s, want open/paid", j.Status, j.PaymentStatus)
	}

	// unknown intent is a no-op success
	if err := env.Engine.ReconcilePayment(env.Ctx, "pi_unknown", payments.IntentSucceeded, "gateway"); err != nil {
		t.Fatalf("unknown intent: %v", err)
	}
}

func TestReconcileIgnoresNonSuccess(t *testing.T) {
	env := newTestEnv(t)
	j := env.createV1Job(t, "20", 3)
	if err := env.Engine.ReconcilePayment(env.Ctx, j.PaymentIntentID, payments.IntentProcessing, "gateway"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	j, _ = env.Engine.GetJob(env.Ctx, j.ID)
	if j.Status != domain.JobPendingPayment {
		t.Fatalf("job advanced on non-success status: %s", j.Status)
	}
}

func TestConfirmJobPayment(t *testing.T) {
	env := newTestEnv(t)
	j := env.createV1Job(t, "20", 3)

	var se engine.StateError
	if _, err := env.Engine.ConfirmJobPayment(env.Ctx, builder, j.ID); !errors.As(err, &se) {
		t.Fatalf("confirm before success: error = %v, want StateError", err)
	}

	env.Gateway.succeed(j.PaymentIntentID)
	j, err := env.Engine.ConfirmJobPayment(env.Ctx, builder, j.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if j.Status != domain.JobOpen {
		t.Fatalf("job status = %s, want open", j.Status)
	}

	var ae engine.AuthorizationError
	if _, err := env.Engine.ConfirmJobPayment(env.Ctx, "builder-2", j.ID); !errors.As(err, &ae) {
		t.Fatalf("foreign confirm: error = %v, want AuthorizationError", err)
	}
}

func TestJobPaymentIntentRotatesDeadIntent(t *testing.T) {
	env := newTestEnv(t)
	j := env.createV1Job(t, "20", 3)
	first := j.PaymentIntentID

	h, err := env.Engine.JobPaymentIntent(env.Ctx, builder, j.ID)
	if err != nil {
		t.Fatalf("payment handle: %v", err)
	}
	if h.IntentID != first {
		t.Fatalf("live intent replaced: %s != %s", h.IntentID, first)
	}

	env.Gateway.cancel(first)
	h, err = env.Engine.JobPaymentIntent(env.Ctx, builder, j.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if h.IntentID == first {
		t.Fatalf("dead intent was returned")
	}
	j, _ = env.Engine.GetJob(env.Ctx, j.ID)
	if j.PaymentIntentID != h.IntentID {
		t.Fatalf("stored intent %s, want %s", j.PaymentIntentID, h.IntentID)
	}

	// the old intent no longer resolves to the job
	if err := env.Engine.ReconcilePayment(env.Ctx, first, payments.IntentSucceeded, "gateway"); err != nil {
		t.Fatalf("stale reconcile: %v", err)
	}
	j, _ = env.Engine.GetJob(env.Ctx, j.ID)
	if j.Status != domain.JobPendingPayment {
		t.Fatalf("stale intent advanced the job")
	}
}

func twoItemRoles() []engine.RoleSpec {
	return []engine.RoleSpec{{
		Name: "QA",
		Items: []engine.ItemSpec{
			{ServiceType: domain.ServiceTest, Price: dec("40"), EstimatedMinutes: 30},
			{ServiceType: domain.ServiceDocument, Price: dec("25")},
		},
	}}
}

func TestBidLifecycle(t *testing.T) {
	env := newTestEnv(t)
	j := env.createV2Job(t, domain.AssignPerItem, twoItemRoles())
	item := j.Roles[0].Items[0]

	b, err := env.Engine.CreateBid(env.Ctx, tester, j.ID, engine.BidSpec{ItemID: item.ID, BidPrice: dec("45")})
	if err != nil {
		t.Fatalf("create bid: %v", err)
	}
	if !b.ProposedPrice.Equal(dec("40")) {
		t.Fatalf("proposed = %s, want 40", b.ProposedPrice)
	}
	if !b.IsCounter {
		t.Fatalf("45 against 40 should be a counter-offer")
	}

	var ce engine.ConflictError
	if _, err := env.Engine.CreateBid(env.Ctx, tester, j.ID, engine.BidSpec{ItemID: item.ID, BidPrice: dec("42")}); !errors.As(err, &ce) {
		t.Fatalf("duplicate pending bid: error = %v, want ConflictError", err)
	}

	b, err = env.Engine.AcceptBid(env.Ctx, builder, b.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if b.Status != domain.BidAccepted || b.PaymentStatus != domain.PaymentPending {
		t.Fatalf("bid = %s/%s, want accepted/pending", b.Status, b.PaymentStatus)
	}
	if !b.TotalCharge.Equal(dec("51.75")) {
		t.Fatalf("total charge = %s, want 51.75", b.TotalCharge)
	}

	env.Gateway.succeed(b.PaymentIntentID)
	for i := 0; i < 2; i++ {
		if err := env.Engine.ReconcilePayment(env.Ctx, b.PaymentIntentID, payments.IntentSucceeded, "gateway"); err != nil {
			t.Fatalf("reconcile bid #%d: %v", i, err)
		}
	}
	b, _ = env.Engine.Repo.GetBid(env.Ctx, b.ID)
	if b.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("payment_status = %s, want paid", b.PaymentStatus)
	}
	subs, err := env.Engine.ListSubmissions(env.Ctx, j.ID, "", "")
	if err != nil {
		t.Fatalf("list submissions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("%d submissions created, want 1", len(subs))
	}
	if !subs[0].PayoutAmount.Equal(dec("45")) {
		t.Fatalf("submission payout = %s, want the bid price 45", subs[0].PayoutAmount)
	}
	j, _ = env.Engine.GetJob(env.Ctx, j.ID)
	if j.Status != domain.JobInProgress {
		t.Fatalf("job status = %s, want in_progress", j.Status)
	}
}

func TestWholeJobBidSplitsPayout(t *testing.T) {
	env := newTestEnv(t)
	roles := []engine.RoleSpec{{
		Name: "Full pass",
		Items: []engine.ItemSpec{
			{ServiceType: domain.ServiceTest, Price: dec("40")},
			{ServiceType: domain.ServiceRecord, Price: dec("40")},
			{ServiceType: domain.ServiceDocument, Price: dec("20")},
		},
	}}
	j := env.createV2Job(t, domain.AssignWholeJob, roles)

	b, err := env.Engine.CreateBid(env.Ctx, tester, j.ID, engine.BidSpec{BidPrice: dec("100")})
	if err != nil {
		t.Fatalf("create bid: %v", err)
	}
	if b.IsCounter {
		t.Fatalf("100 against 100 flagged as counter")
	}
	if b, err = env.Engine.AcceptBid(env.Ctx, builder, b.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	env.Gateway.succeed(b.PaymentIntentID)
	if err := env.Engine.ReconcilePayment(env.Ctx, b.PaymentIntentID, payments.IntentSucceeded, "gateway"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	subs, _ := env.Engine.ListSubmissions(env.Ctx, j.ID, "", "")
	if len(subs) != 3 {
		t.Fatalf("%d submissions, want 3", len(subs))
	}
	total := decimal.Zero
	for _, s := range subs {
		total = total.Add(s.PayoutAmount)
	}
	if !total.Equal(dec("100")) {
		t.Fatalf("split total = %s, want 100", total)
	}
	// uneven cent lands on exactly one share
	counts := map[string]int{}
	for _, s := range subs {
		counts[s.PayoutAmount.StringFixed(2)]++
	}
	if counts["33.34"] != 1 || counts["33.33"] != 2 {
		t.Fatalf("shares = %v, want one 33.34 and two 33.33", counts)
	}
}

func TestBidScopeValidation(t *testing.T) {
	env := newTestEnv(t)
	j := env.createV2Job(t, domain.AssignPerItem, twoItemRoles())

	var ve engine.ValidationError
	if _, err := env.Engine.CreateBid(env.Ctx, tester, j.ID, engine.BidSpec{BidPrice: dec("10")}); !errors.As(err, &ve) {
		t.Fatalf("per-item bid without item: error = %v, want ValidationError", err)
	}
	if _, err := env.Engine.CreateBid(env.Ctx, tester, j.ID, engine.BidSpec{ItemID: "item-elsewhere", BidPrice: dec("10")}); !errors.As(err, &ve) {
		t.Fatalf("foreign item: error = %v, want ValidationError", err)
	}

	v1 := env.payJob(t, env.createV1Job(t, "20", 1))
	var se engine.StateError
	if _, err := env.Engine.CreateBid(env.Ctx, tester, v1.ID, engine.BidSpec{BidPrice: dec("10")}); !errors.As(err, &se) {
		t.Fatalf("bid on v1 job: error = %v, want StateError", err)
	}
}

func TestRejectAndWithdrawBid(t *testing.T) {
	env := newTestEnv(t)
	j := env.createV2Job(t, domain.AssignPerItem, twoItemRoles())
	item := j.Roles[0].Items[0]

	b, err := env.Engine.CreateBid(env.Ctx, tester, j.ID, engine.BidSpec{ItemID: item.ID, BidPrice: dec("40")})
	if err != nil {
		t.Fatalf("create bid: %v", err)
	}

	var ae engine.AuthorizationError
	if _, err := env.Engine.RejectBid(env.Ctx, "builder-2", b.ID); !errors.As(err, &ae) {
		t.Fatalf("foreign reject: error = %v, want AuthorizationError", err)
	}
	if _, err := env.Engine.WithdrawBid(env.Ctx, "tester-2", b.ID); !errors.As(err, &ae) {
		t.Fatalf("foreign withdraw: error = %v, want AuthorizationError", err)
	}

	b, err = env.Engine.WithdrawBid(env.Ctx, tester, b.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if b.Status != domain.BidWithdrawn {
		t.Fatalf("status = %s, want withdrawn", b.Status)
	}

	var se engine.StateError
	if _, err := env.Engine.AcceptBid(env.Ctx, builder, b.ID); !errors.As(err, &se) {
		t.Fatalf("accept withdrawn bid: error = %v, want StateError", err)
	}
}

func (env testEnv) claimAndSubmit(t *testing.T, jobID, testerID string) domain.Submission {
	t.Helper()
	s, err := env.Engine.ClaimJob(env.Ctx, testerID, jobID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	feedback := "works well overall"
	score := 4
	if _, err := env.Engine.UpdateDraft(env.Ctx, testerID, s.ID, engine.DraftUpdate{
		OverallFeedback: &feedback,
		UsabilityScore:  &score,
	}); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	s, err = env.Engine.Submit(env.Ctx, testerID, s.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return s
}

func TestSubmitValidatesDeliverablePerServiceType(t *testing.T) {
	env := newTestEnv(t)
	j := env.createV2Job(t, domain.AssignPerItem, twoItemRoles())
	docItem := j.Roles[0].Items[1]

	b, err := env.Engine.CreateBid(env.Ctx, tester, j.ID, engine.BidSpec{ItemID: docItem.ID, BidPrice: dec("25")})
	if err != nil {
		t.Fatalf("create bid: %v", err)
	}
	if b, err = env.Engine.AcceptBid(env.Ctx, builder, b.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	env.Gateway.succeed(b.PaymentIntentID)
	if err := env.Engine.ReconcilePayment(env.Ctx, b.PaymentIntentID, payments.IntentSucceeded, "gateway"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	subs, _ := env.Engine.ListSubmissions(env.Ctx, j.ID, "", "")
	if len(subs) != 1 || subs[0].ServiceType != domain.ServiceDocument {
		t.Fatalf("expected one document submission, got %+v", subs)
	}

	var ve engine.ValidationError
	if _, err := env.Engine.Submit(env.Ctx, tester, subs[0].ID); !errors.As(err, &ve) {
		t.Fatalf("submit empty document: error = %v, want ValidationError", err)
	}
	if ve.Field != "document_content" {
		t.Fatalf("validation field = %s, want document_content", ve.Field)
	}

	content := "## Findings\nAll flows pass."
	if _, err := env.Engine.UpdateDraft(env.Ctx, tester, subs[0].ID, engine.DraftUpdate{DocumentContent: &content}); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, tester, subs[0].ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestApproveWithoutPayoutAccount(t *testing.T) {
	env := newTestEnv(t)
	j := env.payJob(t, env.createV1Job(t, "20", 1))
	s := env.claimAndSubmit(t, j.ID, tester)

	rating := 5
	s, err := env.Engine.Approve(env.Ctx, builder, s.ID, "great work", &rating)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if s.Status != domain.SubmissionApproved {
		t.Fatalf("status = %s, want approved", s.Status)
	}
	// no payout account: approval sticks, transfer stays outstanding
	if s.TransferID != "" {
		t.Fatalf("transfer recorded without a payout account")
	}
	if len(env.Gateway.transfers) != 0 {
		t.Fatalf("gateway transfer attempted without an account")
	}

	account, err := env.Engine.GetTesterAccount(env.Ctx, tester)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if account.RatingCount != 1 || !account.Rating.Equal(dec("5")) {
		t.Fatalf("rating aggregate = %d/%s, want 1/5", account.RatingCount, account.Rating)
	}
}

func TestApproveTransfersToEnabledAccount(t *testing.T) {
	env := newTestEnv(t)
	j := env.payJob(t, env.createV1Job(t, "20", 1))
	s := env.claimAndSubmit(t, j.ID, tester)

	if _, _, err := env.Engine.OnboardPayoutAccount(env.Ctx, tester, "t@example.com", ""); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	account, _ := env.Engine.GetTesterAccount(env.Ctx, tester)
	if err := env.Engine.ReconcileAccount(env.Ctx, account.AccountID, true); err != nil {
		t.Fatalf("reconcile account: %v", err)
	}

	s, err := env.Engine.Approve(env.Ctx, builder, s.ID, "", nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if s.TransferID == "" {
		t.Fatalf("transfer reference not recorded")
	}
	if len(env.Gateway.transfers) != 1 || env.Gateway.transfers[0].Amount != 2000 {
		t.Fatalf("transfers = %+v, want one of 2000 minor units", env.Gateway.transfers)
	}
}

func TestTransferFailureDoesNotBlockApproval(t *testing.T) {
	env := newTestEnv(t)
	j := env.payJob(t, env.createV1Job(t, "20", 1))
	s := env.claimAndSubmit(t, j.ID, tester)

	if _, _, err := env.Engine.OnboardPayoutAccount(env.Ctx, tester, "t@example.com", ""); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	account, _ := env.Engine.GetTesterAccount(env.Ctx, tester)
	if err := env.Engine.ReconcileAccount(env.Ctx, account.AccountID, true); err != nil {
		t.Fatalf("reconcile account: %v", err)
	}
	env.Gateway.transferErr = &payments.Error{Op: "create_transfer", Status: 500, Reason: "gateway down"}

	s, err := env.Engine.Approve(env.Ctx, builder, s.ID, "", nil)
	if err != nil {
		t.Fatalf("approve must not fail on transfer error: %v", err)
	}
	if s.Status != domain.SubmissionApproved {
		t.Fatalf("status = %s, want approved", s.Status)
	}
	if s.TransferID != "" {
		t.Fatalf("transfer reference recorded despite failure")
	}
}

func TestUnclaimedCapacityRefund(t *testing.T) {
	env := newTestEnv(t)
	j := env.payJob(t, env.createV1Job(t, "20", 3))

	s1 := env.claimAndSubmit(t, j.ID, "tester-a")
	s2 := env.claimAndSubmit(t, j.ID, "tester-b")
	if _, err := env.Engine.Approve(env.Ctx, builder, s1.ID, "", nil); err != nil {
		t.Fatalf("approve first: %v", err)
	}
	j, _ = env.Engine.GetJob(env.Ctx, j.ID)
	if j.Status != domain.JobInProgress {
		t.Fatalf("job completed with a submission still open")
	}

	if _, err := env.Engine.Approve(env.Ctx, builder, s2.ID, "", nil); err != nil {
		t.Fatalf("approve second: %v", err)
	}
	j, _ = env.Engine.GetJob(env.Ctx, j.ID)
	if j.Status != domain.JobCompleted {
		t.Fatalf("job status = %s, want completed", j.Status)
	}
	// one unclaimed slot: 1 x 20 x 1.15 = 23.00
	if env.Gateway.refundCount() != 1 {
		t.Fatalf("%d refunds requested, want 1", env.Gateway.refundCount())
	}
	if env.Gateway.refunds[0].Amount != 2300 {
		t.Fatalf("refund amount = %d, want 2300", env.Gateway.refunds[0].Amount)
	}
	if !j.RefundAmount.Equal(dec("23")) {
		t.Fatalf("stored refund amount = %s, want 23.00", j.RefundAmount)
	}

	// retrying after success must not refund again
	if _, err := env.Engine.RetryUnclaimedRefund(env.Ctx, builder, j.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if env.Gateway.refundCount() != 1 {
		t.Fatalf("refund requested twice")
	}
}

func TestRefundRetryAfterGatewayFailure(t *testing.T) {
	env := newTestEnv(t)
	j := env.payJob(t, env.createV1Job(t, "20", 2))
	s := env.claimAndSubmit(t, j.ID, tester)

	env.Gateway.refundErr = &payments.Error{Op: "create_refund", Status: 500, Reason: "gateway down"}
	if _, err := env.Engine.Approve(env.Ctx, builder, s.ID, "", nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	j, _ = env.Engine.GetJob(env.Ctx, j.ID)
	if j.Status != domain.JobCompleted {
		t.Fatalf("completion blocked by refund failure")
	}
	if j.RefundID != "" {
		t.Fatalf("refund reference set after failed gateway call")
	}

	env.Gateway.refundErr = nil
	j, err := env.Engine.RetryUnclaimedRefund(env.Ctx, builder, j.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if env.Gateway.refundCount() != 1 {
		t.Fatalf("%d refunds after retry, want 1", env.Gateway.refundCount())
	}
	if j.RefundID == "" || !j.RefundAmount.Equal(dec("23")) {
		t.Fatalf("refund = %s/%s, want recorded 23.00", j.RefundID, j.RefundAmount)
	}
}

func TestFullCapacityNoRefund(t *testing.T) {
	env := newTestEnv(t)
	j := env.payJob(t, env.createV1Job(t, "20", 2))
	s1 := env.claimAndSubmit(t, j.ID, "tester-a")
	s2 := env.claimAndSubmit(t, j.ID, "tester-b")
	if _, err := env.Engine.Approve(env.Ctx, builder, s1.ID, "", nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.Reject(env.Ctx, builder, s2.ID, "not enough detail"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	j, _ = env.Engine.GetJob(env.Ctx, j.ID)
	if j.Status != domain.JobCompleted {
		t.Fatalf("job status = %s, want completed", j.Status)
	}
	if env.Gateway.refundCount() != 0 {
		t.Fatalf("refund requested at full capacity")
	}
}

func TestReviewAuthorizationAndStates(t *testing.T) {
	env := newTestEnv(t)
	j := env.payJob(t, env.createV1Job(t, "20", 2))
	s, err := env.Engine.ClaimJob(env.Ctx, tester, j.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	var se engine.StateError
	if _, err := env.Engine.Approve(env.Ctx, builder, s.ID, "", nil); !errors.As(err, &se) {
		t.Fatalf("approve draft: error = %v, want StateError", err)
	}

	var ae engine.AuthorizationError
	feedback := "ok"
	score := 3
	if _, err := env.Engine.UpdateDraft(env.Ctx, "tester-x", s.ID, engine.DraftUpdate{OverallFeedback: &feedback}); !errors.As(err, &ae) {
		t.Fatalf("foreign draft edit: error = %v, want AuthorizationError", err)
	}
	if _, err := env.Engine.UpdateDraft(env.Ctx, tester, s.ID, engine.DraftUpdate{OverallFeedback: &feedback, UsabilityScore: &score}); err != nil {
		t.Fatalf("draft edit: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, tester, s.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Reject(env.Ctx, "builder-9", s.ID, ""); !errors.As(err, &ae) {
		t.Fatalf("foreign review: error = %v, want AuthorizationError", err)
	}

	s, err = env.Engine.Approve(env.Ctx, builder, s.ID, "", nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	// terminal: a second review loses
	if _, err := env.Engine.Reject(env.Ctx, builder, s.ID, ""); !errors.As(err, &se) {
		t.Fatalf("re-review: error = %v, want StateError", err)
	}
	// the draft cannot be edited anymore
	if _, err := env.Engine.UpdateDraft(env.Ctx, tester, s.ID, engine.DraftUpdate{OverallFeedback: &feedback}); !errors.As(err, &se) {
		t.Fatalf("edit after review: error = %v, want StateError", err)
	}
}
