package engine

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"peerhub/internal/domain"
	"peerhub/internal/events"
	"peerhub/internal/notify"
	"peerhub/internal/payments"
)

// ReconcilePayment applies an observed payment intent status to whichever
// entity still references the intent in a not-yet-finalized state. It is the
// single convergence point for the two racing signals, the client's confirm
// call and the processor's webhook; either may arrive first, repeatedly, or
// not at all. An unknown or already-finalized intent is a no-op success, a
// non-success status changes nothing, and the pending-state guards inside the
// conditional updates make a duplicate invocation a true no-op.
func (e Engine) ReconcilePayment(ctx context.Context, intentID, observedStatus, actorID string) error {
	if intentID == "" {
		return nil
	}
	if !payments.Succeeded(observedStatus) {
		return nil
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobByIntent(ctx, tx, intentID)
	switch {
	case err == nil:
		return e.reconcileJob(ctx, tx, j, actorID)
	case !isNotFound(err):
		return err
	}

	b, err := e.Repo.GetBidByIntent(ctx, tx, intentID)
	switch {
	case err == nil:
		return e.reconcileBid(ctx, tx, b, actorID)
	case !isNotFound(err):
		return err
	}

	// Unknown intent: already rotated away or never ours.
	return nil
}

func (e Engine) reconcileJob(ctx context.Context, tx *sql.Tx, j domain.Job, actorID string) error {
	now := e.nowRFC3339()
	won, err := e.Repo.MarkJobPaid(ctx, tx, j.ID, now)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if err := e.Events.Append(ctx, tx, "payment.confirmed", "job", j.ID, actorID, events.EventPayload{
		"intent_id": j.PaymentIntentID,
		"amount":    j.TotalCharge.String(),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Notify.Notify(j.BuilderID, notify.KindPaymentConfirmed, map[string]any{
		"job_id": j.ID,
		"amount": j.TotalCharge.String(),
	})
	return nil
}

func (e Engine) reconcileBid(ctx context.Context, tx *sql.Tx, b domain.Bid, actorID string) error {
	if b.Status != domain.BidAccepted {
		return nil
	}
	now := e.nowRFC3339()
	won, err := e.Repo.MarkBidPaid(ctx, tx, b.ID, now)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	// Payment is in: the tester may start work. One draft submission per
	// scoped item, splitting the bid price across them.
	j, err := e.Repo.GetJobTx(ctx, tx, b.JobID)
	if err != nil {
		return err
	}
	items, err := scopedItems(j, b.RoleID, b.ItemID)
	if err != nil {
		return err
	}
	existing, err := e.Repo.CountSubmissionsForBid(ctx, tx, b.ID)
	if err != nil {
		return err
	}
	if existing == 0 {
		shares := splitEvenly(b.BidPrice, len(items))
		for i, item := range items {
			s := domain.Submission{
				ID:           uuid.NewString(),
				JobID:        j.ID,
				BidID:        b.ID,
				ItemID:       item.ID,
				ProjectID:    j.ProjectID,
				BuilderID:    j.BuilderID,
				TesterID:     b.TesterID,
				ServiceType:  item.ServiceType,
				Status:       domain.SubmissionDraft,
				PayoutAmount: shares[i],
				CreatedAt:    now,
			}
			if err := e.Repo.InsertSubmission(ctx, tx, s); err != nil {
				return err
			}
		}
	}
	if _, err := e.Repo.AdvanceJobStatus(ctx, tx, j.ID, domain.JobOpen, domain.JobInProgress, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "payment.confirmed", "bid", b.ID, actorID, events.EventPayload{
		"intent_id":   b.PaymentIntentID,
		"amount":      b.TotalCharge.String(),
		"submissions": len(items),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Notify.Notify(b.TesterID, notify.KindPaymentConfirmed, map[string]any{
		"job_id": b.JobID,
		"bid_id": b.ID,
	})
	return nil
}

// ConfirmJobPayment is the synchronous reconciliation leg for a job charge:
// it asks the gateway for the intent's current status and feeds it through
// the same path the webhook takes.
func (e Engine) ConfirmJobPayment(ctx context.Context, builderID, jobID string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.BuilderID != builderID {
		return domain.Job{}, AuthorizationError{Reason: "only the job's builder can confirm its payment"}
	}
	if j.PaymentIntentID == "" {
		return domain.Job{}, StateError{Reason: "job has no payment to confirm"}
	}
	intent, err := e.Gateway.RetrieveIntent(ctx, j.PaymentIntentID)
	if err != nil {
		return domain.Job{}, err
	}
	if !payments.Succeeded(intent.Status) {
		return domain.Job{}, StateError{Reason: "payment has not completed, intent is " + intent.Status}
	}
	if err := e.ReconcilePayment(ctx, intent.ID, intent.Status, builderID); err != nil {
		return domain.Job{}, err
	}
	return e.Repo.GetJob(ctx, jobID)
}

// ConfirmBidPayment is the synchronous reconciliation leg for a bid charge.
func (e Engine) ConfirmBidPayment(ctx context.Context, builderID, bidID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return domain.Bid{}, err
	}
	j, err := e.Repo.GetJob(ctx, b.JobID)
	if err != nil {
		return domain.Bid{}, err
	}
	if j.BuilderID != builderID {
		return domain.Bid{}, AuthorizationError{Reason: "only the job's builder can confirm a bid payment"}
	}
	if b.PaymentIntentID == "" {
		return domain.Bid{}, StateError{Reason: "bid has no payment to confirm"}
	}
	intent, err := e.Gateway.RetrieveIntent(ctx, b.PaymentIntentID)
	if err != nil {
		return domain.Bid{}, err
	}
	if !payments.Succeeded(intent.Status) {
		return domain.Bid{}, StateError{Reason: "payment has not completed, intent is " + intent.Status}
	}
	if err := e.ReconcilePayment(ctx, intent.ID, intent.Status, builderID); err != nil {
		return domain.Bid{}, err
	}
	return e.Repo.GetBid(ctx, bidID)
}

// PaymentHandle is what a builder's client needs to complete a charge.
type PaymentHandle struct {
	IntentID     string
	ClientSecret string
	Status       string
}

// JobPaymentIntent returns a live payment handle for a pending job charge,
// rotating the stored intent when the processor reports it dead. Callers
// never see a cancelled or expired intent.
func (e Engine) JobPaymentIntent(ctx context.Context, builderID, jobID string) (PaymentHandle, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return PaymentHandle{}, err
	}
	if j.BuilderID != builderID {
		return PaymentHandle{}, AuthorizationError{Reason: "only the job's builder can fetch its payment"}
	}
	if j.Status != domain.JobPendingPayment || j.PaymentIntentID == "" {
		return PaymentHandle{}, StateError{Reason: "job has no pending payment"}
	}
	intent, err := e.Gateway.RetrieveIntent(ctx, j.PaymentIntentID)
	if err != nil {
		return PaymentHandle{}, err
	}
	if payments.Dead(intent.Status) {
		intent, err = e.Gateway.CreateIntent(ctx, payments.IntentParams{
			Amount:   payments.MinorUnits(j.TotalCharge),
			Currency: e.currency(),
			Metadata: map[string]string{"kind": "job", "job_id": j.ID},
		})
		if err != nil {
			return PaymentHandle{}, err
		}
		if err := e.Repo.SetJobIntent(ctx, nil, j.ID, intent.ID, domain.PaymentPending, e.nowRFC3339()); err != nil {
			return PaymentHandle{}, err
		}
	}
	return PaymentHandle{IntentID: intent.ID, ClientSecret: intent.ClientSecret, Status: intent.Status}, nil
}

// BidPaymentIntent is JobPaymentIntent for an accepted bid's charge.
func (e Engine) BidPaymentIntent(ctx context.Context, builderID, bidID string) (PaymentHandle, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return PaymentHandle{}, err
	}
	j, err := e.Repo.GetJob(ctx, b.JobID)
	if err != nil {
		return PaymentHandle{}, err
	}
	if j.BuilderID != builderID {
		return PaymentHandle{}, AuthorizationError{Reason: "only the job's builder can fetch a bid payment"}
	}
	if b.Status != domain.BidAccepted || b.PaymentStatus != domain.PaymentPending || b.PaymentIntentID == "" {
		return PaymentHandle{}, StateError{Reason: "bid has no pending payment"}
	}
	intent, err := e.Gateway.RetrieveIntent(ctx, b.PaymentIntentID)
	if err != nil {
		return PaymentHandle{}, err
	}
	if payments.Dead(intent.Status) {
		intent, err = e.Gateway.CreateIntent(ctx, payments.IntentParams{
			Amount:   payments.MinorUnits(b.TotalCharge),
			Currency: e.currency(),
			Metadata: map[string]string{"kind": "bid", "bid_id": b.ID, "job_id": b.JobID},
		})
		if err != nil {
			return PaymentHandle{}, err
		}
		if err := e.Repo.SetBidIntent(ctx, nil, b.ID, intent.ID, e.nowRFC3339()); err != nil {
			return PaymentHandle{}, err
		}
	}
	return PaymentHandle{IntentID: intent.ID, ClientSecret: intent.ClientSecret, Status: intent.Status}, nil
}

// OnboardPayoutAccount creates (or reuses) the tester's connected payout
// account and returns a fresh onboarding link.
func (e Engine) OnboardPayoutAccount(ctx context.Context, testerID, email, returnURL string) (domain.TesterAccount, string, error) {
	account, err := e.Repo.GetTesterAccount(ctx, testerID)
	if err != nil && !isNotFound(err) {
		return domain.TesterAccount{}, "", err
	}
	now := e.nowRFC3339()
	if account.AccountID == "" {
		created, err := e.Gateway.CreateAccount(ctx, email)
		if err != nil {
			return domain.TesterAccount{}, "", err
		}
		account = domain.TesterAccount{
			TesterID:       testerID,
			AccountID:      created.ID,
			PayoutsEnabled: created.PayoutsEnabled,
			RatingTotal:    account.RatingTotal,
			RatingCount:    account.RatingCount,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.Repo.UpsertTesterAccount(ctx, nil, account); err != nil {
			return domain.TesterAccount{}, "", err
		}
	}
	link, err := e.Gateway.AccountLink(ctx, account.AccountID, returnURL)
	if err != nil {
		return domain.TesterAccount{}, "", err
	}
	return account, link, nil
}

// ReconcileAccount applies a connected-account update from the processor.
// Unknown accounts are a no-op, matching the intent reconciliation policy.
func (e Engine) ReconcileAccount(ctx context.Context, accountID string, payoutsEnabled bool) error {
	account, err := e.Repo.GetTesterAccountByAccountID(ctx, nil, accountID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if account.PayoutsEnabled == payoutsEnabled {
		return nil
	}
	return e.Repo.SetPayoutsEnabled(ctx, nil, account.TesterID, payoutsEnabled, e.nowRFC3339())
}

// GetTesterAccount returns the tester's payout account and rating aggregate.
func (e Engine) GetTesterAccount(ctx context.Context, testerID string) (domain.TesterAccount, error) {
	return e.Repo.GetTesterAccount(ctx, testerID)
}
