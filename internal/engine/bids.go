package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"peerhub/internal/domain"
	"peerhub/internal/events"
	"peerhub/internal/notify"
	"peerhub/internal/payments"
)

// counterEpsilon is one minor currency unit; a bid within this tolerance of
// the listed price is not a counter-offer.
var counterEpsilon = decimal.NewFromFloat(0.01)

type BidSpec struct {
	RoleID   string
	ItemID   string
	BidPrice decimal.Decimal
}

// scopedItems resolves a bid scope to the items it covers, validating that the
// scope descriptor matches the job's assignment type.
func scopedItems(j domain.Job, roleID, itemID string) ([]domain.Item, error) {
	switch j.AssignmentType {
	case domain.AssignWholeJob:
		if roleID != "" || itemID != "" {
			return nil, ValidationError{Field: "scope", Reason: "whole-job bids do not take a role or item"}
		}
		var items []domain.Item
		for _, role := range j.Roles {
			items = append(items, role.Items...)
		}
		return items, nil
	case domain.AssignPerRole:
		if roleID == "" || itemID != "" {
			return nil, ValidationError{Field: "role_id", Reason: "per-role bids take exactly a role_id"}
		}
		for _, role := range j.Roles {
			if role.ID == roleID {
				return role.Items, nil
			}
		}
		return nil, ValidationError{Field: "role_id", Reason: "role does not belong to this job"}
	case domain.AssignPerItem:
		if itemID == "" {
			return nil, ValidationError{Field: "item_id", Reason: "per-item bids take an item_id"}
		}
		for _, role := range j.Roles {
			for _, item := range role.Items {
				if item.ID == itemID {
					return []domain.Item{item}, nil
				}
			}
		}
		return nil, ValidationError{Field: "item_id", Reason: "item does not belong to this job"}
	}
	return nil, StateError{Reason: "job has no assignment type"}
}

// CreateBid records a tester's priced offer against a job scope. The listed
// price of the scope is captured as proposed_price; a bid that deviates by
// more than one cent is flagged as a counter-offer.
func (e Engine) CreateBid(ctx context.Context, testerID, jobID string, spec BidSpec) (domain.Bid, error) {
	if !spec.BidPrice.IsPositive() {
		return domain.Bid{}, ValidationError{Field: "bid_price", Reason: "bid price must be positive"}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Bid{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Bid{}, err
	}
	if j.SchemaVersion != domain.JobV2 {
		return domain.Bid{}, StateError{Reason: "flat-rate jobs are claimed, not bid on"}
	}
	if j.Status != domain.JobOpen && j.Status != domain.JobInProgress {
		return domain.Bid{}, StateError{Reason: "job is not accepting bids in status " + j.Status}
	}

	items, err := scopedItems(j, spec.RoleID, spec.ItemID)
	if err != nil {
		return domain.Bid{}, err
	}
	if len(items) == 0 {
		return domain.Bid{}, ValidationError{Field: "scope", Reason: "bid scope covers no items"}
	}

	exists, err := e.Repo.HasPendingBid(ctx, tx, jobID, testerID, spec.RoleID, spec.ItemID)
	if err != nil {
		return domain.Bid{}, err
	}
	if exists {
		return domain.Bid{}, ConflictError{Reason: "you already have a pending bid on this scope"}
	}

	proposed := decimal.Zero
	for _, item := range items {
		proposed = proposed.Add(item.Price)
	}

	now := e.nowRFC3339()
	b := domain.Bid{
		ID:            uuid.NewString(),
		JobID:         jobID,
		TesterID:      testerID,
		RoleID:        spec.RoleID,
		ItemID:        spec.ItemID,
		ProposedPrice: proposed,
		BidPrice:      spec.BidPrice,
		IsCounter:     spec.BidPrice.Sub(proposed).Abs().GreaterThan(counterEpsilon),
		Status:        domain.BidPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertBid(ctx, tx, b); err != nil {
		return domain.Bid{}, err
	}
	if err := e.Events.Append(ctx, tx, "bid.created", "bid", b.ID, testerID, events.EventPayload{
		"job_id":     jobID,
		"bid_price":  b.BidPrice.String(),
		"is_counter": b.IsCounter,
	}); err != nil {
		return domain.Bid{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bid{}, err
	}

	e.Notify.Notify(j.BuilderID, notify.KindBidReceived, map[string]any{
		"job_id":    jobID,
		"bid_id":    b.ID,
		"bid_price": b.BidPrice.String(),
	})
	return b, nil
}

// AcceptBid transitions a pending bid to accepted and opens its payment. The
// intent is created at the gateway first; if two accepts race, one wins the
// guarded transition and the loser's intent is never referenced.
func (e Engine) AcceptBid(ctx context.Context, builderID, bidID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return domain.Bid{}, err
	}
	j, err := e.Repo.GetJob(ctx, b.JobID)
	if err != nil {
		return domain.Bid{}, err
	}
	if j.BuilderID != builderID {
		return domain.Bid{}, AuthorizationError{Reason: "only the job's builder can accept a bid"}
	}
	if b.Status != domain.BidPending {
		return domain.Bid{}, StateError{Reason: "bid is " + b.Status + ", not pending"}
	}

	b.PlatformFee, b.TotalCharge = e.charge(b.BidPrice)
	intent, err := e.Gateway.CreateIntent(ctx, payments.IntentParams{
		Amount:   payments.MinorUnits(b.TotalCharge),
		Currency: e.currency(),
		Metadata: map[string]string{"kind": "bid", "bid_id": b.ID, "job_id": b.JobID},
	})
	if err != nil {
		return domain.Bid{}, err
	}
	b.PaymentIntentID = intent.ID

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Bid{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	won, err := e.Repo.AcceptBid(ctx, tx, b, now)
	if err != nil {
		return domain.Bid{}, err
	}
	if !won {
		return domain.Bid{}, StateError{Reason: "bid is no longer pending"}
	}
	if err := e.Events.Append(ctx, tx, "bid.accepted", "bid", b.ID, builderID, events.EventPayload{
		"job_id":       b.JobID,
		"total_charge": b.TotalCharge.String(),
	}); err != nil {
		return domain.Bid{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bid{}, err
	}

	e.Notify.Notify(b.TesterID, notify.KindBidAccepted, map[string]any{
		"job_id": b.JobID,
		"bid_id": b.ID,
	})
	return e.Repo.GetBid(ctx, bidID)
}

// RejectBid moves a pending bid to rejected.
func (e Engine) RejectBid(ctx context.Context, builderID, bidID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return domain.Bid{}, err
	}
	j, err := e.Repo.GetJob(ctx, b.JobID)
	if err != nil {
		return domain.Bid{}, err
	}
	if j.BuilderID != builderID {
		return domain.Bid{}, AuthorizationError{Reason: "only the job's builder can reject a bid"}
	}
	b, err = e.transitionBid(ctx, b, domain.BidRejected, builderID)
	if err != nil {
		return domain.Bid{}, err
	}
	e.Notify.Notify(b.TesterID, notify.KindBidRejected, map[string]any{
		"job_id": b.JobID,
		"bid_id": b.ID,
	})
	return b, nil
}

// WithdrawBid lets the bidding tester retract a pending bid.
func (e Engine) WithdrawBid(ctx context.Context, testerID, bidID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return domain.Bid{}, err
	}
	if b.TesterID != testerID {
		return domain.Bid{}, AuthorizationError{Reason: "only the bidding tester can withdraw"}
	}
	return e.transitionBid(ctx, b, domain.BidWithdrawn, testerID)
}

func (e Engine) transitionBid(ctx context.Context, b domain.Bid, to, actorID string) (domain.Bid, error) {
	if b.Status != domain.BidPending {
		return domain.Bid{}, StateError{Reason: "bid is " + b.Status + ", not pending"}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Bid{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	won, err := e.Repo.TransitionBid(ctx, tx, b.ID, to, now)
	if err != nil {
		return domain.Bid{}, err
	}
	if !won {
		return domain.Bid{}, StateError{Reason: "bid is no longer pending"}
	}
	if err := e.Events.Append(ctx, tx, "bid."+to, "bid", b.ID, actorID, events.EventPayload{
		"job_id": b.JobID,
	}); err != nil {
		return domain.Bid{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bid{}, err
	}
	b.Status = to
	b.UpdatedAt = now
	return b, nil
}

// ListBids returns the bids on a job the caller may see: the job's builder
// sees all of them, a tester sees only their own.
func (e Engine) ListBids(ctx context.Context, actorID, jobID string) ([]domain.Bid, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	bids, err := e.Repo.ListBidsForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if actorID == j.BuilderID {
		return bids, nil
	}
	var own []domain.Bid
	for _, b := range bids {
		if b.TesterID == actorID {
			own = append(own, b)
		}
	}
	return own, nil
}
