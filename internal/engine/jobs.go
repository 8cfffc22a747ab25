package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"peerhub/internal/domain"
	"peerhub/internal/events"
	"peerhub/internal/notify"
	"peerhub/internal/payments"
	"peerhub/internal/repo"
)

const (
	maxPayoutAmount = 1000
	maxJobCapacity  = 10
)

type ItemSpec struct {
	ServiceType      string
	Price            decimal.Decimal
	EstimatedMinutes int
}

type RoleSpec struct {
	Name  string
	Items []ItemSpec
}

type JobSpec struct {
	ProjectID     string
	SchemaVersion string
	Title         string
	Description   string

	// v1
	PayoutAmount decimal.Decimal
	MaxTesters   int

	// v2
	AssignmentType string
	Roles          []RoleSpec
}

func validServiceType(t string) bool {
	switch t {
	case domain.ServiceTest, domain.ServiceRecord, domain.ServiceDocument, domain.ServiceVoiceover:
		return true
	}
	return false
}

func (e Engine) validateJobSpec(spec JobSpec) error {
	if spec.Title == "" {
		return ValidationError{Field: "title", Reason: "title is required"}
	}
	if spec.ProjectID == "" {
		return ValidationError{Field: "project_id", Reason: "project_id is required"}
	}
	switch spec.SchemaVersion {
	case domain.JobV1:
		if !spec.PayoutAmount.IsPositive() {
			return ValidationError{Field: "payout_amount", Reason: "payout must be positive"}
		}
		if spec.PayoutAmount.GreaterThan(decimal.NewFromInt(maxPayoutAmount)) {
			return ValidationError{Field: "payout_amount", Reason: fmt.Sprintf("payout must not exceed %d", maxPayoutAmount)}
		}
		if spec.MaxTesters < 1 || spec.MaxTesters > maxJobCapacity {
			return ValidationError{Field: "max_testers", Reason: fmt.Sprintf("max_testers must be between 1 and %d", maxJobCapacity)}
		}
	case domain.JobV2:
		switch spec.AssignmentType {
		case domain.AssignWholeJob, domain.AssignPerRole, domain.AssignPerItem:
		default:
			return ValidationError{Field: "assignment_type", Reason: "assignment_type must be whole_job, per_role or per_item"}
		}
		if len(spec.Roles) == 0 {
			return ValidationError{Field: "roles", Reason: "at least one role is required"}
		}
		for _, role := range spec.Roles {
			if role.Name == "" {
				return ValidationError{Field: "roles", Reason: "role name is required"}
			}
			if len(role.Items) == 0 {
				return ValidationError{Field: "roles", Reason: "each role needs at least one item"}
			}
			for _, item := range role.Items {
				if !validServiceType(item.ServiceType) {
					return ValidationError{Field: "service_type", Reason: "unknown service type " + item.ServiceType}
				}
				if !item.Price.IsPositive() {
					return ValidationError{Field: "price", Reason: "item price must be positive"}
				}
			}
		}
	default:
		return ValidationError{Field: "schema_version", Reason: "schema_version must be v1 or v2"}
	}
	return nil
}

// CreateJob persists a new job for the builder. A v1 job is charged up front:
// the payment intent is created at the gateway before anything is written
// locally, so a gateway failure leaves no local state and an insert failure
// leaves only an unconsumed intent.
func (e Engine) CreateJob(ctx context.Context, builderID string, spec JobSpec) (domain.Job, error) {
	if err := e.validateJobSpec(spec); err != nil {
		return domain.Job{}, err
	}
	project, err := e.Repo.GetProject(ctx, spec.ProjectID)
	if err != nil {
		return domain.Job{}, err
	}
	if project.BuilderID != builderID {
		return domain.Job{}, repo.ErrNotFound
	}

	now := e.nowRFC3339()
	j := domain.Job{
		ID:            uuid.NewString(),
		ProjectID:     spec.ProjectID,
		BuilderID:     builderID,
		SchemaVersion: spec.SchemaVersion,
		Title:         spec.Title,
		Description:   spec.Description,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if spec.SchemaVersion == domain.JobV1 {
		j.Status = domain.JobPendingPayment
		j.PayoutAmount = spec.PayoutAmount
		j.MaxTesters = spec.MaxTesters
		base := spec.PayoutAmount.Mul(decimal.NewFromInt(int64(spec.MaxTesters)))
		j.PlatformFee, j.TotalCharge = e.charge(base)
		j.PaymentStatus = domain.PaymentPending

		intent, err := e.Gateway.CreateIntent(ctx, payments.IntentParams{
			Amount:   payments.MinorUnits(j.TotalCharge),
			Currency: e.currency(),
			Metadata: map[string]string{"kind": "job", "job_id": j.ID},
		})
		if err != nil {
			return domain.Job{}, err
		}
		j.PaymentIntentID = intent.ID
	} else {
		j.Status = domain.JobOpen
		j.AssignmentType = spec.AssignmentType
		for ri, roleSpec := range spec.Roles {
			role := domain.Role{
				ID:       uuid.NewString(),
				JobID:    j.ID,
				Position: ri,
				Name:     roleSpec.Name,
			}
			for ii, itemSpec := range roleSpec.Items {
				role.Items = append(role.Items, domain.Item{
					ID:               uuid.NewString(),
					RoleID:           role.ID,
					JobID:            j.ID,
					Position:         ii,
					ServiceType:      itemSpec.ServiceType,
					Price:            itemSpec.Price,
					EstimatedMinutes: itemSpec.EstimatedMinutes,
				})
			}
			j.Roles = append(j.Roles, role)
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	for _, role := range j.Roles {
		if err := e.Repo.InsertRole(ctx, tx, role); err != nil {
			return domain.Job{}, err
		}
		for _, item := range role.Items {
			if err := e.Repo.InsertItem(ctx, tx, item); err != nil {
				return domain.Job{}, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "job.created", "job", j.ID, builderID, events.EventPayload{
		"schema_version": j.SchemaVersion,
		"status":         j.Status,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// ClaimJob takes one capacity slot on a v1 job for the tester and opens a
// draft submission for their work. The capacity check and the slot insert are
// a single guarded statement so concurrent claims cannot oversubscribe.
func (e Engine) ClaimJob(ctx context.Context, testerID, jobID string) (domain.Submission, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Submission{}, err
	}
	if j.SchemaVersion != domain.JobV1 {
		return domain.Submission{}, StateError{Reason: "only flat-rate jobs can be claimed; place a bid instead"}
	}
	if j.Status != domain.JobOpen && j.Status != domain.JobInProgress {
		return domain.Submission{}, StateError{Reason: "job is not accepting claims in status " + j.Status}
	}
	if claimed, err := e.Repo.HasClaim(ctx, tx, jobID, testerID); err != nil {
		return domain.Submission{}, err
	} else if claimed {
		return domain.Submission{}, ConflictError{Reason: "you already claimed this job"}
	}

	now := e.nowRFC3339()
	ok, err := e.Repo.ClaimSlot(ctx, tx, jobID, testerID, j.MaxTesters, now)
	if err != nil {
		return domain.Submission{}, err
	}
	if !ok {
		return domain.Submission{}, ConflictError{Reason: "job is at capacity"}
	}
	if _, err := e.Repo.AdvanceJobStatus(ctx, tx, jobID, domain.JobOpen, domain.JobInProgress, now); err != nil {
		return domain.Submission{}, err
	}

	s := domain.Submission{
		ID:           uuid.NewString(),
		JobID:        j.ID,
		ProjectID:    j.ProjectID,
		BuilderID:    j.BuilderID,
		TesterID:     testerID,
		ServiceType:  domain.ServiceTest,
		Status:       domain.SubmissionDraft,
		PayoutAmount: j.PayoutAmount,
		CreatedAt:    now,
	}
	if err := e.Repo.InsertSubmission(ctx, tx, s); err != nil {
		return domain.Submission{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.claimed", "job", j.ID, testerID, events.EventPayload{
		"submission_id": s.ID,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}

	e.Notify.Notify(j.BuilderID, notify.KindJobClaimed, map[string]any{
		"job_id":    j.ID,
		"tester_id": testerID,
	})
	return s, nil
}

// resolveIfComplete finalizes the job once every linked submission is
// terminal. Exactly one caller wins the completion transition; the winner
// kicks off the unclaimed-capacity refund for flat-rate jobs.
func (e Engine) resolveIfComplete(ctx context.Context, jobID, actorID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if j.Status == domain.JobCompleted {
		return nil
	}
	resolved, total, err := e.Repo.AllSubmissionsResolved(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if !resolved {
		return nil
	}
	won, err := e.Repo.CompleteJob(ctx, tx, jobID, e.nowRFC3339())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if err := e.Events.Append(ctx, tx, "job.completed", "job", jobID, actorID, events.EventPayload{
		"submissions": total,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.Notify.Notify(j.BuilderID, notify.KindJobCompleted, map[string]any{"job_id": jobID})

	if j.SchemaVersion == domain.JobV1 && total < j.MaxTesters {
		if err := e.refundUnclaimed(ctx, j, total); err != nil {
			log.Printf("job %s: unclaimed-capacity refund failed (will need retry): %v", jobID, err)
		}
	}
	return nil
}

// refundUnclaimed returns the charge for capacity that never produced a
// submission. The refund slot is reserved before the gateway call so the
// refund is requested at most once; a failed call releases the slot.
func (e Engine) refundUnclaimed(ctx context.Context, j domain.Job, submissions int) error {
	unclaimed := j.MaxTesters - submissions
	if unclaimed <= 0 || j.PaymentIntentID == "" {
		return nil
	}
	base := j.PayoutAmount.Mul(decimal.NewFromInt(int64(unclaimed)))
	_, amount := e.charge(base)

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	reserved, err := e.Repo.ReserveRefund(ctx, tx, j.ID, e.nowRFC3339())
	if err != nil {
		return err
	}
	if !reserved {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	refundID, err := e.Gateway.CreateRefund(ctx, j.PaymentIntentID, payments.MinorUnits(amount))
	if err != nil {
		if clearErr := e.Repo.ClearRefundReservation(ctx, j.ID, e.nowRFC3339()); clearErr != nil {
			log.Printf("job %s: clearing refund reservation failed: %v", j.ID, clearErr)
		}
		return err
	}

	tx, err = e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.FinalizeRefund(ctx, tx, j.ID, refundID, amount, e.nowRFC3339()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "job.refunded", "job", j.ID, j.BuilderID, events.EventPayload{
		"refund_id": refundID,
		"amount":    amount.String(),
		"unclaimed": unclaimed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RetryUnclaimedRefund re-runs the refund computation for a completed job
// whose automatic refund attempt failed. Safe to call repeatedly.
func (e Engine) RetryUnclaimedRefund(ctx context.Context, builderID, jobID string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.BuilderID != builderID {
		return domain.Job{}, AuthorizationError{Reason: "only the job's builder can request a refund"}
	}
	if j.Status != domain.JobCompleted {
		return domain.Job{}, StateError{Reason: "job is not completed"}
	}
	if j.SchemaVersion != domain.JobV1 || j.RefundID != "" {
		return j, nil
	}
	if err := e.refundUnclaimed(ctx, j, len(j.SubmissionIDs)); err != nil {
		return domain.Job{}, err
	}
	return e.Repo.GetJob(ctx, jobID)
}

// GetJob returns a job if the caller may see it.
func (e Engine) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	return e.Repo.GetJob(ctx, jobID)
}

// ListJobs returns jobs visible to the caller.
func (e Engine) ListJobs(ctx context.Context, builderID, testerID string) ([]domain.Job, error) {
	return e.Repo.ListJobs(ctx, builderID, testerID)
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
