package engine

import (
	"context"
	"log"

	"peerhub/internal/domain"
	"peerhub/internal/events"
	"peerhub/internal/notify"
	"peerhub/internal/payments"
)

// DraftUpdate carries the deliverable fields a tester may edit while the
// submission is a draft. Nil pointers leave the stored value untouched.
type DraftUpdate struct {
	OverallFeedback *string
	BugReports      []domain.BugReport
	UsabilityScore  *int
	Suggestions     *string
	DocumentContent *string
	MediaURL        *string
	Tags            []domain.TimedTag
}

func validSeverity(s string) bool {
	switch s {
	case "low", "medium", "high", "critical":
		return true
	}
	return false
}

// UpdateDraft edits a draft submission's deliverable.
func (e Engine) UpdateDraft(ctx context.Context, testerID, subID string, upd DraftUpdate) (domain.Submission, error) {
	s, err := e.Repo.GetSubmission(ctx, subID)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.TesterID != testerID {
		return domain.Submission{}, AuthorizationError{Reason: "only the owning tester can edit a submission"}
	}
	if s.Status != domain.SubmissionDraft {
		return domain.Submission{}, StateError{Reason: "submission is " + s.Status + ", only drafts can be edited"}
	}

	if upd.OverallFeedback != nil {
		s.OverallFeedback = *upd.OverallFeedback
	}
	if upd.BugReports != nil {
		for _, bug := range upd.BugReports {
			if bug.Title == "" {
				return domain.Submission{}, ValidationError{Field: "bug_reports", Reason: "bug report title is required"}
			}
			if !validSeverity(bug.Severity) {
				return domain.Submission{}, ValidationError{Field: "bug_reports", Reason: "severity must be low, medium, high or critical"}
			}
		}
		s.BugReports = upd.BugReports
	}
	if upd.UsabilityScore != nil {
		if *upd.UsabilityScore < 1 || *upd.UsabilityScore > 5 {
			return domain.Submission{}, ValidationError{Field: "usability_score", Reason: "usability score must be between 1 and 5"}
		}
		s.UsabilityScore = upd.UsabilityScore
	}
	if upd.Suggestions != nil {
		s.Suggestions = *upd.Suggestions
	}
	if upd.DocumentContent != nil {
		s.DocumentContent = *upd.DocumentContent
	}
	if upd.MediaURL != nil {
		s.MediaURL = *upd.MediaURL
	}
	if upd.Tags != nil {
		s.Tags = upd.Tags
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateDraft(ctx, tx, s)
	if err != nil {
		return domain.Submission{}, err
	}
	if !ok {
		return domain.Submission{}, StateError{Reason: "submission is no longer a draft"}
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	return s, nil
}

// checkDeliverable enforces the service-type-specific completeness rules
// before a draft can be submitted.
func checkDeliverable(s domain.Submission) error {
	switch s.ServiceType {
	case domain.ServiceTest:
		if s.OverallFeedback == "" {
			return ValidationError{Field: "overall_feedback", Reason: "test submissions need overall feedback"}
		}
		if s.UsabilityScore == nil {
			return ValidationError{Field: "usability_score", Reason: "test submissions need a usability score"}
		}
	case domain.ServiceRecord:
		if s.OverallFeedback == "" {
			return ValidationError{Field: "overall_feedback", Reason: "recording submissions need overall feedback"}
		}
		if s.MediaURL == "" {
			return ValidationError{Field: "media_url", Reason: "recording submissions need an uploaded recording"}
		}
	case domain.ServiceVoiceover:
		if s.MediaURL == "" {
			return ValidationError{Field: "media_url", Reason: "voiceover submissions need an uploaded recording"}
		}
	case domain.ServiceDocument:
		if s.DocumentContent == "" {
			return ValidationError{Field: "document_content", Reason: "document submissions need document content"}
		}
	}
	return nil
}

// Submit finalizes a draft into a reviewable submission.
func (e Engine) Submit(ctx context.Context, testerID, subID string) (domain.Submission, error) {
	s, err := e.Repo.GetSubmission(ctx, subID)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.TesterID != testerID {
		return domain.Submission{}, AuthorizationError{Reason: "only the owning tester can submit"}
	}
	if s.Status != domain.SubmissionDraft {
		return domain.Submission{}, StateError{Reason: "submission is " + s.Status + ", not a draft"}
	}
	if err := checkDeliverable(s); err != nil {
		return domain.Submission{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	ok, err := e.Repo.MarkSubmitted(ctx, tx, subID, now)
	if err != nil {
		return domain.Submission{}, err
	}
	if !ok {
		return domain.Submission{}, StateError{Reason: "submission is no longer a draft"}
	}
	if err := e.Events.Append(ctx, tx, "submission.submitted", "submission", subID, testerID, events.EventPayload{
		"job_id": s.JobID,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}

	s.Status = domain.SubmissionSubmitted
	s.SubmittedAt = &now
	e.Notify.Notify(s.BuilderID, notify.KindSubmissionReceived, map[string]any{
		"job_id":        s.JobID,
		"submission_id": s.ID,
	})
	return s, nil
}

// Approve accepts a submitted deliverable. The payout transfer is attempted
// when the tester has a payout-capable account; a transfer failure is logged
// and never blocks the approval, the missing transfer reference marks it for
// out-of-band reconciliation. Completion of the parent job is checked after.
func (e Engine) Approve(ctx context.Context, builderID, subID, feedback string, rating *int) (domain.Submission, error) {
	s, err := e.Repo.GetSubmission(ctx, subID)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.BuilderID != builderID {
		return domain.Submission{}, AuthorizationError{Reason: "only the owning builder can review a submission"}
	}
	if s.Status != domain.SubmissionSubmitted {
		return domain.Submission{}, StateError{Reason: "submission is " + s.Status + ", not submitted"}
	}
	if rating != nil && (*rating < 1 || *rating > 5) {
		return domain.Submission{}, ValidationError{Field: "rating", Reason: "rating must be between 1 and 5"}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	ok, err := e.Repo.Review(ctx, tx, subID, domain.SubmissionApproved, feedback, rating, now)
	if err != nil {
		return domain.Submission{}, err
	}
	if !ok {
		return domain.Submission{}, StateError{Reason: "submission was already reviewed"}
	}
	if rating != nil {
		if err := e.Repo.AddRating(ctx, tx, s.TesterID, *rating, now); err != nil {
			return domain.Submission{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "submission.approved", "submission", subID, builderID, events.EventPayload{
		"job_id": s.JobID,
		"payout": s.PayoutAmount.String(),
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}

	e.transferPayout(ctx, s)
	e.Notify.Notify(s.TesterID, notify.KindSubmissionApproved, map[string]any{
		"job_id":        s.JobID,
		"submission_id": s.ID,
	})
	if err := e.resolveIfComplete(ctx, s.JobID, builderID); err != nil {
		log.Printf("submission %s: completion check failed: %v", subID, err)
	}
	return e.Repo.GetSubmission(ctx, subID)
}

// transferPayout moves the submission's payout to the tester's connected
// account. Best effort: any failure is logged and the transfer reference
// stays empty so the payout shows up as outstanding.
func (e Engine) transferPayout(ctx context.Context, s domain.Submission) {
	if !s.PayoutAmount.IsPositive() {
		return
	}
	account, err := e.Repo.GetTesterAccount(ctx, s.TesterID)
	if err != nil {
		if !isNotFound(err) {
			log.Printf("submission %s: loading tester account: %v", s.ID, err)
		}
		return
	}
	if account.AccountID == "" || !account.PayoutsEnabled {
		log.Printf("submission %s: tester %s has no payout-capable account, transfer deferred", s.ID, s.TesterID)
		return
	}
	transferID, err := e.Gateway.CreateTransfer(ctx, account.AccountID, payments.MinorUnits(s.PayoutAmount), map[string]string{
		"submission_id": s.ID,
		"job_id":        s.JobID,
	})
	if err != nil {
		log.Printf("submission %s: payout transfer failed: %v", s.ID, err)
		return
	}
	ok, err := e.Repo.SetTransfer(ctx, nil, s.ID, transferID)
	if err != nil {
		log.Printf("submission %s: recording transfer %s: %v", s.ID, transferID, err)
		return
	}
	if !ok {
		log.Printf("submission %s: transfer %s not recorded, a reference already exists", s.ID, transferID)
	}
}

// Reject declines a submitted deliverable and checks the parent job for
// completion.
func (e Engine) Reject(ctx context.Context, builderID, subID, feedback string) (domain.Submission, error) {
	s, err := e.Repo.GetSubmission(ctx, subID)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.BuilderID != builderID {
		return domain.Submission{}, AuthorizationError{Reason: "only the owning builder can review a submission"}
	}
	if s.Status != domain.SubmissionSubmitted {
		return domain.Submission{}, StateError{Reason: "submission is " + s.Status + ", not submitted"}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	ok, err := e.Repo.Review(ctx, tx, subID, domain.SubmissionRejected, feedback, nil, now)
	if err != nil {
		return domain.Submission{}, err
	}
	if !ok {
		return domain.Submission{}, StateError{Reason: "submission was already reviewed"}
	}
	if err := e.Events.Append(ctx, tx, "submission.rejected", "submission", subID, builderID, events.EventPayload{
		"job_id": s.JobID,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}

	e.Notify.Notify(s.TesterID, notify.KindSubmissionRejected, map[string]any{
		"job_id":        s.JobID,
		"submission_id": s.ID,
	})
	if err := e.resolveIfComplete(ctx, s.JobID, builderID); err != nil {
		log.Printf("submission %s: completion check failed: %v", subID, err)
	}
	return e.Repo.GetSubmission(ctx, subID)
}

// GetSubmission returns a submission visible to the caller.
func (e Engine) GetSubmission(ctx context.Context, actorID, subID string) (domain.Submission, error) {
	s, err := e.Repo.GetSubmission(ctx, subID)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.TesterID != actorID && s.BuilderID != actorID {
		return domain.Submission{}, AuthorizationError{Reason: "submission belongs to another user"}
	}
	return s, nil
}

// ListSubmissions filters submissions for the caller.
func (e Engine) ListSubmissions(ctx context.Context, jobID, builderID, testerID string) ([]domain.Submission, error) {
	return e.Repo.ListSubmissions(ctx, jobID, builderID, testerID)
}
