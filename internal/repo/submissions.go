package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"peerhub/internal/domain"
)

const submissionColumns = `id,job_id,bid_id,item_id,project_id,builder_id,tester_id,service_type,status,overall_feedback,bug_reports_json,usability_score,suggestions,document_content,media_url,tags_json,payout_amount,review_feedback,review_rating,transfer_id,created_at,submitted_at,reviewed_at`

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	bugs, err := marshalOrNil(s.BugReports)
	if err != nil {
		return err
	}
	tags, err := marshalOrNil(s.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO submissions(`+submissionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.JobID, nullable(s.BidID), nullable(s.ItemID), s.ProjectID, s.BuilderID, s.TesterID,
		s.ServiceType, s.Status, nullable(s.OverallFeedback), bugs, nullableInt(s.UsabilityScore),
		nullable(s.Suggestions), nullable(s.DocumentContent), nullable(s.MediaURL), tags,
		s.PayoutAmount.String(), nullable(s.ReviewFeedback), nullableInt(s.ReviewRating), nullable(s.TransferID),
		s.CreatedAt, nullableStringPtr(s.SubmittedAt), nullableStringPtr(s.ReviewedAt))
	return err
}

func marshalOrNil(v any) (any, error) {
	switch t := v.(type) {
	case []domain.BugReport:
		if len(t) == 0 {
			return nil, nil
		}
	case []domain.TimedTag:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanSubmission(scan func(dest ...any) error) (domain.Submission, error) {
	var s domain.Submission
	var bidID, itemID, feedback, bugs, suggestions, docContent, mediaURL, tags, reviewFeedback, transferID sql.NullString
	var submittedAt, reviewedAt sql.NullString
	var payout sql.NullString
	var score, rating sql.NullInt64
	err := scan(&s.ID, &s.JobID, &bidID, &itemID, &s.ProjectID, &s.BuilderID, &s.TesterID,
		&s.ServiceType, &s.Status, &feedback, &bugs, &score, &suggestions, &docContent, &mediaURL, &tags,
		&payout, &reviewFeedback, &rating, &transferID, &s.CreatedAt, &submittedAt, &reviewedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.BidID = bidID.String
	s.ItemID = itemID.String
	s.OverallFeedback = feedback.String
	s.Suggestions = suggestions.String
	s.DocumentContent = docContent.String
	s.MediaURL = mediaURL.String
	s.ReviewFeedback = reviewFeedback.String
	s.TransferID = transferID.String
	s.PayoutAmount = dec(payout)
	if bugs.Valid && bugs.String != "" {
		if err := json.Unmarshal([]byte(bugs.String), &s.BugReports); err != nil {
			return s, err
		}
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &s.Tags); err != nil {
			return s, err
		}
	}
	if score.Valid {
		v := int(score.Int64)
		s.UsabilityScore = &v
	}
	if rating.Valid {
		v := int(rating.Int64)
		s.ReviewRating = &v
	}
	if submittedAt.Valid {
		s.SubmittedAt = &submittedAt.String
	}
	if reviewedAt.Valid {
		s.ReviewedAt = &reviewedAt.String
	}
	return s, nil
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return r.getSubmission(ctx, nil, id)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Submission, error) {
	return r.getSubmission(ctx, tx, id)
}

func (r Repo) getSubmission(ctx context.Context, tx *sql.Tx, id string) (domain.Submission, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

// ListSubmissions filters by any non-empty argument.
func (r Repo) ListSubmissions(ctx context.Context, jobID, builderID, testerID string) ([]domain.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE 1=1`
	var args []any
	if jobID != "" {
		query += ` AND job_id=?`
		args = append(args, jobID)
	}
	if builderID != "" {
		query += ` AND builder_id=?`
		args = append(args, builderID)
	}
	if testerID != "" {
		query += ` AND tester_id=?`
		args = append(args, testerID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountSubmissionsForBid guards against duplicate submission creation when a
// bid payment is reconciled more than once.
func (r Repo) CountSubmissionsForBid(ctx context.Context, tx *sql.Tx, bidID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE bid_id=?`, bidID).Scan(&n)
	return n, err
}

// UpdateDraft persists deliverable fields while the submission is a draft.
func (r Repo) UpdateDraft(ctx context.Context, tx *sql.Tx, s domain.Submission) (bool, error) {
	bugs, err := marshalOrNil(s.BugReports)
	if err != nil {
		return false, err
	}
	tags, err := marshalOrNil(s.Tags)
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE submissions SET overall_feedback=?, bug_reports_json=?, usability_score=?, suggestions=?, document_content=?, media_url=?, tags_json=? WHERE id=? AND status=?`,
		nullable(s.OverallFeedback), bugs, nullableInt(s.UsabilityScore), nullable(s.Suggestions),
		nullable(s.DocumentContent), nullable(s.MediaURL), tags, s.ID, domain.SubmissionDraft)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSubmitted advances draft -> submitted exactly once.
func (r Repo) MarkSubmitted(ctx context.Context, tx *sql.Tx, id, submittedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET status=?, submitted_at=? WHERE id=? AND status=?`,
		domain.SubmissionSubmitted, submittedAt, id, domain.SubmissionDraft)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Review finalizes a submitted submission. Guarded on status=submitted so a
// second concurrent review loses.
func (r Repo) Review(ctx context.Context, tx *sql.Tx, id, status, feedback string, rating *int, reviewedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET status=?, review_feedback=?, review_rating=?, reviewed_at=? WHERE id=? AND status=?`,
		status, nullable(feedback), nullableInt(rating), reviewedAt, id, domain.SubmissionSubmitted)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetTransfer records the payout transfer reference at most once.
func (r Repo) SetTransfer(ctx context.Context, tx *sql.Tx, id, transferID string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE submissions SET transfer_id=? WHERE id=? AND transfer_id IS NULL`, transferID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AllSubmissionsResolved reports whether every submission linked to the job is
// terminal; false when the job has no submissions at all.
func (r Repo) AllSubmissionsResolved(ctx context.Context, tx *sql.Tx, jobID string) (bool, int, error) {
	var total, resolved int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN (?,?) THEN 1 ELSE 0 END),0) FROM submissions WHERE job_id=?`,
		domain.SubmissionApproved, domain.SubmissionRejected, jobID).Scan(&total, &resolved)
	if err != nil {
		return false, 0, err
	}
	return total > 0 && total == resolved, total, nil
}
