package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"peerhub/internal/domain"
)

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,project_id,builder_id,schema_version,title,description,status,payout_amount,max_testers,platform_fee,total_charge,assignment_type,payment_intent_id,payment_status,refund_id,refund_amount,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.ProjectID, j.BuilderID, j.SchemaVersion, j.Title, nullable(j.Description), j.Status,
		j.PayoutAmount.String(), j.MaxTesters, j.PlatformFee.String(), j.TotalCharge.String(),
		nullable(j.AssignmentType), nullable(j.PaymentIntentID), nullable(j.PaymentStatus),
		nullable(j.RefundID), j.RefundAmount.String(), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_roles(id,job_id,position,name) VALUES (?,?,?,?)`,
		role.ID, role.JobID, role.Position, role.Name)
	return err
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, item domain.Item) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_items(id,role_id,job_id,position,service_type,price,estimated_minutes) VALUES (?,?,?,?,?,?,?)`,
		item.ID, item.RoleID, item.JobID, item.Position, item.ServiceType, item.Price.String(), item.EstimatedMinutes)
	return err
}

func scanJob(row *sql.Row) (domain.Job, error) {
	var j domain.Job
	var desc, assignType, intentID, payStatus, refundID sql.NullString
	var payout, fee, total, refundAmount sql.NullString
	err := row.Scan(&j.ID, &j.ProjectID, &j.BuilderID, &j.SchemaVersion, &j.Title, &desc, &j.Status,
		&payout, &j.MaxTesters, &fee, &total, &assignType, &intentID, &payStatus, &refundID, &refundAmount,
		&j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Description = desc.String
	j.AssignmentType = assignType.String
	j.PaymentIntentID = intentID.String
	j.PaymentStatus = payStatus.String
	j.RefundID = refundID.String
	j.PayoutAmount = dec(payout)
	j.PlatformFee = dec(fee)
	j.TotalCharge = dec(total)
	j.RefundAmount = dec(refundAmount)
	return j, nil
}

const jobColumns = `id,project_id,builder_id,schema_version,title,description,status,payout_amount,max_testers,platform_fee,total_charge,assignment_type,payment_intent_id,payment_status,refund_id,refund_amount,created_at,updated_at`

// GetJob loads a job with its roles, items, assigned testers and submission ids.
func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return r.getJob(ctx, nil, id)
}

// GetJobTx is GetJob inside the caller's transaction.
func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return r.getJob(ctx, tx, id)
}

func (r Repo) getJob(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	q := r.q(tx)
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return j, err
	}
	if j.SchemaVersion == domain.JobV2 {
		j.Roles, err = r.listRoles(ctx, q, j.ID)
		if err != nil {
			return j, err
		}
	}
	j.AssignedTesters, err = r.listAssignedTesters(ctx, q, j.ID)
	if err != nil {
		return j, err
	}
	j.SubmissionIDs, err = r.listJobSubmissionIDs(ctx, q, j.ID)
	return j, err
}

// GetJobByIntent finds the job currently referencing the payment intent.
func (r Repo) GetJobByIntent(ctx context.Context, tx *sql.Tx, intentID string) (domain.Job, error) {
	var id string
	err := r.q(tx).QueryRowContext(ctx, `SELECT id FROM jobs WHERE payment_intent_id=?`, intentID).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	return r.getJob(ctx, tx, id)
}

func (r Repo) listRoles(ctx context.Context, q querier, jobID string) ([]domain.Role, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,job_id,position,name FROM job_roles WHERE job_id=? ORDER BY position`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.ID, &role.JobID, &role.Position, &role.Name); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		items, err := r.listItems(ctx, q, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Items = items
	}
	return roles, nil
}

func (r Repo) listItems(ctx context.Context, q querier, roleID string) ([]domain.Item, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,role_id,job_id,position,service_type,price,estimated_minutes FROM job_items WHERE role_id=? ORDER BY position`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Item
	for rows.Next() {
		var item domain.Item
		var price sql.NullString
		if err := rows.Scan(&item.ID, &item.RoleID, &item.JobID, &item.Position, &item.ServiceType, &price, &item.EstimatedMinutes); err != nil {
			return nil, err
		}
		item.Price = dec(price)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r Repo) listAssignedTesters(ctx context.Context, q querier, jobID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT tester_id FROM job_testers WHERE job_id=? ORDER BY claimed_at, tester_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (r Repo) listJobSubmissionIDs(ctx context.Context, q querier, jobID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM submissions WHERE job_id=? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// ListJobs returns jobs visible to the caller: builders see their own, testers
// see open/in_progress jobs plus jobs they are assigned to.
func (r Repo) ListJobs(ctx context.Context, builderID, testerID string) ([]domain.Job, error) {
	var (
		query string
		args  []any
	)
	switch {
	case builderID != "":
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE builder_id=? ORDER BY created_at DESC, id DESC`
		args = []any{builderID}
	case testerID != "":
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE status IN ('open','in_progress')
OR id IN (SELECT job_id FROM job_testers WHERE tester_id=?) ORDER BY created_at DESC, id DESC`
		args = []any{testerID}
	default:
		query = `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id DESC`
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		var j domain.Job
		var desc, assignType, intentID, payStatus, refundID sql.NullString
		var payout, fee, total, refundAmount sql.NullString
		if err := rows.Scan(&j.ID, &j.ProjectID, &j.BuilderID, &j.SchemaVersion, &j.Title, &desc, &j.Status,
			&payout, &j.MaxTesters, &fee, &total, &assignType, &intentID, &payStatus, &refundID, &refundAmount,
			&j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.Description = desc.String
		j.AssignmentType = assignType.String
		j.PaymentIntentID = intentID.String
		j.PaymentStatus = payStatus.String
		j.RefundID = refundID.String
		j.PayoutAmount = dec(payout)
		j.PlatformFee = dec(fee)
		j.TotalCharge = dec(total)
		j.RefundAmount = dec(refundAmount)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SetJobIntent stores the payment intent reference on a job.
func (r Repo) SetJobIntent(ctx context.Context, tx *sql.Tx, jobID, intentID, paymentStatus, updatedAt string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE jobs SET payment_intent_id=?, payment_status=?, updated_at=? WHERE id=?`,
		intentID, paymentStatus, updatedAt, jobID)
	return err
}

// MarkJobPaid advances a pending_payment job to open exactly once. Returns
// false when the job was already finalized, which makes duplicate
// reconciliation a no-op.
func (r Repo) MarkJobPaid(ctx context.Context, tx *sql.Tx, jobID, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, payment_status=?, updated_at=? WHERE id=? AND status=?`,
		domain.JobOpen, domain.PaymentPaid, updatedAt, jobID, domain.JobPendingPayment)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimSlot appends a tester to a job's assigned set iff capacity remains.
// The capacity check and insert are one statement so two racing claims cannot
// both take the last slot.
func (r Repo) ClaimSlot(ctx context.Context, tx *sql.Tx, jobID, testerID string, maxTesters int, claimedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO job_testers(job_id,tester_id,claimed_at)
SELECT ?,?,? WHERE (SELECT COUNT(*) FROM job_testers WHERE job_id=?) < ?`,
		jobID, testerID, claimedAt, jobID, maxTesters)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HasClaim reports whether the tester already holds a slot on the job.
func (r Repo) HasClaim(ctx context.Context, tx *sql.Tx, jobID, testerID string) (bool, error) {
	var one int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM job_testers WHERE job_id=? AND tester_id=?`, jobID, testerID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// AdvanceJobStatus moves a job from one status to another, guarded on the
// current status.
func (r Repo) AdvanceJobStatus(ctx context.Context, tx *sql.Tx, jobID, from, to, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status=?`,
		to, updatedAt, jobID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteJob finalizes a job once all submissions resolved. Guarded so only
// one of several racing resolution checks wins and triggers the refund.
func (r Repo) CompleteJob(ctx context.Context, tx *sql.Tx, jobID, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		domain.JobCompleted, updatedAt, jobID, domain.JobOpen, domain.JobInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// refundReserved marks a refund in flight before the gateway call. The marker
// is replaced with the real refund id on success and cleared on failure, so a
// crash mid-flight leaves the reservation visible for manual retry.
const refundReserved = "reserved"

// ReserveRefund takes the single refund slot for a job. Returns false when a
// refund is already reserved or recorded.
func (r Repo) ReserveRefund(ctx context.Context, tx *sql.Tx, jobID, updatedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE jobs SET refund_id=?, updated_at=? WHERE id=? AND refund_id IS NULL`,
		refundReserved, updatedAt, jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearRefundReservation releases the slot after a failed gateway call.
func (r Repo) ClearRefundReservation(ctx context.Context, jobID, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE jobs SET refund_id=NULL, updated_at=? WHERE id=? AND refund_id=?`,
		updatedAt, jobID, refundReserved)
	return err
}

// FinalizeRefund replaces the reservation with the gateway refund reference.
func (r Repo) FinalizeRefund(ctx context.Context, tx *sql.Tx, jobID, refundID string, amount decimal.Decimal, updatedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE jobs SET refund_id=?, refund_amount=?, updated_at=? WHERE id=? AND refund_id=?`,
		refundID, amount.String(), updatedAt, jobID, refundReserved)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetItem loads one scoped item.
func (r Repo) GetItem(ctx context.Context, tx *sql.Tx, itemID string) (domain.Item, error) {
	var item domain.Item
	var price sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,role_id,job_id,position,service_type,price,estimated_minutes FROM job_items WHERE id=?`, itemID).
		Scan(&item.ID, &item.RoleID, &item.JobID, &item.Position, &item.ServiceType, &price, &item.EstimatedMinutes)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	item.Price = dec(price)
	return item, nil
}

// CountJobsByStatus powers the stats and dashboard views.
func (r Repo) CountJobsByStatus(ctx context.Context, builderID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM jobs`
	var args []any
	if builderID != "" {
		query += ` WHERE builder_id=?`
		args = append(args, builderID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
