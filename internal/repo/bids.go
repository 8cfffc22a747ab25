package repo

import (
	"context"
	"database/sql"

	"peerhub/internal/domain"
)

const bidColumns = `id,job_id,tester_id,role_id,item_id,proposed_price,bid_price,is_counter,status,platform_fee,total_charge,payment_intent_id,payment_status,created_at,updated_at`

func (r Repo) InsertBid(ctx context.Context, tx *sql.Tx, b domain.Bid) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bids(`+bidColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.JobID, b.TesterID, nullable(b.RoleID), nullable(b.ItemID),
		b.ProposedPrice.String(), b.BidPrice.String(), boolInt(b.IsCounter), b.Status,
		b.PlatformFee.String(), b.TotalCharge.String(), nullable(b.PaymentIntentID), nullable(b.PaymentStatus),
		b.CreatedAt, b.UpdatedAt)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanBid(scan func(dest ...any) error) (domain.Bid, error) {
	var b domain.Bid
	var roleID, itemID, intentID, payStatus sql.NullString
	var proposed, price, fee, total sql.NullString
	var counter int
	err := scan(&b.ID, &b.JobID, &b.TesterID, &roleID, &itemID, &proposed, &price, &counter, &b.Status,
		&fee, &total, &intentID, &payStatus, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.RoleID = roleID.String
	b.ItemID = itemID.String
	b.PaymentIntentID = intentID.String
	b.PaymentStatus = payStatus.String
	b.ProposedPrice = dec(proposed)
	b.BidPrice = dec(price)
	b.PlatformFee = dec(fee)
	b.TotalCharge = dec(total)
	b.IsCounter = counter != 0
	return b, nil
}

func (r Repo) GetBid(ctx context.Context, id string) (domain.Bid, error) {
	return r.getBid(ctx, nil, id)
}

func (r Repo) GetBidTx(ctx context.Context, tx *sql.Tx, id string) (domain.Bid, error) {
	return r.getBid(ctx, tx, id)
}

func (r Repo) getBid(ctx context.Context, tx *sql.Tx, id string) (domain.Bid, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=?`, id)
	return scanBid(row.Scan)
}

// GetBidByIntent finds the bid currently referencing the payment intent.
func (r Repo) GetBidByIntent(ctx context.Context, tx *sql.Tx, intentID string) (domain.Bid, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE payment_intent_id=?`, intentID)
	return scanBid(row.Scan)
}

func (r Repo) ListBidsForJob(ctx context.Context, jobID string) ([]domain.Bid, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE job_id=? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// HasPendingBid reports whether a pending bid already exists for the same
// (job, tester, scope) triple.
func (r Repo) HasPendingBid(ctx context.Context, tx *sql.Tx, jobID, testerID, roleID, itemID string) (bool, error) {
	var one int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM bids WHERE job_id=? AND tester_id=? AND COALESCE(role_id,'')=? AND COALESCE(item_id,'')=? AND status=?`,
		jobID, testerID, roleID, itemID, domain.BidPending).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// TransitionBid moves a bid out of pending exactly once.
func (r Repo) TransitionBid(ctx context.Context, tx *sql.Tx, bidID, to, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE bids SET status=?, updated_at=? WHERE id=? AND status=?`,
		to, updatedAt, bidID, domain.BidPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AcceptBid atomically transitions pending -> accepted and records the charge.
func (r Repo) AcceptBid(ctx context.Context, tx *sql.Tx, b domain.Bid, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE bids SET status=?, platform_fee=?, total_charge=?, payment_intent_id=?, payment_status=?, updated_at=? WHERE id=? AND status=?`,
		domain.BidAccepted, b.PlatformFee.String(), b.TotalCharge.String(), b.PaymentIntentID, domain.PaymentPending, updatedAt, b.ID, domain.BidPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetBidIntent replaces the payment intent reference on an accepted bid.
func (r Repo) SetBidIntent(ctx context.Context, tx *sql.Tx, bidID, intentID, updatedAt string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE bids SET payment_intent_id=?, updated_at=? WHERE id=?`, intentID, updatedAt, bidID)
	return err
}

// MarkBidPaid advances payment_status pending -> paid exactly once.
func (r Repo) MarkBidPaid(ctx context.Context, tx *sql.Tx, bidID, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE bids SET payment_status=?, updated_at=? WHERE id=? AND payment_status=?`,
		domain.PaymentPaid, updatedAt, bidID, domain.PaymentPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
