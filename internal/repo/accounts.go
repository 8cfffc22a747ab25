package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"peerhub/internal/domain"
)

func (r Repo) GetTesterAccount(ctx context.Context, testerID string) (domain.TesterAccount, error) {
	return r.getTesterAccount(ctx, nil, testerID)
}

func (r Repo) GetTesterAccountTx(ctx context.Context, tx *sql.Tx, testerID string) (domain.TesterAccount, error) {
	return r.getTesterAccount(ctx, tx, testerID)
}

func (r Repo) getTesterAccount(ctx context.Context, tx *sql.Tx, testerID string) (domain.TesterAccount, error) {
	var a domain.TesterAccount
	var accountID sql.NullString
	var enabled int
	err := r.q(tx).QueryRowContext(ctx, `SELECT tester_id,account_id,payouts_enabled,rating_total,rating_count,created_at,updated_at FROM tester_accounts WHERE tester_id=?`, testerID).
		Scan(&a.TesterID, &accountID, &enabled, &a.RatingTotal, &a.RatingCount, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.AccountID = accountID.String
	a.PayoutsEnabled = enabled != 0
	if a.RatingCount > 0 {
		a.Rating = decimal.NewFromInt(int64(a.RatingTotal)).DivRound(decimal.NewFromInt(int64(a.RatingCount)), 2)
	}
	return a, nil
}

// GetTesterAccountByAccountID resolves the local tester from a gateway
// connected-account reference.
func (r Repo) GetTesterAccountByAccountID(ctx context.Context, tx *sql.Tx, accountID string) (domain.TesterAccount, error) {
	var testerID string
	err := r.q(tx).QueryRowContext(ctx, `SELECT tester_id FROM tester_accounts WHERE account_id=?`, accountID).Scan(&testerID)
	if err == sql.ErrNoRows {
		return domain.TesterAccount{}, ErrNotFound
	}
	if err != nil {
		return domain.TesterAccount{}, err
	}
	return r.getTesterAccount(ctx, tx, testerID)
}

// SetPayoutsEnabled flips payout capability from a gateway account update.
func (r Repo) SetPayoutsEnabled(ctx context.Context, tx *sql.Tx, testerID string, enabled bool, updatedAt string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE tester_accounts SET payouts_enabled=?, updated_at=? WHERE tester_id=?`,
		boolInt(enabled), updatedAt, testerID)
	return err
}

// UpsertTesterAccount stores the connected account reference.
func (r Repo) UpsertTesterAccount(ctx context.Context, tx *sql.Tx, a domain.TesterAccount) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tester_accounts(tester_id,account_id,payouts_enabled,rating_total,rating_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(tester_id) DO UPDATE SET account_id=excluded.account_id, payouts_enabled=excluded.payouts_enabled, updated_at=excluded.updated_at`,
		a.TesterID, nullable(a.AccountID), boolInt(a.PayoutsEnabled), a.RatingTotal, a.RatingCount, a.CreatedAt, a.UpdatedAt)
	return err
}

// AddRating folds one review rating into the running aggregate, creating the
// account row when the tester has never onboarded.
func (r Repo) AddRating(ctx context.Context, tx *sql.Tx, testerID string, rating int, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tester_accounts(tester_id,payouts_enabled,rating_total,rating_count,created_at,updated_at)
VALUES (?,0,?,1,?,?)
ON CONFLICT(tester_id) DO UPDATE SET rating_total=rating_total+excluded.rating_total, rating_count=rating_count+1, updated_at=excluded.updated_at`,
		testerID, rating, now, now)
	return err
}
