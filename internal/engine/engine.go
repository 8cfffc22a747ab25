// Package engine owns the job, bid and submission lifecycles and the payment
// reconciliation that couples them to the external processor.
package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"peerhub/internal/config"
	"peerhub/internal/events"
	"peerhub/internal/notify"
	"peerhub/internal/payments"
	"peerhub/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Gateway payments.Gateway
	Notify  notify.Sink
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, gw payments.Gateway, sink notify.Sink) Engine {
	if sink == nil {
		sink = notify.Nop{}
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Gateway: gw,
		Notify:  sink,
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) feeRate() decimal.Decimal {
	if e.Config == nil {
		return decimal.Zero
	}
	return e.Config.FeeRate()
}

func (e Engine) currency() string {
	if e.Config == nil || e.Config.Platform.Currency == "" {
		return "usd"
	}
	return e.Config.Platform.Currency
}

// charge computes the platform fee and total for a base amount. The total is
// rounded to currency precision once; the fee is the exact difference so the
// pair always sums.
func (e Engine) charge(base decimal.Decimal) (fee, total decimal.Decimal) {
	total = base.Mul(decimal.NewFromInt(1).Add(e.feeRate())).Round(2)
	fee = total.Sub(base)
	return fee, total
}

// splitEvenly divides an amount across n shares at cent precision. The cent
// remainder goes to the first share so the parts always sum to the whole.
func splitEvenly(amount decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	cents := payments.MinorUnits(amount)
	share := cents / int64(n)
	remainder := cents - share*int64(n)
	hundred := decimal.NewFromInt(100)
	shares := make([]decimal.Decimal, n)
	for i := range shares {
		c := share
		if i == 0 {
			c += remainder
		}
		shares[i] = decimal.NewFromInt(c).Div(hundred)
	}
	return shares
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}
