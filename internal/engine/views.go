package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"peerhub/internal/domain"
)

// Stats is the platform-wide job breakdown.
type Stats struct {
	JobsByStatus map[string]int `json:"jobs_by_status"`
	TotalJobs    int            `json:"total_jobs"`
}

// Dashboard summarizes one user's side of the marketplace.
type Dashboard struct {
	Role string `json:"role"`

	// builder
	JobsByStatus   map[string]int `json:"jobs_by_status,omitempty"`
	PendingReviews int            `json:"pending_reviews,omitempty"`

	// tester
	ActiveDrafts   int             `json:"active_drafts,omitempty"`
	UnderReview    int             `json:"under_review,omitempty"`
	Approved       int             `json:"approved,omitempty"`
	TotalEarned    decimal.Decimal `json:"total_earned"`
	PendingPayouts decimal.Decimal `json:"pending_payouts"`
	Rating         decimal.Decimal `json:"rating"`
}

// GetStats returns the platform job counts.
func (e Engine) GetStats(ctx context.Context) (Stats, error) {
	counts, err := e.Repo.CountJobsByStatus(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	s := Stats{JobsByStatus: counts}
	for _, n := range counts {
		s.TotalJobs += n
	}
	return s, nil
}

// GetDashboard builds the role-specific overview for one user.
func (e Engine) GetDashboard(ctx context.Context, userID, role string) (Dashboard, error) {
	d := Dashboard{Role: role}
	if role == "builder" {
		counts, err := e.Repo.CountJobsByStatus(ctx, userID)
		if err != nil {
			return Dashboard{}, err
		}
		d.JobsByStatus = counts
		subs, err := e.Repo.ListSubmissions(ctx, "", userID, "")
		if err != nil {
			return Dashboard{}, err
		}
		for _, s := range subs {
			if s.Status == domain.SubmissionSubmitted {
				d.PendingReviews++
			}
		}
		return d, nil
	}

	subs, err := e.Repo.ListSubmissions(ctx, "", "", userID)
	if err != nil {
		return Dashboard{}, err
	}
	for _, s := range subs {
		switch s.Status {
		case domain.SubmissionDraft:
			d.ActiveDrafts++
		case domain.SubmissionSubmitted:
			d.UnderReview++
		case domain.SubmissionApproved:
			d.Approved++
			if s.TransferID != "" {
				d.TotalEarned = d.TotalEarned.Add(s.PayoutAmount)
			} else {
				d.PendingPayouts = d.PendingPayouts.Add(s.PayoutAmount)
			}
		}
	}
	account, err := e.Repo.GetTesterAccount(ctx, userID)
	if err != nil && !isNotFound(err) {
		return Dashboard{}, err
	}
	d.Rating = account.Rating
	return d, nil
}
