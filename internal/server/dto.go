package server

import (
	"github.com/shopspring/decimal"

	"peerhub/internal/domain"
	"peerhub/internal/engine"
)

// Request payloads. Responses use the domain types directly.

type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	HostedURL   string `json:"hosted_url,omitempty"`
	Category    string `json:"category,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	HostedURL   *string `json:"hosted_url,omitempty"`
	Category    *string `json:"category,omitempty"`
	Status      *string `json:"status,omitempty" enum:"active,archived"`
}

type ItemRequest struct {
	ServiceType      string          `json:"service_type" enum:"test,record,document,voiceover"`
	Price            decimal.Decimal `json:"price"`
	EstimatedMinutes int             `json:"estimated_minutes,omitempty"`
}

type RoleRequest struct {
	Name  string        `json:"name"`
	Items []ItemRequest `json:"items"`
}

type CreateJobRequest struct {
	ProjectID     string `json:"project_id"`
	SchemaVersion string `json:"schema_version" enum:"v1,v2"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`

	PayoutAmount decimal.Decimal `json:"payout_amount,omitempty"`
	MaxTesters   int             `json:"max_testers,omitempty"`

	AssignmentType string        `json:"assignment_type,omitempty" enum:"whole_job,per_role,per_item"`
	Roles          []RoleRequest `json:"roles,omitempty"`
}

func (r CreateJobRequest) toSpec() engine.JobSpec {
	spec := engine.JobSpec{
		ProjectID:      r.ProjectID,
		SchemaVersion:  r.SchemaVersion,
		Title:          r.Title,
		Description:    r.Description,
		PayoutAmount:   r.PayoutAmount,
		MaxTesters:     r.MaxTesters,
		AssignmentType: r.AssignmentType,
	}
	for _, role := range r.Roles {
		rs := engine.RoleSpec{Name: role.Name}
		for _, item := range role.Items {
			rs.Items = append(rs.Items, engine.ItemSpec{
				ServiceType:      item.ServiceType,
				Price:            item.Price,
				EstimatedMinutes: item.EstimatedMinutes,
			})
		}
		spec.Roles = append(spec.Roles, rs)
	}
	return spec
}

type CreateBidRequest struct {
	RoleID   string          `json:"role_id,omitempty"`
	ItemID   string          `json:"item_id,omitempty"`
	BidPrice decimal.Decimal `json:"bid_price"`
}

type UpdateDraftRequest struct {
	OverallFeedback *string            `json:"overall_feedback,omitempty"`
	BugReports      []domain.BugReport `json:"bug_reports,omitempty"`
	UsabilityScore  *int               `json:"usability_score,omitempty"`
	Suggestions     *string            `json:"suggestions,omitempty"`
	DocumentContent *string            `json:"document_content,omitempty"`
	MediaURL        *string            `json:"media_url,omitempty"`
	Tags            []domain.TimedTag  `json:"tags,omitempty"`
}

type ReviewRequest struct {
	Feedback string `json:"feedback,omitempty"`
	Rating   *int   `json:"rating,omitempty" minimum:"1" maximum:"5"`
}

type OnboardAccountRequest struct {
	Email     string `json:"email" format:"email"`
	ReturnURL string `json:"return_url,omitempty"`
}

type PaymentHandleResponse struct {
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

type AccountResponse struct {
	Account       domain.TesterAccount `json:"account"`
	OnboardingURL string               `json:"onboarding_url,omitempty"`
}
