package domain

import "github.com/shopspring/decimal"

// Job schema versions.
const (
	JobV1 = "v1" // flat-rate: payout per tester, bounded capacity
	JobV2 = "v2" // structured: roles/items, charged per accepted bid
)

// Job statuses. Forward-only: pending_payment -> open -> in_progress -> completed.
const (
	JobPendingPayment = "pending_payment"
	JobOpen           = "open"
	JobInProgress     = "in_progress"
	JobCompleted      = "completed"
)

// Bid scope granularity for v2 jobs.
const (
	AssignWholeJob = "whole_job"
	AssignPerRole  = "per_role"
	AssignPerItem  = "per_item"
)

// Bid statuses. pending is the only non-terminal state.
const (
	BidPending   = "pending"
	BidAccepted  = "accepted"
	BidRejected  = "rejected"
	BidWithdrawn = "withdrawn"
)

// Payment statuses for charge-bearing entities. Monotone: "" -> pending -> paid.
const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
)

// Submission statuses.
const (
	SubmissionDraft     = "draft"
	SubmissionSubmitted = "submitted"
	SubmissionApproved  = "approved"
	SubmissionRejected  = "rejected"
)

// Service types a submission deliverable can take.
const (
	ServiceTest      = "test"
	ServiceRecord    = "record"
	ServiceDocument  = "document"
	ServiceVoiceover = "voiceover"
)

type Project struct {
	ID          string `json:"id"`
	BuilderID   string `json:"builder_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	HostedURL   string `json:"hosted_url,omitempty"`
	Category    string `json:"category,omitempty"`
	Status      string `json:"status" enum:"active,archived"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Job struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	BuilderID     string `json:"builder_id"`
	SchemaVersion string `json:"schema_version" enum:"v1,v2"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Status        string `json:"status" enum:"pending_payment,open,in_progress,completed"`

	// v1 only.
	PayoutAmount decimal.Decimal `json:"payout_amount"`
	MaxTesters   int             `json:"max_testers,omitempty"`
	PlatformFee  decimal.Decimal `json:"platform_fee"`
	TotalCharge  decimal.Decimal `json:"total_charge"`

	// v2 only.
	AssignmentType string `json:"assignment_type,omitempty" enum:"whole_job,per_role,per_item"`
	Roles          []Role `json:"roles,omitempty"`

	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	PaymentStatus   string `json:"payment_status,omitempty"`

	RefundID     string          `json:"refund_id,omitempty"`
	RefundAmount decimal.Decimal `json:"refund_amount"`

	AssignedTesters []string `json:"assigned_testers,omitempty"`
	SubmissionIDs   []string `json:"submission_ids,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Role struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	Position int    `json:"position"`
	Name     string `json:"name"`
	Items    []Item `json:"items"`
}

type Item struct {
	ID               string          `json:"id"`
	RoleID           string          `json:"role_id"`
	JobID            string          `json:"job_id"`
	Position         int             `json:"position"`
	ServiceType      string          `json:"service_type" enum:"test,record,document,voiceover"`
	Price            decimal.Decimal `json:"price"`
	EstimatedMinutes int             `json:"estimated_minutes,omitempty"`
}

type Bid struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	TesterID string `json:"tester_id"`

	// Scope descriptor; which fields are set depends on the job's assignment type.
	RoleID string `json:"role_id,omitempty"`
	ItemID string `json:"item_id,omitempty"`

	ProposedPrice decimal.Decimal `json:"proposed_price"`
	BidPrice      decimal.Decimal `json:"bid_price"`
	IsCounter     bool            `json:"is_counter"`
	Status        string          `json:"status" enum:"pending,accepted,rejected,withdrawn"`

	PlatformFee     decimal.Decimal `json:"platform_fee"`
	TotalCharge     decimal.Decimal `json:"total_charge"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	PaymentStatus   string          `json:"payment_status,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type BugReport struct {
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Severity         string `json:"severity" enum:"low,medium,high,critical"`
	StepsToReproduce string `json:"steps_to_reproduce,omitempty"`
}

// TimedTag marks a moment in an uploaded recording.
type TimedTag struct {
	AtSeconds int    `json:"at_seconds"`
	Label     string `json:"label"`
}

type Submission struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	BidID     string `json:"bid_id,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	ProjectID string `json:"project_id"`
	BuilderID string `json:"builder_id"`
	TesterID  string `json:"tester_id"`

	ServiceType string `json:"service_type" enum:"test,record,document,voiceover"`
	Status      string `json:"status" enum:"draft,submitted,approved,rejected"`

	OverallFeedback string      `json:"overall_feedback,omitempty"`
	BugReports      []BugReport `json:"bug_reports,omitempty"`
	UsabilityScore  *int        `json:"usability_score,omitempty"`
	Suggestions     string      `json:"suggestions,omitempty"`
	DocumentContent string      `json:"document_content,omitempty"`
	MediaURL        string      `json:"media_url,omitempty"`
	Tags            []TimedTag  `json:"tags,omitempty"`

	PayoutAmount decimal.Decimal `json:"payout_amount"`

	ReviewFeedback string `json:"review_feedback,omitempty"`
	ReviewRating   *int   `json:"review_rating,omitempty"`
	TransferID     string `json:"transfer_id,omitempty"`

	CreatedAt   string  `json:"created_at" format:"date-time"`
	SubmittedAt *string `json:"submitted_at,omitempty" format:"date-time"`
	ReviewedAt  *string `json:"reviewed_at,omitempty" format:"date-time"`
}

// TesterAccount tracks payout capability and the running review aggregate.
type TesterAccount struct {
	TesterID       string          `json:"tester_id"`
	AccountID      string          `json:"account_id,omitempty"`
	PayoutsEnabled bool            `json:"payouts_enabled"`
	RatingTotal    int             `json:"rating_total"`
	RatingCount    int             `json:"rating_count"`
	Rating         decimal.Decimal `json:"rating"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Terminal reports whether a submission status is final.
func TerminalSubmission(status string) bool {
	return status == SubmissionApproved || status == SubmissionRejected
}
