package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"peerhub/internal/domain"
	"peerhub/internal/engine"
)

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/submissions",
		Summary:     "List submissions",
	}, func(ctx context.Context, input *struct {
		JobID string `query:"job_id"`
	}) (*struct {
		Body []domain.Submission `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var builderID, testerID string
		if p.Role == "builder" {
			builderID = p.UserID
		} else {
			testerID = p.UserID
		}
		subs, err := e.ListSubmissions(ctx, input.JobID, builderID, testerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Submission `json:"body"`
		}{Body: subs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{id}",
		Summary:     "Get submission",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.GetSubmission(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-submission",
		Method:      http.MethodPatch,
		Path:        "/submissions/{id}",
		Summary:     "Edit a draft submission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateDraftRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "tester")
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		s, err := e.UpdateDraft(ctx, p.UserID, input.ID, engine.DraftUpdate{
			OverallFeedback: input.Body.OverallFeedback,
			BugReports:      input.Body.BugReports,
			UsabilityScore:  input.Body.UsabilityScore,
			Suggestions:     input.Body.Suggestions,
			DocumentContent: input.Body.DocumentContent,
			MediaURL:        input.Body.MediaURL,
			Tags:            input.Body.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/submit",
		Summary:     "Submit a draft for review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "tester")
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Submit(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/approve",
		Summary:     "Approve a submission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "builder")
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Approve(ctx, p.UserID, input.ID, input.Body.Feedback, input.Body.Rating)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/reject",
		Summary:     "Reject a submission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "builder")
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Reject(ctx, p.UserID, input.ID, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})
}
