package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"peerhub/internal/domain"
	"peerhub/internal/engine"
)

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "builder")
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		j, err := e.CreateJob(ctx, p.UserID, input.Body.toSpec())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Job `json:"body"`
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
		jobs, err := e.ListJobs(ctx, builderID, testerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: jobs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if _, authErr := userFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		j, err := e.GetJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/claim",
		Summary:     "Claim a capacity slot",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
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
		s, err := e.ClaimJob(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-payment",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/payment",
		Summary:     "Get a live payment handle for a pending job charge",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PaymentHandleResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "builder")
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.JobPaymentIntent(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentHandleResponse `json:"body"`
		}{Body: PaymentHandleResponse(h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-job-payment",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/payment/confirm",
		Summary:     "Confirm a job payment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "builder")
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.ConfirmJobPayment(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-job-refund",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/refund",
		Summary:     "Retry the unclaimed-capacity refund",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "builder")
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.RetryUnclaimedRefund(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})
}
