package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"peerhub/internal/domain"
	"peerhub/internal/engine"
)

func registerBids(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-bid",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/bids",
		Summary:       "Place a bid",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JobID string           `path:"job_id"`
		Body  CreateBidRequest `json:"body"`
	}) (*struct {
		Body domain.Bid `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "tester")
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		b, err := e.CreateBid(ctx, p.UserID, input.JobID, engine.BidSpec{
			RoleID:   input.Body.RoleID,
			ItemID:   input.Body.ItemID,
			BidPrice: input.Body.BidPrice,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bid `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bids",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/bids",
		Summary:     "List bids on a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body []domain.Bid `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bids, err := e.ListBids(ctx, p.UserID, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Bid `json:"body"`
		}{Body: bids}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-bid",
		Method:      http.MethodPost,
		Path:        "/bids/{id}/accept",
		Summary:     "Accept a bid",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Bid `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "builder")
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.AcceptBid(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bid `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-bid",
		Method:      http.MethodPost,
		Path:        "/bids/{id}/reject",
		Summary:     "Reject a bid",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Bid `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "builder")
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.RejectBid(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bid `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-bid",
		Method:      http.MethodPost,
		Path:        "/bids/{id}/withdraw",
		Summary:     "Withdraw a bid",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Bid `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "tester")
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.WithdrawBid(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bid `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bid-payment",
		Method:      http.MethodGet,
		Path:        "/bids/{id}/payment",
		Summary:     "Get a live payment handle for an accepted bid",
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
		h, err := e.BidPaymentIntent(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentHandleResponse `json:"body"`
		}{Body: PaymentHandleResponse(h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-bid-payment",
		Method:      http.MethodPost,
		Path:        "/bids/{id}/payment/confirm",
		Summary:     "Confirm a bid payment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Bid `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "builder")
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.ConfirmBidPayment(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bid `json:"body"`
		}{Body: b}, nil
	})
}
