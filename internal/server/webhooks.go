package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"peerhub/internal/engine"
	"peerhub/internal/payments"
)

// registerPaymentWebhook mounts the processor's event receiver. Events with a
// bad or stale signature are rejected with 400 before any entity is touched.
// Verified events feed the same reconciliation path as the client's confirm
// call, so delivery order and duplication do not matter.
func registerPaymentWebhook(api huma.API, e engine.Engine, secret string) {
	huma.Register(api, huma.Operation{
		OperationID: "payment-webhook",
		Method:      http.MethodPost,
		Path:        "/payments/webhook",
		Summary:     "Payment processor event receiver",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Signature string `header:"Stripe-Signature"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		payload := bodyBytes(ctx)
		if len(payload) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		evt, err := payments.VerifyWebhook(payload, input.Signature, secret, e.Now())
		if err != nil {
			if errors.Is(err, payments.ErrBadSignature) {
				return nil, newAPIError(http.StatusBadRequest, "bad_signature", "webhook signature verification failed", nil)
			}
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}

		switch {
		case strings.HasPrefix(evt.Type, "payment_intent."):
			if err := e.ReconcilePayment(ctx, evt.Data.Object.ID, evt.Data.Object.Status, "gateway"); err != nil {
				log.Printf("webhook %s: reconcile intent %s: %v", evt.ID, evt.Data.Object.ID, err)
				return nil, handleError(err)
			}
		case evt.Type == "account.updated":
			if err := e.ReconcileAccount(ctx, evt.Data.Object.ID, evt.Data.Object.PayoutsEnabled); err != nil {
				log.Printf("webhook %s: reconcile account %s: %v", evt.ID, evt.Data.Object.ID, err)
				return nil, handleError(err)
			}
		default:
			// Unhandled event types are acknowledged so the processor stops
			// redelivering them.
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"received": "true"}}, nil
	})
}

func registerAccount(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-payout-account",
		Method:      http.MethodGet,
		Path:        "/account/payout",
		Summary:     "Get payout account",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "tester")
		if authErr != nil {
			return nil, authErr
		}
		account, err := e.GetTesterAccount(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: AccountResponse{Account: account}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "onboard-payout-account",
		Method:      http.MethodPost,
		Path:        "/account/payout",
		Summary:     "Start payout onboarding",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body OnboardAccountRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "tester")
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		account, link, err := e.OnboardPayoutAccount(ctx, p.UserID, input.Body.Email, input.Body.ReturnURL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: AccountResponse{Account: account, OnboardingURL: link}}, nil
	})
}
