// Package payments wraps the external card processor behind a narrow
// contract. Local entity state is owned elsewhere; everything here is
// stateless from the platform's point of view.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Intent statuses as reported by the processor.
const (
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentRequiresConfirmation  = "requires_confirmation"
	IntentRequiresAction        = "requires_action"
	IntentProcessing            = "processing"
	IntentSucceeded             = "succeeded"
	IntentCanceled              = "canceled"
)

// Succeeded reports whether an observed intent status means the charge landed.
func Succeeded(status string) bool {
	return status == IntentSucceeded
}

// Dead reports whether an intent can no longer be confirmed by the client and
// must be replaced.
func Dead(status string) bool {
	return status == IntentCanceled
}

type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type Account struct {
	ID             string `json:"id"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
}

type IntentParams struct {
	Amount   int64
	Currency string
	Customer string
	Metadata map[string]string
}

// Gateway is the processor contract consumed by the lifecycle engine.
type Gateway interface {
	CreateCustomer(ctx context.Context, email string) (string, error)
	CreateIntent(ctx context.Context, p IntentParams) (Intent, error)
	RetrieveIntent(ctx context.Context, id string) (Intent, error)
	CreateRefund(ctx context.Context, intentID string, amount int64) (string, error)
	CreateTransfer(ctx context.Context, destination string, amount int64, metadata map[string]string) (string, error)
	CreateAccount(ctx context.Context, email string) (Account, error)
	AccountLink(ctx context.Context, accountID, returnURL string) (string, error)
}

// Error is returned for any processor-side failure. Callers treat it as
// transient and must not advance local state on it.
type Error struct {
	Op     string
	Status int
	Reason string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("payment gateway: %s: status %d: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("payment gateway: %s: %s", e.Op, e.Reason)
}

// MinorUnits converts a decimal major-unit amount to the processor's integer
// minor units, rounded half-up. This is the only place conversion happens.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// Client is the HTTP implementation of Gateway, speaking the processor's
// form-encoded REST dialect.
type Client struct {
	BaseURL   string
	SecretKey string
	HTTP      *http.Client
}

func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		HTTP:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return &Error{Op: op, Reason: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return &Error{Op: op, Reason: err.Error()}
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, Status: res.StatusCode, Reason: err.Error()}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &Error{Op: op, Status: res.StatusCode, Reason: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Op: op, Status: res.StatusCode, Reason: err.Error()}
		}
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) CreateCustomer(ctx context.Context, email string) (string, error) {
	form := url.Values{"email": {email}}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create customer", http.MethodPost, "/customers", form, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) CreateIntent(ctx context.Context, p IntentParams) (Intent, error) {
	form := url.Values{
		"amount":   {fmt.Sprintf("%d", p.Amount)},
		"currency": {p.Currency},
	}
	if p.Customer != "" {
		form.Set("customer", p.Customer)
	}
	for k, v := range p.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	var out Intent
	if err := c.do(ctx, "create intent", http.MethodPost, "/payment_intents", form, &out); err != nil {
		return Intent{}, err
	}
	return out, nil
}

func (c *Client) RetrieveIntent(ctx context.Context, id string) (Intent, error) {
	var out Intent
	if err := c.do(ctx, "retrieve intent", http.MethodGet, "/payment_intents/"+url.PathEscape(id), nil, &out); err != nil {
		return Intent{}, err
	}
	return out, nil
}

func (c *Client) CreateRefund(ctx context.Context, intentID string, amount int64) (string, error) {
	form := url.Values{
		"payment_intent": {intentID},
		"amount":         {fmt.Sprintf("%d", amount)},
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create refund", http.MethodPost, "/refunds", form, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) CreateTransfer(ctx context.Context, destination string, amount int64, metadata map[string]string) (string, error) {
	form := url.Values{
		"destination": {destination},
		"amount":      {fmt.Sprintf("%d", amount)},
		"currency":    {"usd"},
	}
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create transfer", http.MethodPost, "/transfers", form, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) CreateAccount(ctx context.Context, email string) (Account, error) {
	form := url.Values{
		"type":  {"express"},
		"email": {email},
	}
	var out Account
	if err := c.do(ctx, "create account", http.MethodPost, "/accounts", form, &out); err != nil {
		return Account{}, err
	}
	return out, nil
}

func (c *Client) AccountLink(ctx context.Context, accountID, returnURL string) (string, error) {
	form := url.Values{
		"account":     {accountID},
		"return_url":  {returnURL},
		"refresh_url": {returnURL},
		"type":        {"account_onboarding"},
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, "account link", http.MethodPost, "/account_links", form, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}
