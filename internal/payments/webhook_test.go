package payments

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const testSecret = "whsec_test"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestVerifyWebhookRoundtrip(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","status":"succeeded"}}}`)
	sig := SignPayload(payload, testSecret, testNow)

	evt, err := VerifyWebhook(payload, sig, testSecret, testNow)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if evt.Type != "payment_intent.succeeded" {
		t.Fatalf("type = %s", evt.Type)
	}
	if evt.Data.Object.ID != "pi_1" || evt.Data.Object.Status != "succeeded" {
		t.Fatalf("object = %+v", evt.Data.Object)
	}
}

func TestVerifyWebhookRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1","data":{"object":{"id":"pi_1","status":"processing"}}}`)
	sig := SignPayload(payload, testSecret, testNow)
	tampered := []byte(`{"id":"evt_1","data":{"object":{"id":"pi_1","status":"succeeded"}}}`)

	if _, err := VerifyWebhook(tampered, sig, testSecret, testNow); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("error = %v, want ErrBadSignature", err)
	}
}

func TestVerifyWebhookRejectsWrongSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sig := SignPayload(payload, "whsec_other", testNow)
	if _, err := VerifyWebhook(payload, sig, testSecret, testNow); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("error = %v, want ErrBadSignature", err)
	}
}

func TestVerifyWebhookRejectsStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sig := SignPayload(payload, testSecret, testNow.Add(-6*time.Minute))
	if _, err := VerifyWebhook(payload, sig, testSecret, testNow); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("stale: error = %v, want ErrBadSignature", err)
	}

	// skew within tolerance is fine
	sig = SignPayload(payload, testSecret, testNow.Add(-4*time.Minute))
	if _, err := VerifyWebhook(payload, sig, testSecret, testNow); err != nil {
		t.Fatalf("within tolerance: %v", err)
	}
}

func TestVerifyWebhookRejectsMalformedHeader(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	for _, header := range []string{"", "v1=deadbeef", "t=notanumber,v1=deadbeef", "t=1700000000"} {
		if _, err := VerifyWebhook(payload, header, testSecret, testNow); !errors.Is(err, ErrBadSignature) {
			t.Errorf("header %q: error = %v, want ErrBadSignature", header, err)
		}
	}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"69", 6900},
		{"51.75", 5175},
		{"23.00", 2300},
		{"0.005", 1},
		{"33.334", 3333},
	}
	for _, tc := range cases {
		d, _ := decimal.NewFromString(tc.in)
		if got := MinorUnits(d); got != tc.want {
			t.Errorf("MinorUnits(%s) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
