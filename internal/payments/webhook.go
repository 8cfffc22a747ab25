package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WebhookEvent is the parsed processor event. Only the intent reference and
// its status matter to reconciliation; everything else is passed through.
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID             string `json:"id"`
			Status         string `json:"status"`
			PayoutsEnabled bool   `json:"payouts_enabled"`
		} `json:"object"`
	} `json:"data"`
}

var ErrBadSignature = errors.New("webhook signature verification failed")

// signature tolerance guards against replayed deliveries.
const signatureTolerance = 5 * time.Minute

// VerifyWebhook checks the `t=<unix>,v1=<hex>` signature header against the
// raw payload and parses the event. The signed message is "<t>.<payload>".
func VerifyWebhook(payload []byte, sigHeader, secret string, now time.Time) (WebhookEvent, error) {
	var evt WebhookEvent
	ts, sigs, err := parseSigHeader(sigHeader)
	if err != nil {
		return evt, err
	}
	at := time.Unix(ts, 0)
	if now.Sub(at) > signatureTolerance || at.Sub(now) > signatureTolerance {
		return evt, fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)
	ok := false
	for _, sig := range sigs {
		raw, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(raw, expected) {
			ok = true
			break
		}
	}
	if !ok {
		return evt, ErrBadSignature
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return evt, fmt.Errorf("parse webhook payload: %w", err)
	}
	return evt, nil
}

// SignPayload produces a valid signature header for a payload. Used by tests
// and the local development webhook relay.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func parseSigHeader(header string) (int64, []string, error) {
	var ts int64 = -1
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrBadSignature)
			}
			ts = v
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts < 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed header", ErrBadSignature)
	}
	return ts, sigs, nil
}
