// Package notify delivers lifecycle notifications on a best-effort basis.
// Delivery latency or failure never reaches the operation that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Notification template kinds.
const (
	KindJobClaimed         = "job.claimed"
	KindSubmissionReceived = "submission.received"
	KindSubmissionApproved = "submission.approved"
	KindSubmissionRejected = "submission.rejected"
	KindBidReceived        = "bid.received"
	KindBidAccepted        = "bid.accepted"
	KindBidRejected        = "bid.rejected"
	KindPaymentConfirmed   = "payment.confirmed"
	KindJobCompleted       = "job.completed"
)

type Sink interface {
	Notify(recipient, kind string, params map[string]any)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Notify(string, string, map[string]any) {}

type message struct {
	Recipient string         `json:"recipient"`
	Kind      string         `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
}

// Dispatcher posts notifications to an external delivery endpoint from a
// single background worker. Enqueueing never blocks; when the buffer is full
// the notification is dropped and logged.
type Dispatcher struct {
	url    string
	client *http.Client
	queue  chan message
	done   chan struct{}
}

const (
	dispatchTimeout = 5 * time.Second
	queueDepth      = 256
)

func NewDispatcher(url string) *Dispatcher {
	d := &Dispatcher{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: dispatchTimeout},
		queue:  make(chan message, queueDepth),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(recipient, kind string, params map[string]any) {
	select {
	case d.queue <- message{Recipient: recipient, Kind: kind, Params: params}:
	default:
		log.Printf("notify: queue full, dropping %s for %s", kind, recipient)
	}
}

// Close drains nothing; in-flight deliveries are abandoned.
func (d *Dispatcher) Close() {
	close(d.done)
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case msg := <-d.queue:
			if err := d.post(msg); err != nil {
				log.Printf("notify: deliver %s to %s failed: %v", msg.Kind, msg.Recipient, err)
			}
		}
	}
}

func (d *Dispatcher) post(msg message) error {
	if d.url == "" {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Peerhub-Notification", msg.Kind)
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	return nil
}
