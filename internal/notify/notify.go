// Package notify delivers security event notifications over HTTPS.
//
// Payloads are HMAC-SHA256 signed so receivers can verify origin.
// Delivery is best-effort with bounded retries; a failed notification
// never blocks the security operation that triggered it.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/temelreiz/auxite-wallet/internal/circuitbreaker"
	"github.com/temelreiz/auxite-wallet/internal/emergency"
	"github.com/temelreiz/auxite-wallet/internal/idgen"
	"github.com/temelreiz/auxite-wallet/internal/logging"
	"github.com/temelreiz/auxite-wallet/internal/metrics"
	"github.com/temelreiz/auxite-wallet/internal/retry"
	"github.com/temelreiz/auxite-wallet/internal/security"
)

const (
	deliveryTimeout = 10 * time.Second
	maxAttempts     = 3
	retryBackoff    = 2 * time.Second

	// A destination that keeps failing is skipped for a while rather
	// than retried on every event.
	breakerThreshold = 3
	breakerOpenFor   = time.Minute
)

// Payload is the JSON body POSTed to notification endpoints.
type Payload struct {
	ID        string            `json:"id"`
	Account   string            `json:"account"`
	Event     string            `json:"event"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ContactLister returns an account's trusted contacts.
type ContactLister interface {
	ListContacts(ctx context.Context, account string) ([]*emergency.TrustedContact, error)
}

// Sender delivers notifications to the operator endpoint and to trusted
// contacts with webhook destinations.
type Sender struct {
	url      string // operator endpoint, optional
	secret   string
	contacts ContactLister // optional
	client   *http.Client
	backoff  time.Duration
	breaker  *circuitbreaker.Breaker // per-destination
}

// NewSender creates a notification sender. url and secret configure the
// operator endpoint; pass empty strings to deliver to contacts only.
func NewSender(url, secret string) *Sender {
	return &Sender{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: deliveryTimeout},
		backoff: retryBackoff,
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenFor),
	}
}

// WithContacts wires trusted-contact delivery.
func (s *Sender) WithContacts(contacts ContactLister) *Sender {
	s.contacts = contacts
	return s
}

// Notify sends the event to every configured destination. Fire-and-forget:
// delivery runs in the background and failures are logged, not returned.
func (s *Sender) Notify(ctx context.Context, account, event string, details map[string]string) {
	payload := &Payload{
		ID:        idgen.WithPrefix("ntf_"),
		Account:   strings.ToLower(account),
		Event:     event,
		Details:   details,
		Timestamp: time.Now(),
	}

	urls := s.destinations(ctx, payload.Account)
	if len(urls) == 0 {
		return
	}

	// Detached from the caller's context so an aborted request doesn't
	// drop the notification.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(maxAttempts)*(deliveryTimeout+retryBackoff))
		defer cancel()
		for _, url := range urls {
			s.deliver(ctx, url, payload)
		}
	}()
}

func (s *Sender) destinations(ctx context.Context, account string) []string {
	var urls []string
	if s.url != "" {
		urls = append(urls, s.url)
	}
	if s.contacts == nil {
		return urls
	}
	contacts, err := s.contacts.ListContacts(ctx, account)
	if err != nil {
		logging.L(ctx).Warn("failed to list contacts for notification", "account", account, "error", err)
		return urls
	}
	for _, c := range contacts {
		// Only webhook destinations are delivered in-process.
		if !strings.HasPrefix(c.Destination, "http://") && !strings.HasPrefix(c.Destination, "https://") {
			continue
		}
		if err := security.ValidateEndpointURL(c.Destination); err != nil {
			logging.L(ctx).Warn("skipping unsafe contact destination",
				"account", account, "contact", c.ID, "error", err)
			continue
		}
		urls = append(urls, c.Destination)
	}
	return urls
}

func (s *Sender) deliver(ctx context.Context, url string, payload *Payload) {
	if !s.breaker.Allow(url) {
		metrics.NotificationDeliveriesTotal.WithLabelValues("skipped").Inc()
		logging.L(ctx).Warn("notification destination circuit open, skipping",
			"event", payload.Event, "account", payload.Account)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		logging.L(ctx).Error("failed to marshal notification", "error", err)
		return
	}

	err = retry.Do(ctx, maxAttempts, s.backoff, func() error {
		return s.post(ctx, url, payload, body)
	})
	if err == nil {
		s.breaker.RecordSuccess(url)
		metrics.NotificationDeliveriesTotal.WithLabelValues("success").Inc()
		return
	}

	s.breaker.RecordFailure(url)
	metrics.NotificationDeliveriesTotal.WithLabelValues("failure").Inc()
	logging.L(ctx).Warn("notification delivery failed",
		"event", payload.Event, "account", payload.Account, "error", err)
}

func (s *Sender) post(ctx context.Context, url string, payload *Payload, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auxite-Event", payload.Event)
	req.Header.Set("X-Auxite-Timestamp", fmt.Sprintf("%d", payload.Timestamp.Unix()))
	if s.secret != "" {
		req.Header.Set("X-Auxite-Signature", Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of the payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received signature against the payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
