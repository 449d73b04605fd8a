package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temelreiz/auxite-wallet/internal/emergency"
)

type received struct {
	body      []byte
	event     string
	signature string
}

func TestNotifyDeliversSignedPayload(t *testing.T) {
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			body:      body,
			event:     r.Header.Get("X-Auxite-Event"),
			signature: r.Header.Get("X-Auxite-Signature"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "topsecret")
	s.Notify(context.Background(), "0xABC", "panic_activated", map[string]string{"reason": "compromised"})

	select {
	case r := <-got:
		assert.Equal(t, "panic_activated", r.event)
		assert.True(t, VerifySignature(r.body, "topsecret", r.signature))

		var p Payload
		require.NoError(t, json.Unmarshal(r.body, &p))
		assert.Equal(t, "0xabc", p.Account)
		assert.Equal(t, "compromised", p.Details["reason"])
		assert.NotEmpty(t, p.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestNotifyRetriesOnFailure(t *testing.T) {
	var attempts atomic.Int32
	done := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "")
	s.backoff = time.Millisecond
	s.Notify(context.Background(), "0xabc", "account_frozen", nil)

	select {
	case <-done:
		assert.Equal(t, int32(3), attempts.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never succeeded")
	}
}

type staticContacts struct {
	contacts []*emergency.TrustedContact
}

func (s *staticContacts) ListContacts(context.Context, string) ([]*emergency.TrustedContact, error) {
	return s.contacts, nil
}

func TestDestinationsSkipUnsafeContacts(t *testing.T) {
	s := NewSender("https://ops.example.com/hook", "secret").WithContacts(&staticContacts{
		contacts: []*emergency.TrustedContact{
			{ID: "tct_1", Destination: "alice@example.com"},        // not a webhook
			{ID: "tct_2", Destination: "http://127.0.0.1/steal"},   // loopback
			{ID: "tct_3", Destination: "http://169.254.169.254/x"}, // link-local
		},
	})

	urls := s.destinations(context.Background(), "0xabc")
	assert.Equal(t, []string{"https://ops.example.com/hook"}, urls)
}

func TestNotifyNoDestinationsIsNoop(t *testing.T) {
	s := NewSender("", "")
	// Must not panic or spawn anything.
	s.Notify(context.Background(), "0xabc", "account_frozen", nil)
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"event":"panic_activated"}`)
	sig := Sign(payload, "secret")
	assert.Len(t, sig, 64)
	assert.True(t, VerifySignature(payload, "secret", sig))
	assert.False(t, VerifySignature(payload, "other", sig))
	assert.False(t, VerifySignature([]byte("tampered"), "secret", sig))
}
