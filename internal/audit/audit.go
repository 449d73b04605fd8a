// Package audit provides the append-only security event store.
//
// Every security-relevant operation (factor changes, session issuance,
// policy decisions, emergency transitions) appends an event here. Events
// are immutable: there is no update or delete path. Client IP addresses
// are stored raw for forensics but masked before leaving the query API.
package audit

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/temelreiz/auxite-wallet/internal/metrics"
)

// Severity classifies how alarming an event is.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// ValidSeverity reports whether s is a known severity level.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityDanger:
		return true
	}
	return false
}

// Event is a single security event record.
type Event struct {
	ID        int64             `json:"id"`
	Account   string            `json:"account"`
	Event     string            `json:"event"`
	Severity  Severity          `json:"severity"`
	Details   map[string]string `json:"details,omitempty"`
	IPAddress string            `json:"ipAddress,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Query(ctx context.Context, account string, severity Severity, offset, limit int) ([]*Event, error)
}

// MaxQueryLimit caps a single audit page.
const MaxQueryLimit = 200

type contextKey string

const ctxClientIP contextKey = "audit_client_ip"

// WithClientIP attaches the request's client IP for audit recording.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxClientIP, ip)
}

func clientIPFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxClientIP).(string); ok {
		return v
	}
	return ""
}

// Emitter is the optional live-stream hook; satisfied by the realtime hub.
type Emitter interface {
	EmitAuditEvent(e *Event)
}

// Log wraps a Store with IP capture, masking, and live streaming.
type Log struct {
	store   Store
	emitter Emitter
}

// NewLog creates an audit log over the given store.
func NewLog(store Store) *Log {
	return &Log{store: store}
}

// WithEmitter sets a live event emitter.
func (l *Log) WithEmitter(e Emitter) *Log {
	l.emitter = e
	return l
}

// Record appends an event. The client IP is taken from the context if
// present. Append failures are returned but never mutate prior events.
func (l *Log) Record(ctx context.Context, account, event string, severity Severity, details map[string]string) error {
	e := &Event{
		Account:   strings.ToLower(account),
		Event:     event,
		Severity:  severity,
		Details:   details,
		IPAddress: clientIPFromCtx(ctx),
		CreatedAt: time.Now(),
	}
	if err := l.store.Append(ctx, e); err != nil {
		return err
	}
	metrics.AuditEventsTotal.WithLabelValues(string(severity)).Inc()
	if l.emitter != nil {
		masked := *e
		masked.IPAddress = MaskIP(masked.IPAddress)
		l.emitter.EmitAuditEvent(&masked)
	}
	return nil
}

// Query returns a page of events, newest first, with IPs masked.
func (l *Log) Query(ctx context.Context, account string, severity Severity, offset, limit int) ([]*Event, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	if offset < 0 {
		offset = 0
	}
	events, err := l.store.Query(ctx, strings.ToLower(account), severity, offset, limit)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		e.IPAddress = MaskIP(e.IPAddress)
	}
	return events, nil
}

// MaskIP redacts the host-identifying portion of an IP address for display.
// IPv4 keeps the first two octets ("203.0.x.x"); IPv6 keeps the first four
// groups. Unparseable input is fully redacted.
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "***"
	}
	if v4 := parsed.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return parts[0] + "." + parts[1] + ".x.x"
	}
	groups := strings.Split(parsed.String(), ":")
	if len(groups) > 4 {
		groups = groups[:4]
	}
	return strings.Join(groups, ":") + "::x"
}

// MemoryStore is an in-memory Store for demo mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	nextID int64
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := *e
	cp.ID = s.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, account string, severity Severity, offset, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	skipped := 0
	// Newest first
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.events[i]
		if e.Account != account {
			continue
		}
		if severity != "" && e.Severity != severity {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Len returns the number of stored events (for tests).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
