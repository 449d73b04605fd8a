package audit

import (
	"context"
	"testing"
)

func TestMaskIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"203.0.113.45", "203.0.x.x"},
		{"10.1.2.3", "10.1.x.x"},
		{"2001:db8:85a3:8d3:1319:8a2e:370:7348", "2001:db8:85a3:8d3::x"},
		{"not-an-ip", "***"},
	}
	for _, tt := range tests {
		if got := MaskIP(tt.in); got != tt.want {
			t.Errorf("MaskIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecordAndQuery(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store)
	ctx := WithClientIP(context.Background(), "203.0.113.45")

	if err := log.Record(ctx, "0xAbC0000000000000000000000000000000000001", "totp_enabled", SeverityInfo, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := log.Record(ctx, "0xabc0000000000000000000000000000000000001", "account_frozen", SeverityDanger, map[string]string{"reason": "suspicious"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := log.Query(context.Background(), "0xABC0000000000000000000000000000000000001", "", 0, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events (account match is case-insensitive), got %d", len(events))
	}

	// Newest first
	if events[0].Event != "account_frozen" {
		t.Errorf("expected newest event first, got %s", events[0].Event)
	}
	if events[0].Details["reason"] != "suspicious" {
		t.Errorf("details lost: %v", events[0].Details)
	}

	// IP must be masked on the way out
	for _, e := range events {
		if e.IPAddress != "203.0.x.x" {
			t.Errorf("expected masked IP, got %q", e.IPAddress)
		}
	}

	// Raw IP stays intact in storage
	raw, _ := store.Query(context.Background(), "0xabc0000000000000000000000000000000000001", "", 0, 10)
	if raw[0].IPAddress != "203.0.113.45" {
		t.Errorf("store should retain raw IP, got %q", raw[0].IPAddress)
	}
}

func TestQuerySeverityFilter(t *testing.T) {
	log := NewLog(NewMemoryStore())
	ctx := context.Background()
	account := "0x1000000000000000000000000000000000000001"

	_ = log.Record(ctx, account, "device_trusted", SeverityInfo, nil)
	_ = log.Record(ctx, account, "limit_exceeded", SeverityWarning, nil)
	_ = log.Record(ctx, account, "panic_activated", SeverityDanger, nil)

	events, err := log.Query(ctx, account, SeverityDanger, 0, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].Event != "panic_activated" {
		t.Fatalf("severity filter failed: %+v", events)
	}
}

func TestQueryPagination(t *testing.T) {
	log := NewLog(NewMemoryStore())
	ctx := context.Background()
	account := "0x2000000000000000000000000000000000000002"

	for i := 0; i < 5; i++ {
		_ = log.Record(ctx, account, "session_created", SeverityInfo, nil)
	}

	page1, _ := log.Query(ctx, account, "", 0, 2)
	page2, _ := log.Query(ctx, account, "", 2, 2)
	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("pagination sizes wrong: %d, %d", len(page1), len(page2))
	}
	if page1[0].ID == page2[0].ID {
		t.Error("pages overlap")
	}
}

func TestAppendOnly(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store)
	ctx := context.Background()

	_ = log.Record(ctx, "0x3", "a", SeverityInfo, nil)
	before := store.Len()
	_ = log.Record(ctx, "0x3", "b", SeverityInfo, nil)
	if store.Len() != before+1 {
		t.Error("append must grow the log by exactly one")
	}
}
