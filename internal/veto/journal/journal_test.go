package journal

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/vetod/veto/internal/veto/blocklist"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []blocklist.Event{
		{Kind: blocklist.Added, Addr: netip.MustParseAddr("203.0.113.1"), Rule: "ssh"},
		{Kind: blocklist.Extended, Addr: netip.MustParseAddr("203.0.113.1"), Rule: "ssh"},
		{Kind: blocklist.Removed, Addr: netip.MustParseAddr("203.0.113.1"), Rule: "ssh"},
	}
	for i, ev := range events {
		if err := s.Append(ev, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	records, err := s.Recent(2)
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Kind != "removed" || records[1].Kind != "extended" {
		t.Errorf("expected newest-first order, got [%s %s]", records[0].Kind, records[1].Kind)
	}
	if !records[0].Time.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("unexpected record time %s", records[0].Time)
	}
	if records[0].Addr != netip.MustParseAddr("203.0.113.1") || records[0].Rule != "ssh" {
		t.Errorf("unexpected record %+v", records[0])
	}

	if s.Len() != 3 {
		t.Errorf("expected 3 journaled events, got %d", s.Len())
	}
}

func TestRecent_MoreThanStored(t *testing.T) {
	s := openStore(t)

	if err := s.Append(blocklist.Event{Kind: blocklist.Added, Addr: netip.MustParseAddr("203.0.113.1"), Rule: "ssh"}, time.Now()); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	records, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 record, got %d", len(records))
	}
}

func TestRecent_Empty(t *testing.T) {
	s := openStore(t)

	records, err := s.Recent(5)
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := s.Append(blocklist.Event{Kind: blocklist.Added, Addr: netip.MustParseAddr("203.0.113.1"), Rule: "ssh"}, time.Now()); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopening returned error: %v", err)
	}
	defer s.Close()
	if s.Len() != 1 {
		t.Errorf("expected the journal to persist across reopen, got %d events", s.Len())
	}
}
