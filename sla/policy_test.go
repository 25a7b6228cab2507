package sla

import (
	"testing"
	"time"
)

var testPolicy = Policy{
	LoanFirstResponse:   4 * time.Hour,
	LoanResolution:      72 * time.Hour,
	TicketFirstResponse: 2 * time.Hour,
	TicketResolution:    24 * time.Hour,
	WarningFraction:     0.25,
}

func TestDueAt_PerKind(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	fr, res := testPolicy.DueAt(now, "loan", "equipment")
	if fr != now.Add(4*time.Hour) || res != now.Add(72*time.Hour) {
		t.Fatalf("loan dues wrong: %v / %v", fr, res)
	}

	fr, res = testPolicy.DueAt(now, "ticket", "network")
	if fr != now.Add(2*time.Hour) || res != now.Add(24*time.Hour) {
		t.Fatalf("ticket dues wrong: %v / %v", fr, res)
	}
}

func TestWarnAt_FractionOfWindow(t *testing.T) {
	created := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	due := created.Add(72 * time.Hour)

	// A quarter of a 72h window is 18h of lead time.
	want := due.Add(-18 * time.Hour)
	if got := testPolicy.WarnAt(created, due); !got.Equal(want) {
		t.Fatalf("expected warn at %v, got %v", want, got)
	}
}

func TestWarnAt_DegenerateWindow(t *testing.T) {
	created := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	if got := testPolicy.WarnAt(created, created); !got.Equal(created) {
		t.Fatalf("zero window warns at the due instant, got %v", got)
	}
	past := created.Add(-time.Hour)
	if got := testPolicy.WarnAt(created, past); !got.Equal(past) {
		t.Fatalf("inverted window warns at the due instant, got %v", got)
	}
}

func TestWarnAt_NeverBeforeCreation(t *testing.T) {
	created := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	due := created.Add(10 * time.Hour)

	got := testPolicy.WarnAt(created, due)
	if got.Before(created) {
		t.Fatalf("warn instant %v precedes creation %v", got, created)
	}
	if !got.Before(due) {
		t.Fatalf("warn instant %v must precede the due instant %v", got, due)
	}
}
