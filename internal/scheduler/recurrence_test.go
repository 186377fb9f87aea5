package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseRecurrenceRejectsMalformedSpecs(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "every day at nine"},
		{"unknown type", `{"type":"monthly","at":"09:00"}`},
		{"interval without minutes", `{"type":"interval"}`},
		{"interval zero minutes", `{"type":"interval","every_minutes":0}`},
		{"daily bad time", `{"type":"daily","at":"25:00"}`},
		{"daily missing time", `{"type":"daily"}`},
		{"weekly no days", `{"type":"weekly","at":"09:00"}`},
		{"weekly unknown day", `{"type":"weekly","at":"09:00","days":["FUNDAY"]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRecurrence(tc.raw)
			var me MisfireError
			if !errors.As(err, &me) {
				t.Fatalf("expected MisfireError, got %v", err)
			}
		})
	}
}

func TestIntervalNextRun(t *testing.T) {
	rec, err := ParseRecurrence(`{"type":"interval","every_minutes":30}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	next := rec.NextRun(now)
	if want := now.Add(30 * time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestDailyNextRunRollsOver(t *testing.T) {
	rec, err := ParseRecurrence(`{"type":"daily","at":"09:00"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	before := time.Date(2026, 3, 2, 8, 59, 0, 0, time.UTC)
	if next := rec.NextRun(before); !next.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("before slot: next = %v", next)
	}
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if next := rec.NextRun(at); !next.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("at slot: next = %v", next)
	}
}

func TestDailyCatchUpOnce(t *testing.T) {
	rec, err := ParseRecurrence(`{"type":"daily","at":"09:00"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// three missed days: the next run is tomorrow's slot, not a backlog
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	next := rec.NextRun(now)
	if !next.After(now) {
		t.Fatalf("next %v not after now %v", next, now)
	}
	if want := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestWeeklyNextRunSkipsToConfiguredDay(t *testing.T) {
	rec, err := ParseRecurrence(`{"type":"weekly","at":"09:00","days":["MON","THU"]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// 2026-03-03 is a Tuesday; the next slot is Thursday the 5th
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	next := rec.NextRun(now)
	if want := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	// same day before the slot stays on that day
	monday := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	next = rec.NextRun(monday)
	if want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("monday next = %v, want %v", next, want)
	}
	// same day at the slot moves to the next configured day
	next = rec.NextRun(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if want := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("monday at slot: next = %v, want %v", next, want)
	}
}
