package scheduler

import (
	"testing"
	"time"
)

func TestParseCron_Valid(t *testing.T) {
	expr, err := ParseCron("5 0 * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	if expr.String() != "5 0 * * *" {
		t.Fatalf("expected raw %q, got %q", "5 0 * * *", expr.String())
	}
}

func TestParseCron_Invalid(t *testing.T) {
	for _, spec := range []string{"not a cron", "* * * *", "61 * * * *"} {
		if _, err := ParseCron(spec); err == nil {
			t.Errorf("expected error for %q", spec)
		}
	}
}

func TestCronExpr_Next(t *testing.T) {
	expr, err := ParseCron("5 0 * * *") // daily at 00:05
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next := expr.Next(base)

	expected := time.Date(2026, 1, 2, 0, 5, 0, 0, time.UTC)
	if !next.Equal(expected) {
		t.Fatalf("expected next %v, got %v", expected, next)
	}
}

func TestCronExpr_Matches(t *testing.T) {
	expr, err := ParseCron("30 14 * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}

	if !expr.Matches(time.Date(2026, 6, 15, 14, 30, 45, 0, time.UTC)) {
		t.Fatal("expected match at 14:30:45")
	}
	if !expr.Matches(time.Date(2026, 6, 15, 14, 30, 0, 0, time.UTC)) {
		t.Fatal("expected match at 14:30:00")
	}
	if expr.Matches(time.Date(2026, 6, 15, 14, 31, 0, 0, time.UTC)) {
		t.Fatal("expected no match at 14:31")
	}
}
