package cron

import (
	"errors"
	"testing"
	"time"

	"github.com/embermedia/conductor"
)

func TestParseSchedule_FiveField(t *testing.T) {
	if _, err := ParseSchedule("0 2 * * *"); err != nil {
		t.Fatalf("standard 5-field expression rejected: %v", err)
	}
}

func TestParseSchedule_OptionalSeconds(t *testing.T) {
	if _, err := ParseSchedule("30 0 2 * * *"); err != nil {
		t.Fatalf("6-field expression rejected: %v", err)
	}
}

func TestParseSchedule_Descriptor(t *testing.T) {
	if _, err := ParseSchedule("@every 30s"); err != nil {
		t.Fatalf("descriptor rejected: %v", err)
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, expr := range []string{"", "not a cron", "99 * * * *", "* * * *"} {
		_, err := ParseSchedule(expr)
		if !errors.Is(err, conductor.ErrInvalidCron) {
			t.Fatalf("%q: expected ErrInvalidCron, got %v", expr, err)
		}
	}
}

func TestNext_Timezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	// 02:00 daily, evaluated in New York time.
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := Next("0 2 * * *", now, ny)
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	local := next.In(ny)
	if local.Hour() != 2 || local.Minute() != 0 {
		t.Fatalf("expected a 02:00 local fire, got %s", local)
	}
	if !next.After(now) {
		t.Fatalf("next fire must be in the future: %s", next)
	}
}

func TestNext_DailyAtTwo(t *testing.T) {
	now := time.Date(2024, 6, 1, 1, 30, 0, 0, time.UTC)
	next, err := Next("0 2 * * *", now, time.UTC)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}
