package clock

import (
	"testing"
	"time"
)

func TestInPostingWindow(t *testing.T) {
	windows := map[int]bool{9: true, 10: true, 11: true, 12: true, 13: true, 14: true, 15: true, 16: true, 17: true}

	tests := []struct {
		name string
		utc  string
		want bool
	}{
		{"inside window", "2026-07-31T10:00:00Z", true},
		{"outside window", "2026-07-31T02:00:00Z", false},
		{"edge of window", "2026-07-31T17:00:00Z", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, err := time.Parse(time.RFC3339, tt.utc)
			if err != nil {
				t.Fatalf("parsing time: %v", err)
			}
			got, err := InPostingWindow("UTC", windows, ts)
			if err != nil {
				t.Fatalf("InPostingWindow: %v", err)
			}
			if got != tt.want {
				t.Errorf("InPostingWindow(%s) = %v, want %v", tt.utc, got, tt.want)
			}
		})
	}
}

func TestInPostingWindow_DSTSpringForward(t *testing.T) {
	// America/New_York: 2026-03-08 is the US spring-forward date; 02:00
	// local does not exist (clocks jump from 01:59:59 to 03:00:00). Every
	// hour in windows must still be respected exactly once across the
	// transition, with no hour skipped or doubled in the surrounding 8h.
	windows := map[int]bool{1: true, 3: true, 4: true}

	base, err := time.Parse(time.RFC3339, "2026-03-08T05:00:00Z") // 00:00 EST
	if err != nil {
		t.Fatalf("parsing base: %v", err)
	}

	seen := map[int]int{}
	for i := 0; i < 8; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		local, _, err := Local("America/New_York", ts)
		if err != nil {
			t.Fatalf("Local: %v", err)
		}
		ok, err := InPostingWindow("America/New_York", windows, ts)
		if err != nil {
			t.Fatalf("InPostingWindow: %v", err)
		}
		if ok {
			seen[local.Hour()]++
		}
	}
	for hour, count := range seen {
		if count != 1 {
			t.Errorf("hour %d observed %d times across DST jump, want exactly 1", hour, count)
		}
	}
}

func TestNextWindowOpen(t *testing.T) {
	windows := map[int]bool{9: true}
	from, _ := time.Parse(time.RFC3339, "2026-07-31T20:00:00Z")

	next, err := NextWindowOpen("UTC", windows, from)
	if err != nil {
		t.Fatalf("NextWindowOpen: %v", err)
	}
	if next.Hour() != 9 || !next.After(from) {
		t.Errorf("NextWindowOpen = %v, want next day 09:00 UTC", next)
	}
}

func TestNextWindowOpen_FractionalUTCOffsetZone(t *testing.T) {
	// Asia/Kolkata is UTC+5:30. 2026-07-31T18:35:00Z is 2026-08-01T00:05 IST;
	// truncating that absolute instant to a UTC-hour boundary would land on
	// 2026-07-31T23:30 IST, and every later candidate would sit on a half
	// hour, never reaching the true local top-of-hour 2026-08-01T01:00 IST.
	windows := map[int]bool{1: true}
	from, _ := time.Parse(time.RFC3339, "2026-07-31T18:35:00Z")

	next, err := NextWindowOpen("Asia/Kolkata", windows, from)
	if err != nil {
		t.Fatalf("NextWindowOpen: %v", err)
	}
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	local := next.In(loc)
	if local.Hour() != 1 || local.Minute() != 0 {
		t.Errorf("NextWindowOpen = %v (local %v), want local 01:00", next, local)
	}
	if !next.After(from) {
		t.Errorf("NextWindowOpen = %v, want an instant after %v", next, from)
	}
}

func TestNextDailyReset(t *testing.T) {
	from, _ := time.Parse(time.RFC3339, "2026-07-31T15:30:00Z")
	next, err := NextDailyReset("UTC", from)
	if err != nil {
		t.Fatalf("NextDailyReset: %v", err)
	}
	want, _ := time.Parse(time.RFC3339, "2026-08-01T00:00:00Z")
	if !next.Equal(want) {
		t.Errorf("NextDailyReset = %v, want %v", next, want)
	}
}
