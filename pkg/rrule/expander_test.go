package rrule_test

import (
	"testing"
	"time"

	"github.com/calyx-cal/calyxcore/pkg/rrule"
)

func TestExpandDailyWithinRange(t *testing.T) {
	dtstart := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rangeStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rangeEnd := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)

	cands, err := rrule.Expand("FREQ=DAILY;COUNT=10", dtstart, nil, rangeStart, rangeEnd)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(cands) != 5 {
		t.Fatalf("expected 5 candidates in range, got %d: %+v", len(cands), cands)
	}
	for i, c := range cands {
		want := dtstart.AddDate(0, 0, i)
		if !c.Start.Equal(want) {
			t.Fatalf("candidate %d: got %v, want %v", i, c.Start, want)
		}
	}
}

func TestExpandAscendingAndDeduplicated(t *testing.T) {
	dtstart := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rangeStart := dtstart
	rangeEnd := dtstart.AddDate(0, 0, 30)

	cands, err := rrule.Expand("FREQ=DAILY;COUNT=20", dtstart, nil, rangeStart, rangeEnd)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(cands) != 20 {
		t.Fatalf("expected 20 candidates, got %d", len(cands))
	}
	seen := map[int64]struct{}{}
	for i := 1; i < len(cands); i++ {
		if !cands[i].Start.After(cands[i-1].Start) {
			t.Fatalf("candidates not strictly ascending at index %d: %v then %v", i, cands[i-1].Start, cands[i].Start)
		}
	}
	for _, c := range cands {
		u := c.Start.Unix()
		if _, ok := seen[u]; ok {
			t.Fatalf("duplicate candidate at %v", c.Start)
		}
		seen[u] = struct{}{}
	}
}

// TestExpandCountConsumesExcludedSlot asserts the deliberate deviation
// documented on the package: an EXDATE'd candidate still consumes its COUNT
// slot instead of being replaced by the next raw candidate.
func TestExpandCountConsumesExcludedSlot(t *testing.T) {
	dtstart := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rangeStart := dtstart
	rangeEnd := dtstart.AddDate(0, 0, 30)

	exdate := dtstart.AddDate(0, 0, 1) // second occurrence excluded

	cands, err := rrule.Expand("FREQ=DAILY;COUNT=3", dtstart, []time.Time{exdate}, rangeStart, rangeEnd)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	// COUNT=3 raw candidates are day0, day1, day2; day1 is excluded, so
	// only day0 and day2 survive - a 4th candidate from further in the
	// series must NOT appear to backfill the excluded slot.
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates after EXDATE filtering, got %d: %+v", len(cands), cands)
	}
	if !cands[0].Start.Equal(dtstart) {
		t.Fatalf("first candidate: got %v, want %v", cands[0].Start, dtstart)
	}
	if !cands[1].Start.Equal(dtstart.AddDate(0, 0, 2)) {
		t.Fatalf("second candidate: got %v, want %v", cands[1].Start, dtstart.AddDate(0, 0, 2))
	}
}

func TestExpandRespectsUntil(t *testing.T) {
	dtstart := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rangeStart := dtstart
	rangeEnd := dtstart.AddDate(1, 0, 0)

	cands, err := rrule.Expand("FREQ=WEEKLY;UNTIL=20260322T090000Z", dtstart, nil, rangeStart, rangeEnd)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	last := cands[len(cands)-1].Start
	until := time.Date(2026, 3, 22, 9, 0, 0, 0, time.UTC)
	if last.After(until) {
		t.Fatalf("last candidate %v is after UNTIL %v", last, until)
	}
	if len(cands) != 4 {
		t.Fatalf("expected 4 weekly occurrences through UNTIL, got %d: %+v", len(cands), cands)
	}
}

// TestExpandAcrossDSTTransition exercises the US spring-forward boundary:
// a daily 9am-local rule must keep landing on 9am local clock time across
// the gap, which in UTC terms means the offset itself shifts by an hour.
func TestExpandAcrossDSTTransition(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2026-03-08 is the US DST transition (2am -> 3am).
	dtstart := time.Date(2026, 3, 6, 9, 0, 0, 0, loc)
	rangeStart := dtstart
	rangeEnd := dtstart.AddDate(0, 0, 5)

	cands, err := rrule.Expand("FREQ=DAILY;COUNT=5", dtstart, nil, rangeStart, rangeEnd)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(cands) != 5 {
		t.Fatalf("expected 5 candidates, got %d", len(cands))
	}
	for _, c := range cands {
		local := c.Start.In(loc)
		if local.Hour() != 9 || local.Minute() != 0 {
			t.Fatalf("candidate %v did not land on 9am local (got %02d:%02d)", c.Start, local.Hour(), local.Minute())
		}
	}
	before := cands[1].Start.In(loc)  // 2026-03-07, before the transition
	after := cands[2].Start.In(loc)   // 2026-03-08, after the transition
	_, beforeOffset := before.Zone()
	_, afterOffset := after.Zone()
	if beforeOffset == afterOffset {
		t.Fatalf("expected UTC offset to change across the DST transition, got %d both days", beforeOffset)
	}
}

func TestNextAfterFindsFollowingOccurrence(t *testing.T) {
	dtstart := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	next, ok, err := rrule.NextAfter("FREQ=DAILY;COUNT=10", dtstart, dtstart.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	if !ok {
		t.Fatalf("expected a following occurrence")
	}
	want := dtstart.AddDate(0, 0, 3)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestClampUntilDropsCountAndExistingUntil(t *testing.T) {
	got, err := rrule.ClampUntil("FREQ=DAILY;COUNT=50;UNTIL=20270101T000000Z", "20260310T090000Z")
	if err != nil {
		t.Fatalf("ClampUntil: %v", err)
	}
	want := "FREQ=DAILY;UNTIL=20260310T090000Z"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStripCountLeavesUntilIntact(t *testing.T) {
	got := rrule.StripCount("FREQ=DAILY;COUNT=5;UNTIL=20260310T090000Z")
	want := "FREQ=DAILY;UNTIL=20260310T090000Z"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
