package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyx-cal/calyxcore/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := New(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestUpsertAndRangeNonRecurring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := model.EventRecord{
		UID:          "event-1",
		AccountID:    "acct-1",
		CollectionID: "col-1",
		Href:         "/cal/event-1.ics",
		ETag:         `"1"`,
		Summary:      "Standup",
		DTStart:      "20260101T090000Z",
		DTStartUTC:   "2026-01-01T09:00:00Z",
		DTEnd:        "20260101T093000Z",
		DTEndUTC:     "2026-01-01T09:30:00Z",
	}
	if err := s.UpsertEvent(ctx, e); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}

	got, err := s.RangeNonRecurring(ctx, "col-1", "2026-01-01T00:00:00Z", "2026-01-02T00:00:00Z")
	if err != nil {
		t.Fatalf("RangeNonRecurring: %v", err)
	}
	if len(got) != 1 || got[0].UID != "event-1" {
		t.Fatalf("expected one match, got %+v", got)
	}

	outOfRange, err := s.RangeNonRecurring(ctx, "col-1", "2027-01-01T00:00:00Z", "2027-01-02T00:00:00Z")
	if err != nil {
		t.Fatalf("RangeNonRecurring: %v", err)
	}
	if len(outOfRange) != 0 {
		t.Fatalf("expected no matches, got %+v", outOfRange)
	}
}

func TestUpsertReplacesExistingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := model.EventRecord{UID: "u1", CollectionID: "col-1", Summary: "Old", DTStart: "20260101T090000Z", DTStartUTC: "2026-01-01T09:00:00Z"}
	if err := s.UpsertEvent(ctx, base); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}
	base.Summary = "New"
	if err := s.UpsertEvent(ctx, base); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}

	rows, err := s.ByUID(ctx, "col-1", "u1")
	if err != nil {
		t.Fatalf("ByUID: %v", err)
	}
	if len(rows) != 1 || rows[0].Summary != "New" {
		t.Fatalf("expected single updated row, got %+v", rows)
	}
}

func TestRecurringMastersAndOverrides(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	master := model.EventRecord{UID: "series-1", CollectionID: "col-1", RRule: "FREQ=DAILY;COUNT=5", DTStart: "20260101T090000Z", DTStartUTC: "2026-01-01T09:00:00Z"}
	override := model.EventRecord{UID: "series-1", CollectionID: "col-1", RecurrenceID: "20260103T090000Z", Summary: "Moved", DTStart: "20260103T110000Z", DTStartUTC: "2026-01-03T11:00:00Z"}

	if err := s.UpsertEvent(ctx, master); err != nil {
		t.Fatalf("UpsertEvent master: %v", err)
	}
	if err := s.UpsertEvent(ctx, override); err != nil {
		t.Fatalf("UpsertEvent override: %v", err)
	}

	masters, err := s.RecurringMasters(ctx, "col-1")
	if err != nil {
		t.Fatalf("RecurringMasters: %v", err)
	}
	if len(masters) != 1 {
		t.Fatalf("expected 1 master, got %d", len(masters))
	}

	overrides, err := s.Overrides(ctx, "col-1", "series-1")
	if err != nil {
		t.Fatalf("Overrides: %v", err)
	}
	if len(overrides) != 1 || overrides[0].Summary != "Moved" {
		t.Fatalf("expected 1 override, got %+v", overrides)
	}
}

func TestSearchMatchesSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEvent(ctx, model.EventRecord{UID: "u1", CollectionID: "col-1", Summary: "Quarterly planning", DTStartUTC: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}
	if err := s.UpsertEvent(ctx, model.EventRecord{UID: "u2", CollectionID: "col-1", Summary: "Dentist", DTStartUTC: "2026-01-02T00:00:00Z"}); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}

	hits, err := s.Search(ctx, "", "planning")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].UID != "u1" {
		t.Fatalf("expected one hit for u1, got %+v", hits)
	}
}

func TestOfflineQueueDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mustEnqueue := func(op model.PendingSync) {
		t.Helper()
		if err := s.EnqueueOffline(ctx, model.OfflineQueueItem{
			Operation:    op,
			UID:          "u1",
			CollectionID: "col-1",
			AccountID:    "acct-1",
			QueuedAt:     now,
		}); err != nil {
			t.Fatalf("EnqueueOffline: %v", err)
		}
	}

	mustEnqueue(model.PendingCreate)
	mustEnqueue(model.PendingUpdate)
	mustEnqueue(model.PendingDelete)

	items, err := s.ListOffline(ctx)
	if err != nil {
		t.Fatalf("ListOffline: %v", err)
	}
	if len(items) != 1 || items[0].Operation != model.PendingDelete {
		t.Fatalf("expected single collapsed delete, got %+v", items)
	}
}

func TestDeleteByUIDRemovesOverrides(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEvent(ctx, model.EventRecord{UID: "u1", CollectionID: "col-1", RRule: "FREQ=DAILY;COUNT=3"}); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}
	if err := s.UpsertEvent(ctx, model.EventRecord{UID: "u1", CollectionID: "col-1", RecurrenceID: "20260101T090000Z"}); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}

	if err := s.DeleteByUID(ctx, "col-1", "u1"); err != nil {
		t.Fatalf("DeleteByUID: %v", err)
	}

	rows, err := s.ByUID(ctx, "col-1", "u1")
	if err != nil {
		t.Fatalf("ByUID: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows left, got %+v", rows)
	}
}
