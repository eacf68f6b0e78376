package materializer_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyx-cal/calyxcore/internal/materializer"
	"github.com/calyx-cal/calyxcore/internal/model"
	"github.com/calyx-cal/calyxcore/internal/store/icsblob"
	"github.com/calyx-cal/calyxcore/internal/store/sqlite"
)

func newTestStore(t *testing.T) (*sqlite.Store, *icsblob.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.New(filepath.Join(dir, "index.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	blobs, err := icsblob.New(filepath.Join(dir, "ics"))
	if err != nil {
		t.Fatalf("icsblob.New: %v", err)
	}
	return store, blobs
}

func TestInstancesInRangeNonRecurring(t *testing.T) {
	store, blobs := newTestStore(t)
	ctx := context.Background()

	rec := model.EventRecord{
		UID: "evt-1", CollectionID: "col-1",
		Summary:       "Standalone",
		DTStart:       "20260310T090000Z",
		DTStartUTC:    "2026-03-10T09:00:00Z",
		DTEnd:         "20260310T100000Z",
		DTEndUTC:      "2026-03-10T10:00:00Z",
		DTStartIsDate: false,
	}
	if err := store.UpsertEvent(ctx, rec); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}

	rangeStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rangeEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	occs, err := materializer.InstancesInRange(ctx, store, blobs, "col-1", "#ff0000", rangeStart, rangeEnd, "")
	if err != nil {
		t.Fatalf("InstancesInRange: %v", err)
	}
	if len(occs) != 1 {
		t.Fatalf("expected 1 occurrence, got %d: %+v", len(occs), occs)
	}
	if occs[0].Summary != "Standalone" || occs[0].InstanceID != "evt-1" {
		t.Fatalf("unexpected occurrence: %+v", occs[0])
	}
}

func TestInstancesInRangeRecurringWeekly(t *testing.T) {
	store, blobs := newTestStore(t)
	ctx := context.Background()

	master := model.EventRecord{
		UID: "evt-series", CollectionID: "col-1",
		Summary:       "Standup",
		DTStart:       "20260302T090000Z",
		DTStartUTC:    "2026-03-02T09:00:00Z",
		DTEnd:         "20260302T093000Z",
		DTEndUTC:      "2026-03-02T09:30:00Z",
		DTStartIsDate: false,
		RRule:         "FREQ=WEEKLY;COUNT=5",
	}
	if err := store.UpsertEvent(ctx, master); err != nil {
		t.Fatalf("UpsertEvent master: %v", err)
	}

	rangeStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rangeEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	occs, err := materializer.InstancesInRange(ctx, store, blobs, "col-1", "#00ff00", rangeStart, rangeEnd, "")
	if err != nil {
		t.Fatalf("InstancesInRange: %v", err)
	}
	if len(occs) != 5 {
		t.Fatalf("expected 5 weekly occurrences, got %d: %+v", len(occs), occs)
	}
	for _, o := range occs {
		if o.UID != "evt-series" || !o.HasRRule {
			t.Fatalf("unexpected occurrence shape: %+v", o)
		}
	}
}

func TestInstancesInRangeOverrideReplacesOccurrence(t *testing.T) {
	store, blobs := newTestStore(t)
	ctx := context.Background()

	master := model.EventRecord{
		UID: "evt-series-2", CollectionID: "col-1",
		Summary:       "Weekly 1:1",
		DTStart:       "20260302T090000Z",
		DTStartUTC:    "2026-03-02T09:00:00Z",
		DTEnd:         "20260302T093000Z",
		DTEndUTC:      "2026-03-02T09:30:00Z",
		DTStartIsDate: false,
		RRule:         "FREQ=WEEKLY;COUNT=4",
	}
	if err := store.UpsertEvent(ctx, master); err != nil {
		t.Fatalf("UpsertEvent master: %v", err)
	}

	override := model.EventRecord{
		UID: "evt-series-2", CollectionID: "col-1", RecurrenceID: "20260309T090000Z",
		Summary:       "Weekly 1:1 (moved)",
		DTStart:       "20260309T110000Z",
		DTStartUTC:    "2026-03-09T11:00:00Z",
		DTEnd:         "20260309T113000Z",
		DTEndUTC:      "2026-03-09T11:30:00Z",
		DTStartIsDate: false,
	}
	if err := store.UpsertEvent(ctx, override); err != nil {
		t.Fatalf("UpsertEvent override: %v", err)
	}

	rangeStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rangeEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	occs, err := materializer.InstancesInRange(ctx, store, blobs, "col-1", "", rangeStart, rangeEnd, "")
	if err != nil {
		t.Fatalf("InstancesInRange: %v", err)
	}
	if len(occs) != 4 {
		t.Fatalf("expected 4 occurrences (override replaces, not adds), got %d: %+v", len(occs), occs)
	}
	var movedFound bool
	for _, o := range occs {
		if o.Summary == "Weekly 1:1 (moved)" {
			movedFound = true
		}
		if o.Summary == "Weekly 1:1" && o.StartISO == "2026-03-09T09:00:00+00:00" {
			t.Fatalf("original occurrence should have been replaced by override: %+v", o)
		}
	}
	if !movedFound {
		t.Fatal("expected the overridden occurrence to appear with its new summary")
	}
}
