package sync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyx-cal/calyxcore/internal/clock"
	"github.com/calyx-cal/calyxcore/internal/config"
	"github.com/calyx-cal/calyxcore/internal/model"
	"github.com/calyx-cal/calyxcore/internal/store/icsblob"
	"github.com/calyx-cal/calyxcore/internal/store/sqlite"
	"github.com/calyx-cal/calyxcore/internal/sync"
)

func newTestOrchestrator(t *testing.T, onProgress func(model.SyncProgress)) (*sync.Orchestrator, *sqlite.Store) {
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

	cfg := &config.Config{
		HTTP: config.HTTPConfig{Timeout: 5 * time.Second},
		ICS: config.ICSConfig{
			CompanyName: "Calyx", ProductName: "Calyx Calendar", Version: "1.0.0", Language: "EN",
		},
		ClientID: "test-client",
	}
	clk := clock.Fixed{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return sync.New(store, blobs, cfg, clk, zerolog.Nop(), onProgress), store
}

func TestCreateEventPushesAndIndexes(t *testing.T) {
	var gotPut bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("expected PUT, got %s", r.Method)
		}
		gotPut = true
		w.Header().Set("ETag", `"etag-1"`)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	orch, store := newTestOrchestrator(t, nil)
	acct := model.Account{ID: "acct-1", ServerURL: srv.URL, Enabled: true}
	col := model.Collection{ID: "col-1", AccountID: "acct-1", URL: srv.URL + "/cal/", Enabled: true, SourceKind: model.SourceCalDAV}

	rec, err := orch.CreateEvent(context.Background(), acct, col, model.EventInput{
		Summary:  "Team sync",
		StartISO: "2026-03-02T09:00:00Z",
		EndISO:   "2026-03-02T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if !gotPut {
		t.Fatal("expected a PUT request")
	}
	if rec.ETag != "etag-1" {
		t.Fatalf("expected etag-1, got %q", rec.ETag)
	}

	rows, err := store.ByUID(context.Background(), col.ID, rec.UID)
	if err != nil {
		t.Fatalf("ByUID: %v", err)
	}
	if len(rows) != 1 || rows[0].Summary != "Team sync" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestDeleteEventAllScopeRemovesLocalRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	orch, store := newTestOrchestrator(t, nil)
	acct := model.Account{ID: "acct-1", ServerURL: srv.URL, Enabled: true}
	col := model.Collection{ID: "col-1", AccountID: "acct-1", URL: srv.URL + "/cal/", Enabled: true, SourceKind: model.SourceCalDAV}

	rec := model.EventRecord{
		UID: "evt-1", CollectionID: col.ID, AccountID: acct.ID,
		Href: srv.URL + "/cal/evt-1.ics", ETag: "etag-1",
		Summary: "Doomed meeting",
		DTStart: "20260302T090000Z", DTStartUTC: "2026-03-02T09:00:00Z",
	}
	if err := store.UpsertEvent(context.Background(), rec); err != nil {
		t.Fatalf("seed UpsertEvent: %v", err)
	}

	if err := orch.DeleteEvent(context.Background(), acct, col, "evt-1", model.ScopeAll, ""); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}

	rows, err := store.ByUID(context.Background(), col.ID, "evt-1")
	if err != nil {
		t.Fatalf("ByUID: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows after delete, got %+v", rows)
	}
}

func TestUpdateEventRetriesOnEtagConflict(t *testing.T) {
	var attempts int
	raw := []byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:evt-2\r\nDTSTAMP:20260301T000000Z\r\nSUMMARY:Old title\r\nDTSTART:20260302T090000Z\r\nDTEND:20260302T100000Z\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("ETag", `"stale"`)
			w.Write(raw)
		case http.MethodPut:
			attempts++
			if attempts == 1 {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			w.Header().Set("ETag", `"fresh"`)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	orch, store := newTestOrchestrator(t, nil)
	acct := model.Account{ID: "acct-1", ServerURL: srv.URL, Enabled: true}
	col := model.Collection{ID: "col-1", AccountID: "acct-1", URL: srv.URL + "/cal/", Enabled: true, SourceKind: model.SourceCalDAV}

	rec := model.EventRecord{
		UID: "evt-2", CollectionID: col.ID, AccountID: acct.ID,
		Href: srv.URL + "/cal/evt-2.ics", ETag: "stale",
		Summary: "Old title",
		DTStart: "20260302T090000Z", DTStartUTC: "2026-03-02T09:00:00Z",
	}
	if err := store.UpsertEvent(context.Background(), rec); err != nil {
		t.Fatalf("seed UpsertEvent: %v", err)
	}

	err := orch.UpdateEvent(context.Background(), acct, col, "evt-2", model.ScopeAll, "", model.EventInput{
		Summary:  "New title",
		StartISO: "2026-03-02T09:00:00Z",
		EndISO:   "2026-03-02T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 PUT attempts, got %d", attempts)
	}

	rows, err := store.ByUID(context.Background(), col.ID, "evt-2")
	if err != nil {
		t.Fatalf("ByUID: %v", err)
	}
	if len(rows) != 1 || rows[0].Summary != "New title" || rows[0].ETag != "fresh" {
		t.Fatalf("unexpected rows after retry: %+v", rows)
	}
}
