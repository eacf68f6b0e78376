package sync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calyx-cal/calyxcore/internal/model"
)

const reportFixture = `<?xml version="1.0"?>
<multistatus xmlns="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <response>
    <href>/cal/evt-1.ics</href>
    <propstat>
      <prop>
        <getetag>"etag-1"</getetag>
        <C:calendar-data>BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:evt-1
DTSTAMP:20260301T000000Z
SUMMARY:Standup
DTSTART:20260302T090000Z
DTEND:20260302T093000Z
END:VEVENT
END:VCALENDAR
</C:calendar-data>
      </prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
</multistatus>`

func TestTriggerSyncIngestsPulledResource(t *testing.T) {
	var reportCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "REPORT" {
			t.Fatalf("expected REPORT, got %s", r.Method)
		}
		reportCalls++
		w.WriteHeader(207)
		w.Write([]byte(reportFixture))
	}))
	defer srv.Close()

	orch, store := newTestOrchestrator(t, nil)
	acct := model.Account{ID: "acct-1", ServerURL: srv.URL, Enabled: true}
	col := model.Collection{
		ID: "col-1", AccountID: "acct-1", Name: "Personal",
		URL: srv.URL + "/cal/", Enabled: true, SourceKind: model.SourceCalDAV,
	}

	result := orch.TriggerSync(context.Background(), []model.Account{acct}, []model.Collection{col})
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected sync errors: %v", result.Errors)
	}
	if reportCalls == 0 {
		t.Fatal("expected at least one REPORT request")
	}
	if result.Added != 1 {
		t.Fatalf("expected 1 added event, got %d (result=%+v)", result.Added, result)
	}

	rows, err := store.ByUID(context.Background(), col.ID, "evt-1")
	if err != nil {
		t.Fatalf("ByUID: %v", err)
	}
	if len(rows) != 1 || rows[0].Summary != "Standup" || rows[0].ETag != "etag-1" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestTriggerSyncSkipsDisabledAccount(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(207)
		w.Write([]byte(reportFixture))
	}))
	defer srv.Close()

	orch, _ := newTestOrchestrator(t, nil)
	acct := model.Account{ID: "acct-1", ServerURL: srv.URL, Enabled: false}
	col := model.Collection{
		ID: "col-1", AccountID: "acct-1", Name: "Personal",
		URL: srv.URL + "/cal/", Enabled: true, SourceKind: model.SourceCalDAV,
	}

	result := orch.TriggerSync(context.Background(), []model.Account{acct}, []model.Collection{col})
	if calls != 0 {
		t.Fatalf("expected no requests for a disabled account, got %d", calls)
	}
	if result.Added != 0 || result.Updated != 0 {
		t.Fatalf("expected no changes, got %+v", result)
	}
}
