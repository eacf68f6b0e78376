package caldav

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestListEtags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "REPORT" {
			t.Fatalf("expected REPORT, got %s", r.Method)
		}
		w.WriteHeader(207)
		w.Write([]byte(`<?xml version="1.0"?>
<multistatus xmlns="DAV:">
  <response>
    <href>/cal/event-1.ics</href>
    <propstat>
      <prop><getetag>"abc123"</getetag></prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
</multistatus>`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", 5*time.Second, zerolog.Nop())
	entries, err := c.ListEtags(context.Background(), "/cal/")
	if err != nil {
		t.Fatalf("ListEtags: %v", err)
	}
	if len(entries) != 1 || entries[0].ETag != "abc123" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestUpdatePutConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(412)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", 5*time.Second, zerolog.Nop())
	_, err := c.UpdatePut(context.Background(), "/cal/event-1.ics", "stale-etag", []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	if err == nil {
		t.Fatal("expected conflict error")
	}
	var cerr *Error
	if !asCaldavError(err, &cerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if cerr.Kind != KindConflictEtag {
		t.Fatalf("expected KindConflictEtag, got %v", cerr.Kind)
	}
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", 5*time.Second, zerolog.Nop())
	if err := c.Delete(context.Background(), "/cal/gone.ics", ""); err != nil {
		t.Fatalf("expected nil error for 404, got %v", err)
	}
}

func asCaldavError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
