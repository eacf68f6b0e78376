package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/calyx-cal/calyxcore/internal/model"
	"github.com/calyx-cal/calyxcore/pkg/ics"
)

// ingestResource parses a fetched calendar-object resource, writes its
// blob, upserts every VEVENT it contains (master plus overrides, which
// per RFC 4791 always share one resource), and removes any local
// override row of the master's UID whose RECURRENCE-ID no longer
// appears in the parsed result. It
// reports whether this href was previously unknown locally (added) or
// already present (updated).
func (o *Orchestrator) ingestResource(ctx context.Context, col model.Collection, href, etag string, raw []byte) (added bool, err error) {
	cal, err := ics.ParseCalendar(raw)
	if err != nil {
		return false, fmt.Errorf("ingest %s: %w", href, err)
	}
	if len(cal.Events) == 0 {
		return false, fmt.Errorf("ingest %s: no VEVENT found", href)
	}

	existing, err := o.store.ETagMap(ctx, col.ID)
	if err != nil {
		return false, err
	}
	_, hadHref := existing[href]
	added = !hadHref

	uid := cal.Events[0].UID
	blobPath := o.blobs.Path(uid, "")
	if err := o.blobs.Write(blobPath, raw); err != nil {
		return false, fmt.Errorf("write blob for %s: %w", href, err)
	}
	if cal.VTimezoneRaw != "" {
		o.rememberVTimezone(cal.Events[0].DTStart.TZID, cal.VTimezoneRaw)
	}

	keepRecurrenceIDs := map[string]struct{}{}
	for _, ev := range cal.Events {
		if _, err := o.upsertEvent(ctx, col, href, etag, blobPath, ev); err != nil {
			return false, err
		}
		if ev.RecurrenceID != "" {
			keepRecurrenceIDs[ev.RecurrenceID] = struct{}{}
		}
	}

	if master := cal.Master(); master != nil {
		existing, err := o.store.Overrides(ctx, col.ID, master.UID)
		if err != nil {
			return false, fmt.Errorf("ingest %s: list overrides: %w", href, err)
		}
		for _, o2 := range existing {
			if _, ok := keepRecurrenceIDs[o2.RecurrenceID]; !ok {
				if err := o.store.DeleteOverride(ctx, col.ID, master.UID, o2.RecurrenceID); err != nil {
					return false, fmt.Errorf("ingest %s: drop stale override: %w", href, err)
				}
			}
		}
	}

	return added, nil
}

func (o *Orchestrator) upsertParsedEvent(ctx context.Context, col model.Collection, href, etag string, ev *ics.Event) (*model.EventRecord, error) {
	return o.upsertEvent(ctx, col, href, etag, "", ev)
}

func (o *Orchestrator) upsertEvent(ctx context.Context, col model.Collection, href, etag, blobPath string, ev *ics.Event) (*model.EventRecord, error) {
	return o.upsertEventPending(ctx, col, href, etag, blobPath, ev, model.PendingNone)
}

func (o *Orchestrator) upsertEventPending(ctx context.Context, col model.Collection, href, etag, blobPath string, ev *ics.Event, pending model.PendingSync) (*model.EventRecord, error) {
	rec := model.EventRecord{
		UID:           ev.UID,
		AccountID:     col.AccountID,
		CollectionID:  col.ID,
		Href:          href,
		ETag:          etag,
		ICSPath:       blobPath,
		Summary:       ev.Summary,
		Description:   ev.Description,
		Location:      ev.Location,
		Organizer:     ev.Organizer,
		AttendeesText: attendeesText(ev),
		Status:        ev.Status,
		GeoLat:        ev.GeoLat,
		GeoLon:        ev.GeoLon,
		DTStart:       ev.DTStart.Raw,
		DTStartUTC:    ev.DTStart.UTC,
		DTStartIsDate: ev.DTStart.IsDate,
		RRule:         ev.RRule,
		EXDates:       ev.EXDates,
		RecurrenceID:  ev.RecurrenceID,
		PendingSync:   pending,
	}
	if ev.DTEnd != nil {
		rec.DTEnd = ev.DTEnd.Raw
		rec.DTEndUTC = ev.DTEnd.UTC
	} else {
		rec.DurationRaw = ev.DurationRaw
	}
	normalizeAllDay(&rec)

	if err := o.store.UpsertEvent(ctx, rec); err != nil {
		return nil, fmt.Errorf("upsert %s: %w", ev.UID, err)
	}
	return &rec, nil
}

// normalizeAllDay bumps an all-day event's dtendUtc to the next UTC
// day when the server sent DTEND == DTSTART (or omitted it), so the
// range query's strict dtendUtc > rangeStart clause still includes
// the event's own day.
func normalizeAllDay(rec *model.EventRecord) {
	if !rec.DTStartIsDate {
		return
	}
	if rec.DTEndUTC == "" || rec.DTEndUTC <= rec.DTStartUTC {
		if dv, err := ics.ParseAnnotated(rec.DTStart); err == nil {
			if t, err := dv.ToZoned(""); err == nil {
				bumped := t.AddDate(0, 0, 1)
				rec.DTEndUTC = bumped.UTC().Format("2006-01-02T15:04:05Z07:00")
				rec.DTEnd = bumped.Format("20060102")
			}
		}
	}
}

func attendeesText(ev *ics.Event) string {
	parts := make([]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		parts = append(parts, a.Email)
	}
	return strings.Join(parts, ", ")
}
