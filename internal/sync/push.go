package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calyx-cal/calyxcore/internal/caldav"
	"github.com/calyx-cal/calyxcore/internal/model"
	"github.com/calyx-cal/calyxcore/pkg/ics"
	"github.com/calyx-cal/calyxcore/pkg/rrule"
)

const maxPushAttempts = 3

// CreateEvent pushes a brand-new event (recurring or not) and indexes
// the server's response locally. The generated UID carries the
// configured ClientID suffix so two installations never collide.
func (o *Orchestrator) CreateEvent(ctx context.Context, acct model.Account, col model.Collection, input model.EventInput) (*model.EventRecord, error) {
	v, err := o.withUIDLock("", func() (any, error) {
		uid := uuid.New().String() + "@" + o.cfg.ClientID
		ev, err := o.buildEvent(uid, "", input)
		if err != nil {
			return nil, err
		}

		raw, err := ics.SerializeEvent(ev, ics.SerializeOptions{
			ProdID:       o.cfg.ICS.BuildProdID(),
			Now:          o.clock.Now(),
			VTimezoneRaw: o.vtimezoneFor(input.TZID),
		})
		if err != nil {
			return nil, fmt.Errorf("serialize %s: %w", uid, err)
		}

		blobPath := o.blobs.Path(uid, "")
		if err := o.blobs.Write(blobPath, raw); err != nil {
			return nil, fmt.Errorf("write blob for %s: %w", uid, err)
		}

		client := o.clientFor(acct)
		res, err := client.CreatePut(ctx, col.URL, uid+".ics", raw)
		if err != nil {
			if kind, ok := caldavErrorKind(err); ok && kind == caldav.KindTransport {
				return o.queueOffline(ctx, acct, col, uid, "", "", model.PendingCreate, blobPath, ev)
			}
			return nil, fmt.Errorf("create %s: %w", uid, err)
		}

		rec, err := o.upsertEvent(ctx, col, res.Href, res.ETag, blobPath, ev)
		if err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.EventRecord), nil
}

// UpdateEvent applies input to uid under the given scope, per spec
// §4.6's three-scope edit model: "this" rewrites or injects a single
// override, "thisAndFollowing" splits the series at recurrenceID into
// a clamped original and a brand-new continuation, "all" rewrites the
// whole resource including the master.
func (o *Orchestrator) UpdateEvent(ctx context.Context, acct model.Account, col model.Collection, uid string, scope model.EditScope, recurrenceID string, input model.EventInput) error {
	_, err := o.withUIDLock(uid, func() (any, error) {
		rows, err := o.store.ByUID(ctx, col.ID, uid)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("update %s: not indexed locally", uid)
		}
		master := rows[0]
		for _, r := range rows {
			if r.RecurrenceID == "" {
				master = r
			}
		}

		if master.PendingSync == model.PendingCreate {
			// The server has never seen this resource, so there is no
			// series on it to split or refetch: rewrite the local blob
			// in place and leave the original PendingCreate queue entry
			// untouched, or the create itself would be lost.
			return nil, o.updateWhileCreatePending(ctx, col, master, input)
		}

		client := o.clientFor(acct)
		if master.RRule == "" || scope == model.ScopeAll {
			return nil, o.updateWholeResource(ctx, client, col, master, input)
		}
		switch scope {
		case model.ScopeThis:
			return nil, o.updateSingleOccurrence(ctx, client, col, master, recurrenceID, input)
		case model.ScopeThisAndFollowing:
			return nil, o.updateThisAndFollowing(ctx, acct, client, col, master, recurrenceID, input)
		default:
			return nil, fmt.Errorf("update %s: unknown scope %q", uid, scope)
		}
	})
	return err
}

// updateWholeResource rewrites the master event in place and reserializes
// the entire calendar-object resource (used for non-recurring events and
// scope="all" edits of a recurring series).
func (o *Orchestrator) updateWholeResource(ctx context.Context, client *caldav.Client, col model.Collection, master model.EventRecord, input model.EventInput) error {
	return o.withRetry(ctx, client, col, master, o.wholeResourceMutator(master.UID, input))
}

// wholeResourceMutator returns the doc mutation updateWholeResource applies,
// reusable against a document that isn't being fetched over the network.
func (o *Orchestrator) wholeResourceMutator(uid string, input model.EventInput) func(doc *ics.Document) error {
	return func(doc *ics.Document) error {
		ev, err := o.buildEvent(uid, "", input)
		if err != nil {
			return err
		}
		m := doc.Calendar.Master()
		if m == nil {
			doc.Calendar.Events = append(doc.Calendar.Events, ev)
			return nil
		}
		*m = *ev
		return nil
	}
}

// updateWhileCreatePending rewrites the local blob of a not-yet-pushed
// master in place, without touching the offline queue: the resource has no
// server identity yet, so there's nothing to refetch or conflict against,
// and the original PendingCreate queue entry must survive untouched or the
// create itself would be lost.
func (o *Orchestrator) updateWhileCreatePending(ctx context.Context, col model.Collection, master model.EventRecord, input model.EventInput) error {
	raw, err := o.blobs.Read(master.ICSPath)
	if err != nil {
		return fmt.Errorf("updateWhileCreatePending: read local blob: %w", err)
	}
	doc, err := ics.NewDocument(raw)
	if err != nil {
		return fmt.Errorf("updateWhileCreatePending: parse local blob: %w", err)
	}
	if err := o.wholeResourceMutator(master.UID, input)(doc); err != nil {
		return err
	}
	out, err := doc.Serialize(ics.SerializeOptions{
		ProdID: o.cfg.ICS.BuildProdID(),
		Now:    o.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("updateWhileCreatePending: serialize: %w", err)
	}
	if err := o.blobs.Write(master.ICSPath, out); err != nil {
		return fmt.Errorf("updateWhileCreatePending: write blob: %w", err)
	}
	cal, err := ics.ParseCalendar(out)
	if err != nil {
		return fmt.Errorf("updateWhileCreatePending: reparse: %w", err)
	}
	for _, ev := range cal.Events {
		if _, err := o.upsertEventPending(ctx, col, master.Href, master.ETag, master.ICSPath, ev, model.PendingCreate); err != nil {
			return err
		}
	}
	return nil
}

// updateSingleOccurrence injects or replaces an override for one
// instance of a recurring series, leaving the master untouched.
func (o *Orchestrator) updateSingleOccurrence(ctx context.Context, client *caldav.Client, col model.Collection, master model.EventRecord, recurrenceID string, input model.EventInput) error {
	return o.withRetry(ctx, client, col, master, func(doc *ics.Document) error {
		ev, err := o.buildEvent(master.UID, recurrenceID, input)
		if err != nil {
			return err
		}
		doc.InjectOverride(ev)
		return nil
	})
}

// updateThisAndFollowing clamps the original master's RRULE with an
// UNTIL one instant before recurrenceID, strips any override at or
// after that point (they belong to the new continuation now), then
// creates a brand-new event carrying the edited content starting at
// recurrenceID with the remainder of the recurrence rule.
func (o *Orchestrator) updateThisAndFollowing(ctx context.Context, acct model.Account, client *caldav.Client, col model.Collection, master model.EventRecord, recurrenceID string, input model.EventInput) error {
	splitInstant, err := ics.ParseAnnotated(recurrenceID)
	if err != nil {
		return fmt.Errorf("thisAndFollowing: parse recurrenceID: %w", err)
	}
	splitTime, err := splitInstant.ToZoned("")
	if err != nil {
		return fmt.Errorf("thisAndFollowing: zone recurrenceID: %w", err)
	}

	err = o.withRetry(ctx, client, col, master, func(doc *ics.Document) error {
		m := doc.Calendar.Master()
		if m == nil {
			return fmt.Errorf("thisAndFollowing: master missing from resource")
		}
		clamped, err := rrule.ClampUntil(m.RRule, rruleUntilValue(splitTime.Add(-time.Second), m.DTStart))
		if err != nil {
			return fmt.Errorf("thisAndFollowing: clamp rrule: %w", err)
		}
		m.RRule = clamped
		doc.Calendar.Events = dropOverridesFrom(doc.Calendar.Events, splitTime)
		return nil
	})
	if err != nil {
		return err
	}

	if err := o.store.DeleteEventsFromDate(ctx, col.ID, master.UID, splitTime.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("thisAndFollowing: clear tail locally: %w", err)
	}

	newInput := input
	if newInput.RRule == "" {
		newInput.RRule = rrule.StripCount(master.RRule)
	}
	_, err = o.CreateEvent(ctx, acct, col, newInput)
	return err
}

// rruleUntilValue formats t as the UNTIL value RFC 5545 §3.3.10
// requires relative to a DTSTART of the given shape: a bare date when
// DTSTART is date-only, UTC when DTSTART carries a TZID or is itself
// UTC, or the same floating wall-clock form otherwise.
func rruleUntilValue(t time.Time, dtstart ics.DateTimeValue) string {
	switch {
	case dtstart.IsDate:
		return t.Format("20060102")
	case dtstart.TZID != "" || strings.HasSuffix(dtstart.Raw, "Z"):
		return t.UTC().Format("20060102T150405Z")
	default:
		return t.Format("20060102T150405")
	}
}

// dropOverridesFrom removes every override at or after splitTime,
// leaving the master and any earlier override untouched.
func dropOverridesFrom(events []*ics.Event, splitTime time.Time) []*ics.Event {
	out := events[:0]
	for _, e := range events {
		if e.RecurrenceID == "" {
			out = append(out, e)
			continue
		}
		ov, err := ics.ParseAnnotated(e.RecurrenceID)
		if err != nil {
			out = append(out, e)
			continue
		}
		t, err := ov.ToZoned("")
		if err != nil || t.Before(splitTime) {
			out = append(out, e)
		}
	}
	return out
}

// withRetry fetches the current resource, applies mutate, reserializes
// and pushes it back, refetching and retrying on an ETag conflict up
// to maxPushAttempts times before giving up.
func (o *Orchestrator) withRetry(ctx context.Context, client *caldav.Client, col model.Collection, master model.EventRecord, mutate func(doc *ics.Document) error) error {
	href := master.Href

	var lastErr error
	for attempt := 0; attempt < maxPushAttempts; attempt++ {
		raw, currentEtag, err := client.Get(ctx, href)
		if err != nil {
			if kind, ok := caldavErrorKind(err); ok && kind == caldav.KindTransport {
				return o.withRetryOffline(ctx, col, master, mutate)
			}
			return fmt.Errorf("withRetry: get %s: %w", href, err)
		}
		doc, err := ics.NewDocument(raw)
		if err != nil {
			return fmt.Errorf("withRetry: parse %s: %w", href, err)
		}
		if err := mutate(doc); err != nil {
			return err
		}
		out, err := doc.Serialize(ics.SerializeOptions{
			ProdID: o.cfg.ICS.BuildProdID(),
			Now:    o.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("withRetry: serialize %s: %w", href, err)
		}

		res, err := client.UpdatePut(ctx, href, currentEtag, out)
		if err == nil {
			return o.reindexDocument(ctx, col, href, res.ETag, out)
		}
		lastErr = err
		if kind, ok := caldavErrorKind(err); ok {
			if kind == caldav.KindConflictEtag || kind == caldav.KindPreconditionFailed {
				continue // refetch-rebuild-retry
			}
			if kind == caldav.KindConflictUID {
				if cerr, ok := err.(*caldav.Error); ok && cerr.ConflictHref != "" {
					href = cerr.ConflictHref
					continue // the server already knows this UID under a different href
				}
			}
			if kind == caldav.KindTransport {
				return o.queueUpdateOffline(ctx, col, master, out)
			}
		}
		return err
	}
	return fmt.Errorf("withRetry: exhausted %d attempts on %s: %w", maxPushAttempts, href, lastErr)
}

// withRetryOffline handles the case where even the initial GET could
// not reach the server: it mutates the last known-good local blob
// instead of a freshly fetched one and queues the result.
func (o *Orchestrator) withRetryOffline(ctx context.Context, col model.Collection, master model.EventRecord, mutate func(doc *ics.Document) error) error {
	raw, err := o.blobs.Read(master.ICSPath)
	if err != nil {
		return fmt.Errorf("withRetryOffline: read local blob: %w", err)
	}
	doc, err := ics.NewDocument(raw)
	if err != nil {
		return fmt.Errorf("withRetryOffline: parse local blob: %w", err)
	}
	if err := mutate(doc); err != nil {
		return err
	}
	out, err := doc.Serialize(ics.SerializeOptions{
		ProdID: o.cfg.ICS.BuildProdID(),
		Now:    o.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("withRetryOffline: serialize: %w", err)
	}
	return o.queueUpdateOffline(ctx, col, master, out)
}

// queueUpdateOffline writes out as the new local blob for master's
// resource, marks every VEVENT in it pendingSync=update, and queues a
// replay entry carrying the href/etag the server last gave us.
func (o *Orchestrator) queueUpdateOffline(ctx context.Context, col model.Collection, master model.EventRecord, out []byte) error {
	if err := o.blobs.Write(master.ICSPath, out); err != nil {
		return fmt.Errorf("queueUpdateOffline: write blob: %w", err)
	}
	cal, err := ics.ParseCalendar(out)
	if err != nil {
		return fmt.Errorf("queueUpdateOffline: parse: %w", err)
	}
	for _, ev := range cal.Events {
		if _, err := o.upsertEventPending(ctx, col, master.Href, master.ETag, master.ICSPath, ev, model.PendingUpdate); err != nil {
			return err
		}
	}
	return o.store.EnqueueOffline(ctx, model.OfflineQueueItem{
		Operation:    model.PendingUpdate,
		UID:          master.UID,
		CollectionID: col.ID,
		AccountID:    col.AccountID,
		Href:         master.Href,
		ETag:         master.ETag,
		QueuedAt:     o.clock.Now(),
	})
}

// reindexDocument re-parses a just-pushed resource and upserts every
// VEVENT it contains, so the local index matches exactly what the
// server now holds.
func (o *Orchestrator) reindexDocument(ctx context.Context, col model.Collection, href, etag string, raw []byte) error {
	cal, err := ics.ParseCalendar(raw)
	if err != nil {
		return fmt.Errorf("reindex %s: %w", href, err)
	}
	if err := o.blobs.Write(o.blobs.Path(cal.Events[0].UID, ""), raw); err != nil {
		return fmt.Errorf("reindex %s: write blob: %w", href, err)
	}
	blobPath := o.blobs.Path(cal.Events[0].UID, "")
	for _, ev := range cal.Events {
		if _, err := o.upsertEvent(ctx, col, href, etag, blobPath, ev); err != nil {
			return err
		}
	}
	return nil
}

// DeleteEvent removes uid under the given scope: "all" deletes the
// whole resource, "this"/"thisAndFollowing" against a recurring series
// rewrite the resource instead of touching the network resource's
// identity.
func (o *Orchestrator) DeleteEvent(ctx context.Context, acct model.Account, col model.Collection, uid string, scope model.EditScope, recurrenceID string) error {
	_, err := o.withUIDLock(uid, func() (any, error) {
		rows, err := o.store.ByUID(ctx, col.ID, uid)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("delete %s: not indexed locally", uid)
		}
		master := rows[0]
		for _, r := range rows {
			if r.RecurrenceID == "" {
				master = r
			}
		}
		client := o.clientFor(acct)

		if master.RRule == "" || scope == model.ScopeAll {
			if err := client.Delete(ctx, master.Href, master.ETag); err != nil {
				if kind, ok := caldavErrorKind(err); ok && kind == caldav.KindTransport {
					master.PendingSync = model.PendingDelete
					if err := o.store.UpsertEvent(ctx, master); err != nil {
						return nil, err
					}
					return nil, o.store.EnqueueOffline(ctx, model.OfflineQueueItem{
						Operation:    model.PendingDelete,
						UID:          uid,
						CollectionID: col.ID,
						AccountID:    acct.ID,
						Href:         master.Href,
						ETag:         master.ETag,
						QueuedAt:     o.clock.Now(),
					})
				}
				return nil, fmt.Errorf("delete %s: %w", uid, err)
			}
			if err := o.store.DeleteByUID(ctx, col.ID, uid); err != nil {
				return nil, err
			}
			_ = o.blobs.Remove(master.ICSPath)
			return nil, nil
		}

		if scope == model.ScopeThis {
			err := o.withRetry(ctx, client, col, master, func(doc *ics.Document) error {
				doc.StripOverrideFor(recurrenceID)
				doc.AddExdate(recurrenceID)
				return nil
			})
			if err != nil {
				return nil, err
			}
			return nil, o.store.DeleteOverride(ctx, col.ID, uid, recurrenceID)
		}

		// scope == thisAndFollowing: clamp the RRULE and drop the tail,
		// with no replacement continuation (a delete has nothing to
		// recreate).
		splitDV, err := ics.ParseAnnotated(recurrenceID)
		if err != nil {
			return nil, fmt.Errorf("thisAndFollowing delete: parse recurrenceID: %w", err)
		}
		splitTime, err := splitDV.ToZoned("")
		if err != nil {
			return nil, fmt.Errorf("thisAndFollowing delete: zone recurrenceID: %w", err)
		}
		err = o.withRetry(ctx, client, col, master, func(doc *ics.Document) error {
			m := doc.Calendar.Master()
			if m == nil {
				return fmt.Errorf("thisAndFollowing delete: master missing from resource")
			}
			clamped, err := rrule.ClampUntil(m.RRule, rruleUntilValue(splitTime.Add(-time.Second), m.DTStart))
			if err != nil {
				return err
			}
			m.RRule = clamped
			doc.Calendar.Events = dropOverridesFrom(doc.Calendar.Events, splitTime)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return nil, o.store.DeleteEventsFromDate(ctx, col.ID, uid, splitTime.UTC().Format(time.RFC3339))
	})
	return err
}

const defaultRescheduleDuration = time.Hour

// Reschedule moves uid's instanceStartISO occurrence to newStartISO,
// preserving its original duration (recovered from the instance or master,
// or defaultRescheduleDuration if neither names one), then applies the
// result as an ordinary update under scope.
func (o *Orchestrator) Reschedule(ctx context.Context, acct model.Account, col model.Collection, uid, instanceStartISO, newStartISO string, scope model.EditScope) error {
	rows, err := o.store.ByUID(ctx, col.ID, uid)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("reschedule %s: not indexed locally", uid)
	}

	master := rows[0]
	for _, r := range rows {
		if r.RecurrenceID == "" {
			master = r
		}
	}
	instance := master
	for _, r := range rows {
		if r.RecurrenceID == instanceStartISO {
			instance = r
			break
		}
	}

	duration := eventDuration(instance)
	newStart, err := time.Parse(time.RFC3339, newStartISO)
	if err != nil {
		return fmt.Errorf("reschedule %s: parse newStartIso: %w", uid, err)
	}

	input := model.EventInput{
		Summary:       instance.Summary,
		Description:   instance.Description,
		Location:      instance.Location,
		Organizer:     instance.Organizer,
		AttendeesText: instance.AttendeesText,
		Status:        instance.Status,
		GeoLat:        instance.GeoLat,
		GeoLon:        instance.GeoLon,
		StartISO:      newStartISO,
		IsAllDay:      instance.DTStartIsDate,
	}
	if instance.DTStartIsDate {
		input.EndISO = newStart.AddDate(0, 0, int(duration/(24*time.Hour))).Format("2006-01-02")
	} else {
		input.EndISO = newStart.Add(duration).Format(time.RFC3339)
	}
	if scope == model.ScopeAll || master.RRule == "" {
		input.RRule = master.RRule
	}

	return o.UpdateEvent(ctx, acct, col, uid, scope, instanceStartISO, input)
}

// eventDuration recovers e's duration from its own DTSTART/DTEND pair, then
// its DURATION value, falling back to defaultRescheduleDuration when
// neither is usable.
func eventDuration(e model.EventRecord) time.Duration {
	if e.DTStart != "" && e.DTEnd != "" {
		startDV, err1 := ics.ParseAnnotated(e.DTStart)
		endDV, err2 := ics.ParseAnnotated(e.DTEnd)
		if err1 == nil && err2 == nil {
			start, err1 := startDV.ToZoned("")
			end, err2 := endDV.ToZoned("")
			if err1 == nil && err2 == nil && end.After(start) {
				return end.Sub(start)
			}
		}
	}
	if e.DurationRaw != "" {
		if d, err := ics.ParseDuration(e.DurationRaw); err == nil {
			return d
		}
	}
	return defaultRescheduleDuration
}

// queueOffline records a push that could not reach the server: the
// local index gets the row marked pendingSync so the UI can show it,
// and the offline queue gets an entry so the next drainOfflineQueue
// replays it.
func (o *Orchestrator) queueOffline(ctx context.Context, acct model.Account, col model.Collection, uid, href, etag string, op model.PendingSync, blobPath string, ev *ics.Event) (*model.EventRecord, error) {
	rec, err := o.upsertEventPending(ctx, col, href, etag, blobPath, ev, op)
	if err != nil {
		return nil, err
	}
	if err := o.store.EnqueueOffline(ctx, model.OfflineQueueItem{
		Operation:    op,
		UID:          uid,
		CollectionID: col.ID,
		AccountID:    acct.ID,
		Href:         href,
		ETag:         etag,
		QueuedAt:     o.clock.Now(),
	}); err != nil {
		return nil, fmt.Errorf("queue offline %s: %w", uid, err)
	}
	return rec, nil
}

// buildEvent turns UI-supplied EventInput into the codec's neutral
// Event model, for both fresh creates and full-resource rewrites.
func (o *Orchestrator) buildEvent(uid, recurrenceID string, input model.EventInput) (*ics.Event, error) {
	start, err := buildDateTimeValue(input.StartISO, input.IsAllDay, input.TZID)
	if err != nil {
		return nil, fmt.Errorf("build event %s: start: %w", uid, err)
	}
	ev := &ics.Event{
		UID:         uid,
		Summary:     input.Summary,
		Description: input.Description,
		Location:    input.Location,
		DTStart:     start,
		RRule:       input.RRule,
		Status:      input.Status,
		Organizer:   input.Organizer,
		GeoLat:      input.GeoLat,
		GeoLon:      input.GeoLon,
	}
	if input.EndISO != "" {
		end, err := buildDateTimeValue(input.EndISO, input.IsAllDay, input.TZID)
		if err != nil {
			return nil, fmt.Errorf("build event %s: end: %w", uid, err)
		}
		ev.DTEnd = &end
	}
	if recurrenceID != "" {
		ev.RecurrenceID = recurrenceID
	}
	return ev, nil
}

// buildDateTimeValue parses a UI-supplied ISO string into the
// annotated form this package uses internally, in the caller's chosen
// representation: bare date, wall-clock-in-zone, or UTC instant.
func buildDateTimeValue(iso string, isAllDay bool, tzid string) (ics.DateTimeValue, error) {
	if isAllDay {
		t, err := time.Parse("2006-01-02", iso)
		if err != nil {
			return ics.DateTimeValue{}, err
		}
		return ics.ParseAnnotated(ics.AnnotateDateTime(t, true, ""))
	}
	if tzid != "" {
		t, err := time.ParseInLocation("2006-01-02T15:04:05", iso, time.UTC)
		if err != nil {
			return ics.DateTimeValue{}, err
		}
		return ics.ParseAnnotated(ics.AnnotateDateTime(t, false, tzid))
	}
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return ics.DateTimeValue{}, err
	}
	return ics.ParseAnnotated(ics.AnnotateDateTime(t, false, ""))
}
