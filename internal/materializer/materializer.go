// Package materializer implements the Instance Materializer of spec
// §4.5: it turns the Local Index's EventRecord rows into a sorted,
// deduplicated list of concrete Occurrences for a display window. It
// performs no network I/O, only Local Index reads, ICS blob reads (to
// recover a master's original TZID/EXDATE), and RRULE expansion.
package materializer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/calyx-cal/calyxcore/internal/model"
	"github.com/calyx-cal/calyxcore/internal/store/icsblob"
	"github.com/calyx-cal/calyxcore/internal/store/sqlite"
	"github.com/calyx-cal/calyxcore/pkg/ics"
	"github.com/calyx-cal/calyxcore/pkg/rrule"
)

const (
	defaultTimedDuration = time.Hour
	defaultAllDayDays    = 1
)

// Store is the subset of the Local Index the materializer reads.
type Store interface {
	RangeNonRecurring(ctx context.Context, collectionID, rangeStartUTC, rangeEndUTC string) ([]model.EventRecord, error)
	RecurringMasters(ctx context.Context, collectionID string) ([]model.EventRecord, error)
	Overrides(ctx context.Context, collectionID, uid string) ([]model.EventRecord, error)
}

// Blobs is the subset of the ICS blob store the materializer reads.
type Blobs interface {
	Read(path string) ([]byte, error)
}

var _ Store = (*sqlite.Store)(nil)
var _ Blobs = (*icsblob.Store)(nil)

// InstancesInRange answers instancesInRange(collectionId, rangeStart,
// rangeEnd, displayTzid).
func InstancesInRange(ctx context.Context, store Store, blobs Blobs, collectionID, color string, rangeStart, rangeEnd time.Time, displayTZID string) ([]model.Occurrence, error) {
	var out []model.Occurrence

	nonRecurring, err := store.RangeNonRecurring(ctx, collectionID, rangeStart.UTC().Format(time.RFC3339), rangeEnd.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("materializer: range non-recurring: %w", err)
	}
	for _, e := range nonRecurring {
		occ, ok := occurrenceFromRecord(e, collectionID, color)
		if ok {
			out = append(out, occ)
		}
	}

	masters, err := store.RecurringMasters(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("materializer: recurring masters: %w", err)
	}
	for _, master := range masters {
		overrides, err := store.Overrides(ctx, collectionID, master.UID)
		if err != nil {
			return nil, fmt.Errorf("materializer: overrides for %s: %w", master.UID, err)
		}
		occs, err := expandMaster(blobs, master, overrides, collectionID, color, rangeStart, rangeEnd, displayTZID)
		if err != nil {
			continue // a single malformed series must not abort the whole window
		}
		out = append(out, occs...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartISO < out[j].StartISO })
	return dedupeByInstanceID(out), nil
}

func expandMaster(blobs Blobs, master model.EventRecord, overrides []model.EventRecord, collectionID, color string, rangeStart, rangeEnd time.Time, displayTZID string) ([]model.Occurrence, error) {
	tzid := displayTZID
	exdates := master.EXDates
	if master.ICSPath != "" {
		if raw, err := blobs.Read(master.ICSPath); err == nil {
			if cal, err := ics.ParseCalendar(raw); err == nil {
				if m := cal.Master(); m != nil {
					if m.DTStart.TZID != "" {
						tzid = m.DTStart.TZID
					}
					if len(m.EXDates) > 0 {
						exdates = m.EXDates
					}
				}
			}
		}
	}

	startDV, err := ics.ParseAnnotated(master.DTStart)
	if err != nil {
		return nil, err
	}
	dtstart, err := startDV.ToZoned(tzid)
	if err != nil {
		return nil, err
	}

	exTimes := make([]time.Time, 0, len(exdates))
	for _, ex := range exdates {
		dv, err := ics.ParseAnnotated(ex)
		if err != nil {
			continue
		}
		t, err := dv.ToZoned(tzid)
		if err != nil {
			continue
		}
		exTimes = append(exTimes, t)
	}

	candidates, err := rrule.Expand(master.RRule, dtstart, exTimes, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}

	overrideByRID := map[string]model.EventRecord{}
	for _, o := range overrides {
		key, ok := normalizedRecurrenceKey(o.RecurrenceID, tzid)
		if !ok {
			continue
		}
		overrideByRID[key] = o
	}

	duration := masterDuration(master)

	var out []model.Occurrence
	for _, cand := range candidates {
		rid := cand.Start.UTC().Format(time.RFC3339)
		if _, overridden := overrideByRID[rid]; overridden {
			continue
		}
		out = append(out, model.Occurrence{
			InstanceID:   master.UID + "__" + cand.Start.UTC().Format(time.RFC3339),
			CollectionID: collectionID,
			Color:        color,
			UID:          master.UID,
			HasRRule:     true,
			StartISO:     formatInstant(cand.Start, master.DTStartIsDate),
			EndISO:       formatInstant(cand.Start.Add(duration), master.DTStartIsDate),
			IsAllDay:     master.DTStartIsDate,
			Summary:      master.Summary,
			Description:  master.Description,
			Location:     master.Location,
			Organizer:    master.Organizer,
			AttendeesText: master.AttendeesText,
			Status:       master.Status,
			GeoLat:       master.GeoLat,
			GeoLon:       master.GeoLon,
		})
	}

	for _, o := range overrides {
		if o.Status == "CANCELLED" {
			continue
		}
		startDV, err := ics.ParseAnnotated(o.DTStart)
		if err != nil {
			continue
		}
		start, err := startDV.ToZoned("")
		if err != nil {
			continue
		}
		if start.Before(rangeStart) || !start.Before(rangeEnd) {
			continue
		}
		occ, ok := occurrenceFromRecord(o, collectionID, color)
		if !ok {
			continue
		}
		occ.HasRRule = true
		occ.RecurrenceID = o.RecurrenceID
		out = append(out, occ)
	}

	return out, nil
}

func occurrenceFromRecord(e model.EventRecord, collectionID, color string) (model.Occurrence, bool) {
	startDV, err := ics.ParseAnnotated(e.DTStart)
	if err != nil {
		return model.Occurrence{}, false
	}
	start, err := startDV.ToZoned("")
	if err != nil {
		return model.Occurrence{}, false
	}

	var end time.Time
	if e.DTEnd != "" {
		endDV, err := ics.ParseAnnotated(e.DTEnd)
		if err == nil {
			if z, err := endDV.ToZoned(""); err == nil {
				end = z
			}
		}
	}
	if end.IsZero() && e.DurationRaw != "" {
		if d, err := ics.ParseDuration(e.DurationRaw); err == nil {
			end = start.Add(d)
		}
	}
	if end.IsZero() {
		if e.DTStartIsDate {
			end = start.AddDate(0, 0, defaultAllDayDays)
		} else {
			end = start.Add(defaultTimedDuration)
		}
	}

	instanceID := e.UID
	if e.RecurrenceID != "" {
		instanceID = e.UID + "__" + e.RecurrenceID
	}

	return model.Occurrence{
		InstanceID:    instanceID,
		CollectionID:  collectionID,
		Color:         color,
		UID:           e.UID,
		RecurrenceID:  e.RecurrenceID,
		StartISO:      formatInstant(start, e.DTStartIsDate),
		EndISO:        formatInstant(end, e.DTStartIsDate),
		IsAllDay:      e.DTStartIsDate,
		Summary:       e.Summary,
		Description:   e.Description,
		Location:      e.Location,
		Organizer:     e.Organizer,
		AttendeesText: e.AttendeesText,
		Status:        e.Status,
		GeoLat:        e.GeoLat,
		GeoLon:        e.GeoLon,
	}, true
}

func masterDuration(master model.EventRecord) time.Duration {
	if master.DTEnd == "" {
		if master.DurationRaw != "" {
			if d, err := ics.ParseDuration(master.DurationRaw); err == nil {
				return d
			}
		}
		if master.DTStartIsDate {
			return defaultAllDayDays * 24 * time.Hour
		}
		return defaultTimedDuration
	}
	startDV, err1 := ics.ParseAnnotated(master.DTStart)
	endDV, err2 := ics.ParseAnnotated(master.DTEnd)
	if err1 != nil || err2 != nil {
		return defaultTimedDuration
	}
	start, err1 := startDV.ToZoned("")
	end, err2 := endDV.ToZoned("")
	if err1 != nil || err2 != nil || !end.After(start) {
		return defaultTimedDuration
	}
	return end.Sub(start)
}

// normalizedRecurrenceKey turns a RECURRENCE-ID value (which may carry
// either a compact iCal literal or the dashed ISO form produced
// elsewhere in this package) into the UTC instant it names, so RRULE
// candidates and override rows can be matched regardless of which
// literal form produced them.
func normalizedRecurrenceKey(recurrenceID, tzid string) (string, bool) {
	if recurrenceID == "" {
		return "", false
	}
	dv, err := ics.ParseAnnotated(recurrenceID)
	if err != nil {
		return "", false
	}
	t, err := dv.ToZoned(tzid)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func formatInstant(t time.Time, isDate bool) string {
	if isDate {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02T15:04:05-07:00")
}

func dedupeByInstanceID(in []model.Occurrence) []model.Occurrence {
	seen := map[string]struct{}{}
	out := make([]model.Occurrence, 0, len(in))
	for _, o := range in {
		if _, ok := seen[o.InstanceID]; ok {
			continue
		}
		seen[o.InstanceID] = struct{}{}
		out = append(out, o)
	}
	return out
}
