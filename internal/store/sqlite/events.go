package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/calyx-cal/calyxcore/internal/model"
)

const eventColumns = `uid, recurrence_id, account_id, collection_id, href, etag, ics_path,
	summary, description, location, organizer, attendees_text, status, geo_lat, geo_lon,
	dtstart, dtend, duration_raw, dtstart_utc, dtend_utc, dtstart_is_date, rrule, exdates, pending_sync`

// UpsertEvent writes one EventRecord, replacing any row sharing its
// (uid, recurrence_id, collection_id) identity.
func (s *Store) UpsertEvent(ctx context.Context, e model.EventRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertEventTx(tx, e)
	})
}

func upsertEventTx(tx *sql.Tx, e model.EventRecord) error {
	_, err := tx.Exec(`
		INSERT INTO event_records (`+eventColumns+`)
		VALUES (?,?,?,?,?,?,?, ?,?,?,?,?,?,?,?, ?,?,?,?,?,?,?,?,?)
		ON CONFLICT (uid, recurrence_id, collection_id) DO UPDATE SET
			account_id = excluded.account_id,
			href = excluded.href,
			etag = excluded.etag,
			ics_path = excluded.ics_path,
			summary = excluded.summary,
			description = excluded.description,
			location = excluded.location,
			organizer = excluded.organizer,
			attendees_text = excluded.attendees_text,
			status = excluded.status,
			geo_lat = excluded.geo_lat,
			geo_lon = excluded.geo_lon,
			dtstart = excluded.dtstart,
			dtend = excluded.dtend,
			duration_raw = excluded.duration_raw,
			dtstart_utc = excluded.dtstart_utc,
			dtend_utc = excluded.dtend_utc,
			dtstart_is_date = excluded.dtstart_is_date,
			rrule = excluded.rrule,
			exdates = excluded.exdates,
			pending_sync = excluded.pending_sync
	`,
		e.UID, e.RecurrenceID, e.AccountID, e.CollectionID, e.Href, e.ETag, e.ICSPath,
		e.Summary, e.Description, e.Location, e.Organizer, e.AttendeesText, e.Status, e.GeoLat, e.GeoLon,
		e.DTStart, e.DTEnd, e.DurationRaw, e.DTStartUTC, e.DTEndUTC, boolToInt(e.DTStartIsDate), e.RRule, strings.Join(e.EXDates, ","), string(e.PendingSync),
	)
	return err
}

// RangeNonRecurring returns every non-recurring EventRecord in
// collectionID that overlaps [rangeStart, rangeEnd): it starts before
// rangeEnd and ends after rangeStart (an event with no end counts when
// it starts at or after rangeStart).
func (s *Store) RangeNonRecurring(ctx context.Context, collectionID, rangeStartUTC, rangeEndUTC string) ([]model.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM event_records
		WHERE collection_id = ? AND rrule = '' AND recurrence_id = ''
			AND dtstart_utc < ? AND (dtend_utc > ? OR (dtend_utc = '' AND dtstart_utc >= ?))
	`, collectionID, rangeEndUTC, rangeStartUTC, rangeStartUTC)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecurringMasters returns every recurring master row in collectionID,
// regardless of window — expansion itself determines which
// occurrences fall in range.
func (s *Store) RecurringMasters(ctx context.Context, collectionID string) ([]model.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM event_records
		WHERE collection_id = ? AND rrule != '' AND recurrence_id = ''
	`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Overrides returns every override row (non-empty recurrence_id) for
// the given master UID in collectionID.
func (s *Store) Overrides(ctx context.Context, collectionID, uid string) ([]model.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM event_records
		WHERE collection_id = ? AND uid = ? AND recurrence_id != ''
	`, collectionID, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ETagMap returns href->etag for every row in collectionID, used by
// the sync orchestrator's REPORT-diff catch-up phase.
func (s *Store) ETagMap(ctx context.Context, collectionID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT href, etag FROM event_records WHERE collection_id = ? AND href != ''
	`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var href, etag string
		if err := rows.Scan(&href, &etag); err != nil {
			return nil, err
		}
		out[href] = etag
	}
	return out, rows.Err()
}

// ByUID returns every row (master plus overrides) sharing uid in
// collectionID.
func (s *Store) ByUID(ctx context.Context, collectionID, uid string) ([]model.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM event_records WHERE collection_id = ? AND uid = ?
	`, collectionID, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteByHref removes every row (master and its overrides share one
// href) whose href matches, used when a REPORT/PROPFIND no longer
// lists a resource.
func (s *Store) DeleteByHref(ctx context.Context, collectionID, href string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM event_records WHERE collection_id = ? AND href = ?`, collectionID, href)
		return err
	})
}

// DeleteByUID removes the master and every override sharing uid.
func (s *Store) DeleteByUID(ctx context.Context, collectionID, uid string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM event_records WHERE collection_id = ? AND uid = ?`, collectionID, uid)
		return err
	})
}

// DeleteOverride removes a single override row.
func (s *Store) DeleteOverride(ctx context.Context, collectionID, uid, recurrenceID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM event_records WHERE collection_id = ? AND uid = ? AND recurrence_id = ?`, collectionID, uid, recurrenceID)
		return err
	})
}

// DeleteEventsFromDate removes every override at or after fromUTC for
// uid, used when a thisAndFollowing delete truncates a series.
func (s *Store) DeleteEventsFromDate(ctx context.Context, collectionID, uid, fromUTC string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM event_records
			WHERE collection_id = ? AND uid = ? AND recurrence_id != '' AND dtstart_utc >= ?
		`, collectionID, uid, fromUTC)
		return err
	})
}

// CleanupStaleHrefRows deletes every row in collectionID whose href is
// not in keep, used after a full REPORT listing to drop resources the
// server no longer has.
func (s *Store) CleanupStaleHrefRows(ctx context.Context, collectionID string, keep map[string]struct{}) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT href FROM event_records WHERE collection_id = ? AND href != ''`, collectionID)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var href string
		if err := rows.Scan(&href); err != nil {
			rows.Close()
			return err
		}
		if _, ok := keep[href]; !ok {
			stale = append(stale, href)
		}
	}
	rows.Close()

	for _, href := range stale {
		if err := s.DeleteByHref(ctx, collectionID, href); err != nil {
			return err
		}
	}
	return nil
}

// Search performs a case-insensitive substring match over summary,
// description, location, organizer, and attendeesText, returning at
// most 20 rows ordered by dtstartUtc descending.
func (s *Store) Search(ctx context.Context, collectionID, query string) ([]model.SearchHit, error) {
	like := "%" + escapeLike(query) + "%"
	args := []any{like, like, like, like, like}
	where := `(summary LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\' OR location LIKE ? ESCAPE '\'
		OR organizer LIKE ? ESCAPE '\' OR attendees_text LIKE ? ESCAPE '\')`
	if collectionID != "" {
		where += " AND collection_id = ?"
		args = append(args, collectionID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, recurrence_id, summary, dtstart_utc, collection_id
		FROM event_records WHERE `+where+`
		ORDER BY dtstart_utc DESC
		LIMIT 20
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SearchHit
	for rows.Next() {
		var h model.SearchHit
		if err := rows.Scan(&h.UID, &h.RecurrenceID, &h.Summary, &h.DTStartUTC, &h.CollectionID); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]model.EventRecord, error) {
	var out []model.EventRecord
	for rows.Next() {
		var e model.EventRecord
		var exdates string
		var isDate int
		if err := rows.Scan(
			&e.UID, &e.RecurrenceID, &e.AccountID, &e.CollectionID, &e.Href, &e.ETag, &e.ICSPath,
			&e.Summary, &e.Description, &e.Location, &e.Organizer, &e.AttendeesText, &e.Status, &e.GeoLat, &e.GeoLon,
			&e.DTStart, &e.DTEnd, &e.DurationRaw, &e.DTStartUTC, &e.DTEndUTC, &isDate, &e.RRule, &exdates, &e.PendingSync,
		); err != nil {
			return nil, err
		}
		e.DTStartIsDate = isDate != 0
		if exdates != "" {
			e.EXDates = strings.Split(exdates, ",")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
