// Package model holds the entities shared across the calendar engine:
// accounts, collections, the indexed event row, and the derived
// occurrence produced by the instance materializer.
package model

import "time"

// SourceKind distinguishes a read-write CalDAV collection from a
// read-only ICS subscription.
type SourceKind string

const (
	SourceCalDAV         SourceKind = "caldav"
	SourceICSSubscription SourceKind = "ics-subscription"
)

// PendingSync marks an EventRecord with a local change not yet
// acknowledged by the server.
type PendingSync string

const (
	PendingNone   PendingSync = ""
	PendingCreate PendingSync = "create"
	PendingUpdate PendingSync = "update"
	PendingDelete PendingSync = "delete"
)

// EditScope selects how a recurring-event edit propagates.
type EditScope string

const (
	ScopeThis            EditScope = "this"
	ScopeThisAndFollowing EditScope = "thisAndFollowing"
	ScopeAll             EditScope = "all"
)

// Account is a CalDAV server identity. Credentials are opaque to the
// core; they are only ever handed to the CalDAV client.
type Account struct {
	ID          string
	Name        string
	ServerURL   string
	Username    string
	Password    string
	Enabled     bool
	HomeSetURL  string
}

// Collection is a remote calendar bound to an Account.
type Collection struct {
	ID         string // base64(URL) with padding stripped
	AccountID  string
	URL        string
	Name       string
	Color      string
	Enabled    bool
	SourceKind SourceKind
}

// EventRecord is the indexed row for one VEVENT, master or override.
// Composite identity is (UID, RecurrenceID).
type EventRecord struct {
	UID          string
	AccountID    string
	CollectionID string

	Href string
	ETag string // empty ⇔ never pushed

	ICSPath string // filesystem location of the verbatim ICS blob

	Summary       string
	Description   string
	Location      string
	Organizer     string
	AttendeesText string
	Status        string
	GeoLat        *float64
	GeoLon        *float64

	// Annotated forms: YYYYMMDD, YYYYMMDDThhmmss[TZID], or an ISO
	// instant ending in Z. See pkg/ics for the encode/decode rules.
	DTStart     string
	DTEnd       string
	DurationRaw string // raw DURATION value, set only when DTEnd is empty

	DTStartUTC string // ISO 8601 UTC, used only for SQL range comparisons
	DTEndUTC   string

	DTStartIsDate bool

	RRule   string   // raw RRULE value, empty if non-recurring
	EXDates []string // raw EXDATE values

	RecurrenceID string // non-empty ⇔ this row is an override

	PendingSync PendingSync
}

// IsMaster reports whether this row is a recurring master (as opposed
// to a non-recurring event or an override instance).
func (e *EventRecord) IsMaster() bool {
	return e.RRule != "" && e.RecurrenceID == ""
}

// IsOverride reports whether this row replaces one instance of a
// recurring master.
func (e *EventRecord) IsOverride() bool {
	return e.RecurrenceID != ""
}

// IsNonRecurring reports whether this row stands entirely on its own.
func (e *EventRecord) IsNonRecurring() bool {
	return e.RRule == "" && e.RecurrenceID == ""
}

// Occurrence is a single concrete appearance of an EventRecord within
// a display window. It is computed on demand and never persisted.
type Occurrence struct {
	InstanceID string // UID for non-recurring; "uid__startISO" for expansions

	CollectionID string
	Color        string

	UID          string
	RecurrenceID string
	HasRRule     bool

	StartISO string // ISO 8601 with numeric offset, or bare YYYY-MM-DD for all-day
	EndISO   string
	IsAllDay bool

	Summary       string
	Description   string
	Location      string
	Organizer     string
	AttendeesText string
	Status        string
	GeoLat        *float64
	GeoLon        *float64
}

// OfflineQueueItem is a FIFO record of a pending write.
type OfflineQueueItem struct {
	ID           int64
	Operation    PendingSync // create | update | delete
	UID          string
	CollectionID string
	AccountID    string
	Href         string
	ETag         string
	QueuedAt     time.Time
}

// SearchHit is one row of a full-text search result.
type SearchHit struct {
	UID          string
	RecurrenceID string
	Summary      string
	DTStartUTC   string
	CollectionID string
}

// EventInput is the UI-supplied payload for create/update operations.
// Fields mirror EventRecord's rendering attributes plus a zoned start/
// end expressed as ISO strings in the event's intended TZID.
type EventInput struct {
	Summary       string
	Description   string
	Location      string
	Organizer     string
	AttendeesText string
	Status        string
	GeoLat        *float64
	GeoLon        *float64

	StartISO string
	EndISO   string
	TZID     string // empty ⇔ UTC/floating per StartISO's own suffix
	IsAllDay bool

	RRule string
}

// SyncProgress is emitted to the UI during triggerSync.
type SyncProgress struct {
	Phase          string
	Done           int
	Total          int
	CollectionName string
	EventsDone     int
	EventsTotal    int
}

// SyncResult summarises one full sync pass.
type SyncResult struct {
	Added   int
	Updated int
	Deleted int
	Errors  []string
}
