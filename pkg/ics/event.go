// Package ics implements the RFC 5545 ICS codec described in spec
// §4.1: parsing a VCALENDAR into a neutral event model and serializing
// back to text, plus an editor API for rebuilding the combined
// master+override calendar-object resource a three-scope recurring
// edit needs.
//
// The line-oriented mechanics (unfolding, parameter parsing, base
// RFC 5545 text escaping, component nesting) are delegated to
// github.com/emersion/go-ical, which already returns a proper
// component tree — so a VALARM nested inside a VEVENT can never be
// mistaken for the VEVENT's own properties, a bug this package guards
// about in a flat-regex parser. This package owns everything
// domain-specific on top: the annotated DTSTART/DTEND string forms,
// the extra HTML-entity unescape pass, TZID-aware wall-clock↔UTC
// conversion, and the editor operations in this package.
package ics

// Attendee is one ATTENDEE property, with the parameters
// names explicitly.
type Attendee struct {
	Email   string // mailto: prefix stripped
	CN      string
	PartStat string
	Role    string
	RSVP    bool
}

// DateTimeValue is the annotated form this package uses: either a
// bare date, a wall-clock value tied to a named zone, or a UTC
// instant. Raw holds the exact annotated string stored on
// EventRecord.DTStart/DTEnd; UTC is always populated for range
// comparisons.
type DateTimeValue struct {
	Raw    string
	IsDate bool
	TZID   string
	UTC    string // ISO 8601 UTC instant
}

// Event is one VEVENT, master or override, in the codec's neutral
// model.
type Event struct {
	UID         string
	Summary     string
	Description string
	Location    string
	URL         string

	DTStart DateTimeValue
	DTEnd   *DateTimeValue // nil ⇔ absent; duration/default rules apply at display time
	DurationRaw string     // raw DURATION value, if DTEND was absent and DURATION was present

	RRule   string
	EXDates []string // raw EXDATE values, compact ICS form
	RDates  []string

	RecurrenceID string // raw value; non-empty ⇔ override

	Status string
	Transp string

	Organizer string
	Attendees []Attendee

	Sequence int

	GeoLat *float64
	GeoLon *float64
}

// Calendar is the top-level parsed VCALENDAR.
type Calendar struct {
	ProdID   string
	Version  string
	CalScale string
	Method   string

	VTimezoneRaw string // opaque text of the VTIMEZONE block, if any, for verbatim re-emission

	Events []*Event // every VEVENT found, masters and overrides alike
}

// Master returns the first event without a RECURRENCE-ID, or nil.
func (c *Calendar) Master() *Event {
	for _, e := range c.Events {
		if e.RecurrenceID == "" {
			return e
		}
	}
	return nil
}

// Overrides returns every event bearing a RECURRENCE-ID.
func (c *Calendar) Overrides() []*Event {
	var out []*Event
	for _, e := range c.Events {
		if e.RecurrenceID != "" {
			out = append(out, e)
		}
	}
	return out
}
