package ics

import (
	"strings"

	goical "github.com/emersion/go-ical"
)

// Document wraps a parsed Calendar with the editing operations
// asks for: mutating a master's EXDATE/RRULE in place, and
// stripping/injecting a single override, without disturbing any other
// component (VTIMEZONE chief among them) that travelled along in the
// same calendar-object resource.
type Document struct {
	Calendar *Calendar
}

// NewDocument parses raw ICS text into an editable Document.
func NewDocument(data []byte) (*Document, error) {
	cal, err := ParseCalendar(data)
	if err != nil {
		return nil, err
	}
	return &Document{Calendar: cal}, nil
}

// WithExdates replaces the master's EXDATE set with exactly the given
// values. Passing nil clears EXDATE entirely.
func (d *Document) WithExdates(exdates []string) {
	m := d.Calendar.Master()
	if m == nil {
		return
	}
	m.EXDates = append([]string(nil), exdates...)
}

// AddExdate appends a single EXDATE value to the master if not already
// present.
func (d *Document) AddExdate(value string) {
	m := d.Calendar.Master()
	if m == nil {
		return
	}
	for _, e := range m.EXDates {
		if e == value {
			return
		}
	}
	m.EXDates = append(m.EXDates, value)
}

// WithRRule replaces the master's RRULE outright with the given value.
func (d *Document) WithRRule(rrule string) {
	m := d.Calendar.Master()
	if m == nil {
		return
	}
	m.RRule = rrule
}

// StripOverrideFor removes the override event carrying the given
// RECURRENCE-ID, if present, and reports whether one was removed.
func (d *Document) StripOverrideFor(recurrenceID string) bool {
	out := d.Calendar.Events[:0]
	removed := false
	for _, e := range d.Calendar.Events {
		if e.RecurrenceID != "" && sameInstant(e.RecurrenceID, recurrenceID) {
			removed = true
			continue
		}
		out = append(out, e)
	}
	d.Calendar.Events = out
	return removed
}

// InjectOverride inserts or replaces the override event matching ev's
// RECURRENCE-ID. ev must be an override (non-empty RECURRENCE-ID).
func (d *Document) InjectOverride(ev *Event) {
	if ev.RecurrenceID == "" {
		return
	}
	for i, e := range d.Calendar.Events {
		if e.RecurrenceID != "" && sameInstant(e.RecurrenceID, ev.RecurrenceID) {
			d.Calendar.Events[i] = ev
			return
		}
	}
	d.Calendar.Events = append(d.Calendar.Events, ev)
}

// Serialize re-encodes the full document (master, every override, and
// the verbatim VTIMEZONE if one was parsed in) back to ICS text.
func (d *Document) Serialize(opts SerializeOptions) ([]byte, error) {
	cal := newCalendar(opts.ProdID)
	if d.Calendar.CalScale != "" {
		cal.Props.SetText("CALSCALE", d.Calendar.CalScale)
	}
	for _, ev := range d.Calendar.Events {
		cal.Children = append(cal.Children, eventComponent(ev, opts.Now))
	}
	vtz := opts.VTimezoneRaw
	if vtz == "" {
		vtz = d.Calendar.VTimezoneRaw
	}
	if vtz != "" {
		if tz, err := decodeStandaloneComponent(vtz); err == nil {
			cal.Children = append([]*goical.Component{tz}, cal.Children...)
		}
	}
	return encodeCalendar(cal)
}

// sameInstant compares two RECURRENCE-ID-shaped values as strings,
// ignoring case only; the same instant written in two different
// literal forms (compact vs dashed, UTC vs a zone suffix) does not
// match.
func sameInstant(a, b string) bool {
	return strings.EqualFold(a, b)
}
