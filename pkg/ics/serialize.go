package ics

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	goical "github.com/emersion/go-ical"
)

// SerializeOptions carries the ambient values required on
// every serialized VEVENT (PRODID, and the instant used for
// DTSTAMP/CREATED/LAST-MODIFIED) plus an optional verbatim VTIMEZONE
// block to attach. SEQUENCE comes from the Event itself.
type SerializeOptions struct {
	ProdID       string
	Now          time.Time
	VTimezoneRaw string
}

// SerializeEvent builds a brand-new single-VEVENT VCALENDAR, used by
// the create path. For an override event
// the RECURRENCE-ID is emitted with VALUE=DATE when the master is
// all-day, else as a datetime.
func SerializeEvent(ev *Event, opts SerializeOptions) ([]byte, error) {
	cal := newCalendar(opts.ProdID)
	comp := eventComponent(ev, opts.Now)
	cal.Children = []*goical.Component{comp}
	if opts.VTimezoneRaw != "" {
		if tz, err := decodeStandaloneComponent(opts.VTimezoneRaw); err == nil {
			cal.Children = append([]*goical.Component{tz}, cal.Children...)
		}
	}
	return encodeCalendar(cal)
}

func newCalendar(prodID string) *goical.Calendar {
	cal := &goical.Calendar{Component: &goical.Component{
		Name:  goical.CompCalendar,
		Props: goical.Props{},
	}}
	cal.Props.SetText(goical.PropVersion, "2.0")
	cal.Props.SetText(goical.PropProductID, prodID)
	cal.Props.SetText(goical.PropCalendarScale, "GREGORIAN")
	return cal
}

func eventComponent(ev *Event, now time.Time) *goical.Component {
	comp := &goical.Component{Name: goical.CompEvent, Props: goical.Props{}}

	comp.Props.Set(&goical.Prop{Name: goical.PropUID, Value: ev.UID})
	comp.Props.SetText(goical.PropDateTimeStamp, now.UTC().Format(dateTimeUTCLayout))
	comp.Props.SetText("CREATED", now.UTC().Format(dateTimeUTCLayout))
	comp.Props.SetText("LAST-MODIFIED", now.UTC().Format(dateTimeUTCLayout))
	comp.Props.SetText(goical.PropSequence, strconv.Itoa(ev.Sequence))
	comp.Props.SetText(goical.PropSummary, escapeText(ev.Summary))

	setDateTimeProp(comp, goical.PropDateTimeStart, ev.DTStart)
	if ev.DTEnd != nil {
		setDateTimeProp(comp, goical.PropDateTimeEnd, *ev.DTEnd)
	} else if ev.DurationRaw != "" {
		comp.Props.Set(&goical.Prop{Name: goical.PropDuration, Value: ev.DurationRaw})
	}

	if ev.Description != "" {
		comp.Props.SetText(goical.PropDescription, escapeText(ev.Description))
	}
	if ev.Location != "" {
		comp.Props.SetText(goical.PropLocation, escapeText(ev.Location))
	}
	if ev.URL != "" {
		comp.Props.Set(&goical.Prop{Name: goical.PropURL, Value: ev.URL})
	}
	if ev.RRule != "" {
		comp.Props.Set(&goical.Prop{Name: goical.PropRecurrenceRule, Value: ev.RRule})
	}
	for _, ex := range ev.EXDates {
		p := goical.NewProp(goical.PropExceptionDates)
		p.Value = ex
		if len(ex) == 8 {
			p.Params.Set("VALUE", "DATE")
		}
		comp.Props.Add(p)
	}
	if ev.RecurrenceID != "" {
		p := goical.NewProp(goical.PropRecurrenceID)
		p.Value = normalizeDateTimeLiteral(ev.RecurrenceID, ev.DTStart.IsDate, ev.DTStart.TZID)
		switch {
		case ev.DTStart.IsDate:
			p.Params.Set("VALUE", "DATE")
		case ev.DTStart.TZID != "":
			p.Params.Set("TZID", ev.DTStart.TZID)
		}
		comp.Props.Set(p)
	}
	if ev.Status != "" {
		comp.Props.Set(&goical.Prop{Name: goical.PropStatus, Value: ev.Status})
	}
	if ev.Transp != "" {
		comp.Props.Set(&goical.Prop{Name: goical.PropTransparency, Value: ev.Transp})
	}
	if ev.Organizer != "" {
		comp.Props.Set(&goical.Prop{Name: goical.PropOrganizer, Value: "mailto:" + ev.Organizer})
	}
	for _, a := range ev.Attendees {
		p := goical.NewProp(goical.PropAttendee)
		p.Value = "mailto:" + a.Email
		if a.CN != "" {
			p.Params.Set("CN", a.CN)
		}
		if a.PartStat != "" {
			p.Params.Set("PARTSTAT", a.PartStat)
		}
		if a.Role != "" {
			p.Params.Set("ROLE", a.Role)
		}
		if a.RSVP {
			p.Params.Set("RSVP", "TRUE")
		}
		comp.Props.Add(p)
	}
	if ev.GeoLat != nil && ev.GeoLon != nil {
		comp.Props.Set(&goical.Prop{
			Name:  goical.PropGeo,
			Value: fmt.Sprintf("%g;%g", *ev.GeoLat, *ev.GeoLon),
		})
	}

	return comp
}

func setDateTimeProp(comp *goical.Component, name string, dv DateTimeValue) {
	p := goical.NewProp(name)
	p.Value = normalizeDateTimeLiteral(dv.Raw, dv.IsDate, dv.TZID)
	switch {
	case dv.IsDate:
		p.Params.Set("VALUE", "DATE")
	case dv.TZID != "":
		p.Params.Set("TZID", dv.TZID)
	}
	comp.Props.Set(p)
}

// normalizeDateTimeLiteral renders an annotated datetime string (which
// may be compact iCal form or the dashed RFC3339 form this package
// also accepts) as the literal form RFC 5545 requires on the wire: a
// bare date, a local wall-clock value when a TZID is present, or a
// compact UTC instant for a dashed RFC3339 value; any other value is
// returned unchanged.
func normalizeDateTimeLiteral(raw string, isDate bool, tzid string) string {
	if isDate {
		return raw
	}
	if tzid != "" {
		// The common case: Raw is already the compact wall-clock form
		// with tzid appended (see AnnotateDateTime), so the wall-clock
		// value is just its first 15 characters.
		if len(raw) >= 15 {
			if _, err := time.Parse(dateTimeLayout, raw[:15]); err == nil {
				return raw[:15]
			}
		}
		// Raw names a UTC instant (no tzid suffix baked in, e.g. a
		// RECURRENCE-ID computed from an expanded occurrence) that
		// must be re-rendered as wall-clock time in tzid.
		if converted, err := ConvertToZone(raw, tzid); err == nil {
			return converted
		}
		if len(raw) >= 15 {
			return raw[:15]
		}
		return raw
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC().Format(dateTimeUTCLayout)
	}
	return raw
}

func encodeCalendar(cal *goical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	enc := goical.NewEncoder(&buf)
	if err := enc.Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStandaloneComponent(raw string) (*goical.Component, error) {
	wrapped := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" + raw + "\r\nEND:VCALENDAR\r\n"
	cal, err := goical.NewDecoder(bytes.NewReader([]byte(wrapped))).Decode()
	if err != nil {
		return nil, err
	}
	if len(cal.Children) == 0 {
		return nil, fmt.Errorf("ics: empty component block")
	}
	return cal.Children[0], nil
}
