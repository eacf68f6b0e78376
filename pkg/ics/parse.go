package ics

import (
	"bytes"
	"strconv"
	"strings"

	goical "github.com/emersion/go-ical"
)

// ParseCalendar decodes a VCALENDAR text into the neutral model. The
// parser is tolerant: unknown properties and malformed components are
// ignored, and a VEVENT missing UID is dropped silently, per spec
// §4.1. go-ical's recursive component tree already makes the
// "VALARM inside VEVENT must not leak its UID" requirement moot,
// since comp.Props never contains a child component's properties.
func ParseCalendar(data []byte) (*Calendar, error) {
	dec := goical.NewDecoder(bytes.NewReader(data))
	cal, err := dec.Decode()
	if err != nil {
		return nil, err
	}

	out := &Calendar{}
	if p := cal.Props.Get(goical.PropProductID); p != nil {
		out.ProdID = p.Value
	}
	if p := cal.Props.Get(goical.PropVersion); p != nil {
		out.Version = p.Value
	}
	if p := cal.Props.Get(goical.PropCalendarScale); p != nil {
		out.CalScale = p.Value
	}
	if p := cal.Props.Get(goical.PropMethod); p != nil {
		out.Method = p.Value
	}

	for _, comp := range cal.Children {
		switch comp.Name {
		case goical.CompEvent:
			ev, ok := parseEvent(comp)
			if ok {
				out.Events = append(out.Events, ev)
			}
		case goical.CompTimezone:
			out.VTimezoneRaw = reencodeComponent(comp)
		}
	}

	return out, nil
}

func parseEvent(comp *goical.Component) (*Event, bool) {
	uidProp := comp.Props.Get(goical.PropUID)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return nil, false
	}

	ev := &Event{UID: uidProp.Value}

	if p := comp.Props.Get(goical.PropSummary); p != nil {
		if t, err := p.Text(); err == nil {
			ev.Summary = unescapeText(t)
		}
	}
	if p := comp.Props.Get(goical.PropDescription); p != nil {
		if t, err := p.Text(); err == nil {
			ev.Description = unescapeText(t)
		}
	}
	if p := comp.Props.Get(goical.PropLocation); p != nil {
		if t, err := p.Text(); err == nil {
			ev.Location = unescapeText(t)
		}
	}
	if p := comp.Props.Get(goical.PropURL); p != nil {
		ev.URL = p.Value
	} else if p := comp.Props.Get("CONFERENCE"); p != nil {
		ev.URL = p.Value
	}

	dtstart := comp.Props.Get(goical.PropDateTimeStart)
	if dtstart == nil {
		return nil, false
	}
	dv, err := annotatedFromProp(dtstart)
	if err != nil {
		return nil, false
	}
	ev.DTStart = dv

	if dtend := comp.Props.Get(goical.PropDateTimeEnd); dtend != nil {
		if ev2, err := annotatedFromProp(dtend); err == nil {
			ev.DTEnd = &ev2
		}
	} else if dur := comp.Props.Get(goical.PropDuration); dur != nil {
		ev.DurationRaw = dur.Value
	}

	if r := comp.Props.Get(goical.PropRecurrenceRule); r != nil {
		ev.RRule = r.Value
	}

	for _, p := range comp.Props.Values(goical.PropExceptionDates) {
		ev.EXDates = append(ev.EXDates, splitMultiValue(p.Value)...)
	}
	for _, p := range comp.Props.Values(goical.PropRecurrenceDates) {
		ev.RDates = append(ev.RDates, splitMultiValue(p.Value)...)
	}

	if rid := comp.Props.Get(goical.PropRecurrenceID); rid != nil {
		ev.RecurrenceID = rid.Value
	}

	if p := comp.Props.Get(goical.PropStatus); p != nil {
		ev.Status = p.Value
	}
	if p := comp.Props.Get(goical.PropTransparency); p != nil {
		ev.Transp = p.Value
	}

	if p := comp.Props.Get(goical.PropOrganizer); p != nil {
		ev.Organizer = p.Value
		if idx := strings.Index(strings.ToLower(p.Value), "mailto:"); idx >= 0 {
			ev.Organizer = p.Value[idx+len("mailto:"):]
		}
	}

	for _, p := range comp.Props.Values(goical.PropAttendee) {
		email := p.Value
		if idx := strings.Index(strings.ToLower(email), "mailto:"); idx >= 0 {
			email = email[idx+len("mailto:"):]
		}
		a := Attendee{
			Email:    email,
			CN:       p.Params.Get("CN"),
			PartStat: p.Params.Get("PARTSTAT"),
			Role:     p.Params.Get("ROLE"),
			RSVP:     strings.EqualFold(p.Params.Get("RSVP"), "TRUE"),
		}
		ev.Attendees = append(ev.Attendees, a)
	}

	if p := comp.Props.Get(goical.PropSequence); p != nil {
		if n, err := strconv.Atoi(p.Value); err == nil {
			ev.Sequence = n
		}
	}

	if p := comp.Props.Get(goical.PropGeo); p != nil {
		parts := strings.Split(p.Value, ";")
		if len(parts) == 2 {
			if lat, err := strconv.ParseFloat(parts[0], 64); err == nil {
				if lon, err := strconv.ParseFloat(parts[1], 64); err == nil {
					ev.GeoLat = &lat
					ev.GeoLon = &lon
				}
			}
		}
	}

	return ev, true
}

// annotatedFromProp builds the annotated DTSTART/DTEND/RECURRENCE-ID
// form from a go-ical Prop, honouring VALUE=DATE and TZID params.
func annotatedFromProp(p *goical.Prop) (DateTimeValue, error) {
	value := strings.TrimSpace(p.Value)
	isDate := strings.EqualFold(p.Params.Get("VALUE"), "DATE")
	tzid := p.Params.Get("TZID")

	var raw string
	switch {
	case isDate:
		raw = value
	case tzid != "":
		raw = value + tzid
	default:
		raw = value
	}

	return ParseAnnotated(raw)
}

func splitMultiValue(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// reencodeComponent re-serializes a single component (e.g. VTIMEZONE)
// on its own, stripping the synthetic VCALENDAR wrapper, so it can be
// stored and re-injected verbatim-equivalent into later documents.
func reencodeComponent(comp *goical.Component) string {
	wrapper := &goical.Calendar{Component: &goical.Component{
		Name:  goical.CompCalendar,
		Props: goical.Props{},
	}}
	wrapper.Props.SetText(goical.PropVersion, "2.0")
	wrapper.Children = []*goical.Component{comp}

	var buf bytes.Buffer
	enc := goical.NewEncoder(&buf)
	if err := enc.Encode(wrapper); err != nil {
		return ""
	}

	lines := strings.Split(strings.ReplaceAll(buf.String(), "\r\n", "\n"), "\n")
	var out []string
	inBody := false
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "BEGIN:VCALENDAR"), strings.HasPrefix(l, "END:VCALENDAR"),
			strings.HasPrefix(l, "VERSION:"):
			continue
		default:
			if l == "" && !inBody {
				continue
			}
			inBody = true
			out = append(out, l)
		}
	}
	return strings.Join(out, "\r\n")
}
