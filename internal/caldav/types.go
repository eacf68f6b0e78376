package caldav

import (
	"encoding/xml"
	"strings"
)

// XML namespace constants, per RFC 4918/4791 and the CalendarServer
// extension. Struct tags below reference them by literal URI (Go's
// encoding/xml resolves "URI local" tags against the document's own
// namespace bindings).
const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
	nsCS     = "http://calendarserver.org/ns/"
)

// multistatus is the generic RFC 4918 response envelope for
// PROPFIND/REPORT.
type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href      string     `xml:"href"`
	PropStats []propStat `xml:"propstat"`
}

type propStat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

// okProp returns the prop block of the first 200-status propstat, or
// the zero value if none succeeded.
func (r response) okProp() prop {
	for _, ps := range r.PropStats {
		if containsStatusOK(ps.Status) {
			return ps.Prop
		}
	}
	return prop{}
}

type prop struct {
	ResourceType *resourceType `xml:"DAV: resourcetype"`
	DisplayName  string        `xml:"DAV: displayname"`

	CurrentUserPrincipal *hrefElem `xml:"DAV: current-user-principal"`
	PrincipalURL         *hrefElem `xml:"DAV: principal-URL"`

	CalendarHomeSet *hrefElem `xml:"urn:ietf:params:xml:ns:caldav calendar-home-set"`

	GetETag     string `xml:"DAV: getetag"`
	GetCTag     string `xml:"http://calendarserver.org/ns/ getctag"`
	ContentType string `xml:"DAV: getcontenttype"`

	SupportedCalendarComponentSet *supportedCompSet `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set"`

	CalendarColorApple string `xml:"http://apple.com/ns/ical/ calendar-color"`
	CalendarColorCal   string `xml:"urn:ietf:params:xml:ns:caldav calendar-color"`
	CalendarOrderApple string `xml:"http://apple.com/ns/ical/ calendar-order"`

	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
	Calendar   *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar"`
}

type hrefElem struct {
	Href string `xml:"DAV: href"`
}

type supportedCompSet struct {
	Comp []compElem `xml:"urn:ietf:params:xml:ns:caldav comp"`
}

type compElem struct {
	Name string `xml:"name,attr"`
}

func (s *supportedCompSet) hasVEVENTOrEmpty() bool {
	if s == nil || len(s.Comp) == 0 {
		return true
	}
	for _, c := range s.Comp {
		if c.Name == "VEVENT" {
			return true
		}
	}
	return false
}

// ---- Request bodies ----

type propfindReq struct {
	XMLName xml.Name     `xml:"DAV: propfind"`
	Prop    propNameList `xml:"DAV: prop"`
}

// propNameList marshals a set of bare property names under <prop>,
// each carrying its own namespace.
type propNameList struct {
	Names []xml.Name
}

func (p propNameList) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, n := range p.Names {
		if err := e.EncodeToken(xml.StartElement{Name: n}); err != nil {
			return err
		}
		if err := e.EncodeToken(xml.EndElement{Name: n}); err != nil {
			return err
		}
	}
	return e.EncodeToken(xml.EndElement{Name: start.Name})
}

type calendarQueryReq struct {
	XMLName xml.Name         `xml:"urn:ietf:params:xml:ns:caldav calendar-query"`
	Prop    propNameList     `xml:"DAV: prop"`
	Filter  calendarFilter   `xml:"urn:ietf:params:xml:ns:caldav filter"`
}

type calendarMultigetReq struct {
	XMLName xml.Name     `xml:"urn:ietf:params:xml:ns:caldav calendar-multiget"`
	Prop    propNameList `xml:"DAV: prop"`
	Hrefs   []string     `xml:"DAV: href"`
}

type calendarFilter struct {
	CompFilter compFilter `xml:"urn:ietf:params:xml:ns:caldav comp-filter"`
}

type compFilter struct {
	Name       string      `xml:"name,attr"`
	CompFilter *compFilter `xml:"urn:ietf:params:xml:ns:caldav comp-filter,omitempty"`
	TimeRange  *timeRange  `xml:"urn:ietf:params:xml:ns:caldav time-range,omitempty"`
}

type timeRange struct {
	Start string `xml:"start,attr,omitempty"`
	End   string `xml:"end,attr,omitempty"`
}

func containsStatusOK(status string) bool {
	return status == "" || strings.Contains(status, "200 OK") || strings.Contains(status, " 200 ")
}
