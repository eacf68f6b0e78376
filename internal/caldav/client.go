// Package caldav is the CalDAV Client: HTTP Basic only,
// a discovery chain over PROPFIND, REPORT-based listing/range
// fetches, and GET/PUT/DELETE with ETag preconditions. Transport runs
// over go-resty/resty, which centralises timeout/basic-auth
// configuration instead of hand-rolled net/http plumbing; failed
// requests are not retried.
// The multistatus/REPORT XML shapes are response-reader structures
// for a client.
package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Client talks to exactly one CalDAV account (one base URL, one set
// of Basic credentials).
type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

// NewClient builds a Client against baseURL with the given Basic
// credentials and request timeout.
func NewClient(baseURL, username, password string, timeout time.Duration, logger zerolog.Logger) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetBasicAuth(username, password).
		SetTimeout(timeout).
		SetHeader("User-Agent", "calyxcore/1.0")
	return &Client{http: c, logger: logger}
}

// Discover runs the discovery chain: candidate base URLs for a
// current-user-principal PROPFIND, then calendar-home-set, and
// returns the home-set URL. Listing the home set's child calendars
// is left to FindCalendars.
func (c *Client) Discover(ctx context.Context, baseURL string) (homeSetURL string, err error) {
	candidates := []string{
		baseURL,
		joinPath(baseURL, ".well-known/caldav"),
		joinPath(baseURL, "dav"),
		joinPath(baseURL, "remote.php/dav"),
	}

	var principal string
	for _, cand := range candidates {
		p, ok := c.findPrincipal(ctx, cand)
		if ok {
			principal = p
			break
		}
	}
	if principal == "" {
		return "", &Error{Kind: KindProtocolStatus, Err: fmt.Errorf("no discovery candidate yielded a principal")}
	}

	home, err := c.findCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", err
	}
	return home, nil
}

func (c *Client) findPrincipal(ctx context.Context, candidateURL string) (string, bool) {
	body := propfindReq{Prop: propNameList{Names: []xml.Name{
		{Space: nsDAV, Local: "current-user-principal"},
		{Space: nsDAV, Local: "principal-URL"},
	}}}
	ms, err := c.propfind(ctx, candidateURL, 0, body)
	if err != nil || len(ms.Responses) == 0 {
		return "", false
	}
	p := ms.Responses[0].okProp()
	if p.CurrentUserPrincipal != nil && p.CurrentUserPrincipal.Href != "" {
		return p.CurrentUserPrincipal.Href, true
	}
	if p.PrincipalURL != nil && p.PrincipalURL.Href != "" {
		return p.PrincipalURL.Href, true
	}
	return "", false
}

func (c *Client) findCalendarHomeSet(ctx context.Context, principalURL string) (string, error) {
	body := propfindReq{Prop: propNameList{Names: []xml.Name{
		{Space: nsCalDAV, Local: "calendar-home-set"},
	}}}
	ms, err := c.propfind(ctx, principalURL, 0, body)
	if err != nil {
		return "", err
	}
	if len(ms.Responses) == 0 {
		return "", &Error{Kind: KindProtocolStatus, Err: fmt.Errorf("empty principal propfind response")}
	}
	p := ms.Responses[0].okProp()
	if p.CalendarHomeSet == nil || p.CalendarHomeSet.Href == "" {
		return "", &Error{Kind: KindProtocolStatus, Err: fmt.Errorf("no calendar-home-set in response")}
	}
	return p.CalendarHomeSet.Href, nil
}

// CalendarInfo is one discovered calendar collection.
type CalendarInfo struct {
	URL         string
	DisplayName string
	Color       string
}

// FindCalendars lists every calendar collection under homeSetURL.
func (c *Client) FindCalendars(ctx context.Context, homeSetURL string) ([]CalendarInfo, error) {
	body := propfindReq{Prop: propNameList{Names: []xml.Name{
		{Space: nsDAV, Local: "displayname"},
		{Space: nsDAV, Local: "resourcetype"},
		{Space: nsCS, Local: "getctag"},
		{Space: nsCalDAV, Local: "supported-calendar-component-set"},
		{Space: "http://apple.com/ns/ical/", Local: "calendar-color"},
		{Space: nsCalDAV, Local: "calendar-color"},
		{Space: "http://apple.com/ns/ical/", Local: "calendar-order"},
	}}}
	ms, err := c.propfind(ctx, homeSetURL, 1, body)
	if err != nil {
		return nil, err
	}

	var out []CalendarInfo
	for _, r := range ms.Responses {
		if r.Href == homeSetURL || strings.TrimSuffix(r.Href, "/") == strings.TrimSuffix(homeSetURL, "/") {
			continue
		}
		p := r.okProp()
		if p.ResourceType == nil || p.ResourceType.Calendar == nil {
			continue
		}
		if !p.SupportedCalendarComponentSet.hasVEVENTOrEmpty() {
			continue
		}
		out = append(out, CalendarInfo{
			URL:         r.Href,
			DisplayName: p.DisplayName,
			Color:       pickColor(p),
		})
	}
	return out, nil
}

func pickColor(p prop) string {
	for _, raw := range []string{p.CalendarColorApple, p.CalendarColorCal, p.CalendarOrderApple} {
		if raw == "" {
			continue
		}
		if len(raw) >= 7 && raw[0] == '#' {
			return raw[:7]
		}
		return raw
	}
	return ""
}

func (c *Client) propfind(ctx context.Context, target string, depth int, body propfindReq) (*multistatus, error) {
	payload, err := xml.Marshal(body)
	if err != nil {
		return nil, parseErr(err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/xml; charset=utf-8").
		SetHeader("Depth", strconv.Itoa(depth)).
		SetBody(payload).
		Execute("PROPFIND", target)
	if err != nil {
		return nil, transportErr(err)
	}
	if resp.StatusCode() != 207 && resp.StatusCode() != 200 {
		return nil, protocolErr(resp.StatusCode(), fmt.Errorf("unexpected PROPFIND status"))
	}

	var ms multistatus
	if err := xml.Unmarshal(resp.Body(), &ms); err != nil {
		return nil, parseErr(err)
	}
	return &ms, nil
}

// EtagEntry is one href/etag pair returned by listEtags.
type EtagEntry struct {
	Href string
	ETag string
}

// ListEtags performs a calendar-query REPORT (depth=1) requesting only
// getetag, returning every VEVENT resource's current ETag.
func (c *Client) ListEtags(ctx context.Context, collectionURL string) ([]EtagEntry, error) {
	ms, err := c.calendarQuery(ctx, collectionURL, nil, []xml.Name{
		{Space: nsDAV, Local: "getetag"},
	})
	if err != nil {
		return nil, err
	}
	var out []EtagEntry
	for _, r := range ms.Responses {
		p := r.okProp()
		if p.GetETag == "" {
			continue
		}
		out = append(out, EtagEntry{Href: r.Href, ETag: stripQuotes(p.GetETag)})
	}
	return out, nil
}

// ResourceTuple is one {href, etag, ics} tuple returned by fetchRange.
type ResourceTuple struct {
	Href string
	ETag string
	ICS  []byte
}

// FetchRange performs a calendar-query REPORT with a time-range filter
// and calendar-data in the prop list.
func (c *Client) FetchRange(ctx context.Context, collectionURL string, start, end time.Time) ([]ResourceTuple, error) {
	tr := &timeRange{Start: start.UTC().Format("20060102T150405Z"), End: end.UTC().Format("20060102T150405Z")}
	ms, err := c.calendarQuery(ctx, collectionURL, tr, []xml.Name{
		{Space: nsDAV, Local: "getetag"},
		{Space: nsCalDAV, Local: "calendar-data"},
	})
	if err != nil {
		return nil, err
	}
	var out []ResourceTuple
	for _, r := range ms.Responses {
		p := r.okProp()
		if p.CalendarData == "" {
			continue
		}
		out = append(out, ResourceTuple{Href: r.Href, ETag: stripQuotes(p.GetETag), ICS: []byte(p.CalendarData)})
	}
	return out, nil
}

func (c *Client) calendarQuery(ctx context.Context, collectionURL string, tr *timeRange, propNames []xml.Name) (*multistatus, error) {
	body := calendarQueryReq{
		Prop: propNameList{Names: propNames},
		Filter: calendarFilter{CompFilter: compFilter{
			Name: "VCALENDAR",
			CompFilter: &compFilter{
				Name:      "VEVENT",
				TimeRange: tr,
			},
		}},
	}
	payload, err := xml.Marshal(body)
	if err != nil {
		return nil, parseErr(err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/xml; charset=utf-8").
		SetHeader("Depth", "1").
		SetBody(payload).
		Execute("REPORT", collectionURL)
	if err != nil {
		return nil, transportErr(err)
	}
	if resp.StatusCode() != 207 {
		return nil, protocolErr(resp.StatusCode(), fmt.Errorf("unexpected REPORT status"))
	}
	var ms multistatus
	if err := xml.Unmarshal(resp.Body(), &ms); err != nil {
		return nil, parseErr(err)
	}
	return &ms, nil
}

// Multiget performs a calendar-multiget REPORT for the given hrefs.
func (c *Client) Multiget(ctx context.Context, collectionURL string, hrefs []string) ([]ResourceTuple, error) {
	body := calendarMultigetReq{
		Prop: propNameList{Names: []xml.Name{
			{Space: nsDAV, Local: "getetag"},
			{Space: nsCalDAV, Local: "calendar-data"},
		}},
		Hrefs: hrefs,
	}
	payload, err := xml.Marshal(body)
	if err != nil {
		return nil, parseErr(err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/xml; charset=utf-8").
		SetHeader("Depth", "1").
		SetBody(payload).
		Execute("REPORT", collectionURL)
	if err != nil {
		return nil, transportErr(err)
	}
	if resp.StatusCode() != 207 {
		return nil, protocolErr(resp.StatusCode(), fmt.Errorf("unexpected REPORT status"))
	}
	var ms multistatus
	if err := xml.Unmarshal(resp.Body(), &ms); err != nil {
		return nil, parseErr(err)
	}
	var out []ResourceTuple
	for _, r := range ms.Responses {
		p := r.okProp()
		if p.CalendarData == "" {
			continue
		}
		out = append(out, ResourceTuple{Href: r.Href, ETag: stripQuotes(p.GetETag), ICS: []byte(p.CalendarData)})
	}
	return out, nil
}

// Get fetches a single calendar object resource by href.
func (c *Client) Get(ctx context.Context, href string) (ics []byte, etag string, err error) {
	resp, err := c.http.R().SetContext(ctx).Get(href)
	if err != nil {
		return nil, "", transportErr(err)
	}
	if resp.StatusCode() != 200 {
		return nil, "", protocolErr(resp.StatusCode(), fmt.Errorf("GET failed"))
	}
	return resp.Body(), stripQuotes(resp.Header().Get("ETag")), nil
}

// PutResult carries the outcome of a successful PUT.
type PutResult struct {
	Href string
	ETag string
}

// CreatePut creates a brand-new resource at collectionURL/filename
// with If-None-Match: *.
func (c *Client) CreatePut(ctx context.Context, collectionURL, filename string, ics []byte) (*PutResult, error) {
	target := joinPath(collectionURL, filename)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/calendar; charset=utf-8").
		SetHeader("If-None-Match", "*").
		SetBody(ics).
		Put(target)
	if err != nil {
		return nil, transportErr(err)
	}
	switch resp.StatusCode() {
	case 201, 200, 204:
		href := resp.Header().Get("Location")
		if href == "" {
			href = target
		}
		return &PutResult{Href: href, ETag: stripQuotes(resp.Header().Get("ETag"))}, nil
	default:
		return nil, classifyPutFailure(resp)
	}
}

// UpdatePut overwrites an existing resource at href, conditioned on
// etag (If-Match: "<etag>", or * if etag is empty).
func (c *Client) UpdatePut(ctx context.Context, href, etag string, ics []byte) (*PutResult, error) {
	ifMatch := "*"
	if etag != "" {
		ifMatch = `"` + etag + `"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/calendar; charset=utf-8").
		SetHeader("If-Match", ifMatch).
		SetBody(ics).
		Put(href)
	if err != nil {
		return nil, transportErr(err)
	}
	switch resp.StatusCode() {
	case 200, 201, 204:
		return &PutResult{Href: href, ETag: stripQuotes(resp.Header().Get("ETag"))}, nil
	default:
		return nil, classifyPutFailure(resp)
	}
}

func classifyPutFailure(resp *resty.Response) error {
	switch resp.StatusCode() {
	case 412:
		return conflictEtagErr(412)
	case 409, 403:
		body := string(resp.Body())
		if strings.Contains(body, "no-uid-conflict") {
			return conflictUIDErr(resp.StatusCode(), extractHref(body))
		}
		return protocolErr(resp.StatusCode(), fmt.Errorf("rejected: %s", body))
	default:
		return protocolErr(resp.StatusCode(), fmt.Errorf("unexpected PUT status"))
	}
}

func extractHref(body string) string {
	var ms multistatus
	if err := xml.Unmarshal([]byte(body), &ms); err == nil {
		for _, r := range ms.Responses {
			if r.Href != "" {
				return r.Href
			}
		}
	}
	type errBody struct {
		Href string `xml:"href"`
	}
	var eb errBody
	if err := xml.Unmarshal([]byte(body), &eb); err == nil {
		return eb.Href
	}
	return ""
}

// Delete removes href, conditioned on etag if known. A 404 is treated
// as already-gone (success).
func (c *Client) Delete(ctx context.Context, href, etag string) error {
	req := c.http.R().SetContext(ctx)
	if etag != "" {
		req.SetHeader("If-Match", `"`+etag+`"`)
	}
	resp, err := req.Delete(href)
	if err != nil {
		return transportErr(err)
	}
	switch resp.StatusCode() {
	case 200, 202, 204, 404:
		return nil
	case 412:
		return conflictEtagErr(412)
	default:
		return protocolErr(resp.StatusCode(), fmt.Errorf("unexpected DELETE status"))
	}
}

// FetchSubscription performs a plain GET against an ICS-subscription
// URL, returning the raw VCALENDAR body.
func (c *Client) FetchSubscription(ctx context.Context, subscriptionURL string) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).Get(subscriptionURL)
	if err != nil {
		return nil, transportErr(err)
	}
	if resp.StatusCode() != 200 {
		return nil, protocolErr(resp.StatusCode(), fmt.Errorf("subscription GET failed"))
	}
	return resp.Body(), nil
}

func stripQuotes(s string) string {
	return strings.Trim(s, `"`)
}

func joinPath(base, elem string) string {
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(elem, "/")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(elem, "/")
	return u.String()
}
