// Package rrule expands a recurring EventRecord into concrete
// occurrence start times. It wraps github.com/teambition/rrule-go for
// the calendar arithmetic (BYDAY ordinals, negative BYMONTHDAY, WKST,
// DST-correct interval stepping) and layers on the windowing and
// EXDATE handling this package implements.
//
// Deliberately NOT RFC 5545 §3.8.5.1: a COUNT-bounded rule is expanded
// to exactly COUNT raw candidates from the RRULE alone, and EXDATE is
// then applied as a filter over that fixed candidate set. An excluded
// slot therefore still consumes a COUNT slot instead of being replaced
// by the next one, matching the source system's behaviour rather than
// the RFC's.
package rrule

import (
	"fmt"
	"strings"
	"time"

	gorrule "github.com/teambition/rrule-go"
)

// Candidate is one raw occurrence start produced by the RRULE, before
// EXDATE filtering.
type Candidate struct {
	Start time.Time
}

// Expand returns every occurrence of the rule starting at dtstart that
// falls within [rangeStart, rangeEnd), after removing any candidate
// matching an EXDATE. exdates must be the zoned time.Time equivalents
// of the raw EXDATE strings, resolved by the caller via pkg/ics so this
// package stays free of the annotated-string format.
func Expand(rruleValue string, dtstart time.Time, exdates []time.Time, rangeStart, rangeEnd time.Time) ([]Candidate, error) {
	opt, err := gorrule.StrToROption(rruleValue)
	if err != nil {
		return nil, fmt.Errorf("rrule: parse %q: %w", rruleValue, err)
	}
	opt.Dtstart = dtstart

	r, err := gorrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("rrule: build rule: %w", err)
	}

	excluded := make(map[int64]struct{}, len(exdates))
	for _, ex := range exdates {
		excluded[ex.Unix()] = struct{}{}
	}

	// Between clips on the already-COUNT-bounded candidate series, so
	// an excluded slot outside [rangeStart, rangeEnd) still consumed a
	// COUNT slot during r's construction even though it never appears
	// here.
	raw := r.Between(rangeStart, rangeEnd, true)

	out := make([]Candidate, 0, len(raw))
	for _, t := range raw {
		if !t.Before(rangeEnd) {
			continue
		}
		if _, ok := excluded[t.Unix()]; ok {
			continue
		}
		out = append(out, Candidate{Start: t})
	}
	return out, nil
}

// All returns every candidate the rule ever produces (bounded by COUNT
// or UNTIL; unbounded rules are rejected to avoid runaway expansion),
// with EXDATE applied, rather than the candidates of a display window.
func All(rruleValue string, dtstart time.Time, exdates []time.Time) ([]Candidate, error) {
	opt, err := gorrule.StrToROption(rruleValue)
	if err != nil {
		return nil, fmt.Errorf("rrule: parse %q: %w", rruleValue, err)
	}
	if opt.Count == 0 && opt.Until.IsZero() {
		return nil, fmt.Errorf("rrule: refusing to fully expand an unbounded rule %q", rruleValue)
	}
	opt.Dtstart = dtstart

	r, err := gorrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("rrule: build rule: %w", err)
	}

	excluded := make(map[int64]struct{}, len(exdates))
	for _, ex := range exdates {
		excluded[ex.Unix()] = struct{}{}
	}

	raw := r.All()
	out := make([]Candidate, 0, len(raw))
	for _, t := range raw {
		if _, ok := excluded[t.Unix()]; ok {
			continue
		}
		out = append(out, Candidate{Start: t})
	}
	return out, nil
}

// NextAfter returns the first occurrence strictly after t, ignoring
// EXDATE, searching at most ten years past t.
func NextAfter(rruleValue string, dtstart, t time.Time) (time.Time, bool, error) {
	opt, err := gorrule.StrToROption(rruleValue)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("rrule: parse %q: %w", rruleValue, err)
	}
	opt.Dtstart = dtstart

	r, err := gorrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("rrule: build rule: %w", err)
	}

	candidates := r.Between(t.Add(time.Second), t.Add(10*365*24*time.Hour), true)
	if len(candidates) == 0 {
		return time.Time{}, false, nil
	}
	return candidates[0], true, nil
}

// ClampUntil rewrites rruleValue to bound it with the given UNTIL
// value, dropping any existing UNTIL or COUNT part — the two are
// mutually exclusive per RFC 5545 §3.3.10, and an UNTIL clamp always
// supersedes whatever termination the original rule carried. Used by
// a scope=thisAndFollowing edit to truncate the original master right
// before the split point.
func ClampUntil(rruleValue, untilValue string) (string, error) {
	parts := strings.Split(rruleValue, ";")
	out := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		if p == "" {
			continue
		}
		key := strings.ToUpper(strings.SplitN(p, "=", 2)[0])
		if key == "UNTIL" || key == "COUNT" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("rrule: empty rule after removing terminators from %q", rruleValue)
	}
	out = append(out, "UNTIL="+untilValue)
	return strings.Join(out, ";"), nil
}

// StripCount removes a COUNT part from rruleValue, for a
// thisAndFollowing continuation: the instance count carried over from
// the original DTSTART has no meaning once the series restarts from a
// new anchor, so the continuation runs unbounded (or to the original
// UNTIL, if one was present) instead.
func StripCount(rruleValue string) string {
	parts := strings.Split(rruleValue, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		key := strings.ToUpper(strings.SplitN(p, "=", 2)[0])
		if key == "COUNT" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ";")
}
