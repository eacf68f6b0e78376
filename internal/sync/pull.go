package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/calyx-cal/calyxcore/internal/caldav"
	"github.com/calyx-cal/calyxcore/internal/model"
	"github.com/calyx-cal/calyxcore/pkg/ics"
)

// maxConcurrentCatchupFetches bounds how many stale hrefs the catch-up
// phase fetches and ingests at once.
const maxConcurrentCatchupFetches = 8

// pullCollection runs the four-phase pull against one
// enabled CalDAV collection, or a single GET for an ICS subscription.
func (o *Orchestrator) pullCollection(ctx context.Context, acct model.Account, col model.Collection) error {
	if col.SourceKind == model.SourceICSSubscription {
		return o.pullSubscription(ctx, col)
	}

	client := o.clientFor(acct)
	now := o.clock.Now()

	phases := []struct {
		name       string
		start, end time.Time
	}{
		{"near-term", now.AddDate(0, -2, 0), now.AddDate(0, 6, 0)},
		{"far-future", now.AddDate(0, 6, 0), now.AddDate(5, 0, 0)},
		{"recent-past", now.AddDate(-5, 0, 0), now.AddDate(0, -2, 0)},
	}

	seenHrefs := map[string]struct{}{}
	var errs *multierror.Error

	for _, ph := range phases {
		tuples, err := client.FetchRange(ctx, col.URL, ph.start, ph.end)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("phase %s: %w", ph.name, err))
			continue
		}
		for _, t := range tuples {
			seenHrefs[t.Href] = struct{}{}
			added, err := o.ingestResource(ctx, col, t.Href, t.ETag, t.ICS)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("phase %s href %s: %w", ph.name, t.Href, err))
				continue
			}
			if added {
				o.result.Added++
			} else {
				o.result.Updated++
			}
		}
		o.emitProgress(ph.name, col)
	}

	// Phase 4: catch-up via listEtags against everything not already
	// processed, plus deletion of anything no longer on the server.
	entries, err := client.ListEtags(ctx, col.URL)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("phase catch-up: listEtags: %w", err))
		return errs.ErrorOrNil()
	}

	localEtags, err := o.store.ETagMap(ctx, col.ID)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("phase catch-up: local etag map: %w", err))
		return errs.ErrorOrNil()
	}

	keep := map[string]struct{}{}
	var stale []caldav.EtagEntry
	for _, e := range entries {
		keep[e.Href] = struct{}{}
		if _, done := seenHrefs[e.Href]; done {
			continue
		}
		if local, ok := localEtags[e.Href]; ok && local == e.ETag {
			continue
		}
		stale = append(stale, e)
	}

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentCatchupFetches)
	for _, e := range stale {
		e := e
		group.Go(func() error {
			raw, etag, err := client.Get(gctx, e.Href)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("phase catch-up: get %s: %w", e.Href, err))
				mu.Unlock()
				return nil
			}
			added, err := o.ingestResource(gctx, col, e.Href, etag, raw)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("phase catch-up: ingest %s: %w", e.Href, err))
				return nil
			}
			if added {
				o.result.Added++
			} else {
				o.result.Updated++
			}
			return nil
		})
	}
	_ = group.Wait()

	if err := o.store.CleanupStaleHrefRows(ctx, col.ID, keep); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("phase catch-up: cleanup stale hrefs: %w", err))
	}

	o.emitProgress("catch-up", col)
	return errs.ErrorOrNil()
}

func (o *Orchestrator) pullSubscription(ctx context.Context, col model.Collection) error {
	client := o.subscriptionClient()
	raw, err := client.FetchSubscription(ctx, col.URL)
	if err != nil {
		return fmt.Errorf("pull subscription %s: %w", col.URL, err)
	}
	cal, err := ics.ParseCalendar(raw)
	if err != nil {
		return fmt.Errorf("parse subscription %s: %w", col.URL, err)
	}
	for _, ev := range cal.Events {
		if _, err := o.upsertParsedEvent(ctx, col, "", "", ev); err != nil {
			return err
		}
	}
	o.emitProgress("subscription", col)
	return nil
}

func (o *Orchestrator) emitProgress(phase string, col model.Collection) {
	if o.onProgress == nil {
		return
	}
	o.onProgress(model.SyncProgress{
		Phase:          phase,
		CollectionName: col.Name,
	})
}

// caldavErrorKind extracts the error kind when err is itself a
// *caldav.Error, returning (kind, true) on match. A *caldav.Error
// wrapped inside another error is not unwrapped.
func caldavErrorKind(err error) (caldav.Kind, bool) {
	var cerr *caldav.Error
	if e, ok := err.(*caldav.Error); ok {
		cerr = e
		return cerr.Kind, true
	}
	return 0, false
}
