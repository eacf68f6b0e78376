// Package sync implements the sync orchestrator: the
// four-phase pull, the three-scope push, offline queue draining, and
// the retry/conflict handling that ties the CalDAV Client to the
// Local Index. It never touches a network socket or a database file
// directly — it reaches the Local Index through the Store and Blobs
// interfaces below and the server through *caldav.Client.
package sync

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/calyx-cal/calyxcore/internal/caldav"
	"github.com/calyx-cal/calyxcore/internal/clock"
	"github.com/calyx-cal/calyxcore/internal/config"
	"github.com/calyx-cal/calyxcore/internal/model"
	"github.com/calyx-cal/calyxcore/internal/store/icsblob"
	"github.com/calyx-cal/calyxcore/internal/store/sqlite"
	"github.com/rs/zerolog"
)

// Store is the subset of the Local Index the orchestrator reads and
// writes during a sync pass.
type Store interface {
	UpsertEvent(ctx context.Context, e model.EventRecord) error
	ETagMap(ctx context.Context, collectionID string) (map[string]string, error)
	ByUID(ctx context.Context, collectionID, uid string) ([]model.EventRecord, error)
	Overrides(ctx context.Context, collectionID, uid string) ([]model.EventRecord, error)
	DeleteByUID(ctx context.Context, collectionID, uid string) error
	DeleteOverride(ctx context.Context, collectionID, uid, recurrenceID string) error
	DeleteEventsFromDate(ctx context.Context, collectionID, uid, fromUTC string) error
	CleanupStaleHrefRows(ctx context.Context, collectionID string, keep map[string]struct{}) error
	ListOffline(ctx context.Context) ([]model.OfflineQueueItem, error)
	EnqueueOffline(ctx context.Context, item model.OfflineQueueItem) error
	RemoveOffline(ctx context.Context, id int64) error
}

var _ Store = (*sqlite.Store)(nil)

// Blobs is the subset of the ICS blob store the orchestrator reads
// and writes.
type Blobs interface {
	Path(uid, recurrenceID string) string
	Write(path string, data []byte) error
	Read(path string) ([]byte, error)
	Remove(path string) error
}

var _ Blobs = (*icsblob.Store)(nil)

// Orchestrator drives one full triggerSync pass across every enabled
// account and collection.
type Orchestrator struct {
	store Store
	blobs Blobs
	cfg   *config.Config
	clock clock.Clock

	logger     zerolog.Logger
	onProgress func(model.SyncProgress)

	mu      sync.Mutex
	clients map[string]*caldav.Client // keyed by account ID
	subOnce *caldav.Client            // shared no-auth client for ICS subscriptions

	pushGroup singleflight.Group // keyed by UID, serializes concurrent pushes to the same series

	vtzMu      sync.Mutex
	vtimezones map[string]string // tzid -> verbatim VTIMEZONE block last seen from a server

	result model.SyncResult
}

// New builds an Orchestrator against the given store, blob directory
// and configuration. onProgress may be nil.
func New(store Store, blobs Blobs, cfg *config.Config, clk clock.Clock, logger zerolog.Logger, onProgress func(model.SyncProgress)) *Orchestrator {
	return &Orchestrator{
		store:      store,
		blobs:      blobs,
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		onProgress: onProgress,
		clients:    map[string]*caldav.Client{},
		vtimezones: map[string]string{},
	}
}

// rememberVTimezone caches the verbatim VTIMEZONE block a pulled
// resource carried for tzid, so a later create for the same named zone
// can attach it without re-fetching anything from the server.
func (o *Orchestrator) rememberVTimezone(tzid, raw string) {
	if tzid == "" || raw == "" {
		return
	}
	o.vtzMu.Lock()
	o.vtimezones[tzid] = raw
	o.vtzMu.Unlock()
}

// vtimezoneFor returns the last VTIMEZONE block seen for tzid, or "" if
// none has been pulled yet.
func (o *Orchestrator) vtimezoneFor(tzid string) string {
	if tzid == "" {
		return ""
	}
	o.vtzMu.Lock()
	defer o.vtzMu.Unlock()
	return o.vtimezones[tzid]
}

func (o *Orchestrator) clientFor(acct model.Account) *caldav.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.clients[acct.ID]; ok {
		return c
	}
	c := caldav.NewClient(acct.ServerURL, acct.Username, acct.Password, o.cfg.HTTP.Timeout, o.logger)
	o.clients[acct.ID] = c
	return c
}

func (o *Orchestrator) subscriptionClient() *caldav.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subOnce == nil {
		o.subOnce = caldav.NewClient("", "", "", o.cfg.HTTP.Timeout, o.logger)
	}
	return o.subOnce
}

// TriggerSync pulls every enabled
// collection, then drain the offline queue, aggregating into one
// SyncResult. A per-collection pull failure is recorded but does not
// stop the rest of the pass.
func (o *Orchestrator) TriggerSync(ctx context.Context, accounts []model.Account, collections []model.Collection) model.SyncResult {
	o.result = model.SyncResult{}

	byAccount := map[string][]model.Collection{}
	for _, col := range collections {
		if !col.Enabled {
			continue
		}
		byAccount[col.AccountID] = append(byAccount[col.AccountID], col)
	}

	for _, acct := range accounts {
		if !acct.Enabled {
			continue
		}
		for _, col := range byAccount[acct.ID] {
			if err := o.pullCollection(ctx, acct, col); err != nil {
				o.logger.Warn().Err(err).Str("collection", col.Name).Msg("pull failed")
				o.result.Errors = append(o.result.Errors, fmt.Sprintf("%s: %v", col.Name, err))
			}
		}
	}

	acctByID := map[string]model.Account{}
	for _, a := range accounts {
		acctByID[a.ID] = a
	}
	colByID := map[string]model.Collection{}
	for _, c := range collections {
		colByID[c.ID] = c
	}

	if err := o.drainOfflineQueue(ctx, acctByID, colByID); err != nil {
		o.logger.Warn().Err(err).Msg("offline queue drain failed")
		o.result.Errors = append(o.result.Errors, fmt.Sprintf("queue: %v", err))
	}

	return o.result
}

// withUIDLock serializes concurrent push operations against the same
// UID, so a thisAndFollowing split can never race a plain update to
// the same series.
func (o *Orchestrator) withUIDLock(uid string, fn func() (any, error)) (any, error) {
	for {
		ran := false
		v, err, _ := o.pushGroup.Do(uid, func() (any, error) {
			ran = true
			return fn()
		})
		if ran {
			return v, err
		}
	}
}
