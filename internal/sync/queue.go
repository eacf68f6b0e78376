package sync

import (
	"context"
	"fmt"

	"github.com/calyx-cal/calyxcore/internal/caldav"
	"github.com/calyx-cal/calyxcore/internal/model"
)

// drainOfflineQueue replays every queued write against its server in
// FIFO order. Each queue item reflects the whole-resource ICS blob as
// it stood at enqueue time, not a diff, so replay is just "PUT/DELETE
// this blob again" — scope handling already happened locally when the
// edit was first made offline. A transport failure stops the drain
// for that item's account and leaves the rest of the queue intact for
// the next sync pass; a conflict leaves just that item queued so a
// future pull can resolve it before the next drain attempt.
func (o *Orchestrator) drainOfflineQueue(ctx context.Context, acctByID map[string]model.Account, colByID map[string]model.Collection) error {
	items, err := o.store.ListOffline(ctx)
	if err != nil {
		return fmt.Errorf("drain: list offline queue: %w", err)
	}

	offlineAccounts := map[string]bool{}
	for _, item := range items {
		if offlineAccounts[item.AccountID] {
			continue
		}

		col, ok := colByID[item.CollectionID]
		if !ok {
			_ = o.store.RemoveOffline(ctx, item.ID)
			continue
		}
		acct, ok := acctByID[item.AccountID]
		if !ok {
			_ = o.store.RemoveOffline(ctx, item.ID)
			continue
		}

		if err := o.drainOne(ctx, acct, col, item); err != nil {
			if kind, ok := caldavErrorKind(err); ok && kind == caldav.KindTransport {
				offlineAccounts[item.AccountID] = true
				continue
			}
			o.logger.Warn().Err(err).Str("uid", item.UID).Msg("offline queue item failed, leaving queued")
			continue
		}
	}
	return nil
}

func (o *Orchestrator) drainOne(ctx context.Context, acct model.Account, col model.Collection, item model.OfflineQueueItem) error {
	client := o.clientFor(acct)

	switch item.Operation {
	case model.PendingDelete:
		if err := client.Delete(ctx, item.Href, item.ETag); err != nil {
			return err
		}
		if err := o.store.DeleteByUID(ctx, col.ID, item.UID); err != nil {
			return err
		}
		_ = o.blobs.Remove(o.blobs.Path(item.UID, ""))
		return o.store.RemoveOffline(ctx, item.ID)

	case model.PendingCreate:
		raw, err := o.blobs.Read(o.blobs.Path(item.UID, ""))
		if err != nil {
			return fmt.Errorf("drain create %s: read blob: %w", item.UID, err)
		}
		res, err := client.CreatePut(ctx, col.URL, item.UID+".ics", raw)
		if err != nil {
			return err
		}
		if err := o.reindexDocument(ctx, col, res.Href, res.ETag, raw); err != nil {
			return err
		}
		return o.store.RemoveOffline(ctx, item.ID)

	case model.PendingUpdate:
		raw, err := o.blobs.Read(o.blobs.Path(item.UID, ""))
		if err != nil {
			return fmt.Errorf("drain update %s: read blob: %w", item.UID, err)
		}
		res, err := client.UpdatePut(ctx, item.Href, item.ETag, raw)
		if err != nil {
			return err
		}
		if err := o.reindexDocument(ctx, col, item.Href, res.ETag, raw); err != nil {
			return err
		}
		return o.store.RemoveOffline(ctx, item.ID)

	default:
		return o.store.RemoveOffline(ctx, item.ID)
	}
}
