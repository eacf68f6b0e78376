// Command calyx-sync runs one triggerSync pass against every
// configured account and collection, then exits. A desktop shell
// (outside this module's scope) is expected to invoke it
// on a timer or in response to UI actions; this binary is also the
// reference wiring for the core library.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/calyx-cal/calyxcore/internal/clock"
	"github.com/calyx-cal/calyxcore/internal/config"
	"github.com/calyx-cal/calyxcore/internal/logging"
	"github.com/calyx-cal/calyxcore/internal/model"
	"github.com/calyx-cal/calyxcore/internal/store/icsblob"
	"github.com/calyx-cal/calyxcore/internal/store/sqlite"
	"github.com/calyx-cal/calyxcore/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	logger := logging.New(cfg.LogLevel, os.Stderr)
	syncLogger, syncLogClose, err := logging.NewSyncLog(cfg.SyncLogPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("sync log init failed")
	}
	defer syncLogClose.Close()

	store, err := sqlite.New(cfg.IndexPath(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("index init failed")
	}
	defer store.Close()

	blobs, err := icsblob.New(cfg.ICSDir())
	if err != nil {
		logger.Fatal().Err(err).Msg("blob store init failed")
	}

	accountConfigs, err := cfg.LoadAccounts()
	if err != nil {
		logger.Fatal().Err(err).Msg("load accounts failed")
	}

	var accounts []model.Account
	var collections []model.Collection
	for _, ac := range accountConfigs {
		acct, cols := ac.ToModel()
		accounts = append(accounts, acct)
		collections = append(collections, cols...)
	}

	onProgress := func(p model.SyncProgress) {
		syncLogger.Info().
			Str("phase", p.Phase).
			Str("collection", p.CollectionName).
			Msg("sync progress")
	}

	orch := sync.New(store, blobs, cfg, clock.System{}, syncLogger, onProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result := orch.TriggerSync(ctx, accounts, collections)
	logger.Info().
		Int("added", result.Added).
		Int("updated", result.Updated).
		Int("deleted", result.Deleted).
		Int("errors", len(result.Errors)).
		Msg("sync complete")

	for _, e := range result.Errors {
		logger.Warn().Msg(e)
	}
}
