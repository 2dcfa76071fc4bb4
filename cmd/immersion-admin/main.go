// immersion-admin runs the repair jobs and bulk imports against the configured store.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/immersion-admin verify-ledgers
//	go run ./cmd/immersion-admin recalc-ledgers --user-id 12 --user-id 40
//	go run ./cmd/immersion-admin recalc-streaks --async
//	go run ./cmd/immersion-admin import-xlsx --user-id 12 --file logs.xlsx
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"bitbucket.org/mmdatafocus/immersion_backend/workflow"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const adminUsername = "immersion-admin"

var validFormats = []string{"text", "json"}

type rootOptions struct {
	Format      string
	Concurrency int

	// store and logger are preset by tests; otherwise they come from the environment.
	store  models.Store
	logger *logrus.Logger
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "immersion-admin",
		Short: "Maintenance jobs for immersion ledgers",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().IntVar(&opts.Concurrency, "concurrency", 0, "users processed in parallel (default RECALC_CONCURRENCY)")

	cmd.AddCommand(newRecalcCommand(opts, workflow.JobRecalcLedgers, "Recompute log XP and rebuild ledger totals from history"))
	cmd.AddCommand(newRecalcCommand(opts, workflow.JobRecalcStreaks, "Rebuild streaks from log dates"))
	cmd.AddCommand(newRecalcCommand(opts, workflow.JobVerifyLedgers, "Report ledger drift without writing"))
	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func (o *rootOptions) getLogger() *logrus.Logger {
	if o.logger != nil {
		return o.logger
	}
	return config.GetLogger()
}

// services opens the store and wires the workflows the way the server does.
func (o *rootOptions) services(ctx context.Context) (*workflow.LogService, *workflow.RecalcService, func(), error) {
	logger := o.getLogger()
	tuning, err := config.GetStatsTuning()
	if err != nil {
		return nil, nil, nil, err
	}

	store, closeStore := o.store, func() {}
	if store == nil {
		store, closeStore, err = openStore(logger)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	// Redis is only reached when configured so a local run does not wait on it.
	var locker workflow.UserLocker = workflow.NewLocalUserLocker()
	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		redisCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		config.ConnectRedisWithRetry(redisCtx)
		cancel()
		locker = workflow.NewRedisUserLocker(config.GetRedisLock(), logger)
	}

	logs := workflow.NewLogService(store, locker, tuning, logger)
	recalc := workflow.NewRecalcService(store, locker, tuning, logger)
	if o.Concurrency > 0 {
		recalc.Concurrency = o.Concurrency
	}
	return logs, recalc, func() {
		closeStore()
		if rdb := config.GetRedisDB(); rdb != nil {
			_ = rdb.Close()
		}
	}, nil
}

func openStore(logger *logrus.Logger) (models.Store, func(), error) {
	if config.StoreDriver() == "memory" {
		logger.WithFields(logrus.Fields{"field": "store"}).Warn("STORE_DRIVER=memory; nothing is persisted")
		return models.NewMemoryStore(), func() {}, nil
	}
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		return nil, nil, fmt.Errorf("database not initialized (config.GetDB returned nil)")
	}
	if err := models.MigrateTable(db); err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return models.NewGormStore(db), func() { _ = sqlDB.Close() }, nil
}

// adminContext marks CLI work so owner scoping is skipped and history shows who ran it.
func adminContext(ctx context.Context) context.Context {
	ctx = utils.SetUsernameInContext(ctx, adminUsername)
	ctx, _ = utils.EnsureCorrelationId(ctx)
	return utils.WithoutOwnerScope(ctx)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newPrinter prints counts with thousands separators.
func newPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}

func main() {
	if err := newRootCommand(&rootOptions{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
