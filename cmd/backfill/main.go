/**
 * @description
 * Command-line entry point for the account identifier backfill. Runs the same
 * migration the /admin/backfill endpoint exposes, for operators who prefer to
 * drive the rollout from a shell. Pass -dry-run to report the affected row
 * counts without committing.
 *
 * @dependencies
 * - flag, log: Standard Go libraries.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/config, internal/store: Configuration and data access.
 */

package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuspay/ledger-service/internal/config"
	"github.com/campuspay/ledger-service/internal/store"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report affected row counts without committing")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall run timeout")
	flag.Parse()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=backfill msg=\"config load failed\" err=%v", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=backfill msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=backfill msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()

	repository := store.NewPostgresRepository(dbpool, store.Config{
		MaxIDAttempts:             cfg.AccountIDMaxAttempts,
		PromotionWindowStartMonth: cfg.PromotionWindowStartMonth,
		PromotionWindowEndMonth:   cfg.PromotionWindowEndMonth,
	})

	report, err := repository.RunBackfill(ctx, *dryRun)
	if err != nil {
		log.Fatalf("level=fatal component=backfill msg=\"backfill failed\" err=%v", err)
	}

	log.Printf("level=info component=backfill msg=\"backfill finished\" dry_run=%v students=%d payment_terms=%d assessments=%d transactions=%d payments=%d total=%d",
		report.DryRun, report.Students, report.PaymentTerms, report.Assessments,
		report.Transactions, report.Payments, report.Total())
}
