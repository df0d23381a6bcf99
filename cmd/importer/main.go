// Command importer performs a single gate-free import run and exits. Meant
// for cron jobs and debugging; the api server owns the scheduled runs.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brettdup/trainstate/internal/config"
	"github.com/brettdup/trainstate/internal/importer"
	persistence "github.com/brettdup/trainstate/internal/persistence/postgres"
	"github.com/brettdup/trainstate/internal/source"
)

func main() {
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := persistence.RunMigrations(ctx, cfg.PostgresURL, log.Default()); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)
	bridge := source.NewClient(cfg.SourceBaseURL, cfg.SourceToken)
	sink := importer.LogSink{Logger: log.New(log.Writer(), "[run] ", log.LstdFlags)}

	pipeline := importer.New(repo, bridge, sink, cfg.ImporterConfig())

	stats, err := pipeline.Run(ctx)
	if err != nil {
		log.Printf("import failed: %v", err)
		os.Exit(1)
	}
	log.Printf("imported %d workouts (%d skipped, %d routes attached)", stats.Accepted, stats.Skipped, stats.RoutesAttached)
}
