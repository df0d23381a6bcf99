package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brettdup/trainstate/internal/api"
	"github.com/brettdup/trainstate/internal/auth"
	"github.com/brettdup/trainstate/internal/config"
	"github.com/brettdup/trainstate/internal/domain"
	"github.com/brettdup/trainstate/internal/events"
	"github.com/brettdup/trainstate/internal/importer"
	persistence "github.com/brettdup/trainstate/internal/persistence/postgres"
	"github.com/brettdup/trainstate/internal/source"
	httptransport "github.com/brettdup/trainstate/internal/transport/http"
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

	var sink importer.ProgressSink
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.ImportEventsTopic)
		defer publisher.Close()
		sink = publisher
	} else {
		log.Println("no kafka brokers configured, logging lifecycle events")
		sink = importer.LogSink{Logger: log.New(log.Writer(), "[events] ", log.LstdFlags)}
	}

	pipeline := importer.New(repo, bridge, sink, cfg.ImporterConfig())
	gate := importer.NewGate(pipeline, bridge, importer.GateConfig{
		MinRefreshInterval: cfg.MinRefreshInterval,
		Cooldown:           cfg.ImportCooldown,
	})

	// Background refresher. The gate decides whether a tick becomes a run.
	go func() {
		ticker := time.NewTicker(cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				outcome := gate.Request(ctx)
				if outcome.Status == importer.StatusFailed {
					log.Printf("scheduled import failed: %s", outcome.Stats.Error)
				}
			}
		}
	}()

	service := domain.NewService(repo)
	handler := api.NewHandler(service, gate, ctx)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:       cfg.HTTPAddress,
		ShutdownGrace: 15 * time.Second,
	}, authMiddleware.Wrap(logger(mux)))

	log.Printf("trainstate listening on %s", cfg.HTTPAddress)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
