package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dleitner/syllaparse/internal/api"
	"github.com/dleitner/syllaparse/internal/config"
	"github.com/dleitner/syllaparse/internal/database"
	"github.com/dleitner/syllaparse/internal/inference"
	"github.com/dleitner/syllaparse/internal/queue"
	"github.com/dleitner/syllaparse/internal/ratelimit"
	"github.com/dleitner/syllaparse/internal/rescache"
	"github.com/dleitner/syllaparse/internal/resultcache"
	"github.com/dleitner/syllaparse/internal/s3storage"
	"github.com/dleitner/syllaparse/internal/sharelink"
	"github.com/dleitner/syllaparse/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Without a database the service still works; every request just
	// recomputes and share links are unavailable.
	var (
		pool *pgxpool.Pool
		db   store.DBTX
	)
	if cfg.DatabaseURL != "" {
		pool, err = database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect database: %v", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		db = pool
	} else {
		log.Printf("no database configured; running with caching disabled")
	}

	var hits sharelink.HitQueue
	if db != nil {
		asynqClient := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer asynqClient.Close()
		hits = queue.NewClient(asynqClient)
	}

	var archive api.Archive
	if s3arch, err := s3storage.New(cfg); err != nil {
		log.Fatalf("init storage: %v", err)
	} else if s3arch != nil {
		if err := s3arch.EnsureBucket(ctx); err != nil {
			log.Fatalf("ensure bucket: %v", err)
		}
		archive = s3arch
	}

	results := resultcache.New(db)
	infClient := inference.NewClient(cfg.InferenceBaseURL, cfg.InferenceAPIKey)
	srv := api.New(
		cfg,
		rescache.New(db, cfg.HandleSafetyMargin),
		results,
		sharelink.New(db, results, hits),
		ratelimit.New(cfg.RateLimit, cfg.RateWindow),
		archive,
		infClient,
		infClient,
	)
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
