package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marginalia/api/internal/app"
	"marginalia/api/internal/assistant"
	"marginalia/api/internal/blob"
	"marginalia/api/internal/config"
	"marginalia/api/internal/pagecache"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	if err := dataStore.RunBackfill(ctx); err != nil {
		log.Fatalf("backfill failed: %v", err)
	}

	blobs, err := blob.New(blob.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("blob storage failed: %v", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		log.Fatalf("blob bucket failed: %v", err)
	}

	var cache *pagecache.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err = pagecache.New(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, page cache disabled: %v", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		searchService.ReindexAllFromPG(ctx)
	}

	var assistantClient *assistant.Client
	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		assistantClient = assistant.New(cfg.OpenAIKey, cfg.OpenAIModel)
	} else {
		log.Printf("WARNING: OPENAI_API_KEY not set, assistant disabled")
	}

	service := app.New(cfg, dataStore, blobs, cache, assistantClient, searchService)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, int64(cfg.MaxUploadBytes))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Marginalia API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
