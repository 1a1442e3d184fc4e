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

	"handbook/api/internal/accounts"
	"handbook/api/internal/app"
	"handbook/api/internal/blob"
	"handbook/api/internal/config"
	"handbook/api/internal/github"
	"handbook/api/internal/leaderboard"
	"handbook/api/internal/publish"
	"handbook/api/internal/search"
	"handbook/api/internal/staging"
	"handbook/api/internal/store"
	"handbook/api/internal/turnstile"
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

	blobs, err := blob.NewStore(ctx, blob.Config{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		PublicBaseURL: cfg.MinioPublicBaseURL,
	})
	if err != nil {
		log.Fatalf("blob store connection failed: %v", err)
	}

	repo, err := github.NewClient(github.Config{
		BaseURL:        cfg.GitHubAPIBaseURL,
		Owner:          cfg.RepoOwner,
		Repo:           cfg.RepoName,
		Token:          cfg.GitHubToken,
		AppID:          cfg.GitHubAppID,
		InstallationID: cfg.GitHubInstallID,
		PrivateKeyPEM:  cfg.GitHubAppKeyPEM,
	})
	if err != nil {
		log.Fatalf("repository client failed: %v", err)
	}

	var ranking leaderboard.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the word-score leaderboard")
		redisRanking, err := leaderboard.NewRedisServiceFromURL(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisRanking.Close()
		ranking = redisRanking
	} else {
		log.Printf("Using PostgreSQL for the word-score leaderboard")
		ranking = leaderboard.NewStoreService(dataStore)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore)

	accountService := accounts.NewService(dataStore, cfg.OwnerToken, cfg.SessionTTL)
	stagingService := staging.NewService(blobs)
	orchestrator := publish.NewOrchestrator(repo, blobs, dataStore, ranking, publish.Options{
		BaseBranch:        cfg.BaseBranch,
		ContentRootPrefix: cfg.ContentRootPrefix,
		AssetRepoPrefix:   cfg.AssetRepoPrefix,
		AssetPublicPrefix: cfg.AssetPublicPrefix,
		PRLabels:          cfg.PRLabels,
		PRReviewers:       cfg.PRReviewers,
		PRAssignees:       cfg.PRAssignees,
	})

	service := app.NewService(app.ServiceConfig{
		Store:      dataStore,
		Staging:    stagingService,
		Publisher:  orchestrator,
		Captcha:    turnstile.NewService(cfg.TurnstileSecret),
		Accounts:   accountService,
		Ranking:    ranking,
		Search:     searchService,
		Blobs:      blobs,
		IPSalt:     cfg.IPHashSalt,
		StagingTTL: cfg.StagingTTL,
	})

	// Expired session rows only stop a login lookup, not disk; an hourly
	// sweep keeps the table small.
	purgeCtx, cancelPurge := context.WithCancel(ctx)
	defer cancelPurge()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-purgeCtx.Done():
				return
			case <-ticker.C:
				if err := accountService.PurgeExpired(purgeCtx); err != nil {
					log.Printf("session purge failed: %v", err)
				}
			}
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Handbook API listening on %s", cfg.Addr)
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
