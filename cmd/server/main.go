package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumavoz/conecta/internal/api"
	"github.com/lumavoz/conecta/internal/repository"
	"github.com/lumavoz/conecta/internal/storage"
	"github.com/lumavoz/conecta/internal/webhook"
	"github.com/lumavoz/conecta/internal/whatsapp"
	"github.com/lumavoz/conecta/internal/ws"
	"github.com/lumavoz/conecta/pkg/cache"
	"github.com/lumavoz/conecta/pkg/config"
	"github.com/lumavoz/conecta/pkg/database"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for the whatsmeow sqlstore
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize storage (MinIO)
	var store *storage.Storage
	if cfg.MinioEndpoint != "" {
		store, err = storage.New(storage.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Printf("Warning: Failed to initialize storage: %v (media archiving disabled)", err)
			store = nil
		} else {
			log.Printf("✅ MinIO storage initialized at %s", cfg.MinioEndpoint)
		}
	}

	// Initialize Redis cache
	var redisCache *cache.Cache
	if cfg.RedisURL != "" {
		redisCache, err = cache.New(cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: Failed to initialize Redis cache: %v (message dedup disabled)", err)
			redisCache = nil
		} else {
			log.Printf("✅ Redis cache initialized")
		}
	}

	// Initialize repositories
	repos := repository.NewRepositories(db)

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Protocol credential store shares the main database
	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(context.Background(), "pgx", cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatalf("Failed to initialize credential store: %v", err)
	}

	sessions := whatsapp.NewSessionStore(container, repos.Instance)

	// Media archive is optional; the dialer and supervisor take nil when
	// MinIO is absent
	var archive whatsapp.MediaArchive
	var media whatsapp.MediaCleaner
	if store != nil {
		archive = store
		media = store
	}
	dialer := whatsapp.NewWameowDialer(sessions, archive, cfg)

	// Webhook dispatcher toward the CRM
	dispatcher := webhook.NewDispatcher(cfg.WebhookBaseURL, cfg.WebhookToken, cfg.DispatchDelay)
	if cfg.WebhookBaseURL == "" {
		log.Printf("Warning: WEBHOOK_BASE_URL not set, webhook delivery disabled")
	}

	// Connection supervisor
	supervisor := whatsapp.NewSupervisor(dialer, sessions, media, dispatcher, hub, repos.Instance, redisCache, cfg)

	// Reconnect previously paired instances
	if err := supervisor.LoadExistingInstances(context.Background()); err != nil {
		log.Printf("Warning: Failed to load existing instances: %v", err)
	}

	// Initialize API server
	server := api.NewServer(cfg, supervisor, hub)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")

		supervisor.Shutdown()
		dispatcher.Close()

		if err := server.Shutdown(); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	log.Printf("🚀 Conecta server starting on port %s", cfg.Port)
	if err := server.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
