package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kcenon/osxfleet/internal/access"
	"github.com/kcenon/osxfleet/internal/agenthub"
	"github.com/kcenon/osxfleet/internal/audit"
	"github.com/kcenon/osxfleet/internal/compliance"
	"github.com/kcenon/osxfleet/internal/config"
	"github.com/kcenon/osxfleet/internal/distribution"
	"github.com/kcenon/osxfleet/internal/events"
	"github.com/kcenon/osxfleet/internal/heartbeat"
	"github.com/kcenon/osxfleet/internal/httpapi"
	"github.com/kcenon/osxfleet/internal/jwtauth"
	"github.com/kcenon/osxfleet/internal/logging"
	"github.com/kcenon/osxfleet/internal/policystore"
	"github.com/kcenon/osxfleet/internal/rbac"
	"github.com/kcenon/osxfleet/internal/registration"
	"github.com/kcenon/osxfleet/internal/registry"
	"github.com/kcenon/osxfleet/internal/storage"
	"github.com/kcenon/osxfleet/internal/userstore"
)

func main() {
	cfg := config.Load()

	if yamlPath := os.Getenv("CONFIG_FILE"); yamlPath != "" {
		if err := config.LoadYAMLOverrides(&cfg, yamlPath); err != nil {
			log.Fatalf("Failed to load config file %s: %v", yamlPath, err)
		}
	}

	logging.Initialize(cfg.LogLevel, cfg.LogPretty)
	log.Println("Starting osxfleet control plane...")

	if cfg.JWT.SecretKey == "change-me-in-production" {
		log.Println("WARNING: JWT_SECRET not set, using an insecure default. Set JWT_SECRET in production.")
	}

	log.Printf("Initializing event bus (%s)...", cfg.EventBackend)
	var bus events.Bus
	switch cfg.EventBackend {
	case "nats":
		natsBus, err := events.NewNATSBus(cfg.NATSURL)
		if err != nil {
			log.Printf("Failed to connect to NATS at %s (falling back to in-memory bus): %v", cfg.NATSURL, err)
			bus = events.NewInMemoryBus(256)
		} else {
			log.Println("Connected to NATS event bus")
			defer natsBus.Close()
			bus = natsBus
		}
	default:
		bus = events.NewInMemoryBus(256)
	}

	log.Printf("Initializing storage backend (%s)...", cfg.StorageBackend)
	var kv storage.KeyValueStore
	switch cfg.StorageBackend {
	case "postgres":
		pg, err := storage.NewPostgresStore(storage.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			DBName:   cfg.Postgres.DBName,
			SSLMode:  cfg.Postgres.SSLMode,
		})
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		kv = pg
	default:
		kv = storage.NewMemoryStore()
	}
	_ = kv // reserved for components that persist beyond process lifetime; core domain state is in-memory per the single-writer model

	log.Println("Initializing JWT revocation store...")
	var revStore storage.RevocationStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("Invalid REDIS_URL (falling back to in-memory revocation store): %v", err)
			revStore = storage.NewLRURevocationStore(cfg.JWT.MaxRevoked)
		} else {
			redisClient := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := redisClient.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				log.Printf("Failed to connect to Redis at %s (falling back to in-memory revocation store): %v", cfg.RedisURL, err)
				redisClient.Close()
				revStore = storage.NewLRURevocationStore(cfg.JWT.MaxRevoked)
			} else {
				log.Println("Redis-backed JWT revocation store enabled")
				defer redisClient.Close()
				revStore = storage.NewRedisRevocationStore(redisClient, cfg.JWT.RefreshTTL)
			}
		}
	} else {
		revStore = storage.NewLRURevocationStore(cfg.JWT.MaxRevoked)
	}
	jwtProvider := jwtauth.NewProvider(cfg.JWT, revStore)

	log.Println("Seeding user store...")
	users := userstore.NewStore()
	bootstrapUser := getEnv("BOOTSTRAP_ADMIN_USERNAME", "admin")
	bootstrapPassword := os.Getenv("BOOTSTRAP_ADMIN_PASSWORD")
	if bootstrapPassword == "" {
		var err error
		bootstrapPassword, err = randomBootstrapPassword()
		if err != nil {
			log.Fatalf("Failed to generate bootstrap admin password: %v", err)
		}
		log.Println("WARNING: BOOTSTRAP_ADMIN_PASSWORD not set, generated a random bootstrap password.")
		log.Printf("Bootstrap admin password: %s (change this immediately after first login)", bootstrapPassword)
	}
	if _, err := users.Seed(bootstrapUser, getEnv("BOOTSTRAP_ADMIN_EMAIL", "admin@localhost"), bootstrapPassword, rbac.RoleAdmin); err != nil {
		log.Fatalf("Failed to seed bootstrap admin user: %v", err)
	}

	log.Println("Initializing Agent Registry...")
	reg := registry.NewRegistry(cfg.Registry)

	log.Println("Initializing Registration Service...")
	regSvc, err := registration.NewService(cfg.Registration, reg, bus)
	if err != nil {
		log.Fatalf("Failed to initialize registration service: %v", err)
	}

	log.Println("Initializing Heartbeat Monitor...")
	hbMonitor := heartbeat.NewMonitor(cfg.Heartbeat, reg, bus)
	hbMonitor.Start()
	defer hbMonitor.Stop()

	log.Println("Initializing Agent Hub...")
	hub := agenthub.NewHub()
	go hub.Run()
	defer hub.Stop()

	log.Println("Initializing Policy Distributor...")
	dist := distribution.NewDistributor(cfg.Distribution, reg, bus, hub)
	hbMonitor.SetDistributor(dist)

	log.Println("Initializing policy catalog...")
	policies := policystore.NewStore()

	log.Println("Initializing audit log...")
	auditLog := audit.NewLog(10000)

	log.Println("Initializing Compliance Reporter...")
	reporter := compliance.NewReporter(cfg.Compliance, reg, dist, auditLog)
	if cronSpec := os.Getenv("COMPLIANCE_RECALC_CRON"); cronSpec != "" {
		scheduler, err := reporter.StartScheduledRecalculation(cronSpec)
		if err != nil {
			log.Printf("Invalid COMPLIANCE_RECALC_CRON %q (scheduled recalculation disabled): %v", cronSpec, err)
		} else {
			log.Printf("Scheduled compliance recalculation: %s", cronSpec)
			defer scheduler.Stop()
		}
	}

	log.Println("Initializing Access Controller...")
	accessCtrl := access.NewController(access.Config{
		DefaultPolicy:   access.DefaultDeny,
		AuditMode:       access.AuditDenials,
		MaxAuditEntries: 10000,
	}, jwtProvider)
	for _, p := range access.DefaultPolicies() {
		accessCtrl.RegisterPolicy(p)
	}
	if cfg.RateLimitEnabled {
		log.Printf("Rate limiting enabled: %.1f req/s, burst %d", cfg.RateLimitRequestsPerSecond, cfg.RateLimitBurst)
		limiter := access.NewRateLimiter(cfg.RateLimitRequestsPerSecond, cfg.RateLimitBurst)
		stopSweeper := limiter.StartSweeper(10000)
		defer stopSweeper()
		accessCtrl.SetRateLimiter(limiter)
	}

	server := &httpapi.Server{
		Access:        accessCtrl,
		JWT:           jwtProvider,
		Users:         users,
		Registry:      reg,
		Registration:  regSvc,
		Heartbeat:     hbMonitor,
		Distributor:   dist,
		Policies:      policies,
		Compliance:    reporter,
		AuditLog:      auditLog,
		ServerVersion: cfg.Registration.ServerVersion,
	}
	router := httpapi.NewRouter(server)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("Control plane listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received shutdown signal: %v", sig)

	shutdownTimeout := 30 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Println("Shutting down HTTP server...")
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	} else {
		log.Println("HTTP server stopped gracefully")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// randomBootstrapPassword mints a one-time password for the seeded admin
// account when the operator hasn't supplied one.
func randomBootstrapPassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
