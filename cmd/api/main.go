package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"chroniclekeeper.org/internal/auth"
	"chroniclekeeper.org/internal/config"
	"chroniclekeeper.org/internal/httpapi"
	"chroniclekeeper.org/internal/obs"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	_ = godotenv.Load()
	log.SetFlags(0)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres when a DSN is set, otherwise the in-memory store. /readyz
	// pings whatever backends are actually wired.
	var (
		db    *sql.DB
		store auth.Store
	)
	if cfg.DatabaseDSN != "" {
		db, err = sql.Open("pgx", cfg.DatabaseDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = auth.NewPGStore(db)
	} else {
		log.Println("CHRONICLE_PG_DSN not set, running on the in-memory store")
		store = auth.NewMemoryStore()
	}

	var (
		rdb     *redis.Client
		revoked auth.RevocationList
		cache   auth.PermissionCache
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		revoked, err = auth.NewRedisRevocationList(rdb)
		if err != nil {
			log.Fatalf("redis revocation list: %v", err)
		}
		cache, err = auth.NewRedisPermissionCache(rdb, cfg.PermissionCacheTTL)
		if err != nil {
			log.Fatalf("redis permission cache: %v", err)
		}
	} else {
		revoked = auth.NewMemoryRevocationList()
		cache = auth.NewMemoryPermissionCache(cfg.PermissionCacheTTL)
	}

	tokenOpts := []auth.TokenOption{
		auth.WithAccessTTL(cfg.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
	}
	if cfg.TokenIssuer != "" {
		tokenOpts = append(tokenOpts, auth.WithIssuer(cfg.TokenIssuer))
	}
	if cfg.TokenAudience != "" {
		tokenOpts = append(tokenOpts, auth.WithAudience(cfg.TokenAudience))
	}
	tokens, err := auth.NewTokenManager(cfg.AuthSecret, tokenOpts...)
	if err != nil {
		log.Fatalf("token manager: %v", err)
	}

	rbac, err := auth.NewRBACService(store, cache)
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}

	svc, err := auth.NewService(store, tokens, rbac, revoked,
		auth.WithPasswordHasher(auth.NewPasswordHasher(cfg.BcryptCost)),
		auth.WithPasswordPolicy(cfg.PasswordPolicy()),
		auth.WithMaxFailedLogins(cfg.MaxFailedLogins),
		auth.WithLockoutWindow(cfg.LockoutWindow),
		auth.WithMaxSessions(cfg.MaxSessions),
		auth.WithRememberMeTTL(cfg.RememberMeTTL),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	apikeys, err := auth.NewAPIKeyService(store)
	if err != nil {
		log.Fatalf("api key service: %v", err)
	}

	// Idempotent, so safe on every boot. Keeps fresh databases and the
	// in-memory store usable without a separate seed step.
	seedCtx, seedCancel := context.WithTimeout(ctx, 30*time.Second)
	err = rbac.SeedDefaults(seedCtx)
	seedCancel()
	if err != nil {
		log.Fatalf("seed rbac defaults: %v", err)
	}

	api := httpapi.New(svc, rbac, apikeys,
		httpapi.ReadyProbe{DB: db, Redis: rdb},
		httpapi.Options{
			Version:             version,
			SecureCookies:       cfg.SecureCookies,
			LoginRatePerMinute:  cfg.LoginRatePerMinute,
			RegisterRatePerHour: cfg.RegisterRatePerHour,
			MaxBodyBytes:        cfg.MaxBodyBytes,
		})

	// Housekeeping: expired sessions and swept revocation entries.
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(ctx, time.Minute)
				if err := svc.Cleanup(sweepCtx); err != nil {
					obs.Event("warn", "housekeeping sweep failed", map[string]any{"error": err.Error()})
				}
				sweepCancel()
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting chronicle-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Println("Stopped")
}
