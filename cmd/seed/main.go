package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"chroniclekeeper.org/internal/auth"
	"chroniclekeeper.org/internal/config"
)

// seed installs the permission catalog and built-in roles, then optionally
// creates the first super_admin from CHRONICLE_BOOTSTRAP_ADMIN_* credentials.
// Every step is idempotent, so rerunning after a partial failure is safe.
func main() {
	_ = godotenv.Load()
	log.SetFlags(0)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseDSN == "" {
		log.Fatal("missing DSN: set CHRONICLE_PG_DSN (the api seeds its own in-memory store)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := auth.NewPGStore(db)

	// The cache here is throwaway; nothing serves requests from this process.
	rbac, err := auth.NewRBACService(store, auth.NewMemoryPermissionCache(cfg.PermissionCacheTTL))
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}

	if err := rbac.SeedDefaults(ctx); err != nil {
		log.Fatalf("seed rbac defaults: %v", err)
	}
	log.Println("permission catalog and built-in roles seeded")

	if cfg.BootstrapAdminUsername == "" {
		return
	}

	tokens, err := auth.NewTokenManager(cfg.AuthSecret)
	if err != nil {
		log.Fatalf("token manager: %v", err)
	}
	svc, err := auth.NewService(store, tokens, rbac, auth.NewMemoryRevocationList(),
		auth.WithPasswordHasher(auth.NewPasswordHasher(cfg.BcryptCost)),
		auth.WithPasswordPolicy(cfg.PasswordPolicy()),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	admin, err := svc.Register(ctx, auth.RegisterInput{
		Username: cfg.BootstrapAdminUsername,
		Email:    cfg.BootstrapAdminEmail,
		Password: cfg.BootstrapAdminPassword,
		FullName: "Bootstrap Administrator",
	})
	switch {
	case err == nil:
		// Registration leaves accounts pending; the bootstrap admin must
		// be able to administer immediately. The empty actor records this
		// as a system action.
		if _, err := svc.SetUserStatus(ctx, admin.ID, auth.UserStatusActive, ""); err != nil {
			log.Fatalf("activate bootstrap admin: %v", err)
		}
		log.Printf("bootstrap admin %q created", admin.Username)
	default:
		var conflict *auth.ConflictError
		if !errors.As(err, &conflict) {
			log.Fatalf("create bootstrap admin: %v", err)
		}
		admin, err = store.Users(ctx).FindByLogin(ctx, cfg.BootstrapAdminUsername)
		if err != nil {
			log.Fatalf("find existing bootstrap admin: %v", err)
		}
		log.Printf("bootstrap admin %q already exists", admin.Username)
	}

	granted, err := rbac.AssignRoleByName(ctx, admin.ID, auth.RoleSuperAdmin, "")
	if err != nil {
		log.Fatalf("assign super_admin: %v", err)
	}
	if granted {
		log.Printf("super_admin granted to %q", admin.Username)
	} else {
		log.Printf("super_admin already held by %q", admin.Username)
	}
}
