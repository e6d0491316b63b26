package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"chroniclekeeper.org/internal/auth"
	"chroniclekeeper.org/internal/client"
)

// Drives register, login, refresh and logout against a running deployment
// and fails loudly when any security invariant does not hold.
func main() {
	addr := os.Getenv("CHRONICLE_SMOKE_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := client.New(addr)
	if err := c.Health(ctx); err != nil {
		log.Fatalf("health check at %s: %v", addr, err)
	}

	username := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	password := fmt.Sprintf("Smoke-Pr0be!%d", time.Now().UnixNano()%1_000_000)

	user, err := c.Register(ctx, auth.RegisterInput{
		Username: username,
		Email:    username + "@smoke.invalid",
		Password: password,
	})
	if err != nil {
		log.Fatalf("register: %v", err)
	}

	if _, err := c.Login(ctx, username, password, false); err != nil {
		log.Fatalf("login: %v", err)
	}

	profile, perms, err := c.Profile(ctx)
	if err != nil {
		log.Fatalf("profile: %v", err)
	}
	if profile.ID != user.ID {
		log.Fatalf("profile returned %s, expected %s", profile.ID, user.ID)
	}
	if len(perms.Permissions) == 0 {
		log.Fatal("fresh account has no permissions; is the RBAC catalog seeded?")
	}

	// Rotation must retire the old refresh token.
	old := c.Tokens()
	if _, err := c.Refresh(ctx); err != nil {
		log.Fatalf("refresh: %v", err)
	}
	replay := client.New(addr)
	replay.SetTokens(old)
	if _, err := replay.Refresh(ctx); err == nil {
		log.Fatal("replayed refresh token was accepted")
	} else {
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 401 {
			log.Fatalf("replayed refresh: expected 401, got %v", err)
		}
	}

	// Logout must kill the presented credential pair.
	final := c.Tokens()
	if err := c.Logout(ctx); err != nil {
		log.Fatalf("logout: %v", err)
	}
	dead := client.New(addr)
	dead.SetTokens(final)
	if _, _, err := dead.Profile(ctx); err == nil {
		log.Fatal("access token survived logout")
	}

	fmt.Printf("✅ chronicle-auth smoke test passed: user=%s\n", username)
}
