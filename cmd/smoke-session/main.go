// smoke-session drives a full sign-in / refresh / sign-out cycle against a
// real backend using an in-memory vault. It mutates the remote session for
// the supplied account, so point it at a staging environment.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/SanmishaTech/bbng-mo-sub001/internal/backend"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/session"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/vault"
)

func main() {
	baseURL := os.Getenv("BBNG_BACKEND_URL")
	email := os.Getenv("BBNG_SMOKE_EMAIL")
	password := os.Getenv("BBNG_SMOKE_PASSWORD")
	if baseURL == "" || email == "" || password == "" {
		log.Fatal("set BBNG_BACKEND_URL, BBNG_SMOKE_EMAIL and BBNG_SMOKE_PASSWORD")
	}

	client, err := backend.New(baseURL)
	if err != nil {
		log.Fatalf("backend: %v", err)
	}

	store := vault.NewMemory()
	sessions, err := session.NewManager(store, client)
	if err != nil {
		log.Fatalf("session: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessions.Restore(ctx)

	res := sessions.SignIn(ctx, email, password)
	if !res.Success {
		log.Fatalf("sign in failed: %s %v", res.Error, res.ValidationErrors)
	}

	snap := sessions.Snapshot()
	pretty, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Printf("session after sign-in:\n%s\n", pretty)

	switch {
	case sessions.RefreshToken(ctx):
		fmt.Println("refresh: token rotated")
	case sessions.IsAuthenticated():
		fmt.Println("refresh: no refresh token stored, skipped")
	default:
		// A fatal refresh failure hard-clears the session.
		log.Fatal("refresh failed and cleared the session")
	}

	sessions.SignOut(ctx)
	if sessions.IsAuthenticated() {
		log.Fatal("still authenticated after sign-out")
	}
	for _, key := range []string{vault.KeyUserData, vault.KeyAuthToken, vault.KeyRefreshToken} {
		if _, err := store.Get(ctx, key); err == nil {
			log.Fatalf("vault key %s survived sign-out", key)
		}
	}

	fmt.Println("✅ session smoke test passed")
}
