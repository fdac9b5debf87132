package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"catia-session/internal/client"
	"catia-session/internal/config"
	"catia-session/internal/encryption"
	"catia-session/internal/identity"
)

func testRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := &client.RedisClient{
		Client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	}
	sealer := encryption.NewTokenSealer(&config.Config{}, nil)
	cfg := config.SessionConfig{
		TTL:              10 * time.Minute,
		RefreshThreshold: 2 * time.Second,
		MaxOTPAttempts:   3,
		MaxSelections:    3,
	}
	return NewRedisStore(rdb, sealer, cfg), mr
}

func testCredentials() Credentials {
	return Credentials{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-def",
		TokenType:    "Bearer",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		ExpiresIn:    86400,
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, mr := testRedisStore(t)
	ctx := context.Background()
	cred := testCredentials()
	profile := identity.UserProfile{Name: "Ana", Surname: "Rojas", DocumentNumber: "123456789"}

	if err := store.SaveCredentials(ctx, "123456789", "CC", cred, profile); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, err := store.Get(ctx, "123456789")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Credentials.AccessToken != cred.AccessToken || rec.Credentials.RefreshToken != cred.RefreshToken {
		t.Fatalf("credentials = %+v", rec.Credentials)
	}
	if rec.AttemptsRemaining != 3 {
		t.Fatalf("attempts = %d, want 3", rec.AttemptsRemaining)
	}
	if rec.Profile != profile {
		t.Fatalf("profile = %+v", rec.Profile)
	}

	// Tokens must not sit in Redis in the clear.
	stored := mr.HGet("citizen_session:123456789", "accessToken")
	if stored == cred.AccessToken {
		t.Fatal("access token stored unsealed")
	}

	if ttl := mr.TTL("citizen_session:123456789"); ttl != 10*time.Minute {
		t.Fatalf("ttl = %v, want 10m", ttl)
	}
}

func TestRedisStoreGetMissingRecord(t *testing.T) {
	store, _ := testRedisStore(t)

	_, err := store.Get(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRedisStoreDecrementScriptFloorsAtZero(t *testing.T) {
	store, _ := testRedisStore(t)
	ctx := context.Background()

	// Fresh record starts from the configured maximum.
	for want := 2; want >= 0; want-- {
		got, err := store.DecrementAttempts(ctx, "123456789")
		if err != nil {
			t.Fatalf("decrement: %v", err)
		}
		if got != want {
			t.Fatalf("remaining = %d, want %d", got, want)
		}
	}

	// Past zero the counter stays at zero.
	got, err := store.DecrementAttempts(ctx, "123456789")
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}

	remaining, err := store.AttemptsRemaining(ctx, "123456789")
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
}

func TestRedisStoreAttemptsForUnknownCitizen(t *testing.T) {
	store, _ := testRedisStore(t)

	remaining, err := store.AttemptsRemaining(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("remaining = %d, want full budget", remaining)
	}
}

func TestRedisStoreSelectionScript(t *testing.T) {
	store, _ := testRedisStore(t)
	ctx := context.Background()

	for i, chip := range []string{"AAA1", "AAA2"} {
		result, err := store.AddSelection(ctx, "123456789", chip)
		if err != nil {
			t.Fatalf("add %s: %v", chip, err)
		}
		if !result.Accepted || result.Total != i+1 || result.LimitReached {
			t.Fatalf("add %s = %+v", chip, result)
		}
	}

	// Duplicates are idempotent and do not consume a slot.
	result, err := store.AddSelection(ctx, "123456789", "AAA1")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if !result.Accepted || result.Total != 2 || result.LimitReached {
		t.Fatalf("duplicate = %+v", result)
	}

	if result, err = store.AddSelection(ctx, "123456789", "AAA3"); err != nil || result.Total != 3 {
		t.Fatalf("third = %+v, err %v", result, err)
	}

	// A fourth distinct chip is rejected and the set stays unchanged.
	result, err = store.AddSelection(ctx, "123456789", "AAA4")
	if err != nil {
		t.Fatalf("fourth: %v", err)
	}
	if result.Accepted || !result.LimitReached || result.Total != 3 {
		t.Fatalf("fourth = %+v", result)
	}

	rec, err := store.Get(ctx, "123456789")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := []string{"AAA1", "AAA2", "AAA3"}
	if len(rec.SelectedProperties) != len(want) {
		t.Fatalf("selections = %v, want %v", rec.SelectedProperties, want)
	}
	for i := range want {
		if rec.SelectedProperties[i] != want[i] {
			t.Fatalf("selections = %v, want %v (order preserved)", rec.SelectedProperties, want)
		}
	}
}

func TestRedisStoreUpdateCredentialsKeepsProfile(t *testing.T) {
	store, _ := testRedisStore(t)
	ctx := context.Background()
	profile := identity.UserProfile{Name: "Ana", Surname: "Rojas", DocumentNumber: "123456789"}

	if err := store.SaveCredentials(ctx, "123456789", "CC", testCredentials(), profile); err != nil {
		t.Fatalf("save: %v", err)
	}

	refreshed := Credentials{
		AccessToken:  "access-new",
		RefreshToken: "refresh-new",
		TokenType:    "Bearer",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		ExpiresIn:    86400,
	}
	if err := store.UpdateCredentials(ctx, "123456789", refreshed); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, err := store.Get(ctx, "123456789")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Credentials.AccessToken != "access-new" || rec.Credentials.RefreshToken != "refresh-new" {
		t.Fatalf("credentials = %+v", rec.Credentials)
	}
	if rec.Profile != profile {
		t.Fatalf("profile lost on refresh: %+v", rec.Profile)
	}
	if rec.AttemptsRemaining != 3 {
		t.Fatalf("attempts = %d, want untouched 3", rec.AttemptsRemaining)
	}
}
