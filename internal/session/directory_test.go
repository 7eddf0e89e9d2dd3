package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestDirectory(t *testing.T, ttl time.Duration) (*RedisDirectory, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	dir, err := NewRedisDirectory("redis://"+s.Addr(), ttl)
	if err != nil {
		t.Fatalf("failed to create redis directory: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })
	return dir, s
}

var testIdentity = Identity{
	DocumentURL: "https://docs.example.com/d/quarterly-plan",
	CollabURL:   "wss://collab.example.com",
}

func TestNewRedisDirectoryRejectsBadURL(t *testing.T) {
	if _, err := NewRedisDirectory("not a url", 0); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestRegisterAndLookup(t *testing.T) {
	dir, _ := setupTestDirectory(t, time.Minute)
	ctx := context.Background()

	entry := Entry{SessionID: "ses_1", InstanceID: "engine-a", DocumentURL: testIdentity.DocumentURL, CollabURL: testIdentity.CollabURL}
	if err := dir.Register(ctx, testIdentity, entry); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := dir.Lookup(ctx, testIdentity)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.SessionID != "ses_1" || got.InstanceID != "engine-a" {
		t.Errorf("unexpected entry %+v", got)
	}

	entries, err := dir.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

func TestEntryExpiresWithoutRefresh(t *testing.T) {
	dir, s := setupTestDirectory(t, time.Minute)
	ctx := context.Background()

	if err := dir.Register(ctx, testIdentity, Entry{SessionID: "ses_1"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.FastForward(45 * time.Second)
	if err := dir.Refresh(ctx, testIdentity); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	s.FastForward(45 * time.Second)
	if _, err := dir.Lookup(ctx, testIdentity); err != nil {
		t.Fatalf("refreshed entry should still exist: %v", err)
	}

	s.FastForward(2 * time.Minute)
	if _, err := dir.Lookup(ctx, testIdentity); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
	if err := dir.Refresh(ctx, testIdentity); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered on refresh, got %v", err)
	}
}

func TestUnregisterKeepsNewerOwner(t *testing.T) {
	dir, _ := setupTestDirectory(t, time.Minute)
	ctx := context.Background()

	if err := dir.Register(ctx, testIdentity, Entry{SessionID: "ses_new", InstanceID: "engine-b"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := dir.Unregister(ctx, testIdentity, "ses_old"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, err := dir.Lookup(ctx, testIdentity); err != nil {
		t.Fatalf("entry of another session must survive: %v", err)
	}

	if err := dir.Unregister(ctx, testIdentity, "ses_new"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, err := dir.Lookup(ctx, testIdentity); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected entry to be gone, got %v", err)
	}

	// unknown identities are fine
	if err := dir.Unregister(ctx, testIdentity, "ses_new"); err != nil {
		t.Errorf("Unregister of missing entry failed: %v", err)
	}
}

func TestDirectoryPing(t *testing.T) {
	dir, _ := setupTestDirectory(t, 0)
	if err := dir.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if dir.ttl != defaultDirectoryTTL {
		t.Errorf("expected default ttl, got %s", dir.ttl)
	}
}
