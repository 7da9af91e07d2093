package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(mr.Addr(), "", 0, ttl)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_RoundTrip(t *testing.T) {
	store, mr := newTestRedis(t, 0)
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	want := testSnapshot("daily-sales", at)

	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !mr.Exists("evolvecast:snapshot:daily-sales") {
		t.Fatal("snapshot key not written")
	}
	if ttl := mr.TTL("evolvecast:snapshot:daily-sales"); ttl != 48*time.Hour {
		t.Errorf("TTL = %s, want 48h", ttl)
	}

	got, found, err := store.GetLatest(ctx, "daily-sales")
	if err != nil || !found {
		t.Fatalf("GetLatest() = found %v, error %v", found, err)
	}
	if !got.GeneratedAt.Equal(at) || !got.Index[1].Equal(want.Index[1]) {
		t.Errorf("timestamps = %v %v, want %v %v", got.GeneratedAt, got.Index, at, want.Index)
	}
	if got.Series[0].Upper[1] != 13 || got.Series[0].Template != "abc" || got.Interval != 0.9 {
		t.Errorf("series = %+v", got.Series[0])
	}
}

func TestRedisStore_Expiry(t *testing.T) {
	store, mr := newTestRedis(t, time.Minute)
	ctx := context.Background()
	_ = store.Put(ctx, testSnapshot("sales", time.Now()))
	mr.FastForward(2 * time.Minute)
	if _, found, err := store.GetLatest(ctx, "sales"); found || err != nil {
		t.Errorf("GetLatest() after expiry = found %v, error %v", found, err)
	}
}

func TestRedisStore_Errors(t *testing.T) {
	store, mr := newTestRedis(t, 0)
	ctx := context.Background()

	if err := store.Put(ctx, Snapshot{Name: "bad name"}); err == nil {
		t.Error("Put() with invalid name error = nil")
	}
	if _, _, err := store.GetLatest(ctx, ""); err == nil {
		t.Error("GetLatest(\"\") error = nil")
	}
	if _, found, err := store.GetLatest(ctx, "missing"); found || err != nil {
		t.Errorf("GetLatest(missing) = found %v, error %v", found, err)
	}

	_ = mr.Set("evolvecast:snapshot:broken", "{not json")
	if _, _, err := store.GetLatest(ctx, "broken"); err == nil {
		t.Error("GetLatest() on corrupt value error = nil")
	}

	if _, err := NewRedisStore("", "", 0, 0); err == nil {
		t.Error("NewRedisStore(\"\") error = nil")
	}
	if _, err := NewRedisStore(mr.Addr(), "", -1, 0); err == nil {
		t.Error("NewRedisStore(db -1) error = nil")
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
