package cache

import (
	"context"
	"testing"
	"time"

	"github.com/openmotor/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, tenantID, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, tenantID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, tenantID, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, tenantID, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, tenantID, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		// 'b' should be evicted
		val, _ := smallCache.Get(ctx, tenantID, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		// 'a' should still be there
		val, _ = smallCache.Get(ctx, tenantID, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		tenant1 := "tenant-001"
		tenant2 := "tenant-002"

		_ = cache.Set(ctx, tenant1, "shared-key", []byte("tenant1-value"), time.Minute)
		_ = cache.Set(ctx, tenant2, "shared-key", []byte("tenant2-value"), time.Minute)

		val1, _ := cache.Get(ctx, tenant1, "shared-key")
		val2, _ := cache.Get(ctx, tenant2, "shared-key")

		if string(val1) != "tenant1-value" {
			t.Errorf("expected 'tenant1-value', got '%s'", string(val1))
		}
		if string(val2) != "tenant2-value" {
			t.Errorf("expected 'tenant2-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if err == nil {
			t.Error("expected error for empty tenantID")
		}

		_, err = cache.Get(ctx, "", "key")
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("IncrementAmount", func(t *testing.T) {
		window := 100 * time.Millisecond

		total, err := cache.IncrementAmount(ctx, tenantID, "released:user-1:L1", 12345, window)
		if err != nil {
			t.Fatalf("IncrementAmount failed: %v", err)
		}
		if total != 12345 {
			t.Errorf("expected total 12345, got %d", total)
		}

		total, _ = cache.IncrementAmount(ctx, tenantID, "released:user-1:L1", 655, window)
		if total != 13000 {
			t.Errorf("expected total 13000, got %d", total)
		}

		// Zero delta reads the current value without changing it
		total, _ = cache.IncrementAmount(ctx, tenantID, "released:user-1:L1", 0, window)
		if total != 13000 {
			t.Errorf("expected total 13000 after zero-delta read, got %d", total)
		}

		// Wait for window to expire
		time.Sleep(150 * time.Millisecond)

		total, _ = cache.IncrementAmount(ctx, tenantID, "released:user-1:L1", 100, window)
		if total != 100 {
			t.Errorf("expected total 100 after window reset, got %d", total)
		}
	})

	t.Run("RulesetCache", func(t *testing.T) {
		rs := &domain.Ruleset{
			Version:      "v1",
			TaxFreeLimit: decimal.RequireFromString("800"),
			Active:       true,
		}

		err := cache.SetRuleset(ctx, tenantID, rs, time.Minute)
		if err != nil {
			t.Fatalf("SetRuleset failed: %v", err)
		}

		retrieved, err := cache.GetRuleset(ctx, tenantID, "v1")
		if err != nil {
			t.Fatalf("GetRuleset failed: %v", err)
		}
		if retrieved == nil {
			t.Fatal("expected cached ruleset")
		}
		if retrieved.Version != "v1" {
			t.Errorf("expected version v1, got %s", retrieved.Version)
		}
		if !retrieved.TaxFreeLimit.Equal(rs.TaxFreeLimit) {
			t.Errorf("expected taxFreeLimit %s, got %s", rs.TaxFreeLimit, retrieved.TaxFreeLimit)
		}

		// Active snapshot is also reachable under the alias
		alias, err := cache.GetRuleset(ctx, tenantID, "active")
		if err != nil {
			t.Fatalf("GetRuleset failed: %v", err)
		}
		if alias == nil || alias.Version != "v1" {
			t.Errorf("expected active alias to resolve to v1, got %+v", alias)
		}
	})

	t.Run("InactiveRulesetSkipsAlias", func(t *testing.T) {
		freshCache := NewLRUCache(10)

		rs := &domain.Ruleset{Version: "v2"}
		if err := freshCache.SetRuleset(ctx, tenantID, rs, time.Minute); err != nil {
			t.Fatalf("SetRuleset failed: %v", err)
		}

		alias, err := freshCache.GetRuleset(ctx, tenantID, "active")
		if err != nil {
			t.Fatalf("GetRuleset failed: %v", err)
		}
		if alias != nil {
			t.Errorf("expected no active alias for inactive snapshot, got %+v", alias)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		// Cache should be empty after close
		val, _ := testCache.Get(ctx, tenantID, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
