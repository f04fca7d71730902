package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/basket-checkout/internal/core/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisReserve_Success(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	if err := adapter.Seed(ctx, "apple", 10); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Test
	stock, err := adapter.Reserve(ctx, "apple", 3, "t1:apple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stock != 7 {
		t.Errorf("expected new stock 7, got %d", stock)
	}

	// Verify
	raw, _ := mr.Get("stock:apple")
	if raw != "7" {
		t.Errorf("expected stored stock 7, got %s", raw)
	}
	held, _ := mr.Get("reservation:t1:apple")
	if held != "held:3" {
		t.Errorf("expected reservation held:3, got %q", held)
	}

	// Repeating the same token does not take stock twice
	stock, err = adapter.Reserve(ctx, "apple", 3, "t1:apple")
	if err != nil || stock != 7 {
		t.Errorf("expected replay to report 7, got %d (%v)", stock, err)
	}
	raw, _ = mr.Get("stock:apple")
	if raw != "7" {
		t.Errorf("expected stored stock 7 after replay, got %s", raw)
	}
}

func TestRedisReserve_InsufficientStock(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	_ = adapter.Seed(ctx, "apple", 5)

	// Test - try to reserve more than available
	_, err := adapter.Reserve(ctx, "apple", 10, "t1:apple")
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.Available != 5 || insufficient.Wanted != 10 {
		t.Errorf("unexpected error detail: %+v", insufficient)
	}

	// Verify stock unchanged
	raw, _ := mr.Get("stock:apple")
	if raw != "5" {
		t.Errorf("expected stock 5, got %s", raw)
	}
	if mr.Exists("reservation:t1:apple") {
		t.Error("a refused reservation should not be recorded")
	}
}

func TestRedisReserve_ProvisionsSeedStock(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, WithSeedStock(2))

	// Absent record reads as the seed value without being created
	stock, err := adapter.GetStock(ctx, "pear")
	if err != nil || stock != 2 {
		t.Fatalf("expected seed stock 2, got %d (%v)", stock, err)
	}
	if mr.Exists("stock:pear") {
		t.Fatal("GetStock should not create the record")
	}

	stock, err = adapter.Reserve(ctx, "pear", 2, "t1:pear")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stock != 0 {
		t.Errorf("expected stock 0, got %d", stock)
	}

	_, err = adapter.Reserve(ctx, "pear", 1, "t2:pear")
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Errorf("expected insufficient stock, got %v", err)
	}
}

// conflictHook writes the watched key from a second connection right after the
// first GET, so the adapter's EXEC is aborted.
type conflictHook struct {
	other *redis.Client
	key   string
	fired atomic.Bool
}

func (h *conflictHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *conflictHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == "get" && len(cmd.Args()) > 1 && cmd.Args()[1] == h.key && h.fired.CompareAndSwap(false, true) {
			h.other.Set(ctx, h.key, 4, 0)
		}
		return err
	}
}

func (h *conflictHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisReserve_ConcurrentWriteIsConflict(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()

	adapter := NewRedisAdapter(client)
	_ = adapter.Seed(ctx, "apple", 5)
	client.AddHook(&conflictHook{other: other, key: "stock:apple"})

	_, err := adapter.Reserve(ctx, "apple", 1, "t1:apple")
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}

	// The interleaved write wins and nothing else is applied
	raw, _ := mr.Get("stock:apple")
	if raw != "4" {
		t.Errorf("expected stock 4, got %s", raw)
	}

	// A retry succeeds against the new value
	stock, err := adapter.Reserve(ctx, "apple", 1, "t1:apple")
	if err != nil || stock != 3 {
		t.Errorf("expected retry to leave 3, got %d (%v)", stock, err)
	}
}

func TestRedisReserve_ConcurrentNeverOversells(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	initialStock := 20
	totalRequests := 50

	// Setup
	_ = adapter.Seed(ctx, "concurrent", initialStock)

	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("t%d:concurrent", i)
			for {
				_, err := adapter.Reserve(ctx, "concurrent", 1, token)
				if errors.Is(err, domain.ErrConcurrencyConflict) {
					continue
				}
				if errors.Is(err, domain.ErrInsufficientStock) {
					return
				}
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				successCount.Add(1)
				return
			}
		}(i)
	}

	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successes, got %d", initialStock, successCount.Load())
	}

	raw, _ := mr.Get("stock:concurrent")
	if raw != "0" {
		t.Errorf("expected stock 0, got %s", raw)
	}
}

func TestRedisRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, WithKeyPrefix("shop"))

	// Setup
	_ = adapter.Seed(ctx, "apple", 5)
	if _, err := adapter.Reserve(ctx, "apple", 3, "t1:apple"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// Test - every repeat after the first is a no-op
	for i := 0; i < 3; i++ {
		stock, err := adapter.Release(ctx, "apple", "t1:apple")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stock != 5 {
			t.Errorf("release %d: expected stock 5, got %d", i+1, stock)
		}
	}

	// Verify prefixed keys
	got, _ := client.Get(ctx, "shop:stock:apple").Int()
	if got != 5 {
		t.Errorf("expected stored stock 5, got %d", got)
	}
	state, _ := mr.Get("shop:reservation:t1:apple")
	if state != "released" {
		t.Errorf("expected reservation released, got %q", state)
	}
	if ttl := mr.TTL("shop:reservation:t1:apple"); ttl <= 0 {
		t.Errorf("expected reservation to expire, got ttl %v", ttl)
	}

	_, err := adapter.Reserve(ctx, "apple", 1, "t1:apple")
	if !errors.Is(err, domain.ErrReservationReleased) {
		t.Errorf("expected ErrReservationReleased, got %v", err)
	}
}

func TestRedisRelease_UnknownTokenIsTombstoned(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// A reservation whose outcome was never seen is released before it lands
	stock, err := adapter.Release(ctx, "kiwi", "t1:kiwi")
	if err != nil || stock != domain.DefaultSeedStock {
		t.Fatalf("expected %d, got %d (%v)", domain.DefaultSeedStock, stock, err)
	}
	if mr.Exists("stock:kiwi") {
		t.Error("releasing an unknown token should not touch stock")
	}

	_, err = adapter.Reserve(ctx, "kiwi", 1, "t1:kiwi")
	if !errors.Is(err, domain.ErrReservationReleased) {
		t.Errorf("expected the late reserve to be refused, got %v", err)
	}
	stock, _ = adapter.GetStock(ctx, "kiwi")
	if stock != domain.DefaultSeedStock {
		t.Errorf("expected stock %d, got %d", domain.DefaultSeedStock, stock)
	}
}

func TestRedisReserve_RejectsNonPositiveQuantity(t *testing.T) {
	_, client := newTestRedis(t)
	adapter := NewRedisAdapter(client)

	_, err := adapter.Reserve(context.Background(), "apple", 0, "t1:apple")
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	_, err = adapter.Release(context.Background(), "apple", "")
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error for a missing token, got %v", err)
	}
}

func TestRedisLoadSave(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	_, found, err := adapter.Load(ctx, "basket:s1")
	if err != nil || found {
		t.Fatalf("expected missing key, got found=%v err=%v", found, err)
	}

	if err := adapter.Save(ctx, "basket:s1", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	value, found, err := adapter.Load(ctx, "basket:s1")
	if err != nil || !found || string(value) != `{"x":1}` {
		t.Errorf("unexpected load result %q found=%v err=%v", value, found, err)
	}
}

func TestRedisCheckoutLock_Concurrent(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	var successCount atomic.Int32
	var mu sync.Mutex
	var holder string
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, ok, err := adapter.Acquire(ctx, "checkout:s1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
				mu.Lock()
				holder = token
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	// Only one should succeed
	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}

	if err := adapter.Unlock(ctx, "checkout:s1", holder); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	_, ok, _ := adapter.Acquire(ctx, "checkout:s1")
	if !ok {
		t.Error("expected lock to be free after unlock")
	}
}

func TestRedisCheckoutLock_ExpiredHolderCannotUnlock(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, WithLockTTL(time.Second))

	first, ok, err := adapter.Acquire(ctx, "checkout:s1")
	if err != nil || !ok {
		t.Fatalf("first acquire failed: %v %v", ok, err)
	}

	// The first checkout overruns its TTL and a second one takes over
	mr.FastForward(2 * time.Second)
	second, ok, err := adapter.Acquire(ctx, "checkout:s1")
	if err != nil || !ok {
		t.Fatalf("second acquire failed: %v %v", ok, err)
	}

	if err := adapter.Unlock(ctx, "checkout:s1", first); err != nil {
		t.Fatalf("stale unlock failed: %v", err)
	}
	if _, ok, _ := adapter.Acquire(ctx, "checkout:s1"); ok {
		t.Fatal("a stale holder must not free the current holder's lock")
	}
	stored, _ := mr.Get("lock:checkout:s1")
	if stored != second {
		t.Errorf("expected the second holder's token, got %q", stored)
	}

	if err := adapter.Unlock(ctx, "checkout:s1", second); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if _, ok, _ := adapter.Acquire(ctx, "checkout:s1"); !ok {
		t.Error("expected lock to be free after its holder unlocked")
	}
}
