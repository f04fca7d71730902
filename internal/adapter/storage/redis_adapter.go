package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/basket-checkout/internal/core/domain"
)

const (
	stockKeyPrefix        = "stock:"
	reservationKeyPrefix  = "reservation:"
	lockKeyPrefix         = "lock:"
	reservationReleased   = "released"
	defaultLockTTL        = 30 * time.Second
	defaultReservationTTL = 24 * time.Hour
	defaultSeedStock      = domain.DefaultSeedStock
)

// releaseStockScript gives back what a reservation took, once. An unknown
// token is tombstoned so a late Reserve for it is refused. An absent stock
// record is provisioned with the seed stock first so the result matches what
// GetStock reported.
var releaseStockScript = redis.NewScript(`
local stockKey = KEYS[1]
local reservationKey = KEYS[2]
local seed = ARGV[1]
local ttl = ARGV[2]

local function current()
	local v = redis.call('GET', stockKey)
	if v then
		return tonumber(v)
	end
	return tonumber(seed)
end

local state = redis.call('GET', reservationKey)
if not state then
	redis.call('SET', reservationKey, 'released', 'PX', ttl)
	return current()
end
if state == 'released' then
	return current()
end

local quantity = tonumber(string.sub(state, 6))
if redis.call('EXISTS', stockKey) == 0 then
	redis.call('SET', stockKey, seed)
end
redis.call('SET', reservationKey, 'released', 'PX', ttl)
return redis.call('INCRBY', stockKey, quantity)
`)

// unlockScript deletes the lock only while it still carries the caller's token.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisOption func(*RedisAdapter)

// WithKeyPrefix namespaces every key as "<prefix>:<key>".
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisAdapter) { r.prefix = prefix }
}

func WithSeedStock(stock int) RedisOption {
	return func(r *RedisAdapter) { r.seedStock = stock }
}

func WithLockTTL(ttl time.Duration) RedisOption {
	return func(r *RedisAdapter) {
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

// WithReservationTTL bounds how long reservation tokens are remembered. It
// must outlast any retry of a Reserve or Release for the same token.
func WithReservationTTL(ttl time.Duration) RedisOption {
	return func(r *RedisAdapter) {
		if ttl > 0 {
			r.reservationTTL = ttl
		}
	}
}

// RedisAdapter is the Redis-backed inventory oracle, session snapshot store
// and checkout lock.
type RedisAdapter struct {
	client         *redis.Client
	prefix         string
	seedStock      int
	lockTTL        time.Duration
	reservationTTL time.Duration
}

func NewRedisAdapter(client *redis.Client, opts ...RedisOption) *RedisAdapter {
	r := &RedisAdapter{
		client:         client,
		seedStock:      defaultSeedStock,
		lockTTL:        defaultLockTTL,
		reservationTTL: defaultReservationTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisAdapter) key(parts ...string) string {
	k := strings.Join(parts, "")
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *RedisAdapter) GetStock(ctx context.Context, sku string) (int, error) {
	stock, err := r.client.Get(ctx, r.key(stockKeyPrefix, sku)).Int()
	if errors.Is(err, redis.Nil) {
		return r.seedStock, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get stock %s: %w", sku, err)
	}
	return stock, nil
}

// Reserve decrements stock and records the token inside WATCH/MULTI/EXEC. A
// concurrent write to either key between the read and EXEC surfaces as
// domain.ErrConcurrencyConflict.
func (r *RedisAdapter) Reserve(ctx context.Context, sku string, qty int, token string) (int, error) {
	if err := validateReservation(sku, qty, token); err != nil {
		return 0, err
	}
	key := r.key(stockKeyPrefix, sku)
	resKey := r.key(reservationKeyPrefix, token)

	var newStock int
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Int()
		if errors.Is(err, redis.Nil) {
			current = r.seedStock
		} else if err != nil {
			return err
		}

		state, err := tx.Get(ctx, resKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		case state == reservationReleased:
			return domain.ErrReservationReleased
		default:
			newStock = current
			return nil
		}

		if current < qty {
			return &domain.InsufficientStockError{SKU: sku, Wanted: qty, Available: current}
		}
		newStock = current - qty

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newStock, 0)
			pipe.Set(ctx, resKey, fmt.Sprintf("held:%d", qty), r.reservationTTL)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key, resKey)
	switch {
	case err == nil:
		return newStock, nil
	case errors.Is(err, redis.TxFailedErr):
		return 0, domain.ErrConcurrencyConflict
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrReservationReleased):
		return 0, err
	default:
		return 0, fmt.Errorf("reserve %s: %w", sku, err)
	}
}

func (r *RedisAdapter) Release(ctx context.Context, sku string, token string) (int, error) {
	if err := validateReservation(sku, 1, token); err != nil {
		return 0, err
	}
	keys := []string{r.key(stockKeyPrefix, sku), r.key(reservationKeyPrefix, token)}

	stock, err := releaseStockScript.Run(ctx, r.client, keys, r.seedStock, r.reservationTTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("release %s: %w", sku, err)
	}
	return stock, nil
}

func (r *RedisAdapter) Seed(ctx context.Context, sku string, stock int) error {
	if stock < 0 {
		return &domain.ValidationError{Field: "stock", Reason: "must not be negative"}
	}
	return r.client.Set(ctx, r.key(stockKeyPrefix, sku), stock, 0).Err()
}

func (r *RedisAdapter) Load(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", key, err)
	}
	return value, true, nil
}

func (r *RedisAdapter) Save(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Acquire takes the checkout lock with SET NX under a fresh holder token. The
// TTL frees the lock if the holder dies mid-checkout.
func (r *RedisAdapter) Acquire(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(lockKeyPrefix, key), token, r.lockTTL).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *RedisAdapter) Unlock(ctx context.Context, key, token string) error {
	return unlockScript.Run(ctx, r.client, []string{r.key(lockKeyPrefix, key)}, token).Err()
}
