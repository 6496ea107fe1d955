package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/frahmantamala/escrow-settlement/internal"
)

const defaultInFlightTTL = 10 * time.Minute

// InFlight marks an idempotency key as busy while one operation drives it.
//
// A caller whose transaction is still unconfirmed parks its marker with the
// escrow status the transaction moves away from. Whoever next finds the key
// busy may look the parked marker up and free it once the ledger has left
// that status. A marker that is never freed expires after its TTL.
type InFlight interface {
	Acquire(ctx context.Context, key string) (token string, err error)
	Release(ctx context.Context, key, token string) error
	Park(ctx context.Context, key, token, from string) error
	Parked(ctx context.Context, key string) (token, from string, ok bool, err error)
}

type marker struct {
	token string
	from  string
}

// MemoryInFlight keeps markers in process. It is only correct with a single
// replica.
type MemoryInFlight struct {
	markers *cache.Cache
	ttl     time.Duration
}

func NewMemoryInFlight(ttl time.Duration) *MemoryInFlight {
	if ttl <= 0 {
		ttl = defaultInFlightTTL
	}
	return &MemoryInFlight{
		markers: cache.New(ttl, ttl/2),
		ttl:     ttl,
	}
}

func (m *MemoryInFlight) Acquire(_ context.Context, key string) (string, error) {
	token := uuid.NewString()
	if err := m.markers.Add(key, marker{token: token}, m.ttl); err != nil {
		return "", internal.ErrOperationInProgress
	}
	return token, nil
}

func (m *MemoryInFlight) Release(_ context.Context, key, token string) error {
	if held, ok := m.held(key); ok && held.token == token {
		m.markers.Delete(key)
	}
	return nil
}

// Park keeps the marker's remaining lifetime.
func (m *MemoryInFlight) Park(_ context.Context, key, token, from string) error {
	held, expires, ok := m.markers.GetWithExpiration(key)
	if !ok || held.(marker).token != token {
		return nil
	}
	ttl := time.Until(expires)
	if ttl <= 0 {
		return nil
	}
	return m.markers.Replace(key, marker{token: token, from: from}, ttl)
}

func (m *MemoryInFlight) Parked(_ context.Context, key string) (string, string, bool, error) {
	held, ok := m.held(key)
	if !ok || held.from == "" {
		return "", "", false, nil
	}
	return held.token, held.from, true, nil
}

func (m *MemoryInFlight) held(key string) (marker, bool) {
	v, ok := m.markers.Get(key)
	if !ok {
		return marker{}, false
	}
	return v.(marker), true
}

// releaseScript deletes the marker and its parked note only if the marker
// still holds our token, so a caller whose marker expired cannot free
// someone else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1], KEYS[2])
end
return 0
`)

// parkScript writes the parked note with the marker's remaining lifetime.
var parkScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
	return 0
end
redis.call("SET", KEYS[2], ARGV[1] .. "|" .. ARGV[2], "PX", ttl)
return 1
`)

// RedisInFlight shares markers between replicas with SET NX PX.
type RedisInFlight struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisInFlight(client redis.UniversalClient, ttl time.Duration) *RedisInFlight {
	if ttl <= 0 {
		ttl = defaultInFlightTTL
	}
	return &RedisInFlight{
		client: client,
		prefix: "escrow:inflight:",
		ttl:    ttl,
	}
}

func (r *RedisInFlight) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.keys(key)[0], token, r.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire in-flight marker %s: %w", key, err)
	}
	if !ok {
		return "", internal.ErrOperationInProgress
	}
	return token, nil
}

func (r *RedisInFlight) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, r.keys(key), token).Err(); err != nil {
		return fmt.Errorf("failed to release in-flight marker %s: %w", key, err)
	}
	return nil
}

func (r *RedisInFlight) Park(ctx context.Context, key, token, from string) error {
	if err := parkScript.Run(ctx, r.client, r.keys(key), token, from).Err(); err != nil {
		return fmt.Errorf("failed to park in-flight marker %s: %w", key, err)
	}
	return nil
}

func (r *RedisInFlight) Parked(ctx context.Context, key string) (string, string, bool, error) {
	note, err := r.client.Get(ctx, r.keys(key)[1]).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to read parked marker %s: %w", key, err)
	}
	token, from, ok := strings.Cut(note, "|")
	return token, from, ok, nil
}

// keys share a hash tag so both land in one cluster slot.
func (r *RedisInFlight) keys(key string) []string {
	tagged := "{" + key + "}"
	return []string{r.prefix + tagged, r.prefix + "parked:" + tagged}
}

// NewInFlight builds the configured marker backend.
func NewInFlight(cfg internal.SettlementConfig) (InFlight, error) {
	switch cfg.InflightBackend {
	case "", internal.InflightBackendMemory:
		return NewMemoryInFlight(cfg.InflightTTL), nil
	case internal.InflightBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		return NewRedisInFlight(client, cfg.InflightTTL), nil
	}
	return nil, fmt.Errorf("unknown in-flight backend %q", cfg.InflightBackend)
}
