package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultMirrorTTLCap bounds how long the process-local mirror may serve
// a value without consulting the remote KV.
const DefaultMirrorTTLCap = 5 * time.Minute

// Ephemeral is the L1 tier: a remote KV (Redis) fronted by a
// process-local mirror. Values are stored serialized (strings as-is,
// everything else as JSON) and deserialized back on read when
// possible. With no Redis configured (or Redis down) it degrades to
// mirror-only operation.
type Ephemeral struct {
	rdb       *redis.Client // nil in mirror-only mode
	mirrorCap time.Duration
	now       func() time.Time

	mu     sync.Mutex
	local  map[string]mirrorEntry
	warned bool // degraded warning emitted once
}

type mirrorEntry struct {
	raw       string
	expiresAt time.Time
}

// NewEphemeral connects to redisURL (redis://host:port/db); an empty URL
// yields mirror-only mode. Connection failure at startup is not fatal:
// the remote is retried on every call.
func NewEphemeral(redisURL string, mirrorCap time.Duration) (*Ephemeral, error) {
	if mirrorCap <= 0 || mirrorCap > DefaultMirrorTTLCap {
		mirrorCap = DefaultMirrorTTLCap
	}
	e := &Ephemeral{
		mirrorCap: mirrorCap,
		now:       time.Now,
		local:     map[string]mirrorEntry{},
	}
	if redisURL == "" {
		log.Info().Msg("ephemeral memory running mirror-only, no redis configured")
		return e, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	e.rdb = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable at startup, ephemeral memory degraded to mirror-only")
		e.warned = true
	} else {
		log.Info().Str("addr", opts.Addr).Msg("ephemeral memory connected")
	}
	return e, nil
}

// Put stores a value with TTL. The local mirror keeps it for
// min(ttl, mirror cap); remote failure degrades silently to mirror-only
// (warned once) rather than failing the write.
func (e *Ephemeral) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	raw, err := serialize(value)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", key, err)
	}

	mirrorTTL := ttl
	if mirrorTTL > e.mirrorCap {
		mirrorTTL = e.mirrorCap
	}
	e.mu.Lock()
	e.local[key] = mirrorEntry{raw: raw, expiresAt: e.now().Add(mirrorTTL)}
	e.mu.Unlock()

	if e.rdb == nil {
		return nil
	}
	if err := e.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		e.warnOnce(err)
		return nil
	}
	return nil
}

// Get checks the mirror first (read-your-writes within the process),
// then the remote. Remote misses and remote errors both report absent.
func (e *Ephemeral) Get(ctx context.Context, key string) (any, bool) {
	e.mu.Lock()
	if entry, ok := e.local[key]; ok {
		if e.now().Before(entry.expiresAt) {
			e.mu.Unlock()
			return deserialize(entry.raw), true
		}
		delete(e.local, key)
	}
	e.mu.Unlock()

	if e.rdb == nil {
		return nil, false
	}
	raw, err := e.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		e.warnOnce(err)
		return nil, false
	}

	// Refresh the mirror so repeated reads stay local.
	e.mu.Lock()
	e.local[key] = mirrorEntry{raw: raw, expiresAt: e.now().Add(e.mirrorCap)}
	e.mu.Unlock()
	return deserialize(raw), true
}

// Delete removes a key from both mirror and remote.
func (e *Ephemeral) Delete(ctx context.Context, key string) error {
	e.mu.Lock()
	delete(e.local, key)
	e.mu.Unlock()
	if e.rdb == nil {
		return nil
	}
	if err := e.rdb.Del(ctx, key).Err(); err != nil {
		e.warnOnce(err)
	}
	return nil
}

// DeleteByPrefix removes matching keys; used by purge. Returns the count
// removed from the remote (mirror removals are not counted separately).
func (e *Ephemeral) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	e.mu.Lock()
	for k := range e.local {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(e.local, k)
		}
	}
	e.mu.Unlock()

	if e.rdb == nil {
		return 0, nil
	}
	var removed int
	iter := e.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		if err := e.rdb.Del(ctx, iter.Val()).Err(); err == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		e.warnOnce(err)
		return removed, nil
	}
	return removed, nil
}

// HealthCheck pings the remote; mirror-only mode is always healthy.
func (e *Ephemeral) HealthCheck(ctx context.Context) error {
	if e.rdb == nil {
		return nil
	}
	return e.rdb.Ping(ctx).Err()
}

// Close releases the remote connection.
func (e *Ephemeral) Close() error {
	if e.rdb == nil {
		return nil
	}
	return e.rdb.Close()
}

func (e *Ephemeral) warnOnce(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.warned {
		return
	}
	e.warned = true
	log.Warn().Err(err).Msg("redis error, ephemeral memory degraded to mirror-only")
}

// serialize keeps strings raw and JSON-encodes everything else.
func serialize(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// deserialize parses JSON when the payload is JSON, otherwise returns
// the raw string.
func deserialize(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
