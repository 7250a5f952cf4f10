// Package loadercache short-circuits the gate check every rewritten
// statement must pass before it touches a URL table: "has this URL
// already been validated by some loader, and is its data currently
// Saved?" A Redis-backed store remembers validate() outcomes across
// process restarts (loader subprocesses come and go); an in-process LRU
// remembers recently Saved URLs so a hot statement skips the status-table
// lookup in the gate check, mirroring the dedupe cache the notification consumer used
// to avoid reprocessing a message it had already applied.
package loadercache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/geosql-mediator/internal/cache/keys"
	"github.com/mohammed-shakir/geosql-mediator/internal/cache/redisstore"
)

// ValidateResult is the cached outcome of a loader's validate() call for a
// given URL: which loader claimed it, and whether it accepted.
type ValidateResult struct {
	Loader  string `json:"loader"`
	Accepts bool   `json:"accepts"`
}

type Cache struct {
	redis *redisstore.Client
	ttl   time.Duration

	mu     sync.Mutex
	savedU *lru.Cache[string, struct{}]
}

func New(redis *redisstore.Client, ttl time.Duration, lruSize int) (*Cache, error) {
	if lruSize <= 0 {
		lruSize = 512
	}
	l, err := lru.New[string, struct{}](lruSize)
	if err != nil {
		return nil, err
	}
	return &Cache{redis: redis, ttl: ttl, savedU: l}, nil
}

// Validate returns a previously cached validate() outcome for rawURL
// against loader, if any.
func (c *Cache) Validate(ctx context.Context, loader, rawURL string) (ValidateResult, bool, error) {
	found, err := c.redis.MGet(ctx, []string{keys.Validate(loader, rawURL)})
	if err != nil {
		return ValidateResult{}, false, err
	}
	raw, ok := found[keys.Validate(loader, rawURL)]
	if !ok {
		return ValidateResult{}, false, nil
	}
	var vr ValidateResult
	if err := json.Unmarshal(raw, &vr); err != nil {
		return ValidateResult{}, false, nil
	}
	return vr, true, nil
}

// PutValidate caches a validate() outcome so the next statement
// referencing the same URL skips the network probe.
func (c *Cache) PutValidate(ctx context.Context, loader, rawURL string, vr ValidateResult) error {
	b, err := json.Marshal(vr)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, keys.Validate(loader, rawURL), b, c.ttl)
}

// MarkSaved records that rawURL's data is currently materialised, letting
// subsequent statements referencing it skip the status-table lookup.
func (c *Cache) MarkSaved(rawURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.savedU.Add(rawURL, struct{}{})
}

// IsHotSaved reports whether rawURL was recently observed Saved. A false
// result is not authoritative -- callers must still consult the status
// store -- but a true result lets the gate check skip straight through.
func (c *Cache) IsHotSaved(rawURL string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.savedU.Contains(rawURL)
}

// Invalidate drops rawURL from the hot-Saved cache, used when a loader
// reload or md_remove_data() changes its status away from Saved.
func (c *Cache) Invalidate(rawURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.savedU.Remove(rawURL)
}
