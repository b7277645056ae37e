// Package metacache keeps a short-lived record of which objects exist in the
// backing store, how large they are, and what they contain, so that serving a
// file does not cost a metadata round trip on every request.
//
// Entries expire a fixed TTL after insertion regardless of how often they are
// read. Expired entries are dropped lazily on access and by Run's periodic
// sweep. Concurrent misses for the same object share one fetch.
package metacache

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/classhub/media/internal/storage"
)

const (
	// DefaultTTL is how long an entry stays valid after insertion.
	DefaultTTL = 5 * time.Minute
	// DefaultFetchTimeout bounds a single coalesced fetch.
	DefaultFetchTimeout = 10 * time.Second

	shardCount = 32
)

// Entry is the cached view of one object.
type Entry struct {
	Bucket      string
	Key         string
	Size        int64
	ContentType string
	ExistedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the entry is no longer valid at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// FetchFunc looks an object up in the backing store. It should return
// storage.ErrNotFound when the object does not exist.
type FetchFunc func(ctx context.Context) (storage.ObjectInfo, error)

// Observer is notified of every lookup outcome.
type Observer interface {
	CacheLookup(hit bool)
}

// Options configures a Cache.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	// Now overrides the clock, for tests.
	Now      func() time.Time
	Observer Observer
}

// Cache is a TTL cache of object metadata with per-key fetch coalescing.
// There is no cache-wide lock: keys are spread over independently locked
// shards, each with its own flight group.
type Cache struct {
	log    *zap.Logger
	opts   Options
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]Entry
	// pending holds one ticket per running fetch. Invalidating a key marks
	// its tickets stale so fetches that started earlier do not repopulate it.
	pending map[string][]*ticket
	flight  singleflight.Group
}

type ticket struct {
	stale bool
}

// New constructs a Cache. Zero option values take their defaults.
func New(log *zap.Logger, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{log: log, opts: opts}
	for i := range c.shards {
		c.shards[i] = &shard{entries: map[string]Entry{}, pending: map[string][]*ticket{}}
	}
	return c
}

func cacheKey(bucket, key string) string { return bucket + "/" + key }

func (c *Cache) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return c.shards[h.Sum32()%shardCount]
}

// Lookup returns a valid entry without fetching.
func (c *Cache) Lookup(bucket, key string) (Entry, bool) {
	k := cacheKey(bucket, key)
	return c.shardFor(k).get(k, c.opts.Now())
}

// GetOrFetch returns the cached entry for bucket/key, calling fetch on a miss.
// hit is true only when the entry was served from the cache without waiting
// on a fetch. Concurrent callers that miss on the same key wait for a single
// fetch and receive its outcome. If that fetch fails with anything other than
// storage.ErrNotFound, each waiter retries exactly once; the retries coalesce
// again.
func (c *Cache) GetOrFetch(ctx context.Context, bucket, key string, fetch FetchFunc) (entry Entry, hit bool, err error) {
	k := cacheKey(bucket, key)
	sh := c.shardFor(k)

	if e, ok := sh.get(k, c.opts.Now()); ok {
		c.observe(true)
		return e, true, nil
	}
	c.observe(false)

	for attempt := 0; ; attempt++ {
		leader := false
		ch := sh.flight.DoChan(k, func() (interface{}, error) {
			leader = true
			return c.fill(ctx, sh, k, bucket, key, fetch)
		})

		select {
		case <-ctx.Done():
			return Entry{}, false, ctx.Err()
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(Entry), false, nil
			}
			if leader || attempt > 0 || !res.Shared || errors.Is(res.Err, storage.ErrNotFound) {
				return Entry{}, false, res.Err
			}
			c.log.Debug("coalesced metadata fetch failed, retrying",
				zap.String("bucket", bucket), zap.String("key", key), zap.Error(res.Err))
		}
	}
}

// fill runs inside the flight group. The fetch is detached from the caller's
// cancellation so one disconnecting client cannot fail every waiter.
func (c *Cache) fill(ctx context.Context, sh *shard, k, bucket, key string, fetch FetchFunc) (Entry, error) {
	if e, ok := sh.get(k, c.opts.Now()); ok {
		return e, nil
	}
	t := sh.begin(k)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
	defer cancel()

	info, err := fetch(fctx)
	if err != nil {
		sh.finish(k, t, nil)
		return Entry{}, err
	}
	now := c.opts.Now()
	e := Entry{
		Bucket:      bucket,
		Key:         key,
		Size:        info.Size,
		ContentType: info.ContentType,
		ExistedAt:   now,
		ExpiresAt:   now.Add(c.opts.TTL),
	}
	if !sh.finish(k, t, &e) {
		c.log.Debug("invalidated during fetch, not caching",
			zap.String("bucket", bucket), zap.String("key", key))
	}
	return e, nil
}

// Invalidate drops the entry for bucket/key and detaches any in-flight fetch
// so later callers start fresh. Callers already waiting on the detached fetch
// still get its result, so two fetches for one key may briefly overlap.
func (c *Cache) Invalidate(bucket, key string) {
	k := cacheKey(bucket, key)
	sh := c.shardFor(k)
	sh.mu.Lock()
	delete(sh.entries, k)
	for _, t := range sh.pending[k] {
		t.stale = true
	}
	sh.mu.Unlock()
	sh.flight.Forget(k)
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.opts.Now()
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.Expired(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("swept expired entries", zap.Int("removed", n))
			}
		}
	}
}

func (c *Cache) observe(hit bool) {
	if c.opts.Observer != nil {
		c.opts.Observer.CacheLookup(hit)
	}
}

func (sh *shard) get(k string, now time.Time) (Entry, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	if !ok {
		return Entry{}, false
	}
	if e.Expired(now) {
		delete(sh.entries, k)
		return Entry{}, false
	}
	return e, true
}

func (sh *shard) begin(k string) *ticket {
	t := &ticket{}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.pending[k] = append(sh.pending[k], t)
	return t
}

// finish releases t and stores e unless k was invalidated after begin.
func (sh *shard) finish(k string, t *ticket, e *Entry) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	tickets := sh.pending[k]
	for i, p := range tickets {
		if p == t {
			tickets = append(tickets[:i], tickets[i+1:]...)
			break
		}
	}
	if len(tickets) == 0 {
		delete(sh.pending, k)
	} else {
		sh.pending[k] = tickets
	}
	if e == nil || t.stale {
		return false
	}
	sh.entries[k] = *e
	return true
}
