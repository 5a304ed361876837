package graph

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/alechenninger/kestrel/model"
	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
)

// CheckKey identifies a check decision at a specific revision. Because the
// revision is part of the key, a cached entry can never serve a query pinned
// to a different snapshot.
type CheckKey struct {
	Model    model.ID
	Object   store.ObjectRef
	Relation schema.RelationName
	Subject  store.SubjectRef
	Revision store.Revision
}

// CheckCache memoizes check decisions. Implementations must be safe for
// concurrent use. The cache is correctness-transparent: a miss always falls
// back to full evaluation, and entries are revision-scoped.
type CheckCache interface {
	Get(key CheckKey) (allowed bool, ok bool)
	Put(key CheckKey, allowed bool)

	// Invalidate drops every entry. Called when tuple writes are observed,
	// since head-pinned queries would otherwise keep resolving at the key
	// revisions already cached.
	Invalidate()
}

// LRUCache is a size-bounded, expiring CheckCache.
type LRUCache struct {
	lru *expirable.LRU[CheckKey, bool]
}

// NewLRUCache returns a cache holding up to size decisions, each for at most
// ttl. A zero ttl means entries only leave by eviction or invalidation.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{lru: expirable.NewLRU[CheckKey, bool](size, nil, ttl)}
}

func (c *LRUCache) Get(key CheckKey) (bool, bool) {
	return c.lru.Get(key)
}

func (c *LRUCache) Put(key CheckKey, allowed bool) {
	c.lru.Add(key, allowed)
}

func (c *LRUCache) Invalidate() {
	c.lru.Purge()
}

// InvalidateOnChanges subscribes to the store's change stream and purges the
// cache on every observed change. It blocks until ctx is canceled or the
// stream fails, so it is normally run in its own goroutine.
func InvalidateOnChanges(ctx context.Context, cache CheckCache, stream store.ChangeStream, after store.Revision, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	changes, errs := stream.Subscribe(ctx, after)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			log.Error("change stream failed, cache invalidation stopped", "error", err)
			return err
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			cache.Invalidate()
			log.Debug("invalidated check cache",
				"revision", change.Revision,
				"op", change.Op)
		}
	}
}
