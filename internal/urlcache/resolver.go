package urlcache

import (
	"context"

	"github.com/keithlinneman/linnemanlabs-assets/internal/log"
	"github.com/keithlinneman/linnemanlabs-assets/internal/objstore"
)

// BatchResolver is the upstream that actually signs keys.
type BatchResolver interface {
	Resolve(ctx context.Context, keys []string) objstore.BatchResult
}

// CachedResolver answers batch lookups from the cache first and only sends
// the misses upstream. A second call with the same key set inside the TTL
// window costs zero signing calls.
type CachedResolver struct {
	cache    *Cache
	upstream BatchResolver
	log      log.Logger
}

func NewCachedResolver(cache *Cache, upstream BatchResolver, l log.Logger) *CachedResolver {
	if l == nil {
		l = log.Nop()
	}
	return &CachedResolver{cache: cache, upstream: upstream, log: l}
}

// Resolve returns key→url for every key it could satisfy, cached or fresh.
// Keys whose refresh fails are reported as misses in Errors and logged, the
// next call retries them. Partial results are normal.
func (r *CachedResolver) Resolve(ctx context.Context, keys []string) objstore.BatchResult {
	urls := make(map[string]objstore.SignResult, len(keys))
	var misses []string
	seen := make(map[string]struct{}, len(keys))

	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if e, ok := r.cache.Get(key); ok {
			urls[key] = objstore.SignResult{Key: key, URL: e.URL, ExpiresAt: e.ExpiresAt}
			continue
		}
		misses = append(misses, key)
	}

	if len(misses) == 0 {
		return objstore.BatchResult{Success: true, Signed: urls}
	}

	fresh := r.upstream.Resolve(ctx, misses)
	for key, res := range fresh.Signed {
		r.cache.Set(key, res.URL, res.ExpiresAt)
		urls[key] = res
	}
	r.cache.Trim()

	if len(fresh.Errors) > 0 {
		// failed refresh stays a miss, surfaced to the caller and retried on
		// the next resolve
		r.log.Warn(ctx, "signed url refresh failed for some keys",
			"failed", len(fresh.Errors),
		)
	}

	return objstore.BatchResult{Success: fresh.Success, Signed: urls, Errors: fresh.Errors}
}
