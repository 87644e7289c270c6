package objstore

import (
	"context"
	"sync"

	"github.com/keithlinneman/linnemanlabs-assets/internal/log"
)

// GetSigner is the single-key signing dependency of the resolver.
type GetSigner interface {
	SignGet(ctx context.Context, key string) (SignResult, error)
}

// KeyError records one key that failed to resolve inside a batch.
type KeyError struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// BatchResult maps each successfully signed key to its result. Success
// reports whether the batch ran at all, individual keys fail by omission
// (details in Errors).
type BatchResult struct {
	Success bool
	Signed  map[string]SignResult
	Errors  []KeyError
}

// ResolverMetrics is the subset of server metrics the resolver reports to.
type ResolverMetrics interface {
	ObserveResolveBatch(keys int)
	AddResolveErrors(n int)
}

// ResolverOptions bound fan-out and wire observability.
type ResolverOptions struct {
	Concurrency int
	Logger      log.Logger
	Metrics     ResolverMetrics
}

// Resolver resolves batches of keys to signed URLs with bounded fan-out.
// One unreachable object must not block the rest of a page, so per-key
// failures are collected, never propagated.
type Resolver struct {
	signer      GetSigner
	concurrency int
	log         log.Logger
	metrics     ResolverMetrics
}

func NewResolver(signer GetSigner, opts ResolverOptions) *Resolver {
	r := &Resolver{
		signer:      signer,
		concurrency: opts.Concurrency,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
	if r.concurrency <= 0 {
		r.concurrency = 8
	}
	if r.log == nil {
		r.log = log.Nop()
	}
	return r
}

// Resolve signs every distinct key in keys concurrently. Duplicates are
// collapsed before dispatch so one page referencing the same image five
// times costs one signing call. Empty input returns an empty successful
// result without touching the store.
func (r *Resolver) Resolve(ctx context.Context, keys []string) BatchResult {
	distinct := dedupe(keys)
	if r.metrics != nil {
		r.metrics.ObserveResolveBatch(len(distinct))
	}
	if len(distinct) == 0 {
		return BatchResult{Success: true, Signed: map[string]SignResult{}}
	}

	var (
		mu     sync.Mutex
		signed = make(map[string]SignResult, len(distinct))
		errs   []KeyError
	)

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, key := range distinct {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := r.signer.SignGet(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, KeyError{Key: key, Reason: err.Error()})
				return
			}
			signed[key] = res
		}(key)
	}
	wg.Wait()

	if len(errs) > 0 {
		if r.metrics != nil {
			r.metrics.AddResolveErrors(len(errs))
		}
		r.log.Warn(ctx, "batch resolve finished with per-key failures",
			"requested", len(distinct),
			"failed", len(errs),
		)
	}

	return BatchResult{Success: true, Signed: signed, Errors: errs}
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
