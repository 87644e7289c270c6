package urlcache

import (
	"context"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-assets/internal/objstore"
)

// fakeUpstream signs everything except failKeys, counting calls per key.
type fakeUpstream struct {
	calls    map[string]int
	failKeys map[string]bool
	expiry   time.Time
}

func (f *fakeUpstream) Resolve(ctx context.Context, keys []string) objstore.BatchResult {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	res := objstore.BatchResult{Success: true, Signed: map[string]objstore.SignResult{}}
	for _, k := range keys {
		f.calls[k]++
		if f.failKeys[k] {
			res.Errors = append(res.Errors, objstore.KeyError{Key: k, Reason: "store unreachable"})
			continue
		}
		res.Signed[k] = objstore.SignResult{Key: k, URL: "https://signed/" + k, ExpiresAt: f.expiry}
	}
	return res
}

func TestCachedResolve_SecondCallHitsCache(t *testing.T) {
	clk := newTestClock()
	up := &fakeUpstream{expiry: clk.Now().Add(time.Hour)}
	r := NewCachedResolver(newTestCache(clk), up, nil)

	keys := []string{"a.png", "b.png"}
	first := r.Resolve(context.Background(), keys)
	if len(first.Signed) != 2 {
		t.Fatalf("first resolve signed %d, want 2", len(first.Signed))
	}

	second := r.Resolve(context.Background(), keys)
	if len(second.Signed) != 2 {
		t.Fatalf("second resolve signed %d, want 2", len(second.Signed))
	}

	// Within TTL nothing goes upstream twice.
	for _, k := range keys {
		if up.calls[k] != 1 {
			t.Fatalf("upstream calls for %s = %d, want 1", k, up.calls[k])
		}
	}
}

func TestCachedResolve_HitCarriesStoredExpiry(t *testing.T) {
	clk := newTestClock()
	exp := clk.Now().Add(time.Hour)
	up := &fakeUpstream{expiry: exp}
	r := NewCachedResolver(newTestCache(clk), up, nil)

	r.Resolve(context.Background(), []string{"a.png"})

	// A client schedules refresh off expiresAt, so a cache hit must report
	// the expiry the URL was signed with, not a zero time.
	res := r.Resolve(context.Background(), []string{"a.png"})
	got := res.Signed["a.png"]
	if got.URL != "https://signed/a.png" {
		t.Fatalf("hit url = %q", got.URL)
	}
	if !got.ExpiresAt.Equal(exp) {
		t.Fatalf("hit ExpiresAt = %v, want %v", got.ExpiresAt, exp)
	}
}

func TestCachedResolve_ExpiredEntryRefreshed(t *testing.T) {
	clk := newTestClock()
	up := &fakeUpstream{expiry: clk.Now().Add(time.Minute)}
	r := NewCachedResolver(newTestCache(clk), up, nil)

	r.Resolve(context.Background(), []string{"a.png"})
	clk.Advance(2 * time.Minute)
	up.expiry = clk.Now().Add(time.Hour)

	res := r.Resolve(context.Background(), []string{"a.png"})
	if len(res.Signed) != 1 {
		t.Fatal("expired key not refreshed")
	}
	if up.calls["a.png"] != 2 {
		t.Fatalf("upstream calls = %d, want 2 (refresh after expiry)", up.calls["a.png"])
	}
}

func TestCachedResolve_FailedRefreshStaysMiss(t *testing.T) {
	clk := newTestClock()
	up := &fakeUpstream{
		expiry:   clk.Now().Add(time.Hour),
		failKeys: map[string]bool{"bad.png": true},
	}
	r := NewCachedResolver(newTestCache(clk), up, nil)

	res := r.Resolve(context.Background(), []string{"good.png", "bad.png"})
	if _, present := res.Signed["bad.png"]; present {
		t.Fatal("failed key present in results")
	}
	if len(res.Errors) != 1 || res.Errors[0].Key != "bad.png" {
		t.Fatalf("errors = %v", res.Errors)
	}

	// Next call retries the failed key instead of caching the failure.
	r.Resolve(context.Background(), []string{"bad.png"})
	if up.calls["bad.png"] != 2 {
		t.Fatalf("upstream calls for bad.png = %d, want 2", up.calls["bad.png"])
	}
}

func TestCachedResolve_MixedHitAndMiss(t *testing.T) {
	clk := newTestClock()
	up := &fakeUpstream{expiry: clk.Now().Add(time.Hour)}
	cache := newTestCache(clk)
	r := NewCachedResolver(cache, up, nil)

	r.Resolve(context.Background(), []string{"cached.png"})

	res := r.Resolve(context.Background(), []string{"cached.png", "new.png"})
	if len(res.Signed) != 2 {
		t.Fatalf("signed = %d, want 2", len(res.Signed))
	}
	if up.calls["cached.png"] != 1 {
		t.Fatalf("cached key re-signed: %d calls", up.calls["cached.png"])
	}
	if up.calls["new.png"] != 1 {
		t.Fatalf("new key calls = %d, want 1", up.calls["new.png"])
	}
}

func TestCachedResolve_EmptyInput(t *testing.T) {
	up := &fakeUpstream{}
	r := NewCachedResolver(newTestCache(newTestClock()), up, nil)

	res := r.Resolve(context.Background(), nil)
	if !res.Success || len(res.Signed) != 0 {
		t.Fatalf("empty input result = %+v", res)
	}
	if len(up.calls) != 0 {
		t.Fatal("upstream touched for empty input")
	}
}
