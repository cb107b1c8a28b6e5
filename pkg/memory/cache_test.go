package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func stubFactory(builds *int) ManagerFactory {
	return func(_ context.Context, sessionKey string, docIDs []int64, userID string) (*Manager, error) {
		*builds++
		return &Manager{sessionKey: sessionKey, docIDs: sortedDocIDs(docIDs), userID: userID}, nil
	}
}

func TestManagerCache_EvictsFirstInserted(t *testing.T) {
	ctx := context.Background()
	const capacity = 3
	cache, err := NewManagerCache(capacity)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	builds := 0
	build := stubFactory(&builds)

	for i := 0; i <= capacity; i++ {
		if _, err := cache.GetOrCreate(ctx, fmt.Sprintf("s%d", i), []int64{1}, "", build); err != nil {
			t.Fatalf("get or create s%d: %v", i, err)
		}
	}
	if cache.Len() != capacity {
		t.Fatalf("expected %d cached managers, got %d", capacity, cache.Len())
	}
	if got := fmt.Sprint(cache.Keys()); got != "[s1:1 s2:1 s3:1]" {
		t.Fatalf("expected first-inserted manager evicted, keys=%s", got)
	}
}

func TestManagerCache_LookupsDoNotRefreshOrder(t *testing.T) {
	ctx := context.Background()
	cache, err := NewManagerCache(2)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	builds := 0
	build := stubFactory(&builds)

	a, _ := cache.GetOrCreate(ctx, "a", nil, "", build)
	_, _ = cache.GetOrCreate(ctx, "b", nil, "", build)
	again, _ := cache.GetOrCreate(ctx, "a", nil, "", build)
	if again != a || builds != 2 {
		t.Fatalf("expected cache hit for a, builds=%d", builds)
	}
	_, _ = cache.GetOrCreate(ctx, "c", nil, "", build)

	if got := fmt.Sprint(cache.Keys()); got != "[b: c:]" {
		t.Fatalf("expected insertion-order eviction of a, keys=%s", got)
	}
}

func TestManagerCache_KeyIncludesSortedDocScope(t *testing.T) {
	ctx := context.Background()
	cache, err := NewManagerCache(10)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	builds := 0
	build := stubFactory(&builds)

	m1, _ := cache.GetOrCreate(ctx, "s1", []int64{3, 1}, "", build)
	m2, _ := cache.GetOrCreate(ctx, "s1", []int64{1, 3}, "", build)
	m3, _ := cache.GetOrCreate(ctx, "s1", []int64{2}, "", build)
	if m1 != m2 {
		t.Fatalf("doc id order must not change the cache key")
	}
	if m1 == m3 {
		t.Fatalf("different doc scopes need independent managers")
	}
	if CacheKey("s1", []int64{3, 1}) != "s1:1,3" {
		t.Fatalf("unexpected cache key %q", CacheKey("s1", []int64{3, 1}))
	}

	if removed := cache.RemoveSession("s1"); len(removed) != 2 {
		t.Fatalf("expected 2 managers removed, got %d", len(removed))
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache")
	}
}

func TestManagerCache_RebuildsClosedManagers(t *testing.T) {
	ctx := context.Background()
	cache, err := NewManagerCache(4)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	builds := 0
	build := stubFactory(&builds)

	first, _ := cache.GetOrCreate(ctx, "s1", nil, "", build)
	first.closed.Store(true)
	second, _ := cache.GetOrCreate(ctx, "s1", nil, "", build)
	if second == first || builds != 2 {
		t.Fatalf("expected closed manager rebuilt, builds=%d", builds)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", cache.Len())
	}
}

func TestManagerCache_BuildErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	cache, err := NewManagerCache(4)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	boom := errors.New("db down")
	_, err = cache.GetOrCreate(ctx, "s1", nil, "", func(context.Context, string, []int64, string) (*Manager, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected build error, got %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("failed build must not be cached")
	}
}

func TestManagerCache_SlowBuildDoesNotBlockOtherSessions(t *testing.T) {
	ctx := context.Background()
	cache, err := NewManagerCache(4)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	release := make(chan struct{})
	started := make(chan struct{})
	slow := func(_ context.Context, sessionKey string, docIDs []int64, userID string) (*Manager, error) {
		close(started)
		<-release
		return &Manager{sessionKey: sessionKey}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCreate(ctx, "slow", nil, "", slow)
		done <- err
	}()
	<-started

	builds := 0
	fast := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCreate(ctx, "fast", nil, "", stubFactory(&builds))
		fast <- err
	}()
	select {
	case err := <-fast:
		if err != nil {
			t.Fatalf("fast build: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("build of another session blocked the cache")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("slow build: %v", err)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected both managers cached, got %d", cache.Len())
	}
}

func TestManagerCache_ConcurrentMissesBuildOnce(t *testing.T) {
	ctx := context.Background()
	cache, err := NewManagerCache(4)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	var builds atomic.Int32
	release := make(chan struct{})
	build := func(_ context.Context, sessionKey string, docIDs []int64, userID string) (*Manager, error) {
		builds.Add(1)
		<-release
		return &Manager{sessionKey: sessionKey}, nil
	}

	const callers = 8
	results := make([]*Manager, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := cache.GetOrCreate(ctx, "s1", []int64{1}, "", build)
			if err != nil {
				t.Errorf("get or create: %v", err)
			}
			results[i] = m
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := builds.Load(); n != 1 {
		t.Fatalf("expected a single build, got %d", n)
	}
	for i, m := range results {
		if m != results[0] {
			t.Fatalf("caller %d got a different manager", i)
		}
	}
}

func TestManagerCache_RemoveSessionDuringBuildClosesResult(t *testing.T) {
	ctx := context.Background()
	cache, err := NewManagerCache(4)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	release := make(chan struct{})
	started := make(chan struct{})
	build := func(_ context.Context, sessionKey string, docIDs []int64, userID string) (*Manager, error) {
		close(started)
		<-release
		return &Manager{sessionKey: sessionKey}, nil
	}

	got := make(chan *Manager, 1)
	go func() {
		m, _ := cache.GetOrCreate(ctx, "s1", nil, "", build)
		got <- m
	}()
	<-started
	if removed := cache.RemoveSession("s1"); len(removed) != 0 {
		t.Fatalf("nothing was cached yet, removed %d", len(removed))
	}
	close(release)

	m := <-got
	if m == nil || !m.Closed() {
		t.Fatalf("expected the manager built for a removed session to be closed")
	}
	if cache.Len() != 0 {
		t.Fatalf("removed session must not be cached, len=%d", cache.Len())
	}
}

func TestManagerCache_PurgeClosesManagers(t *testing.T) {
	ctx := context.Background()
	cache, err := NewManagerCache(4)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	builds := 0
	a, _ := cache.GetOrCreate(ctx, "a", nil, "", stubFactory(&builds))
	b, _ := cache.GetOrCreate(ctx, "b", []int64{2}, "", stubFactory(&builds))

	cache.Purge()
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache after purge")
	}
	if !a.Closed() || !b.Closed() {
		t.Fatalf("expected purged managers closed")
	}
}
