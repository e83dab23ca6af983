package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
)

func testScope(userID string, kbIDs ...string) domain.PermittedScope {
	return domain.PermittedScope{UserID: userID, KBIDs: kbIDs}
}

func TestScopeCachedUntilTTL(t *testing.T) {
	current := time.Unix(1000, 0)
	c := New(Config{ScopeTTL: time.Minute}, nil)
	c.now = func() time.Time { return current }

	calls := 0
	resolve := func(context.Context) (domain.PermittedScope, error) {
		calls++
		return testScope("user-1", "kb-a"), nil
	}

	for i := 0; i < 3; i++ {
		scope, err := c.GetOrResolve(context.Background(), "user-1", resolve)
		if err != nil {
			t.Fatalf("GetOrResolve() error = %v", err)
		}
		if len(scope.KBIDs) != 1 || scope.KBIDs[0] != "kb-a" {
			t.Fatalf("unexpected scope %v", scope.KBIDs)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one resolve, got %d", calls)
	}

	current = current.Add(2 * time.Minute)
	if _, err := c.GetOrResolve(context.Background(), "user-1", resolve); err != nil {
		t.Fatalf("GetOrResolve() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected re-resolve after TTL, got %d calls", calls)
	}
}

func TestScopeResolveErrorIsNotCached(t *testing.T) {
	c := New(DefaultConfig(), nil)

	calls := 0
	failing := func(context.Context) (domain.PermittedScope, error) {
		calls++
		return domain.PermittedScope{}, errors.New("store down")
	}
	if _, err := c.GetOrResolve(context.Background(), "user-1", failing); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := c.GetOrResolve(context.Background(), "user-1", failing); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 2 {
		t.Fatalf("failures must not be cached, got %d calls", calls)
	}
}

func TestInvalidateScopeForcesResolve(t *testing.T) {
	c := New(DefaultConfig(), nil)

	calls := 0
	resolve := func(context.Context) (domain.PermittedScope, error) {
		calls++
		return testScope("user-1", "kb-a"), nil
	}
	c.GetOrResolve(context.Background(), "user-1", resolve)
	c.InvalidateScope("user-1")
	c.GetOrResolve(context.Background(), "user-1", resolve)
	if calls != 2 {
		t.Fatalf("expected resolve after invalidation, got %d calls", calls)
	}
}

func TestConcurrentScopeLookupsCollapse(t *testing.T) {
	c := New(DefaultConfig(), nil)

	var calls atomic.Int32
	resolve := func(context.Context) (domain.PermittedScope, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return testScope("user-1", "kb-a"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrResolve(context.Background(), "user-1", resolve); err != nil {
				t.Errorf("GetOrResolve() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("expected one collapsed resolve, got %d", calls.Load())
	}
}

func TestEmbeddingKeyedByNormalizedQuery(t *testing.T) {
	c := New(DefaultConfig(), nil)

	calls := 0
	compute := func(context.Context) ([]float32, error) {
		calls++
		return []float32{0.1, 0.2}, nil
	}

	c.GetOrCompute(context.Background(), "Authentication  Approach", compute)
	vector, err := c.GetOrCompute(context.Background(), "authentication approach", compute)
	if err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("normalized repeats must share an entry, got %d computes", calls)
	}
	if len(vector) != 2 {
		t.Fatalf("unexpected vector %v", vector)
	}

	c.GetOrCompute(context.Background(), "different query", compute)
	if calls != 2 {
		t.Fatalf("distinct queries must compute separately, got %d", calls)
	}
}

func TestEmbeddingTTLExpiry(t *testing.T) {
	current := time.Unix(1000, 0)
	c := New(Config{EmbeddingTTL: time.Minute}, nil)
	c.now = func() time.Time { return current }

	calls := 0
	compute := func(context.Context) ([]float32, error) {
		calls++
		return []float32{0.5}, nil
	}
	c.GetOrCompute(context.Background(), "query", compute)
	current = current.Add(2 * time.Minute)
	c.GetOrCompute(context.Background(), "query", compute)
	if calls != 2 {
		t.Fatalf("expected recompute after TTL, got %d", calls)
	}
}
