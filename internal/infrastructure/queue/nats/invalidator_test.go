package nats

import "testing"

type evictorFake struct {
	users   []string
	flushed int
}

func (f *evictorFake) InvalidateScope(userID string) { f.users = append(f.users, userID) }
func (f *evictorFake) InvalidateAllScopes()          { f.flushed++ }

func TestHandleEvictsNamedUser(t *testing.T) {
	cache := &evictorFake{}
	inv := &ScopeInvalidator{cache: cache}

	inv.handle([]byte(`{"user_id":"user-1","kb_id":"kb-a"}`))
	if len(cache.users) != 1 || cache.users[0] != "user-1" {
		t.Fatalf("expected user-1 evicted, got %v", cache.users)
	}
	if cache.flushed != 0 {
		t.Fatalf("named-user event must not flush everything")
	}
}

func TestHandleFlushesOnAnonymousEvent(t *testing.T) {
	cache := &evictorFake{}
	inv := &ScopeInvalidator{cache: cache}

	inv.handle([]byte(`{"kb_id":"kb-a"}`))
	if cache.flushed != 1 {
		t.Fatalf("expected full flush, got %d", cache.flushed)
	}
}

func TestHandleFlushesOnMalformedEvent(t *testing.T) {
	cache := &evictorFake{}
	inv := &ScopeInvalidator{cache: cache}

	inv.handle([]byte(`not json`))
	if cache.flushed != 1 {
		t.Fatalf("malformed events must fail safe with a full flush, got %d", cache.flushed)
	}
}
