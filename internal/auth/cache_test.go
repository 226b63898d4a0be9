package auth

import (
	"sync"
	"testing"
	"time"
)

func TestAuthCache_MissHitExpire(t *testing.T) {
	c := NewAuthCache(20 * time.Millisecond)
	if c.Get("k").Hit {
		t.Fatal("expected miss")
	}

	client := &ClientContext{ClientID: "c1", Role: RoleAgent}
	c.Set("k", client)
	r := c.Get("k")
	if !r.Hit || r.NeedsRefresh || r.Client != client {
		t.Fatalf("fresh get = %+v", r)
	}

	time.Sleep(30 * time.Millisecond)
	r = c.Get("k")
	if !r.Hit || !r.NeedsRefresh {
		t.Fatalf("stale get = %+v", r)
	}
	if c.Get("k").NeedsRefresh {
		t.Fatal("only the first stale reader should refresh")
	}

	c.Delete("k")
	if c.Get("k").Hit {
		t.Fatal("expected miss after delete")
	}
}

func TestAuthCache_SingleRefresher(t *testing.T) {
	c := NewAuthCache(5 * time.Millisecond)
	c.Set("k", &ClientContext{ClientID: "c1"})
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	var mu sync.Mutex
	refreshers := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Get("k").NeedsRefresh {
				mu.Lock()
				refreshers++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if refreshers != 1 {
		t.Fatalf("refreshers = %d, want 1", refreshers)
	}
}

func TestAuthCache_RefreshFailedAllowsRetry(t *testing.T) {
	c := NewAuthCache(5 * time.Millisecond)
	c.Set("k", &ClientContext{ClientID: "c1"})
	time.Sleep(10 * time.Millisecond)

	if !c.Get("k").NeedsRefresh {
		t.Fatal("first stale reader should refresh")
	}
	if c.Get("k").NeedsRefresh {
		t.Fatal("refresh already in flight")
	}
	c.RefreshFailed("k")
	if !c.Get("k").NeedsRefresh {
		t.Fatal("refresh should be retried after a failure")
	}
}

func TestAuthCache_StaleBound(t *testing.T) {
	c := NewAuthCache(time.Millisecond)
	c.Set("k", &ClientContext{ClientID: "c1"})
	time.Sleep(time.Duration(maxStaleFactor)*time.Millisecond + 5*time.Millisecond)
	if c.Get("k").Hit {
		t.Fatal("entry past the stale bound should be a miss")
	}
}
