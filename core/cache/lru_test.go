package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestLRU_Eviction(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})

	l.Put("budget:50", 1)
	l.Put("budget:80", 2)
	l.Get("budget:50")     // promote
	l.Put("budget:120", 3) // evicts budget:80

	if _, ok := l.Get("budget:80"); ok {
		t.Errorf("expected budget:80 to be evicted")
	}
	if val, ok := l.Get("budget:50"); !ok || val != 1 {
		t.Errorf("expected budget:50=1, got %v, %v", val, ok)
	}
	if l.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", l.Len())
	}
}

func TestLRU_Update(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	l.Put("a", 1)
	l.Put("a", 2)

	if val, ok := l.Get("a"); !ok || val != 2 {
		t.Errorf("expected a=2, got %v, %v", val, ok)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", l.Len())
	}
}

func TestLRU_TTL(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 4})
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Put("a", 1, WithTTL(time.Second))
	l.Put("b", 2)

	now = now.Add(500 * time.Millisecond)
	l.Put("c", 3, WithTTL(time.Second))
	if _, ok := l.Get("a"); !ok {
		t.Errorf("expected a before expiry")
	}

	now = now.Add(600 * time.Millisecond)
	if _, ok := l.Get("a"); ok {
		t.Errorf("expected a to be expired")
	}
	if _, ok := l.Get("c"); !ok {
		t.Errorf("expected c to still be valid")
	}
	if val, ok := l.Get("b"); !ok || val != 2 {
		t.Errorf("expected b=2 (no TTL), got %v, %v", val, ok)
	}

	// a refreshed TTL replaces the old one
	l.Put("c", 4, WithTTL(time.Second))
	now = now.Add(900 * time.Millisecond)
	if val, ok := l.Get("c"); !ok || val != 4 {
		t.Errorf("expected c=4 after TTL refresh, got %v, %v", val, ok)
	}
}

func TestLRU_DeleteAndClear(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 4})
	l.Put("a", 1)
	l.Put("b", 2)
	l.Put("c", 3)

	l.Delete("a")
	l.Delete("nonexistent")
	if _, ok := l.Get("a"); ok {
		t.Errorf("expected a to be deleted")
	}

	l.Clear()
	if l.Len() != 0 {
		t.Errorf("expected empty cache, got %d", l.Len())
	}
	l.Put("d", 4)
	if _, ok := l.Get("d"); !ok {
		t.Errorf("expected cache to accept entries after Clear")
	}
}

func TestLRU_Close(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	l.Put("a", 1)
	l.Close()

	if _, ok := l.Get("a"); ok {
		t.Errorf("expected Get to miss after Close")
	}
	l.Put("b", 2)
	if _, ok := l.Get("b"); ok {
		t.Errorf("expected Put to be ignored after Close")
	}
	l.Delete("a")
}

func TestLRU_Concurrent(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 16})

	var wg sync.WaitGroup
	for w := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 1000 {
				key := strconv.Itoa((w + j) % 32)
				l.Put(key, j, WithTTL(time.Minute))
				l.Get(key)
				if j%100 == 0 {
					l.Delete(key)
				}
			}
		}()
	}
	wg.Wait()

	if l.Len() > 16 {
		t.Errorf("expected at most 16 entries, got %d", l.Len())
	}
}

func TestTyped(t *testing.T) {
	c := NewTyped[[]string](NewLRU(LRUOpts{}))
	c.Put("menus", []string{"m1", "m2"})

	got, ok := c.Get("menus")
	if !ok || len(got) != 2 {
		t.Errorf("expected two menus, got %v, %v", got, ok)
	}

	raw := NewLRU(LRUOpts{})
	raw.Put("menus", 42)
	if _, ok := NewTyped[[]string](raw).Get("menus"); ok {
		t.Errorf("expected a type mismatch to miss")
	}
}
