// Package cache provides a small key-value cache with LRU eviction and
// per-entry TTL.
//
// [LRU] is safe for concurrent use; [Nop] disables caching behind the same
// [Cache] interface. [NewTyped] wraps either for type-safe access:
//
//	menus := cache.NewTyped[[]readmodel.Menu](cache.NewLRU(cache.LRUOpts{Size: 64}))
//	menus.Put("budget:150", list, cache.WithTTL(30*time.Second))
//	if list, ok := menus.Get("budget:150"); ok {
//	    // list is []readmodel.Menu
//	}
//
// Expired entries are evicted lazily when read.
package cache
