// Package cache stores page responses in Redis so that repeated page
// requests can be revalidated with If-None-Match / If-Modified-Since.
//
// The cache never answers a request on its own: the client always goes to
// the network and only substitutes the cached body when the server replies
// 304 Not Modified. A cached page therefore never hides loss of
// connectivity from the retry layer.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//	key := cache.PageKey("api.example.com", "/v1/orders", 3, 20)
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch unconditionally
//	}
//	if cache.CanRevalidate(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
// # Metrics
//
//   - pager_cache_hits_total
//   - pager_cache_misses_total
//   - pager_cache_not_modified_total
//   - pager_cache_errors_total{operation}
package cache
