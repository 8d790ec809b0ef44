package cache

import "time"

// Entry is a cached response body with its validators.
type Entry struct {
	Data []byte `json:"data"`

	// ETag is sent back as If-None-Match.
	ETag string `json:"etag"`

	// LastModified is sent back as If-Modified-Since when there is no ETag.
	LastModified time.Time `json:"last_modified"`

	// Expires bounds how long the entry is kept in Redis.
	Expires time.Time `json:"expires"`

	StatusCode int       `json:"status_code"`
	CachedAt   time.Time `json:"cached_at"`
}

// IsExpired reports whether the entry is past its expiry.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiry, or 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
