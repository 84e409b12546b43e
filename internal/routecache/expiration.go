package routecache

import (
	"sync"
	"time"
)

// ExpirationTable records, per cache key, the instant after which the entry is
// logically stale. It lives in process memory only: every instance keeps its
// own table, so two instances may disagree about when a shared entry expires.
type ExpirationTable struct {
	entries sync.Map // string -> time.Time
	now     func() time.Time
}

// NewExpirationTable creates an empty table using now as its clock. A nil now
// means time.Now.
func NewExpirationTable(now func() time.Time) *ExpirationTable {
	if now == nil {
		now = time.Now
	}
	return &ExpirationTable{now: now}
}

// Touch sets the key to expire ttl from now.
func (t *ExpirationTable) Touch(key string, ttl time.Duration) {
	t.entries.Store(key, t.now().Add(ttl))
}

// Expire marks the key stale immediately.
func (t *ExpirationTable) Expire(key string) {
	t.entries.Store(key, time.Time{})
}

// IsStale is true when no expiration is recorded or it has passed.
func (t *ExpirationTable) IsStale(key string) bool {
	v, ok := t.entries.Load(key)
	if !ok {
		return true
	}
	return t.now().After(v.(time.Time))
}

// ExpiresAt returns the recorded expiration, if any.
func (t *ExpirationTable) ExpiresAt(key string) (time.Time, bool) {
	v, ok := t.entries.Load(key)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}
