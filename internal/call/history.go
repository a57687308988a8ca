package call

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultHistoryTTL is how long an ended call stays visible when
// [NewHistory] is given a non-positive TTL.
const DefaultHistoryTTL = 5 * time.Minute

// History remembers recently ended calls so an operator can still inspect a
// call shortly after it hung up. It is fed from the session close hook and
// is never consulted by the streaming path.
type History struct {
	cache    *ttlcache.Cache[string, Info]
	stopOnce sync.Once
}

// NewHistory returns a history that forgets entries ttl after they were
// recorded. Call [History.Close] to stop the expiry goroutine.
func NewHistory(ttl time.Duration) *History {
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}
	h := &History{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, Info](ttl),
			ttlcache.WithDisableTouchOnHit[string, Info](),
		),
	}
	go h.cache.Start()
	return h
}

// Record stores info under its call identity. Sessions that never received
// an identified unit are keyed by session ID. A later call with the same
// identity replaces the earlier entry.
func (h *History) Record(info Info) {
	key := info.CallID
	if key == "" {
		key = info.SessionID
	}
	h.cache.Set(key, info, ttlcache.DefaultTTL)
}

// Lookup returns the most recent ended session for callID.
func (h *History) Lookup(callID string) (Info, bool) {
	item := h.cache.Get(callID)
	if item == nil || item.IsExpired() {
		return Info{}, false
	}
	return item.Value(), true
}

// List returns every remembered call, most recently ended first.
func (h *History) List() []Info {
	items := h.cache.Items()
	out := make([]Info, 0, len(items))
	for _, item := range items {
		if item.IsExpired() {
			continue
		}
		out = append(out, item.Value())
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := b.EndedAt.Compare(a.EndedAt); c != 0 {
			return c
		}
		return strings.Compare(a.CallID, b.CallID)
	})
	return out
}

// Len returns the number of remembered calls, including entries that have
// expired but not yet been swept.
func (h *History) Len() int {
	return h.cache.Len()
}

// Close stops the expiry goroutine. Safe to call more than once.
func (h *History) Close() {
	h.stopOnce.Do(h.cache.Stop)
}
