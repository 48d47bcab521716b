package notify

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	summaryCacheMaxEntries = 512
	summaryCacheTTL        = 24 * time.Hour
)

// summaryCache is an LRU of summaries whose entries also expire after a TTL.
type summaryCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
	ttl        time.Duration
}

type summaryCacheEntry struct {
	key       string
	summary   string
	expiresAt time.Time
}

func newSummaryCache(maxEntries int, ttl time.Duration) *summaryCache {
	if maxEntries <= 0 || ttl <= 0 {
		return nil
	}

	return &summaryCache{
		entries:    make(map[string]*list.Element, maxEntries),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// summaryCacheKey ties a summary to both the posting link and the exact text
// it was computed from, so an edited posting is summarized again.
func summaryCacheKey(link string, text string) string {
	if link == "" || text == "" {
		return ""
	}

	hash := sha256.Sum256([]byte(text))

	return link + "|" + hex.EncodeToString(hash[:])
}

func (c *summaryCache) get(key string, now time.Time) (string, bool) {
	if c == nil || key == "" {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return "", false
	}

	entry := elem.Value.(*summaryCacheEntry) //nolint:forcetypeassert // only entries are stored

	if now.After(entry.expiresAt) {
		c.remove(elem)
		return "", false
	}

	c.order.MoveToFront(elem)

	return entry.summary, true
}

func (c *summaryCache) set(key string, summary string, now time.Time) {
	if c == nil || key == "" || summary == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := now.Add(c.ttl)

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*summaryCacheEntry) //nolint:forcetypeassert // only entries are stored
		entry.summary = summary
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)

		return
	}

	c.entries[key] = c.order.PushFront(&summaryCacheEntry{
		key:       key,
		summary:   summary,
		expiresAt: expiresAt,
	})

	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if now.After(elem.Value.(*summaryCacheEntry).expiresAt) { //nolint:forcetypeassert // only entries are stored
			c.remove(elem)
		}
		elem = prev
	}

	for len(c.entries) > c.maxEntries {
		c.remove(c.order.Back())
	}
}

func (c *summaryCache) remove(elem *list.Element) {
	entry := elem.Value.(*summaryCacheEntry) //nolint:forcetypeassert // only entries are stored

	delete(c.entries, entry.key)
	c.order.Remove(elem)
}

func (c *summaryCache) len() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
