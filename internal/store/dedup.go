package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/klaxonhq/klaxon/pkg/models"
)

// DedupCache suppresses alerts whose content fingerprint was seen within
// the TTL. Entries use last-writer-wins semantics; alerts are best-effort,
// not a system of record.
type DedupCache struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
	ttl     time.Duration

	now func() time.Time
}

type dedupEntry struct {
	alertID   string
	expiresAt time.Time
}

// NewDedupCache returns a cache that forgets fingerprints after ttl.
func NewDedupCache(ttl time.Duration) *DedupCache {
	return &DedupCache{
		entries: make(map[string]dedupEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Fingerprint derives the dedup key from the fields that define an
// alert's identity: title, message, category, and target user.
func Fingerprint(a *models.Alert) string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		a.Title,
		a.Message,
		string(a.Category),
		a.TargetUserID,
	}, "\x1f")))
	return hex.EncodeToString(h[:])
}

// Check reports whether a live record exists for the fingerprint and, if
// so, the id of the alert that created it.
func (c *DedupCache) Check(fingerprint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		return "", false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, fingerprint)
		return "", false
	}
	return e.alertID, true
}

// Record stores the fingerprint for the alert. Dispatch calls this before
// any channel fan-out so concurrent duplicates cannot slip through between
// check and send.
func (c *DedupCache) Record(fingerprint, alertID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = dedupEntry{
		alertID:   alertID,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Cleanup removes expired entries and returns how many were dropped. The
// rate limiter janitor calls it on its schedule.
func (c *DedupCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for fp, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, fp)
			removed++
		}
	}
	return removed
}

// Len reports the number of live records, counting not-yet-swept expired
// entries.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
