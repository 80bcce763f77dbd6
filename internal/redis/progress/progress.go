// Package progress is the fast-read status cache for render sessions. It is
// not authoritative: when an entry is absent, readers degrade to the durable
// session row. Nothing here ever mutates the session store.
package progress

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tvb/internal/redis/rkeys"
	"tvb/internal/sessions"
)

const (
	// Status and percent are short-lived; the last error sticks around a
	// day for post-mortem visibility.
	statusTTL    = time.Hour
	progressTTL  = time.Hour
	lastErrorTTL = 24 * time.Hour
)

// Status is the cached session status payload.
type Status struct {
	State     sessions.State `json:"state"`
	Message   string         `json:"message,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Cache stores per-session status, percent and last error, each with its
// own TTL.
type Cache struct {
	client *redis.Client
	keys   rkeys.Keys
}

func New(client *redis.Client, keys rkeys.Keys) *Cache {
	return &Cache{client: client, keys: keys}
}

// SetStatus records the session's cached state. UpdatedAt defaults to now.
func (c *Cache) SetStatus(ctx context.Context, sessionID string, st Status) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.keys.SessionStatus(sessionID), data, statusTTL).Err()
}

// GetStatus returns the cached status, or ok=false when absent or
// unreadable.
func (c *Cache) GetStatus(ctx context.Context, sessionID string) (Status, bool) {
	data, err := c.client.Get(ctx, c.keys.SessionStatus(sessionID)).Bytes()
	if err != nil {
		return Status{}, false
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, false
	}
	return st, true
}

// SetProgress stores the render percent, clamped to [0,100].
func (c *Cache) SetProgress(ctx context.Context, sessionID string, percent float64) error {
	v := int(math.Round(percent))
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return c.client.Set(ctx, c.keys.SessionProgress(sessionID), strconv.Itoa(v), progressTTL).Err()
}

// GetProgress returns the cached percent, or ok=false when absent.
func (c *Cache) GetProgress(ctx context.Context, sessionID string) (int, bool) {
	raw, err := c.client.Get(ctx, c.keys.SessionProgress(sessionID)).Result()
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetLastError records the most recent failure reason.
func (c *Cache) SetLastError(ctx context.Context, sessionID, message string) error {
	return c.client.Set(ctx, c.keys.SessionLastError(sessionID), message, lastErrorTTL).Err()
}

// GetLastError returns the cached failure reason, or ok=false when absent.
func (c *Cache) GetLastError(ctx context.Context, sessionID string) (string, bool) {
	raw, err := c.client.Get(ctx, c.keys.SessionLastError(sessionID)).Result()
	if err != nil {
		return "", false
	}
	return raw, true
}
