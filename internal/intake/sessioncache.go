package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ledgerKeyPrefix = "intake:ledger:"
	activeKeyPrefix = "intake:active:"
)

// SessionCache is the local-side persistence the engine relies on: the
// pending ledger snapshot for crash recovery, and the cross-department
// directory of open sessions the foreign-session check consults.
type SessionCache interface {
	SessionDirectory
	Register(ctx context.Context, sess ActiveSession) error
	Unregister(ctx context.Context, area, sessionID string) error
	AddNoteNumber(ctx context.Context, area, sessionID, numeroNF string) error
	SaveLedger(ctx context.Context, sessionID string, notes []Note) error
	LoadLedger(ctx context.Context, sessionID string) ([]Note, error)
	DropLedger(ctx context.Context, sessionID string) error
}

// RedisSessionCache implements SessionCache on Redis. Entries carry a TTL
// so an abandoned session eventually leaves the directory on its own; the
// worker sweep only tightens that.
type RedisSessionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionCache constructs the cache. ttl bounds how long a session
// may sit idle before it stops being visible to other departments.
func NewRedisSessionCache(client *redis.Client, ttl time.Duration) *RedisSessionCache {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &RedisSessionCache{client: client, ttl: ttl}
}

func activeKey(area, sessionID string) string {
	return fmt.Sprintf("%s%s:%s", activeKeyPrefix, area, sessionID)
}

// Register announces the session in the directory.
func (c *RedisSessionCache) Register(ctx context.Context, sess ActiveSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, activeKey(sess.Area, sess.SessionID), raw, c.ttl).Err()
}

// Unregister removes the session from the directory.
func (c *RedisSessionCache) Unregister(ctx context.Context, area, sessionID string) error {
	return c.client.Del(ctx, activeKey(area, sessionID)).Err()
}

// AddNoteNumber appends a note number to the session's directory entry so
// foreign-session checks can see it. The read-modify-write runs under
// WATCH; a concurrent update to the same entry retries instead of losing
// the other writer's numbers.
func (c *RedisSessionCache) AddNoteNumber(ctx context.Context, area, sessionID, numeroNF string) error {
	key := activeKey(area, sessionID)
	update := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var sess ActiveSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return err
		}
		for _, nf := range sess.NumerosNF {
			if nf == numeroNF {
				return nil
			}
		}
		sess.NumerosNF = append(sess.NumerosNF, numeroNF)
		updated, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, c.ttl)
			return nil
		})
		return err
	}
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		err = c.client.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// ActiveSessions scans the directory. Unreadable entries are skipped; the
// caller treats the directory as best-effort anyway.
func (c *RedisSessionCache) ActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	var out []ActiveSession
	iter := c.client.Scan(ctx, 0, activeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var sess ActiveSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	if err := iter.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// SaveLedger snapshots the pending ledger for recovery across restarts.
func (c *RedisSessionCache) SaveLedger(ctx context.Context, sessionID string, notes []Note) error {
	raw, err := json.Marshal(notes)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, ledgerKeyPrefix+sessionID, raw, c.ttl).Err()
}

// LoadLedger restores a pending ledger, or nil when none was saved.
func (c *RedisSessionCache) LoadLedger(ctx context.Context, sessionID string) ([]Note, error) {
	raw, err := c.client.Get(ctx, ledgerKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var notes []Note
	if err := json.Unmarshal(raw, &notes); err != nil {
		return nil, err
	}
	return notes, nil
}

// DropLedger discards the snapshot after finalization or reset.
func (c *RedisSessionCache) DropLedger(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, ledgerKeyPrefix+sessionID).Err()
}

// SweepStale drops directory entries older than maxAge. Called by the
// background worker; TTLs already cover the common case.
func (c *RedisSessionCache) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	iter := c.client.Scan(ctx, 0, activeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var sess ActiveSession
		if err := json.Unmarshal(raw, &sess); err != nil || sess.StartedAt.Before(cutoff) {
			if delErr := c.client.Del(ctx, iter.Val()).Err(); delErr == nil {
				removed++
			}
		}
	}
	return removed, iter.Err()
}
