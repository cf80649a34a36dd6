package link

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/wikiforge/discourse-connect/pkg/observability"
)

// recordCacheTTL bounds how long a cached user record may be served without
// a database read. Webhook upserts invalidate eagerly; the TTL only covers
// writes from other nodes.
const recordCacheTTL = 15 * time.Minute

// RecordCache is a Redis read-through layer over the Store's user-record
// reads for the connector API. Cache reads may observe either side of an
// in-flight update; that is acceptable because updates are single-row
// upserts, never multi-step transactions visible to readers.
type RecordCache struct {
	store   *Store
	redis   *redis.Client
	metrics *observability.Metrics
	log     *logrus.Logger
}

// NewRecordCache creates a RecordCache. redis may be nil, in which case all
// reads go straight to the store. metrics may be nil.
func NewRecordCache(store *Store, client *redis.Client, metrics *observability.Metrics, log *logrus.Logger) *RecordCache {
	if log == nil {
		log = logrus.New()
	}
	return &RecordCache{store: store, redis: client, metrics: metrics, log: log}
}

// FetchUserRecordByWikiID returns the cached external record for a local
// account, consulting Redis first. Cache failures degrade to the store.
func (c *RecordCache) FetchUserRecordByWikiID(ctx context.Context, wikiID int64) (*UserRecord, error) {
	key := wikiRecordKey(wikiID)

	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Result()
		if err == nil {
			rec := &UserRecord{}
			if err := json.Unmarshal([]byte(data), rec); err == nil {
				c.countCache("hit")
				return rec, nil
			}
			// Corrupt entry: drop it and fall through to the store.
			c.redis.Del(ctx, key)
		} else if err != redis.Nil {
			c.log.WithError(err).Warn("Record cache read failed; falling back to store")
		}
		c.countCache("miss")
	}

	rec, err := c.store.FetchUserRecordByWikiID(ctx, wikiID)
	if err != nil || rec == nil {
		return rec, err
	}

	if c.redis != nil {
		if data, err := json.Marshal(rec); err == nil {
			if err := c.redis.Set(ctx, key, data, recordCacheTTL).Err(); err != nil {
				c.log.WithError(err).Warn("Record cache write failed")
			}
		}
	}
	return rec, nil
}

// UpsertUserRecord writes through to the store and invalidates the cache
// entries touching this external identity.
func (c *RecordCache) UpsertUserRecord(ctx context.Context, discourseID int64, record json.RawMessage, eventName string, eventID int64, ts time.Time) error {
	if err := c.store.UpsertUserRecord(ctx, discourseID, record, eventName, eventID, ts); err != nil {
		return err
	}
	if c.redis != nil {
		if wikiID, ok, err := c.store.LookupWikiID(ctx, discourseID); err == nil && ok {
			if err := c.redis.Del(ctx, wikiRecordKey(wikiID)).Err(); err != nil {
				c.log.WithError(err).Warn("Record cache invalidation failed")
			}
		}
	}
	return nil
}

func (c *RecordCache) countCache(result string) {
	if c.metrics == nil {
		return
	}
	switch result {
	case "hit":
		c.metrics.CacheHitsTotal.WithLabelValues("user_record").Inc()
	case "miss":
		c.metrics.CacheMissesTotal.WithLabelValues("user_record").Inc()
	}
}

func wikiRecordKey(wikiID int64) string {
	return fmt.Sprintf("discourse:record:wiki:%d", wikiID)
}
