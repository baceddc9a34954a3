package workout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const activeSessionKeyPrefix = "active-session::"

// SessionCache is a redis-backed cache for the active-session view,
// the hottest read of the engine (every client mount/focus/poll hits
// it). Every mutation of a customer's session invalidates their entry.
// Cache failures are logged and never returned: redis being down only
// costs a db roundtrip.
type SessionCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

func NewSessionCache(redisClient *redis.Client, ttl time.Duration) *SessionCache {
	return &SessionCache{
		redisClient: redisClient,
		ttl:         ttl,
	}
}

func (c *SessionCache) GetActive(ctx context.Context, customerID uuid.UUID) (*Session, bool) {
	if c == nil {
		return nil, false
	}

	cmd := c.redisClient.Get(ctx, activeSessionKeyPrefix+customerID.String())
	if err := cmd.Err(); err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Errorf("failed to get active session from cache for [%s]: %s", customerID, err)
		}
		return nil, false
	}

	session := &Session{}
	if err := json.Unmarshal([]byte(cmd.Val()), session); err != nil {
		log.Errorf("failed to unmarshal cached active session for [%s]: %s", customerID, err)
		return nil, false
	}

	return session, true
}

func (c *SessionCache) SetActive(ctx context.Context, customerID uuid.UUID, session *Session) {
	if c == nil {
		return
	}

	sessionJson, err := json.Marshal(session)
	if err != nil {
		log.Errorf("failed to marshal active session for cache [%s]: %s", customerID, err)
		return
	}

	cmd := c.redisClient.Set(ctx, activeSessionKeyPrefix+customerID.String(), sessionJson, c.ttl)
	if err := cmd.Err(); err != nil {
		log.Errorf("failed to cache active session for [%s]: %s", customerID, err)
	}
}

func (c *SessionCache) InvalidateActive(ctx context.Context, customerID uuid.UUID) {
	if c == nil {
		return
	}

	cmd := c.redisClient.Del(ctx, activeSessionKeyPrefix+customerID.String())
	if err := cmd.Err(); err != nil {
		log.Errorf("failed to invalidate active session cache for [%s]: %s", customerID, err)
	}
}
