// Package cache is the Redis read-through cache in front of the table store.
// Custom data and push tokens are read on every routed message, so they are
// served from Redis with short TTLs instead of hitting the store each time.
// A cache outage degrades to direct store reads and never fails the caller.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	customDataTTL = time.Hour
	pushTokensTTL = 12 * time.Hour
)

// Connect parses the Redis URL, connects, and pings to verify the
// connection. The dialTimeout parameter controls how long the client waits
// when establishing new connections.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// Source is the backing store the cache reads through to.
type Source interface {
	FetchCustomData(ctx context.Context, appUserIdentifier string) json.RawMessage
	FetchDeviceFCMTokens(ctx context.Context, appUserIdentifier string) []string
}

// Cache serves per-user custom data and push tokens.
type Cache struct {
	rdb    *redis.Client
	source Source
	log    zerolog.Logger
}

// New returns a Cache over rdb backed by source.
func New(rdb *redis.Client, source Source, logger zerolog.Logger) *Cache {
	return &Cache{
		rdb:    rdb,
		source: source,
		log:    logger.With().Str("component", "cache").Logger(),
	}
}

func customDataKey(appUserIdentifier string) string { return "customdata:" + appUserIdentifier }
func pushTokensKey(appUserIdentifier string) string { return "pushtokens:" + appUserIdentifier }

// CustomData returns the user's custom data blob, or nil when the user has
// none. Users without custom data are cached too, so repeated lookups for
// them do not hammer the store.
func (c *Cache) CustomData(ctx context.Context, appUserIdentifier string) json.RawMessage {
	key := customDataKey(appUserIdentifier)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		if string(raw) == "null" {
			return nil
		}
		return raw
	}
	if err != redis.Nil {
		c.log.Warn().Err(err).Msg("Custom data cache read failed, falling through to the store")
	}

	data := c.source.FetchCustomData(ctx, appUserIdentifier)

	value := []byte("null")
	if data != nil {
		value = data
	}
	if err := c.rdb.Set(ctx, key, value, customDataTTL).Err(); err != nil {
		c.log.Warn().Err(err).Msg("Custom data cache write failed")
	}
	return data
}

// PushTokens returns the user's device push tokens together with the
// application identifier embedded in the user identifier.
func (c *Cache) PushTokens(ctx context.Context, appUserIdentifier string) ([]string, string) {
	applicationID := applicationIdentifier(appUserIdentifier)
	key := pushTokensKey(appUserIdentifier)

	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var tokens []string
		if err := json.Unmarshal(raw, &tokens); err == nil {
			return tokens, applicationID
		}
		c.log.Warn().Str("key", key).Msg("Discarding corrupt push token cache entry")
	} else if err != redis.Nil {
		c.log.Warn().Err(err).Msg("Push token cache read failed, falling through to the store")
	}

	tokens := c.source.FetchDeviceFCMTokens(ctx, appUserIdentifier)

	raw, err := json.Marshal(tokens)
	if err == nil {
		if err := c.rdb.Set(ctx, key, raw, pushTokensTTL).Err(); err != nil {
			c.log.Warn().Err(err).Msg("Push token cache write failed")
		}
	}
	return tokens, applicationID
}

// applicationIdentifier extracts the application segment of an
// `<prefix>:<application>:<user>` identifier.
func applicationIdentifier(appUserIdentifier string) string {
	parts := strings.Split(appUserIdentifier, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
