package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keySession = "advisor:session:%d"

// RedisStore keeps sessions in Redis so they survive restarts
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisClient parses a redis:// URL and checks the connection
func NewRedisClient(ctx context.Context, url string, timeout time.Duration) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// NewRedisStore creates a store; ttl of zero keeps sessions forever
func NewRedisStore(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "session_redis").Logger(),
	}
}

func (r *RedisStore) Get(ctx context.Context, chatID int64) (Session, bool, error) {
	raw, err := r.client.Get(ctx, sessionKey(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		r.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to read session")
		return Session{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		// Corrupt value: treat as no session so the user can pick again.
		r.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Dropping unreadable session")
		return Session{}, false, nil
	}
	s.ChatID = chatID
	return s, true, nil
}

func (r *RedisStore) Set(ctx context.Context, s Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := r.client.Set(ctx, sessionKey(s.ChatID), raw, r.ttl).Err(); err != nil {
		r.logger.Error().Err(err).Int64("chat_id", s.ChatID).Msg("Failed to write session")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, chatID int64) error {
	if err := r.client.Del(ctx, sessionKey(chatID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func sessionKey(chatID int64) string {
	return fmt.Sprintf(keySession, chatID)
}
