package leaderboard

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	scoresKey = "leaderboard:words"
	namesKey  = "leaderboard:names"
)

// RedisService keeps the ranking in a sorted set, with display names in a
// sibling hash keyed by author key.
type RedisService struct {
	client *redis.Client
}

func NewRedisService(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

// NewRedisServiceFromURL dials Redis and verifies the connection.
func NewRedisServiceFromURL(ctx context.Context, url string) (*RedisService, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisService{client: client}, nil
}

func (s *RedisService) Add(ctx context.Context, authorKey, displayName string, delta int64) error {
	pipe := s.client.TxPipeline()
	pipe.ZIncrBy(ctx, scoresKey, float64(delta), authorKey)
	if displayName != "" {
		pipe.HSet(ctx, namesKey, authorKey, displayName)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("accumulate score for %s: %w", authorKey, err)
	}
	return nil
}

func (s *RedisService) Top(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	ranked, err := s.client.ZRevRangeWithScores(ctx, scoresKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard: %w", err)
	}
	if len(ranked) == 0 {
		return []Entry{}, nil
	}

	keys := make([]string, len(ranked))
	for i, member := range ranked {
		keys[i] = member.Member.(string)
	}
	names, err := s.client.HMGet(ctx, namesKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read display names: %w", err)
	}

	entries := make([]Entry, len(ranked))
	for i, member := range ranked {
		entry := Entry{
			AuthorKey: keys[i],
			Score:     int64(member.Score),
		}
		if name, ok := names[i].(string); ok && name != "" {
			entry.DisplayName = name
		} else {
			entry.DisplayName = keys[i]
		}
		entries[i] = entry
	}
	return entries, nil
}

func (s *RedisService) Close() error {
	return s.client.Close()
}
