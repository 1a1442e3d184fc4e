package leaderboard

import (
	"context"

	"handbook/api/internal/store"
)

type wordScoreStore interface {
	AddWordScore(ctx context.Context, authorKey, displayName string, delta int64) error
	TopWordScores(ctx context.Context, limit int) ([]store.WordScore, error)
}

// StoreService is the relational fallback used when Redis is not configured.
type StoreService struct {
	store wordScoreStore
}

func NewStoreService(st wordScoreStore) *StoreService {
	return &StoreService{store: st}
}

func (s *StoreService) Add(ctx context.Context, authorKey, displayName string, delta int64) error {
	return s.store.AddWordScore(ctx, authorKey, displayName, delta)
}

func (s *StoreService) Top(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	rows, err := s.store.TopWordScores(ctx, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(rows))
	for i, row := range rows {
		name := row.DisplayName
		if name == "" {
			name = row.AuthorKey
		}
		entries[i] = Entry{AuthorKey: row.AuthorKey, DisplayName: name, Score: row.Score}
	}
	return entries, nil
}
