// Package leaderboard accumulates changed-word scores per author and serves
// the public top-N ranking. Redis backs it when configured; otherwise the
// relational store keeps the totals.
package leaderboard

import "context"

// Entry is one ranked author.
type Entry struct {
	AuthorKey   string `json:"author_key"`
	DisplayName string `json:"display_name"`
	Score       int64  `json:"score"`
}

// Service is implemented by both backends. Add is an accumulating upsert:
// repeated calls add to the running total rather than overwriting it.
type Service interface {
	Add(ctx context.Context, authorKey, displayName string, delta int64) error
	Top(ctx context.Context, limit int) ([]Entry, error)
}
