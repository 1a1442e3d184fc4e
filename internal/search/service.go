package search

import (
	"context"
	"log"
	"time"

	"handbook/api/internal/store"
)

type submissionSearchStore interface {
	SearchSubmissions(ctx context.Context, q string, limit int) ([]store.Submission, error)
}

// Service answers admin submission searches, preferring Meilisearch and
// falling back to the relational store when it is absent or unhealthy.
type Service struct {
	meili *Meili
	store submissionSearchStore
}

// NewService builds the search service. meili may be nil when Meilisearch is
// not configured.
func NewService(m *Meili, st submissionSearchStore) *Service {
	return &Service{meili: m, store: st}
}

// Index pushes a submission into the index, best-effort: indexing is a
// convenience on top of the relational ledger and must never fail a write.
func (s *Service) Index(sub store.Submission) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexSubmission(RecordFromSubmission(sub)); err != nil {
		log.Printf("search: index submission %s: %v", sub.ID, err)
	}
}

// Search runs the query against whichever backend is available.
func (s *Service) Search(ctx context.Context, q string, limit int) ([]SubmissionRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if s.meili != nil && s.meili.Healthy() {
		records, err := s.meili.Search(q, limit)
		if err == nil {
			return records, nil
		}
		log.Printf("search: meilisearch query failed, falling back to store: %v", err)
	}

	rows, err := s.store.SearchSubmissions(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	records := make([]SubmissionRecord, len(rows))
	for i, row := range rows {
		records[i] = RecordFromSubmission(row)
	}
	return records, nil
}

// RecordFromSubmission projects a submission onto its indexed fields.
func RecordFromSubmission(sub store.Submission) SubmissionRecord {
	return SubmissionRecord{
		ID:          sub.ID,
		Title:       sub.Title,
		TargetPath:  sub.TargetPath,
		Language:    sub.Language,
		Status:      sub.Status,
		AuthorName:  sub.AuthorName,
		AuthorEmail: sub.AuthorEmail,
		CreatedAt:   sub.CreatedAt.Format(time.RFC3339),
	}
}
