package search

import (
	"context"
	"testing"
	"time"

	"handbook/api/internal/store"
)

type fakeSearchStore struct {
	gotQuery string
	gotLimit int
	rows     []store.Submission
}

func (f *fakeSearchStore) SearchSubmissions(_ context.Context, q string, limit int) ([]store.Submission, error) {
	f.gotQuery = q
	f.gotLimit = limit
	return f.rows, nil
}

func TestSearchFallsBackToStore(t *testing.T) {
	st := &fakeSearchStore{rows: []store.Submission{{
		ID:         "sub_1",
		Title:      "Intro",
		TargetPath: "content/en/guide/intro.md",
		Language:   "en",
		Status:     "pending",
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}}
	svc := NewService(nil, st)

	records, err := svc.Search(context.Background(), "intro", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if st.gotQuery != "intro" || st.gotLimit != 5 {
		t.Errorf("store query = %q limit %d", st.gotQuery, st.gotLimit)
	}
	if len(records) != 1 || records[0].ID != "sub_1" {
		t.Fatalf("unexpected records %+v", records)
	}
	if records[0].CreatedAt != "2026-01-02T03:04:05Z" {
		t.Errorf("created_at = %q", records[0].CreatedAt)
	}
}

func TestSearchClampsLimit(t *testing.T) {
	st := &fakeSearchStore{}
	svc := NewService(nil, st)

	if _, err := svc.Search(context.Background(), "x", 0); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if st.gotLimit != 20 {
		t.Errorf("zero limit not defaulted: %d", st.gotLimit)
	}

	if _, err := svc.Search(context.Background(), "x", 500); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if st.gotLimit != 20 {
		t.Errorf("oversized limit not clamped: %d", st.gotLimit)
	}
}
