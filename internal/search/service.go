package search

import (
	"context"

	"cmms/api/internal/store"
	"go.uber.org/zap"
)

type indexer interface {
	Searcher
	IndexSubmissions(records []SubmissionRecord) error
}

// SubmissionLister loads every stored submission for a reindex.
type SubmissionLister interface {
	ListRecentSubmissions(ctx context.Context, limit int) ([]store.Submission, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres.
type Service struct {
	primary  indexer
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(m *Meili, pg *Pg, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{logger: logger.Named("search")}
	if m != nil {
		s.primary = m
	}
	if pg != nil {
		s.fallback = pg
	}
	return s
}

func (s *Service) primaryHealthy() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q = q.Normalize()
	if s.primaryHealthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search error", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "postgres"}
}

// IndexSubmission indexes a submission (fire-and-forget to Meilisearch).
func (s *Service) IndexSubmission(sub store.Submission) {
	if !s.primaryHealthy() {
		return
	}
	record := RecordFromSubmission(sub)
	go func() {
		if err := s.primary.IndexSubmissions([]SubmissionRecord{record}); err != nil {
			s.logger.Warn("index submission", zap.String("submission_id", record.ID), zap.Error(err))
		}
	}()
}

// ReindexAll pushes every stored submission to Meilisearch. Called during
// bootstrap.
func (s *Service) ReindexAll(ctx context.Context, lister SubmissionLister) {
	if !s.primaryHealthy() || lister == nil {
		return
	}
	subs, err := lister.ListRecentSubmissions(ctx, 0)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	records := make([]SubmissionRecord, 0, len(subs))
	for _, sub := range subs {
		records = append(records, RecordFromSubmission(sub))
	}
	if err := s.primary.IndexSubmissions(records); err != nil {
		s.logger.Warn("reindex submissions", zap.Error(err))
		return
	}
	s.logger.Info("reindexed submissions", zap.Int("count", len(records)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
