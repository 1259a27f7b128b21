package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexCase indexes a case (fire-and-forget to Meilisearch).
func (s *Service) IndexCase(c CaseRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexCase(c); err != nil {
			log.Printf("search: index case %s: %v", c.ID, err)
		}
	}()
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(c CommentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComment(c); err != nil {
			log.Printf("search: index comment %s: %v", c.ID, err)
		}
	}()
}

// DeleteCase removes a case from the search index (fire-and-forget).
func (s *Service) DeleteCase(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteCase(id); err != nil {
			log.Printf("search: delete case %s: %v", id, err)
		}
	}()
}

// DeleteComment removes a comment from the search index (fire-and-forget).
func (s *Service) DeleteComment(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteComment(id); err != nil {
			log.Printf("search: delete comment %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes the given records to Meilisearch in bulk.
func (s *Service) ReindexAll(cases []CaseRecord, comments []CommentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(cases) > 0 {
		if err := s.meili.IndexCases(cases); err != nil {
			log.Printf("search: reindex cases: %v", err)
		}
	}
	if len(comments) > 0 {
		if err := s.meili.IndexComments(comments); err != nil {
			log.Printf("search: reindex comments: %v", err)
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	cases, comments, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(cases, comments)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
