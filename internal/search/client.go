// Package search consumes the full-text posting index. The index itself is an
// external collaborator; this package only issues ranked, filtered queries.
package search

import (
	"context"

	"job-alert-pipeline/internal/models"
)

// Hit is one ranked posting returned by the index.
type Hit struct {
	Posting        models.Posting
	RelevanceScore float64
}

// Result is a single page of ranked hits. TotalFound counts every match in
// the index, not just the returned page.
type Result struct {
	Hits       []Hit
	TotalFound int
}

// Client answers ranked searches over postings. filter uses the index's
// conjunctive expression syntax (clauses joined by &&); query may be empty to
// rank purely by recency and filter match.
type Client interface {
	Search(ctx context.Context, filter, query string, limit int) (Result, error)
}
