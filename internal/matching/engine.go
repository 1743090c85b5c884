// Package matching turns one alert's criteria into a ranked, scored list of
// candidate postings.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"job-alert-pipeline/internal/models"
	"job-alert-pipeline/internal/search"
)

// ErrSearchBackend classifies failures of the search index so callers can
// skip the affected alert without aborting a batch.
var ErrSearchBackend = errors.New("search backend failure")

// Composite score weights. Relevance is the index's native text score;
// recency decays exponentially with posting age on a two-week time constant,
// so a fresh posting contributes up to 100 recency points and an arbitrarily
// old one approaches zero. Both terms are monotone: more relevant and fresher
// postings always score higher.
const (
	relevanceWeight     = 0.7
	recencyWeight       = 0.3
	recencyScale        = 100.0
	recencyTimeConstant = 14 * 24 * time.Hour
)

// Candidate is one scored posting produced by a matching run.
type Candidate struct {
	Posting   models.Posting
	Relevance float64
	Score     float64
}

// Engine queries the search index and ranks hits for one alert at a time.
type Engine struct {
	search search.Client
	now    func() time.Time
}

// NewEngine constructs an engine over a search client.
func NewEngine(c search.Client) *Engine {
	return &Engine{search: c, now: time.Now}
}

// Match builds the alert's filter, issues one ranked search capped at limit,
// and returns candidates sorted by composite score descending. Zero hits is a
// successful empty result. A search failure is wrapped in ErrSearchBackend;
// it never escapes unclassified.
func (e *Engine) Match(ctx context.Context, alert models.Alert, limit int) ([]Candidate, error) {
	filter := BuildFilter(alert)

	res, err := e.search.Search(ctx, filter, alert.Query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: alert %s: %v", ErrSearchBackend, alert.ID, err)
	}
	if len(res.Hits) == 0 {
		return []Candidate{}, nil
	}

	now := e.now()
	candidates := make([]Candidate, len(res.Hits))
	for i, hit := range res.Hits {
		candidates[i] = Candidate{
			Posting:   hit.Posting,
			Relevance: hit.RelevanceScore,
			Score:     compositeScore(hit.RelevanceScore, now.Sub(hit.Posting.CreatedAt)),
		}
	}

	// Stable: ties keep the index's own ranking order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates, nil
}

// compositeScore blends relevance and recency into one scalar.
func compositeScore(relevance float64, age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	recency := recencyScale * math.Exp(-float64(age)/float64(recencyTimeConstant))
	return relevanceWeight*relevance + recencyWeight*recency
}
