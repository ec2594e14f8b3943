// Package retrieval exposes the query interface the gateway consumes for
// retrieved context. Index construction is out of scope; the in-memory
// retriever here is the default backing for local deployments and tests.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Snippet is one ranked retrieval result.
type Snippet struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Queryer is the retrieval contract the gateway consumes.
type Queryer interface {
	Query(ctx context.Context, text string, limit int) ([]Snippet, error)
}

// MemoryRetriever ranks stored documents by token overlap with the query.
type MemoryRetriever struct {
	mu   sync.RWMutex
	docs []string
}

func NewMemoryRetriever(docs ...string) *MemoryRetriever {
	r := &MemoryRetriever{}
	r.Add(docs...)
	return r
}

func (r *MemoryRetriever) Add(docs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, doc := range docs {
		if strings.TrimSpace(doc) != "" {
			r.docs = append(r.docs, doc)
		}
	}
}

func (r *MemoryRetriever) Query(ctx context.Context, text string, limit int) ([]Snippet, error) {
	if limit <= 0 {
		limit = 5
	}
	queryTokens := tokenize(text)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	docs := append([]string(nil), r.docs...)
	r.mu.RUnlock()

	scored := make([]Snippet, 0, len(docs))
	for _, doc := range docs {
		score := overlapScore(queryTokens, tokenize(doc))
		if score <= 0 {
			continue
		}
		scored = append(scored, Snippet{Text: doc, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func tokenize(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, field := range strings.Fields(strings.ToLower(text)) {
		field = strings.Trim(field, ".,;:!?\"'()[]")
		if len(field) < 3 {
			continue
		}
		out[field] = struct{}{}
	}
	return out
}

func overlapScore(query, doc map[string]struct{}) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	hits := 0
	for token := range query {
		if _, ok := doc[token]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
