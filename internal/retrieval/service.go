package retrieval

import (
	"context"
	"time"

	"clinrag/backend/internal/dedup"
	"clinrag/backend/internal/settings"
)

// Hit is one retrieved chunk with its similarity score and provenance.
type Hit struct {
	ChunkID     string  `json:"chunk_id"`
	Content     string  `json:"content"`
	Score       float64 `json:"score"`
	SourceID    string  `json:"source_id"`
	Version     int     `json:"version"`
	Pass        string  `json:"pass"`
	SectionPath string  `json:"section_path,omitempty"`
	Kind        string  `json:"kind"`
	PageFirst   int     `json:"page_first,omitempty"`
	PageLast    int     `json:"page_last,omitempty"`
	Locator     string  `json:"locator,omitempty"`
	ChunkIndex  int     `json:"chunk_index"`
}

// Citation resolves a hit back to its source document and position.
type Citation struct {
	Marker      string `json:"marker,omitempty"`
	SourceID    string `json:"source_id"`
	Version     int    `json:"version"`
	SectionPath string `json:"section_path,omitempty"`
	PageFirst   int    `json:"page_first,omitempty"`
	PageLast    int    `json:"page_last,omitempty"`
	Locator     string `json:"locator,omitempty"`
}

func (h Hit) Citation() Citation {
	return Citation{
		SourceID:    h.SourceID,
		Version:     h.Version,
		SectionPath: h.SectionPath,
		PageFirst:   h.PageFirst,
		PageLast:    h.PageLast,
		Locator:     h.Locator,
	}
}

// Filters narrow a search by metadata.
type Filters struct {
	SourceIDs     []string `json:"source_ids,omitempty"`
	SectionPrefix string   `json:"section_prefix,omitempty"`
	Kinds         []string `json:"kinds,omitempty"`
}

type Options struct {
	TopK          *int
	MinSimilarity *float64
	Filters       *Filters
}

// Result is the ranked, deduplicated, budget-bounded context set. An empty
// result is a normal outcome, not an error; callers must handle "no
// relevant context".
type Result struct {
	Items      []Hit `json:"items"`
	TotalChars int   `json:"total_chars"`
}

func (r Result) Empty() bool { return len(r.Items) == 0 }

type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, limit int, filters *Filters) ([]Hit, error)
}

type Config struct {
	TopK             int
	OversampleFactor int
	MinSimilarity    float64
	MaxContextChars  int
	DedupThreshold   float64
	ShingleSize      int
}

type Service struct {
	embedder Embedder
	store    VectorSearcher
	settings *settings.Service
	logger   *QueryLogger
	cfg      Config
	deduper  *dedup.Deduper
}

func NewService(e Embedder, s VectorSearcher, set *settings.Service, l *QueryLogger, cfg Config) *Service {
	d := dedup.New(cfg.DedupThreshold, cfg.ShingleSize)
	// Candidates here can come from different documents, so the
	// position-overlap gate does not apply.
	d.PositionFree = true
	return &Service{embedder: e, store: s, settings: set, logger: l, cfg: cfg, deduper: d}
}

// Retrieve embeds the query, oversamples the index, drops candidates below
// the similarity floor, collapses near-duplicates that survived
// ingestion-time dedup independently, and greedily fills the context
// budget in descending similarity order.
func (s *Service) Retrieve(ctx context.Context, query string, opts *Options) (Result, error) {
	start := time.Now()
	var result Result
	var err error

	defer func() {
		if s.logger != nil && err == nil {
			s.logger.Log(QueryLogEntry{
				Query:      query,
				NumResults: len(result.Items),
				Duration:   time.Since(start),
			})
		}
	}()

	topK, floor, filters := s.resolve(ctx, opts)

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return Result{}, err
	}

	oversample := topK * s.cfg.OversampleFactor
	if oversample < topK {
		oversample = topK
	}
	hits, err := s.store.Search(ctx, vec, oversample, filters)
	if err != nil {
		return Result{}, err
	}

	candidates := hits[:0]
	for _, h := range hits {
		if h.Score >= floor {
			candidates = append(candidates, h)
		}
	}

	for _, h := range s.dedupe(candidates) {
		if len(result.Items) >= topK {
			break
		}
		if result.TotalChars+len(h.Content) > s.cfg.MaxContextChars {
			continue
		}
		result.Items = append(result.Items, h)
		result.TotalChars += len(h.Content)
	}

	return result, nil
}

func (s *Service) resolve(ctx context.Context, opts *Options) (topK int, floor float64, filters *Filters) {
	topK = s.cfg.TopK
	floor = s.cfg.MinSimilarity

	if s.settings != nil {
		if set, err := s.settings.Get(ctx); err == nil {
			if set.SearchTopK > 0 {
				topK = set.SearchTopK
			}
			if set.MinSimilarity > 0 {
				floor = set.MinSimilarity
			}
		}
	}

	if opts != nil {
		if opts.TopK != nil && *opts.TopK > 0 {
			topK = *opts.TopK
		}
		if opts.MinSimilarity != nil {
			floor = *opts.MinSimilarity
		}
		filters = opts.Filters
	}
	return topK, floor, filters
}

// dedupe runs the same near-duplicate logic used at ingest over the
// candidate set. Hits arrive score-descending, so of a duplicate pair the
// higher-scoring hit survives.
func (s *Service) dedupe(hits []Hit) []Hit {
	if len(hits) < 2 {
		return hits
	}

	items := make([]dedup.Item, len(hits))
	byID := make(map[string]Hit, len(hits))
	for i, h := range hits {
		items[i] = dedup.Item{
			ID:          h.ChunkID,
			Text:        h.Content,
			SectionPath: h.SectionPath,
			PageFirst:   h.PageFirst,
			PageLast:    h.PageLast,
		}
		byID[h.ChunkID] = h
	}

	outcome := s.deduper.Run(items, nil)
	kept := make([]Hit, 0, len(outcome.Survivors))
	for _, it := range outcome.Survivors {
		kept = append(kept, byID[it.ID])
	}
	return kept
}
