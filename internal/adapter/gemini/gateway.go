package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"clinrag/backend/internal/retry"
)

// BatchEmbedder is the raw embedding-service contract: one fixed-dimension
// vector per input string, in input order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Gateway batches, paces, and retries embedding requests. A batch that
// still fails after the retry policy is reported, not silently indexed;
// its chunks are excluded from retrieval until a later successful run.
type Gateway struct {
	embedder    BatchEmbedder
	batchSize   int
	dimension   int
	concurrency int
	timeout     time.Duration
	policy      retry.Policy
	limiter     *rate.Limiter
}

type GatewayConfig struct {
	BatchSize   int
	Dimension   int
	Concurrency int
	CallTimeout time.Duration
	Policy      retry.Policy
	// RateLimit is requests per second toward the embedding service.
	RateLimit float64
}

func NewGateway(embedder BatchEmbedder, cfg GatewayConfig) *Gateway {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	return &Gateway{
		embedder:    embedder,
		batchSize:   cfg.BatchSize,
		dimension:   cfg.Dimension,
		concurrency: cfg.Concurrency,
		timeout:     cfg.CallTimeout,
		policy:      cfg.Policy,
		limiter:     rate.NewLimiter(limit, 1),
	}
}

// EmbedAll embeds texts in bounded batches with bounded concurrency.
// Vectors are returned aligned to the input; positions covered by a batch
// that failed after retries are left nil, never zero-filled. The error
// return is reserved for context cancellation.
func (g *Gateway) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)

	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		eg.Go(func() error {
			vecs, err := g.embedBatch(ctx, texts[start:end])
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.WarnContext(ctx, "embedding batch failed after retries", "start", start, "end", end, "error", err)
				return nil
			}
			copy(vectors[start:end], vecs)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// EmbedQuery embeds a single query string.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (g *Gateway) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32

	err := g.policy.Do(ctx, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}

		out, err := g.embedder.EmbedBatch(callCtx, texts)
		if err != nil {
			return err
		}
		vecs = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingService, err)
	}

	if g.dimension > 0 {
		for i, v := range vecs {
			if len(v) != g.dimension {
				return nil, fmt.Errorf("%w: vector %d has dimension %d, index expects %d", ErrEmbeddingService, i, len(v), g.dimension)
			}
		}
	}
	return vecs, nil
}
