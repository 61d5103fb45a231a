package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"clinrag/backend/internal/settings"
)

var (
	// ErrEmbeddingService marks a batch that failed after retries. Affected
	// chunks stay unembedded and are excluded from retrieval.
	ErrEmbeddingService = errors.New("embedding service error")

	// ErrGenerationService marks a failed language-model call. Callers
	// surface it as a retryable query error.
	ErrGenerationService = errors.New("generation service error")
)

// Client calls Gemini with the API key held in runtime settings, rebuilding
// the underlying client when the key changes.
type Client struct {
	settingsSvc *settings.Service
	embedModel  string
	genModel    string

	mu         sync.RWMutex
	client     *genai.Client
	currentKey string
	clientOpts []option.ClientOption
}

func NewClient(svc *settings.Service, embedModel, genModel string, opts ...option.ClientOption) *Client {
	return &Client{
		settingsSvc: svc,
		embedModel:  embedModel,
		genModel:    genModel,
		clientOpts:  opts,
	}
}

// EmbedBatch returns one vector per input text, in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	client, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}

	em := client.EmbeddingModel(c.embedModel)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingService, err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmbeddingService, len(res.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", ErrEmbeddingService, i)
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}

// Generate returns the model's text completion for prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	client, err := c.resolve(ctx)
	if err != nil {
		return "", err
	}

	gm := client.GenerativeModel(c.genModel)
	resp, err := gm.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationService, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: empty response", ErrGenerationService)
	}

	var out string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			out += string(t)
		}
	}
	return out, nil
}

func (c *Client) resolve(ctx context.Context) (*genai.Client, error) {
	s, err := c.settingsSvc.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	if s.GeminiAPIKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}
	return c.getClient(ctx, s.GeminiAPIKey)
}

func (c *Client) getClient(ctx context.Context, key string) (*genai.Client, error) {
	c.mu.RLock()
	if c.client != nil && c.currentKey == key {
		defer c.mu.RUnlock()
		return c.client, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.currentKey == key {
		return c.client, nil
	}

	opts := append([]option.ClientOption{option.WithAPIKey(key)}, c.clientOpts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	if c.client != nil {
		_ = c.client.Close()
	}
	c.client = client
	c.currentKey = key
	return client, nil
}
