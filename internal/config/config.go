package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"clinrag"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"clinrag"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	GeminiAPIKey   string `envconfig:"GEMINI_API_KEY"`
	EmbedModel     string `envconfig:"EMBED_MODEL" default:"gemini-embedding-001"`
	GenerateModel  string `envconfig:"GENERATE_MODEL" default:"gemini-2.0-flash"`
	EmbedDimension int    `envconfig:"EMBED_DIMENSION" default:"768"`

	// Chunking. Character bounds per retrieval unit; overlap is carried
	// into the next chunk's text but excluded from its identity hash.
	ChunkMinChars     int `envconfig:"CHUNK_MIN_CHARS" default:"200"`
	ChunkMaxChars     int `envconfig:"CHUNK_MAX_CHARS" default:"2400"`
	ChunkOverlapChars int `envconfig:"CHUNK_OVERLAP_CHARS" default:"100"`

	// Dedup. Jaccard similarity over word shingles; two chunks above the
	// threshold with overlapping positions collapse to one.
	DedupThreshold float64 `envconfig:"DEDUP_THRESHOLD" default:"0.92"`
	DedupShingleSize int   `envconfig:"DEDUP_SHINGLE_SIZE" default:"4"`

	// Retrieval.
	SearchTopK        int     `envconfig:"SEARCH_TOP_K" default:"10"`
	OversampleFactor  int     `envconfig:"OVERSAMPLE_FACTOR" default:"3"`
	MinSimilarity     float64 `envconfig:"MIN_SIMILARITY" default:"0.55"`
	MaxContextChars   int     `envconfig:"MAX_CONTEXT_CHARS" default:"12000"`

	// Answering. When strict, a grounding violation triggers one re-prompt
	// before the answer is rejected; otherwise the answer is returned with
	// an unverified annotation.
	GroundingStrict bool `envconfig:"GROUNDING_STRICT" default:"true"`

	// External call policy.
	EmbedBatchSize   int     `envconfig:"EMBED_BATCH_SIZE" default:"32"`
	EmbedConcurrency int     `envconfig:"EMBED_CONCURRENCY" default:"4"`
	EmbedRateLimit   float64 `envconfig:"EMBED_RATE_LIMIT" default:"10"`
	RetryMaxAttempts int     `envconfig:"RETRY_MAX_ATTEMPTS" default:"4"`
	RetryBaseDelayMS int     `envconfig:"RETRY_BASE_DELAY_MS" default:"500"`
	CallTimeoutSecs  int     `envconfig:"CALL_TIMEOUT_SECONDS" default:"60"`

	// Server
	ServerPort    int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath  string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may be set in the shell; .env files are optional.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.ChunkMinChars <= 0 || c.ChunkMaxChars <= c.ChunkMinChars {
		return fmt.Errorf("%w: chunk bounds (CHUNK_MIN_CHARS < CHUNK_MAX_CHARS required)", ErrMissingRequired)
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return fmt.Errorf("%w: DEDUP_THRESHOLD must be in (0,1]", ErrMissingRequired)
	}
	if c.EmbedDimension <= 0 {
		return fmt.Errorf("%w: EMBED_DIMENSION", ErrMissingRequired)
	}
	return nil
}
