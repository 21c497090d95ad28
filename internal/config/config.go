// Package config assembles the process configuration from environment
// variables and validates it before anything connects.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"golang.org/x/time/rate"

	"github.com/vladm3105/tradegent/internal/util"
	"github.com/vladm3105/tradegent/pkg/chunk"
	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/graph"
	"github.com/vladm3105/tradegent/pkg/query"
	"github.com/vladm3105/tradegent/pkg/search"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type Config struct {
	Debug bool

	Database Database
	RabbitMQ RabbitMQ
	S3       S3
	Redis    Redis
	Embed    Embed
	Extract  Extract
	Chunk    Chunk
	Gate     Gate
	Search   Search
	Context  Context
	Workers  Workers
	Server   Server

	// AliasesFile is the YAML canonical alias table. Empty disables aliases.
	AliasesFile string
	// SourceRoot is the local directory source paths resolve against when
	// no bucket is configured.
	SourceRoot string
}

type Database struct {
	URL          string `validate:"required"`
	MaxTopK      int    `validate:"min=1"`
	HNSWEfSearch int    `validate:"min=0"`

	// Migrate applies pending schema migrations at startup.
	Migrate bool
}

type RabbitMQ struct {
	User     string `validate:"required"`
	Password string
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
}

// URL is the AMQP connection string.
func (r RabbitMQ) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", r.User, r.Password, r.Host, r.Port)
}

// S3 is optional; an empty Bucket means submissions must carry their body.
type S3 struct {
	Bucket    string
	Endpoint  string `validate:"omitempty,url"`
	Region    string
	AccessKey string
	SecretKey string
	// OffloadBytes is the inline body size above which the server stores the
	// body in the bucket and enqueues only its path.
	OffloadBytes int `validate:"min=0"`
}

func (s S3) Enabled() bool { return s.Bucket != "" }

// Redis is optional; an empty Addr disables the embedding cache.
type Redis struct {
	Addr     string
	Password string
	DB       int `validate:"min=0"`
	Prefix   string
	TTL      time.Duration `validate:"min=0"`
}

func (r Redis) Enabled() bool { return r.Addr != "" }

// Provider is one endpoint of the embedding chain or the extraction model.
type Provider struct {
	Name  string `validate:"oneof=openai ollama"`
	Model string `validate:"required"`
	URL   string `validate:"omitempty,url"`
	Key   string
}

type Embed struct {
	// Providers is the fallback chain, primary first.
	Providers        []Provider    `validate:"min=1,dive"`
	Dimensions       int           `validate:"min=0,max=16000"`
	MaxAttempts      int           `validate:"min=1,max=10"`
	Timeout          time.Duration `validate:"min=0"`
	MaxBatch         int           `validate:"min=0"`
	RequireSameModel bool
	Parallel         int `validate:"min=1"`
}

type Extract struct {
	Provider    Provider
	RPS         float64       `validate:"min=0"`
	Burst       int           `validate:"min=0"`
	MaxAttempts int           `validate:"min=1,max=10"`
	MinBackoff  time.Duration `validate:"min=0"`
	MaxBackoff  time.Duration `validate:"gtefield=MinBackoff"`
	Timeout     time.Duration `validate:"min=0"`
	Parallel    int           `validate:"min=1"`
	Temperature float64       `validate:"min=0,max=2"`
}

type Chunk struct {
	MaxTokens int    `validate:"min=1"`
	MinTokens int    `validate:"min=0,ltefield=MaxTokens"`
	Encoder   string `validate:"required"`
}

type Gate struct {
	Commit     float64 `validate:"min=0,max=1,gtefield=Flag"`
	Flag       float64 `validate:"min=0,max=1"`
	MaxRetries int     `validate:"min=1"`
}

type Search struct {
	VectorWeight  float64 `validate:"min=0"`
	KeywordWeight float64 `validate:"min=0"`
	RRFK          float64 `validate:"gt=0"`
	MinSimilarity float64 `validate:"min=0,max=1"`
	Overfetch     int     `validate:"min=1"`
	TopK          int     `validate:"min=1,max=100"`
}

type Context struct {
	Timeout time.Duration `validate:"gt=0"`
	TopK    int           `validate:"min=1,max=100"`
	Limit   int           `validate:"min=1"`
}

type Workers struct {
	Embed         int           `validate:"min=1"`
	Extract       int           `validate:"min=1"`
	Prefetch      int           `validate:"min=1"`
	MaxRedelivery int           `validate:"min=1"`
	SweepInterval time.Duration `validate:"min=0"`
	SweepBatch    int           `validate:"min=1"`
	// MetricsPort serves /metrics from the worker when set.
	MetricsPort string `validate:"omitempty,numeric"`
}

type Server struct {
	Port      string `validate:"required,numeric"`
	BodyLimit string `validate:"required"`

	// AuthURL is the identity provider base URL serving /jwks.
	AuthURL string `validate:"omitempty,url"`
	APIKey  string
}

// AuthConfigured reports whether any credential check is set up.
func (s Server) AuthConfigured() bool {
	return s.AuthURL != "" || s.APIKey != ""
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv reads every setting with its default. It does not validate.
func FromEnv() Config {
	cfg := Config{
		Debug: util.GetEnvBool("DEBUG", false),
		Database: Database{
			URL:          util.GetEnv("DATABASE_URL"),
			Migrate:      util.GetEnvBool("DB_MIGRATE", true),
			MaxTopK:      util.GetEnvInt("SEARCH_MAX_TOP_K", 100),
			HNSWEfSearch: util.GetEnvInt("HNSW_EF_SEARCH", 0),
		},
		RabbitMQ: RabbitMQ{
			User:     util.GetEnv("RABBITMQ_USER"),
			Password: util.GetEnv("RABBITMQ_PASSWORD"),
			Host:     util.GetEnv("RABBITMQ_HOST"),
			Port:     util.GetEnvString("RABBITMQ_PORT", "5672"),
		},
		S3: S3{
			Bucket:       util.GetEnv("AWS_BUCKET"),
			Endpoint:     util.GetEnv("AWS_ENDPOINT"),
			Region:       util.GetEnvString("AWS_REGION", "us-east-1"),
			AccessKey:    util.GetEnv("AWS_ACCESS_KEY"),
			SecretKey:    util.GetEnv("AWS_SECRET_KEY"),
			OffloadBytes: util.GetEnvInt("S3_OFFLOAD_BYTES", 256*1024),
		},
		Redis: Redis{
			Addr:     util.GetEnv("REDIS_ADDR"),
			Password: util.GetEnv("REDIS_PASSWORD"),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			Prefix:   util.GetEnvString("REDIS_PREFIX", "tg:emb:"),
			TTL:      util.GetEnvDuration("EMBED_CACHE_TTL", 30*24*time.Hour),
		},
		Embed: Embed{
			Dimensions:       util.GetEnvInt("EMBED_DIM", 1536),
			MaxAttempts:      util.GetEnvInt("EMBED_MAX_ATTEMPTS", 3),
			Timeout:          util.GetEnvDuration("EMBED_TIMEOUT", 30*time.Second),
			MaxBatch:         util.GetEnvInt("EMBED_MAX_BATCH", 0),
			RequireSameModel: util.GetEnvBool("EMBED_REQUIRE_SAME_MODEL", true),
			Parallel:         util.GetEnvInt("AI_PARALLEL_REQ", 8),
		},
		Extract: Extract{
			Provider: Provider{
				Name:  strings.ToLower(util.GetEnvString("AI_ADAPTER", ProviderOpenAI)),
				Model: util.GetEnvString("AI_CHAT_EXTRACT_MODEL", "gpt-4o-mini"),
				URL:   util.GetEnv("AI_CHAT_URL"),
				Key:   util.GetEnv("AI_CHAT_KEY"),
			},
			RPS:         util.GetEnvNumeric("EXTRACT_RPS", 2),
			Burst:       util.GetEnvInt("EXTRACT_BURST", 2),
			MaxAttempts: util.GetEnvInt("EXTRACT_MAX_ATTEMPTS", 3),
			MinBackoff:  util.GetEnvDuration("EXTRACT_MIN_BACKOFF", 10*time.Second),
			MaxBackoff:  util.GetEnvDuration("EXTRACT_MAX_BACKOFF", 30*time.Second),
			Timeout:     util.GetEnvDuration("EXTRACT_TIMEOUT", graph.DefaultExtractTimeout),
			Parallel:    util.GetEnvInt("EXTRACT_PARALLEL", 2),
			Temperature: util.GetEnvNumeric("EXTRACT_TEMPERATURE", 0),
		},
		Chunk: Chunk{
			MaxTokens: util.GetEnvInt("CHUNK_MAX_TOKENS", chunk.DefaultMaxTokens),
			MinTokens: util.GetEnvInt("CHUNK_MIN_TOKENS", chunk.DefaultMinTokens),
			Encoder:   util.GetEnvString("TOKEN_ENCODER", chunk.DefaultEncoding),
		},
		Gate: Gate{
			Commit:     util.GetEnvNumeric("GATE_COMMIT_THRESHOLD", 0.7),
			Flag:       util.GetEnvNumeric("GATE_FLAG_THRESHOLD", 0.5),
			MaxRetries: util.GetEnvInt("GATE_MAX_RETRIES", graph.DefaultMaxRetries),
		},
		Search: Search{
			VectorWeight:  util.GetEnvNumeric("SEARCH_VECTOR_WEIGHT", 0.7),
			KeywordWeight: util.GetEnvNumeric("SEARCH_KEYWORD_WEIGHT", 0.3),
			RRFK:          util.GetEnvNumeric("SEARCH_RRF_K", search.DefaultRRFK),
			MinSimilarity: util.GetEnvNumeric("SEARCH_MIN_SIMILARITY", 0.3),
			Overfetch:     util.GetEnvInt("SEARCH_OVERFETCH", 3),
			TopK:          util.GetEnvInt("SEARCH_TOP_K", 10),
		},
		Context: Context{
			Timeout: util.GetEnvDuration("CONTEXT_TIMEOUT", 5*time.Second),
			TopK:    util.GetEnvInt("CONTEXT_TOP_K", 8),
			Limit:   util.GetEnvInt("CONTEXT_GRAPH_LIMIT", 10),
		},
		Workers: Workers{
			Embed:         util.GetEnvInt("WORKER_EMBED", 4),
			Extract:       util.GetEnvInt("WORKER_EXTRACT", 2),
			Prefetch:      util.GetEnvInt("WORKER_PREFETCH", 1),
			MaxRedelivery: util.GetEnvInt("WORKER_MAX_REDELIVERY", 10),
			SweepInterval: util.GetEnvDuration("PENDING_SWEEP_INTERVAL", 5*time.Minute),
			SweepBatch:    util.GetEnvInt("PENDING_SWEEP_BATCH", 50),
			MetricsPort:   util.GetEnv("WORKER_METRICS_PORT"),
		},
		Server: Server{
			Port:      util.GetEnvString("PORT", "8080"),
			AuthURL:   util.GetEnv("AUTH_URL"),
			APIKey:    util.GetEnv("MASTER_API_KEY"),
			BodyLimit: util.GetEnvString("BODY_LIMIT", "16M"),
		},
		AliasesFile: util.GetEnv("GRAPH_ALIASES_FILE"),
		SourceRoot:  util.GetEnv("SOURCE_ROOT"),
	}

	for _, name := range util.GetEnvList("EMBED_PROVIDERS", []string{ProviderOpenAI}) {
		cfg.Embed.Providers = append(cfg.Embed.Providers, providerFromEnv(strings.ToLower(name)))
	}
	return cfg
}

// providerFromEnv reads EMBED_<NAME>_MODEL, _URL and _KEY.
func providerFromEnv(name string) Provider {
	prefix := "EMBED_" + strings.ToUpper(name) + "_"
	def := ""
	switch name {
	case ProviderOpenAI:
		def = "text-embedding-3-small"
	case ProviderOllama:
		def = "nomic-embed-text"
	}
	return Provider{
		Name:  name,
		Model: util.GetEnvString(prefix+"MODEL", def),
		URL:   util.GetEnv(prefix + "URL"),
		Key:   util.GetEnv(prefix + "KEY"),
	}
}

var validate = validator.New()

// Validate checks every struct tag and returns a configuration error naming
// the offending fields.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", common.ErrConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", common.ErrConfig, strings.Join(msgs, "; "))
}

// ExtractLimiter is the token bucket shared by every extraction call. A
// zero rate means no limit.
func (c Config) ExtractLimiter() *rate.Limiter {
	if c.Extract.RPS <= 0 || math.IsInf(c.Extract.RPS, 1) {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := c.Extract.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.Extract.RPS), burst)
}

func (c Config) ExtractBackoff() util.Backoff {
	return util.Backoff{
		Attempts:   c.Extract.MaxAttempts,
		Min:        c.Extract.MinBackoff,
		Max:        c.Extract.MaxBackoff,
		Multiplier: 2,
		Jitter:     true,
	}
}

func (c Config) EmbedBackoff() util.Backoff {
	b := util.DefaultBackoff()
	b.Attempts = c.Embed.MaxAttempts
	b.Jitter = true
	return b
}

func (c Config) Bands() graph.Bands {
	return graph.Bands{Commit: c.Gate.Commit, Flag: c.Gate.Flag}
}

func (c Config) SearchConfig() search.Config {
	return search.Config{
		Weights:       search.Weights{Vector: c.Search.VectorWeight, Keyword: c.Search.KeywordWeight},
		K:             c.Search.RRFK,
		Overfetch:     c.Search.Overfetch,
		MinSimilarity: c.Search.MinSimilarity,
		DefaultTopK:   c.Search.TopK,
	}
}

func (c Config) QueryConfig() query.Config {
	cfg := query.DefaultConfig()
	cfg.Timeout = c.Context.Timeout
	cfg.TopK = c.Context.TopK
	cfg.PeerLimit = c.Context.Limit
	cfg.RiskLimit = c.Context.Limit
	cfg.BiasLimit = c.Context.Limit
	return cfg
}
