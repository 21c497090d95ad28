package openai

import (
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"

	"github.com/vladm3105/tradegent/pkg/ai"
)

const (
	ProviderName    = "openai"
	defaultMaxBatch = 256
	defaultTimeout  = time.Minute
)

// Client talks to the OpenAI API, or any server speaking its protocol, for
// embeddings and structured extraction. Embedding and chat may point at
// different endpoints.
//
// A Client should be created using NewClient.
type Client struct {
	ai.MetricsRecorder

	embeddingModel  string
	extractionModel string
	dimensions      int
	maxBatch        int
	timeout         time.Duration

	reqLock *semaphore.Weighted

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewClientParams defines the configuration parameters for creating a new
// Client.
//
// Dimensions, when set, is sent with embedding requests so models that
// support shortened output (text-embedding-3-*) return that length.
// MaxConcurrentRequests bounds in-flight requests across both endpoints.
type NewClientParams struct {
	EmbeddingModel  string
	ExtractionModel string

	EmbeddingURL string
	EmbeddingKey string
	ChatURL      string
	ChatKey      string

	Dimensions            int
	MaxBatch              int
	MaxConcurrentRequests int64
	Timeout               time.Duration
}

// NewClient creates a Client. A missing key leaves the matching endpoint
// unconfigured; calls to it fail with common.ErrMissingCredentials.
//
// Example:
//
//	client := openai.NewClient(openai.NewClientParams{
//		EmbeddingModel:  "text-embedding-3-small",
//		ExtractionModel: "gpt-4o-mini",
//		EmbeddingKey:    os.Getenv("OPENAI_API_KEY"),
//		ChatKey:         os.Getenv("OPENAI_API_KEY"),
//		Dimensions:      1536,
//	})
func NewClient(params NewClientParams) *Client {
	if params.MaxBatch <= 0 {
		params.MaxBatch = defaultMaxBatch
	}
	if params.Timeout <= 0 {
		params.Timeout = defaultTimeout
	}
	if params.MaxConcurrentRequests <= 0 {
		params.MaxConcurrentRequests = 8
	}

	return &Client{
		embeddingModel:  params.EmbeddingModel,
		extractionModel: params.ExtractionModel,
		dimensions:      params.Dimensions,
		maxBatch:        params.MaxBatch,
		timeout:         params.Timeout,

		reqLock: semaphore.NewWeighted(params.MaxConcurrentRequests),

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries are owned by the caller's backoff policy
		option.WithMaxRetries(0),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

var (
	_ ai.Embedder  = (*Client)(nil)
	_ ai.Completer = (*Client)(nil)
)
