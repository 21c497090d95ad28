package ollama

import (
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"

	"github.com/vladm3105/tradegent/pkg/ai"
)

const (
	ProviderName    = "ollama"
	defaultMaxBatch = 64
	defaultTimeout  = 2 * time.Minute
)

// Client implements ai.Embedder and ai.Completer on a locally hosted Ollama
// server.
type Client struct {
	ai.MetricsRecorder

	embeddingModel  string
	extractionModel string
	maxBatch        int
	timeout         time.Duration

	reqLock *semaphore.Weighted

	Client *api.Client
}

// NewClientParams contains configuration options for creating a new Client.
// ApiKey is sent as a bearer token for servers behind an authenticating
// proxy.
type NewClientParams struct {
	EmbeddingModel  string
	ExtractionModel string

	BaseURL string
	ApiKey  string

	MaxBatch              int
	MaxConcurrentRequests int64
	Timeout               time.Duration
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewClient creates a new Ollama client. An empty BaseURL selects the
// default local server.
func NewClient(params NewClientParams) (*Client, error) {
	u, err := url.Parse("http://127.0.0.1:11434")
	if err != nil {
		return nil, err
	}
	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}
	if params.MaxBatch <= 0 {
		params.MaxBatch = defaultMaxBatch
	}
	if params.MaxConcurrentRequests <= 0 {
		params.MaxConcurrentRequests = 4
	}
	if params.Timeout <= 0 {
		params.Timeout = defaultTimeout
	}

	headers := map[string]string{}
	if params.ApiKey != "" {
		headers["Authorization"] = "Bearer " + params.ApiKey
	}
	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: headers,
			rt:      http.DefaultTransport,
		},
	}

	return &Client{
		embeddingModel:  params.EmbeddingModel,
		extractionModel: params.ExtractionModel,
		maxBatch:        params.MaxBatch,
		timeout:         params.Timeout,

		reqLock: semaphore.NewWeighted(params.MaxConcurrentRequests),

		Client: api.NewClient(u, httpClient),
	}, nil
}

var (
	_ ai.Embedder  = (*Client)(nil)
	_ ai.Completer = (*Client)(nil)
)
