// Package query assembles the hybrid context for one subject: fused
// passages from hybrid search plus sector peers, known risks and bias
// history from the graph. A failing or slow leg degrades the context
// instead of failing the call.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/logger"
	"github.com/vladm3105/tradegent/pkg/search"
	"github.com/vladm3105/tradegent/pkg/store"
)

const (
	LegSearch = "search"
	LegPeers  = "graph_peers"
	LegRisks  = "graph_risks"
	LegBiases = "graph_biases"
)

// HybridSearcher is satisfied by *search.Searcher.
type HybridSearcher interface {
	HybridSearch(ctx context.Context, req search.Request) (*search.Response, error)
}

// BreakerConfig tunes the circuit breaker shared by the graph legs.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "graph",
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

type Config struct {
	// Timeout bounds the whole call when ctx has no earlier deadline.
	Timeout   time.Duration
	TopK      int
	PeerLimit int
	RiskLimit int
	BiasLimit int
	Breaker   BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		Timeout:   5 * time.Second,
		TopK:      8,
		PeerLimit: 10,
		RiskLimit: 10,
		BiasLimit: 10,
		Breaker:   DefaultBreakerConfig(),
	}
}

// Request asks for the context of one subject. An empty Query searches for
// the subject key itself; an empty SubjectKey skips the graph legs.
type Request struct {
	SubjectKey string               `json:"subject_key" validate:"max=32"`
	Query      string               `json:"query" validate:"max=2000"`
	Filters    common.SearchFilters `json:"filters"`
	TopK       int                  `json:"top_k,omitempty" validate:"omitempty,min=1,max=50"`
	// MinSimilarity overrides the searcher's vector floor when set.
	MinSimilarity *float64 `json:"min_similarity,omitempty" validate:"omitempty,min=0,max=1"`
}

type Builder struct {
	search  HybridSearcher
	graph   store.GraphStore
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	tracer  Tracer
}

type NewBuilderParams struct {
	Search HybridSearcher
	Graph  store.GraphStore
	Config Config
	Tracer Tracer
}

func NewBuilder(params NewBuilderParams) (*Builder, error) {
	if params.Search == nil {
		return nil, fmt.Errorf("%w: context builder needs a searcher", common.ErrConfig)
	}
	cfg := params.Config
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.PeerLimit <= 0 {
		cfg.PeerLimit = def.PeerLimit
	}
	if cfg.RiskLimit <= 0 {
		cfg.RiskLimit = def.RiskLimit
	}
	if cfg.BiasLimit <= 0 {
		cfg.BiasLimit = def.BiasLimit
	}
	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = def.Breaker
	}
	return &Builder{
		search:  params.Search,
		graph:   params.Graph,
		cfg:     cfg,
		breaker: newBreaker(cfg.Breaker),
		tracer:  params.Tracer,
	}, nil
}

func newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("[Context] Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		// A caller giving up says nothing about the graph store.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// BreakerState reports the graph breaker state for health checks.
func (b *Builder) BreakerState() string {
	return b.breaker.State().String()
}

type legResult struct {
	leg      string
	passages []common.SearchResult
	partial  map[string]string
	facts    []common.GraphFact
	err      error
}

// BuildContext never fails: every leg runs concurrently and whatever
// completes before the deadline is kept. Partial is set when a leg failed,
// timed out, or the search itself was degraded.
func (b *Builder) BuildContext(ctx context.Context, req Request) *common.HybridContext {
	start := time.Now()
	subject := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(req.SubjectKey), "$"))
	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = subject
	}
	hc := &common.HybridContext{
		SubjectKey:    subject,
		Query:         query,
		VectorResults: []common.SearchResult{},
		GraphPeers:    []common.GraphFact{},
		GraphRisks:    []common.GraphFact{},
		GraphBiases:   []common.GraphFact{},
	}
	if query == "" {
		hc.Partial = true
		hc.Errors = map[string]string{LegSearch: "empty query"}
		hc.FormattedText = Format(hc)
		return hc
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	topK := req.TopK
	if topK <= 0 {
		topK = b.cfg.TopK
	}

	legs := map[string]func(context.Context) legResult{
		LegSearch: func(ctx context.Context) legResult {
			resp, err := b.search.HybridSearch(ctx, search.Request{
				Query:         query,
				Filters:       req.Filters,
				TopK:          topK,
				MinSimilarity: req.MinSimilarity,
			})
			if err != nil {
				return legResult{err: err}
			}
			return legResult{passages: resp.Results, partial: resp.Errors}
		},
	}
	if subject != "" && b.graph != nil {
		legs[LegPeers] = b.graphLeg(func(ctx context.Context) ([]common.GraphFact, error) {
			return b.graph.SectorPeers(ctx, subject, b.cfg.PeerLimit)
		})
		legs[LegRisks] = b.graphLeg(func(ctx context.Context) ([]common.GraphFact, error) {
			return b.graph.KnownRisks(ctx, subject, b.cfg.RiskLimit)
		})
		legs[LegBiases] = b.graphLeg(func(ctx context.Context) ([]common.GraphFact, error) {
			return b.graph.BiasHistory(ctx, subject, b.cfg.BiasLimit)
		})
	}

	results := make(chan legResult, len(legs))
	for name, run := range legs {
		go func() {
			legStart := time.Now()
			r := run(ctx)
			r.leg = name
			RecordLeg(b.tracer, name, time.Since(legStart).Milliseconds(), r.err)
			results <- r
		}()
	}

	done := map[string]bool{}
	errs := map[string]string{}
collect:
	for len(done) < len(legs) {
		select {
		case r := <-results:
			done[r.leg] = true
			if r.err != nil {
				errs[r.leg] = r.err.Error()
				logger.Warn("[Context] Leg failed", "subject", subject, "leg", r.leg, "err", r.err)
				continue
			}
			b.apply(hc, r, errs)
		case <-ctx.Done():
			break collect
		}
	}
	for name := range legs {
		if !done[name] {
			errs[name] = fmt.Sprintf("%s: %v", name, ctx.Err())
			logger.Warn("[Context] Leg missed deadline", "subject", subject, "leg", name)
		}
	}

	if len(errs) > 0 {
		hc.Partial = true
		hc.Errors = errs
	}
	hc.FormattedText = Format(hc)
	RecordContext(b.tracer, hc.Partial, time.Since(start).Milliseconds())
	logger.Debug("[Context] Built",
		"subject", subject,
		"passages", len(hc.VectorResults),
		"peers", len(hc.GraphPeers),
		"risks", len(hc.GraphRisks),
		"biases", len(hc.GraphBiases),
		"partial", hc.Partial,
		"duration", time.Since(start),
	)
	return hc
}

func (b *Builder) graphLeg(fn func(context.Context) ([]common.GraphFact, error)) func(context.Context) legResult {
	return func(ctx context.Context) legResult {
		out, err := b.breaker.Execute(func() (any, error) {
			return fn(ctx)
		})
		if err != nil {
			return legResult{err: err}
		}
		facts, _ := out.([]common.GraphFact)
		return legResult{facts: facts}
	}
}

func (b *Builder) apply(hc *common.HybridContext, r legResult, errs map[string]string) {
	switch r.leg {
	case LegSearch:
		if r.passages != nil {
			hc.VectorResults = r.passages
		}
		for leg, msg := range r.partial {
			errs[LegSearch+"."+leg] = msg
		}
		ids := make([]string, len(r.passages))
		for i, p := range r.passages {
			ids[i] = p.ChunkID
		}
		RecordConsideredChunkIDs(b.tracer, ids...)
	default:
		if r.facts == nil {
			r.facts = []common.GraphFact{}
		}
		switch r.leg {
		case LegPeers:
			hc.GraphPeers = r.facts
		case LegRisks:
			hc.GraphRisks = r.facts
		case LegBiases:
			hc.GraphBiases = r.facts
		}
		keys := make([]string, len(r.facts))
		for i, f := range r.facts {
			keys[i] = common.NodeKey{Type: f.Type, Key: f.Key}.String()
		}
		RecordQueriedNodeKeys(b.tracer, r.leg, keys...)
	}
}
