// Package graph turns documents into typed entities and relations with an
// LLM, canonicalizes them, and gates them into the graph store by
// confidence.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vladm3105/tradegent/internal/util"
	"github.com/vladm3105/tradegent/pkg/ai"
	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/logger"
)

// Limiter is a shared client-side rate limit. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

type noLimit struct{}

func (noLimit) Wait(ctx context.Context) error { return ctx.Err() }

// NoLimit never waits.
var NoLimit Limiter = noLimit{}

const (
	DefaultExtractTimeout = 2 * time.Minute
	wholeDocumentField    = "document"
)

// DefaultExtractBackoff is three attempts waiting 10s then 20s, capped at 30s.
func DefaultExtractBackoff() util.Backoff {
	return util.Backoff{
		Attempts:   3,
		Min:        10 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

type extractEntity struct {
	Type       string  `json:"type" jsonschema_description:"One of the provided entity types"`
	Name       string  `json:"name" jsonschema_description:"Surface name of the entity; tickers as bare symbols"`
	Confidence float64 `json:"confidence" jsonschema_description:"Confidence between 0 and 1 that the entity is present and correctly typed"`
	Evidence   string  `json:"evidence" jsonschema_description:"Shortest quote from the text supporting the entity"`
}

type extractRelation struct {
	SourceType string  `json:"source_type" jsonschema_description:"Entity type of the source entity"`
	SourceName string  `json:"source_name" jsonschema_description:"Name of the source entity, as extracted"`
	Relation   string  `json:"relation" jsonschema_description:"One of the provided relation types, directed from source to target"`
	TargetType string  `json:"target_type" jsonschema_description:"Entity type of the target entity"`
	TargetName string  `json:"target_name" jsonschema_description:"Name of the target entity, as extracted"`
	Confidence float64 `json:"confidence" jsonschema_description:"Confidence between 0 and 1 that the relationship holds"`
}

type extractResponse struct {
	Entities  []extractEntity   `json:"entities" jsonschema_description:"Entities identified in the text"`
	Relations []extractRelation `json:"relations" jsonschema_description:"Relationships between the identified entities"`
}

// Extraction is the validated output of one document. Raw keeps the
// decoded model response per field in field order.
type Extraction struct {
	DocID        string                     `json:"doc_id"`
	Entities     []common.ExtractedEntity   `json:"entities"`
	Relations    []common.ExtractedRelation `json:"relations"`
	Raw          []string                   `json:"raw,omitempty"`
	FailedFields []string                   `json:"failed_fields,omitempty"`
}

type Extractor struct {
	client      ai.Completer
	limiter     Limiter
	backoff     util.Backoff
	timeout     time.Duration
	parallel    int
	temperature float64
}

type NewExtractorParams struct {
	Client  ai.Completer
	Limiter Limiter
	Backoff util.Backoff
	Timeout time.Duration
	// Parallel bounds concurrent field requests for one document.
	Parallel    int
	Temperature float64
}

func NewExtractor(params NewExtractorParams) (*Extractor, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("%w: extraction client is nil", common.ErrConfig)
	}
	x := &Extractor{
		client:      params.Client,
		limiter:     params.Limiter,
		backoff:     params.Backoff,
		timeout:     params.Timeout,
		parallel:    params.Parallel,
		temperature: params.Temperature,
	}
	if x.limiter == nil {
		x.limiter = NoLimit
	}
	if x.backoff.Attempts == 0 {
		x.backoff = DefaultExtractBackoff()
	}
	if x.timeout <= 0 {
		x.timeout = DefaultExtractTimeout
	}
	if x.parallel <= 0 {
		x.parallel = 2
	}
	return x, nil
}

type field struct {
	name  string
	label string
	text  string
}

// fields splits a document into prompt units: one per section when there
// are several, otherwise the whole document.
func fields(doc common.Document) []field {
	var out []field
	for _, s := range doc.Sections {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		out = append(out, field{name: s.Path, label: s.Label, text: s.Text})
	}
	if len(out) == 1 {
		out[0].name = wholeDocumentField
	}
	return out
}

type fieldResult struct {
	res *extractResponse
	raw string
	err error
}

// Extract runs one model call per field. A field with malformed output is
// skipped and reported in FailedFields; configuration errors abort.
func (x *Extractor) Extract(ctx context.Context, doc common.Document) (*Extraction, error) {
	fs := fields(doc)
	if len(fs) == 0 {
		return nil, fmt.Errorf("%w: document %s has no text", common.ErrMalformed, doc.ID)
	}

	results := make([]fieldResult, len(fs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(x.parallel)
	for i, f := range fs {
		g.Go(func() error {
			res, err := x.extractField(gCtx, doc, f)
			if err != nil {
				if common.IsConfigError(err) || errors.Is(err, context.Canceled) {
					return err
				}
				results[i] = fieldResult{err: err}
				return nil
			}
			raw, _ := json.Marshal(res)
			results[i] = fieldResult{res: res, raw: string(raw)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ex := &Extraction{DocID: doc.ID}
	b := newExtractionBuilder(doc.ID)
	var errs []error
	for i, r := range results {
		if r.err != nil {
			logger.Warn("[Extract] Field failed", "doc_id", doc.ID, "field", fs[i].name, "err", r.err)
			ex.FailedFields = append(ex.FailedFields, fs[i].name)
			errs = append(errs, fmt.Errorf("%s: %w", fs[i].name, r.err))
			continue
		}
		ex.Raw = append(ex.Raw, r.raw)
		b.addEntities(fs[i].name, r.res.Entities)
	}
	if len(ex.FailedFields) == len(fs) {
		return nil, fmt.Errorf("extraction failed for every field of %s: %w", doc.ID, errors.Join(errs...))
	}
	for i, r := range results {
		if r.err == nil {
			b.addRelations(fs[i].name, r.res.Relations)
		}
	}
	ex.Entities, ex.Relations = b.entities, b.relations
	return ex, nil
}

func (x *Extractor) extractField(ctx context.Context, doc common.Document, f field) (*extractResponse, error) {
	prompt := fmt.Sprintf(
		ai.ExtractPrompt,
		joinTypes(common.EntityTypes()),
		joinTypes(common.RelationTypes()),
		doc.Type,
		subjectOrNone(doc.SubjectKey),
		f.label,
		f.text,
	)
	opts := util.RetryOptions{
		Retryable: ai.IsTransient,
		OnRetry: func(retry int, err error, delay time.Duration) {
			logger.Warn("[Extract] Retrying", "doc_id", doc.ID, "field", f.name, "attempt", retry+1, "delay", delay, "err", err)
		},
	}
	return util.RetryWithBackoff(ctx, x.backoff, opts, func(ctx context.Context) (*extractResponse, error) {
		if err := x.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, x.timeout)
		defer cancel()

		var res extractResponse
		err := x.client.GenerateCompletionWithFormat(
			callCtx,
			"extract_trading_graph",
			"Extract typed entities and relationships from a trading document section.",
			prompt,
			&res,
			ai.WithSystemPrompts(ai.ExtractSystemPrompt),
			ai.WithTemperature(x.temperature),
		)
		if err != nil {
			return nil, err
		}
		return &res, nil
	})
}

func joinTypes[T ~string](types []T) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}

func subjectOrNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// extractionBuilder validates model output against the closed type sets and
// merges repeats across fields, keeping the highest confidence.
type extractionBuilder struct {
	docID     string
	mu        sync.Mutex
	entities  []common.ExtractedEntity
	byRef     map[string]int
	relations []common.ExtractedRelation
	relByKey  map[string]int
}

func newExtractionBuilder(docID string) *extractionBuilder {
	return &extractionBuilder{docID: docID, byRef: map[string]int{}, relByKey: map[string]int{}}
}

func refKey(t common.EntityType, name string) string {
	return string(t) + ":" + common.FoldKey(name)
}

func normConfidence(c float64) (float64, bool) {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0, false
	}
	return min(max(c, 0), 1), true
}

func (b *extractionBuilder) addEntities(fieldName string, in []extractEntity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range in {
		t, ok := common.ParseEntityType(e.Type)
		name := strings.TrimSpace(e.Name)
		conf, confOK := normConfidence(e.Confidence)
		if !ok || name == "" || !confOK {
			logger.Debug("[Extract] Skipped entity", "doc_id", b.docID, "field", fieldName, "type", e.Type, "name", e.Name)
			continue
		}
		k := refKey(t, name)
		if i, seen := b.byRef[k]; seen {
			if conf > b.entities[i].Confidence {
				b.entities[i].Confidence = conf
			}
			continue
		}
		var props map[string]any
		if ev := strings.TrimSpace(e.Evidence); ev != "" {
			props = map[string]any{"evidence": ev}
		}
		b.byRef[k] = len(b.entities)
		b.entities = append(b.entities, common.ExtractedEntity{
			Type:        t,
			Name:        name,
			Confidence:  conf,
			Properties:  props,
			SourceDocID: b.docID,
			SourceField: fieldName,
		})
	}
}

func (b *extractionBuilder) addRelations(fieldName string, in []extractRelation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range in {
		rel, okRel := common.ParseRelationType(r.Relation)
		st, okS := common.ParseEntityType(r.SourceType)
		tt, okT := common.ParseEntityType(r.TargetType)
		conf, okC := normConfidence(r.Confidence)
		if !okRel || !okS || !okT || !okC {
			logger.Debug("[Extract] Skipped relation", "doc_id", b.docID, "field", fieldName, "relation", r.Relation)
			continue
		}
		src, okSrc := b.byRef[refKey(st, r.SourceName)]
		tgt, okTgt := b.byRef[refKey(tt, r.TargetName)]
		if !okSrc || !okTgt {
			logger.Debug("[Extract] Dropped relation without extracted endpoints", "doc_id", b.docID,
				"source", r.SourceName, "target", r.TargetName)
			continue
		}
		source, target := b.entities[src].Ref(), b.entities[tgt].Ref()
		k := refKey(source.Type, source.Name) + "|" + string(rel) + "|" + refKey(target.Type, target.Name)
		if i, seen := b.relByKey[k]; seen {
			if conf > b.relations[i].Confidence {
				b.relations[i].Confidence = conf
			}
			continue
		}
		b.relByKey[k] = len(b.relations)
		b.relations = append(b.relations, common.ExtractedRelation{
			Source:      source,
			Type:        rel,
			Target:      target,
			Confidence:  conf,
			SourceDocID: b.docID,
			SourceField: fieldName,
		})
	}
}
