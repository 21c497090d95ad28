package query

import (
	"slices"
	"sort"
	"strings"
	"sync"
)

type TraceEventKind string

const (
	TraceEventLeg                TraceEventKind = "leg"
	TraceEventConsideredChunkIDs TraceEventKind = "considered_chunk_ids"
	TraceEventQueriedNodeKeys    TraceEventKind = "queried_node_keys"
	TraceEventContext            TraceEventKind = "context"
)

// TraceEvent is an extensible event envelope for context tracing.
// Additive changes to this struct are backward compatible for implementers.
type TraceEvent struct {
	Kind TraceEventKind

	Leg        string
	DurationMs int64
	Error      string

	ChunkIDs []string
	NodeKeys []string

	// Partial is set on TraceEventContext when any leg failed.
	Partial bool
}

// Tracer is a sink for context tracing events.
//
// Implementers can forward events to logs, metrics, or custom post-processing
// pipelines. Record may be called from several goroutines at once.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fan-outs trace events to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

func RecordLeg(t Tracer, leg string, durationMs int64, err error) {
	if t == nil {
		return
	}
	e := TraceEvent{Kind: TraceEventLeg, Leg: leg, DurationMs: durationMs}
	if err != nil {
		e.Error = err.Error()
	}
	t.Record(e)
}

func RecordConsideredChunkIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventConsideredChunkIDs, ChunkIDs: ids})
}

func RecordQueriedNodeKeys(t Tracer, leg string, keys ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventQueriedNodeKeys, Leg: leg, NodeKeys: keys})
}

func RecordContext(t Tracer, partial bool, durationMs int64) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventContext, Partial: partial, DurationMs: durationMs})
}

// LegTrace is the recorded outcome of one leg.
type LegTrace struct {
	Leg        string
	DurationMs int64
	Error      string
}

// ContextTrace collects what one BuildContext call looked at.
//
// ContextTrace is safe for concurrent use.
type ContextTrace struct {
	mu sync.Mutex

	legs             map[string]LegTrace
	consideredChunks map[string]struct{}
	queriedNodeKeys  map[string]struct{}
	partial          bool
}

type ContextTraceSnapshot struct {
	Legs               []LegTrace
	ConsideredChunkIDs []string
	QueriedNodeKeys    []string
	Partial            bool
}

func NewContextTrace() *ContextTrace {
	return &ContextTrace{
		legs:             make(map[string]LegTrace),
		consideredChunks: make(map[string]struct{}),
		queriedNodeKeys:  make(map[string]struct{}),
	}
}

func (t *ContextTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case TraceEventLeg:
		t.legs[event.Leg] = LegTrace{Leg: event.Leg, DurationMs: event.DurationMs, Error: event.Error}
	case TraceEventConsideredChunkIDs:
		for _, id := range event.ChunkIDs {
			if id == "" {
				continue
			}
			t.consideredChunks[id] = struct{}{}
		}
	case TraceEventQueriedNodeKeys:
		for _, k := range event.NodeKeys {
			if k == "" {
				continue
			}
			t.queriedNodeKeys[k] = struct{}{}
		}
	case TraceEventContext:
		t.partial = event.Partial
	default:
		return
	}
}

func (t *ContextTrace) Snapshot() ContextTraceSnapshot {
	if t == nil {
		return ContextTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := ContextTraceSnapshot{
		Legs:               make([]LegTrace, 0, len(t.legs)),
		ConsideredChunkIDs: make([]string, 0, len(t.consideredChunks)),
		QueriedNodeKeys:    make([]string, 0, len(t.queriedNodeKeys)),
		Partial:            t.partial,
	}
	for _, l := range t.legs {
		s.Legs = append(s.Legs, l)
	}
	for id := range t.consideredChunks {
		s.ConsideredChunkIDs = append(s.ConsideredChunkIDs, id)
	}
	for k := range t.queriedNodeKeys {
		s.QueriedNodeKeys = append(s.QueriedNodeKeys, k)
	}

	slices.SortFunc(s.Legs, func(a, b LegTrace) int {
		return strings.Compare(a.Leg, b.Leg)
	})
	sort.Strings(s.ConsideredChunkIDs)
	sort.Strings(s.QueriedNodeKeys)

	return s
}
