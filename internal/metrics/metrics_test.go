package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/graph"
	"github.com/vladm3105/tradegent/pkg/query"
)

func TestCollectorCounters(t *testing.T) {
	c := New("test")

	c.EmbedRequest("openai", "error")
	c.EmbedRequest("ollama", "success")
	c.EmbedFallback("openai", "ollama")
	c.GateDecision(graph.KindEntity, graph.BandCommit)
	c.GateDecision(graph.KindEntity, graph.BandCommit)
	c.GateDecision(graph.KindRelation, graph.BandDiscard)
	c.ExtractFieldsFailed(2)
	c.ExtractFieldsFailed(0)
	c.QueueMessage("embed_queue", "ack")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.embedRequests.WithLabelValues("openai", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.embedFallbacks.WithLabelValues("openai", "ollama")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.gateDecisions.WithLabelValues("entity", "commit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gateDecisions.WithLabelValues("relation", "discard")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.fieldFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueMessages.WithLabelValues("embed_queue", "ack")))
}

func TestCollectorTracer(t *testing.T) {
	c := New("test")

	query.RecordLeg(c, query.LegSearch, 12, nil)
	query.RecordLeg(c, query.LegRisks, 40, errors.New("graph down"))
	query.RecordContext(c, true, 50)
	query.RecordContext(c, false, 20)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.contextLegs.WithLabelValues(query.LegSearch, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.contextLegs.WithLabelValues(query.LegRisks, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.partialContexts))
}

func TestCollectorHandler(t *testing.T) {
	c := New("")
	c.PipelineDone("embed", common.StatusSucceeded, 1500*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "tradegent_pipeline_duration_seconds_count{stage=\"embed\",status=\"succeeded\"} 1"), text)
	assert.True(t, strings.Contains(text, "go_goroutines"))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := New("test")
	b := New("test")
	a.EmbedFallback("openai", "ollama")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.embedFallbacks.WithLabelValues("openai", "ollama")))
}
