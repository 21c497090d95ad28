package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/graph"
	"github.com/vladm3105/tradegent/pkg/leaselock"
	"github.com/vladm3105/tradegent/pkg/loader"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	mu        sync.Mutex
	declared  map[string]amqp091.Table
	exchanges []string
	published []published
	failPub   bool
	prefetch  int
	consumers map[string]chan amqp091.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{declared: map[string]amqp091.Table{}, consumers: map[string]chan amqp091.Delivery{}}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	f.exchanges = append(f.exchanges, name+"/"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	f.declared[name] = args
	return amqp091.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPub {
		return errors.New("channel closed")
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error) {
	ch := make(chan amqp091.Delivery, 4)
	f.mu.Lock()
	f.consumers[queue] = ch
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type fakeAck struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
	done    chan struct{}
}

func newFakeAck() *fakeAck { return &fakeAck{done: make(chan struct{}, 8)} }

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacks++
	a.requeue = requeue
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func delivery(ack *fakeAck, body []byte, headers amqp091.Table) amqp091.Delivery {
	return amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body, Headers: headers, ContentType: "application/json"}
}

type stubEmbed struct {
	status common.Status
	err    error
	docs   []common.Document
}

func (s *stubEmbed) EmbedDocument(ctx context.Context, doc common.Document) common.EmbedResult {
	s.docs = append(s.docs, doc)
	res := common.EmbedResult{DocID: doc.ID, Status: s.status}
	if s.status == common.StatusFailed {
		res.Error = "embed provider down"
		if s.err != nil {
			res.Error, res.Err = s.err.Error(), s.err
		}
	}
	return res
}

type stubExtract struct{}

func (stubExtract) ExtractDocument(ctx context.Context, doc common.Document) common.ExtractResult {
	return common.ExtractResult{DocID: doc.ID, CommittedCount: 3, Status: common.StatusSucceeded}
}

type mapSource map[string][]byte

func (m mapSource) Read(ctx context.Context, path string) ([]byte, error) {
	if b, ok := m[path]; ok {
		return b, nil
	}
	return nil, errors.New("no such key")
}

func submission(t *testing.T, sub loader.Submission) []byte {
	t.Helper()
	b, err := json.Marshal(sub)
	require.NoError(t, err)
	return b
}

var nvdaSubmission = loader.Submission{
	ID:         "nvda-2025-03-09",
	DocType:    "analysis-stock",
	SubjectKey: "$nvda",
	Date:       "2025-03-09",
	RawText:    "# Thesis\nData center demand keeps growing.\n",
}

func TestSetupQueues(t *testing.T) {
	ch := newFakeChannel()
	require.NoError(t, SetupQueues(ch, Queues, 0))

	assert.Equal(t, []string{EventExchange + "/topic"}, ch.exchanges)
	for _, name := range Queues {
		assert.Contains(t, ch.declared, name)
		assert.Contains(t, ch.declared, name+"_dlq")
		args := ch.declared[name+"_retry"]
		require.NotNil(t, args)
		assert.Equal(t, int32(10000), args["x-message-ttl"])
		assert.Equal(t, name, args["x-dead-letter-routing-key"])
	}
}

func TestRetries(t *testing.T) {
	assert.Equal(t, 0, Retries(nil))
	assert.Equal(t, 3, Retries(amqp091.Table{RetriesHeader: int32(3)}))
	assert.Equal(t, 4, Retries(amqp091.Table{RetriesHeader: int64(4)}))
	assert.Equal(t, 5, Retries(amqp091.Table{RetriesHeader: 5}))
	assert.Equal(t, 0, Retries(amqp091.Table{RetriesHeader: "7"}))
}

func TestHandleFailure(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp091.Table
		cause   error
		target  string
		outcome string
		retries any
	}{
		{"first failure", nil, errors.New("boom"), EmbedQueue + "_retry", OutcomeRetry, int32(1)},
		{"later failure", amqp091.Table{RetriesHeader: int32(4)}, errors.New("boom"), EmbedQueue + "_retry", OutcomeRetry, int32(5)},
		{"exhausted", amqp091.Table{RetriesHeader: int32(10)}, errors.New("boom"), EmbedQueue + "_dlq", OutcomeDeadLetter, int32(10)},
		{"permanent", nil, ErrPermanent, EmbedQueue + "_dlq", OutcomeDeadLetter, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel()
			ack := newFakeAck()
			outcome := HandleFailure(context.Background(), ch, delivery(ack, []byte("{}"), tt.headers), EmbedQueue, tt.cause, 10)

			assert.Equal(t, tt.outcome, outcome)
			sent := ch.sent()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.target, sent[0].key)
			assert.Equal(t, tt.retries, sent[0].msg.Headers[RetriesHeader])
			assert.Equal(t, tt.cause.Error(), sent[0].msg.Headers[ErrorHeader])
			assert.Equal(t, 1, ack.acks)
		})
	}
}

func TestHandleFailureRequeuesWhenPublishFails(t *testing.T) {
	ch := newFakeChannel()
	ch.failPub = true
	ack := newFakeAck()

	outcome := HandleFailure(context.Background(), ch, delivery(ack, []byte("{}"), nil), EmbedQueue, errors.New("boom"), 10)
	assert.Equal(t, OutcomeRequeue, outcome)
	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestHandlerEmbed(t *testing.T) {
	embed := &stubEmbed{status: common.StatusSucceeded}
	h := NewHandler(NewHandlerParams{Embed: embed, Extract: stubExtract{}})

	ev, err := h.Handle(context.Background(), EmbedQueue, submission(t, nvdaSubmission))
	require.NoError(t, err)
	assert.Equal(t, "nvda-2025-03-09", ev.DocID)
	assert.Equal(t, "embed.succeeded", ev.Topic())
	require.Len(t, embed.docs, 1)
	assert.Equal(t, "NVDA", embed.docs[0].SubjectKey)

	ev, err = h.Handle(context.Background(), ExtractQueue, submission(t, nvdaSubmission))
	require.NoError(t, err)
	assert.Equal(t, "extract.succeeded", ev.Topic())
	assert.Equal(t, 3, ev.Extract.CommittedCount)
}

func TestHandlerResolvesSourcePath(t *testing.T) {
	embed := &stubEmbed{status: common.StatusSucceeded}
	src := mapSource{"submissions/2025-03/nvda.md": []byte("# Risks\nExport controls.\n")}
	h := NewHandler(NewHandlerParams{Embed: embed, Source: func() loader.Source { return src }})

	sub := nvdaSubmission
	sub.RawText = ""
	sub.SourcePath = "submissions/2025-03/nvda.md"
	_, err := h.Handle(context.Background(), EmbedQueue, submission(t, sub))
	require.NoError(t, err)
	require.Len(t, embed.docs, 1)
	assert.Equal(t, "Export controls.", embed.docs[0].Sections[0].Text)

	sub.SourcePath = "submissions/2025-03/missing.md"
	_, err = h.Handle(context.Background(), EmbedQueue, submission(t, sub))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPermanent))
	assert.True(t, errors.Is(err, common.ErrTransient))
}

func TestHandlerPermanentFailures(t *testing.T) {
	h := NewHandler(NewHandlerParams{Embed: &stubEmbed{status: common.StatusSucceeded}})

	_, err := h.Handle(context.Background(), EmbedQueue, []byte("not json"))
	assert.ErrorIs(t, err, ErrPermanent)

	bad := nvdaSubmission
	bad.DocType = "memo"
	_, err = h.Handle(context.Background(), EmbedQueue, submission(t, bad))
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, common.ErrUnknownDocType)

	_, err = h.Handle(context.Background(), ExtractQueue, submission(t, nvdaSubmission))
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestHandlerPipelineFailureIsRetryable(t *testing.T) {
	h := NewHandler(NewHandlerParams{Embed: &stubEmbed{status: common.StatusFailed}})

	ev, err := h.Handle(context.Background(), EmbedQueue, submission(t, nvdaSubmission))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPermanent))
	assert.Equal(t, common.StatusFailed, ev.Status)
	assert.Contains(t, err.Error(), "embed provider down")
}

func TestHandlerConfigErrorsGoToDeadLetter(t *testing.T) {
	tests := []struct {
		name      string
		cause     error
		permanent bool
		target    string
	}{
		{"dimension mismatch", fmt.Errorf("upsert chunks: %w: corpus uses 4", common.ErrDimensionMismatch), true, EmbedQueue + "_dlq"},
		{"model mismatch", fmt.Errorf("upsert chunks: %w: corpus is model-a", common.ErrModelMismatch), true, EmbedQueue + "_dlq"},
		{"missing credentials", common.ErrMissingCredentials, true, EmbedQueue + "_dlq"},
		{"transient", fmt.Errorf("%w: 503", common.ErrTransient), false, EmbedQueue + "_retry"},
		{"transient config mix", errors.Join(common.ErrDimensionMismatch, common.ErrTransient), false, EmbedQueue + "_retry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(NewHandlerParams{Embed: &stubEmbed{status: common.StatusFailed, err: tt.cause}})
			body := submission(t, nvdaSubmission)

			_, err := h.Handle(context.Background(), EmbedQueue, body)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, ErrPermanent))
			assert.ErrorIs(t, err, tt.cause)

			ch := newFakeChannel()
			ack := newFakeAck()
			HandleFailure(context.Background(), ch, delivery(ack, body, nil), EmbedQueue, err, 10)
			sent := ch.sent()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.target, sent[0].key)
		})
	}
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) QueueMessage(queue, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[queue+":"+outcome]++
}

func TestConsumerRun(t *testing.T) {
	ch := newFakeChannel()
	obs := &countingObserver{outcomes: map[string]int{}}
	c := NewConsumer(NewConsumerParams{
		Channel:       ch,
		Handler:       NewHandler(NewHandlerParams{Embed: &stubEmbed{status: common.StatusDegraded}, Extract: stubExtract{}}),
		Observer:      obs,
		Processors:    2,
		PublishEvents: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, Queues) }()

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.consumers) == 2
	}, time.Second, 5*time.Millisecond)

	ack := newFakeAck()
	ch.mu.Lock()
	embedCh, extractCh := ch.consumers[EmbedQueue], ch.consumers[ExtractQueue]
	ch.mu.Unlock()
	embedCh <- delivery(ack, submission(t, nvdaSubmission), nil)
	extractCh <- delivery(ack, []byte("garbage"), nil)

	for range 2 {
		select {
		case <-ack.done:
		case <-time.After(2 * time.Second):
			t.Fatal("message not settled")
		}
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 2, ch.prefetch)
	assert.Equal(t, 2, ack.acks)

	var topics, dlq []string
	for _, p := range ch.sent() {
		switch p.exchange {
		case EventExchange:
			topics = append(topics, p.key)
		default:
			dlq = append(dlq, p.key)
		}
	}
	assert.Equal(t, []string{"embed.degraded"}, topics)
	assert.Equal(t, []string{ExtractQueue + "_dlq"}, dlq)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.outcomes[EmbedQueue+":"+OutcomeAck])
	assert.Equal(t, 1, obs.outcomes[ExtractQueue+":"+OutcomeDeadLetter])
}

type fakeRetrier struct {
	calls int
	limit int
	err   error
}

func (f *fakeRetrier) RetryPending(ctx context.Context, limit int) (graph.RetryReport, error) {
	f.calls++
	f.limit = limit
	return graph.RetryReport{Attempted: 2, Committed: 1, Failed: 1}, f.err
}

func TestSweep(t *testing.T) {
	r := &fakeRetrier{}
	s := NewSweeper(NewSweeperParams{Gate: r, Locker: leaselock.NewLocal(), Batch: 20})

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 20, r.limit)
}

func TestSweepSkipsWhenLeaseHeld(t *testing.T) {
	r := &fakeRetrier{}
	locker := leaselock.NewLocal()
	s := NewSweeper(NewSweeperParams{Gate: r, Locker: locker})

	err := locker.WithLease(context.Background(), SweepLockKey, leaselock.Options{}, func(ctx context.Context) error {
		report, err := s.Sweep(ctx)
		assert.Zero(t, report.Attempted)
		return err
	})
	require.NoError(t, err)
	assert.Zero(t, r.calls)
}
