package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/loader"
	"github.com/vladm3105/tradegent/pkg/logger"
)

// ErrPermanent marks a message that will never succeed; it skips the retry
// queue and goes straight to the dead-letter queue.
var ErrPermanent = errors.New("permanent failure")

type EmbedRunner interface {
	EmbedDocument(ctx context.Context, doc common.Document) common.EmbedResult
}

type ExtractRunner interface {
	ExtractDocument(ctx context.Context, doc common.Document) common.ExtractResult
}

// Event is published on the event exchange after each handled message.
type Event struct {
	Queue   string                `json:"queue"`
	DocID   string                `json:"doc_id"`
	Status  common.Status         `json:"status"`
	Embed   *common.EmbedResult   `json:"embed,omitempty"`
	Extract *common.ExtractResult `json:"extract,omitempty"`
}

// Topic is the routing key of the event, e.g. "embed.degraded".
func (e Event) Topic() string {
	stage := "embed"
	if e.Queue == ExtractQueue {
		stage = "extract"
	}
	return stage + "." + string(e.Status)
}

// Handler turns a queued submission into a document and runs the pipeline
// that belongs to the queue.
type Handler struct {
	embed   EmbedRunner
	extract ExtractRunner
	source  func() loader.Source
}

type NewHandlerParams struct {
	Embed   EmbedRunner
	Extract ExtractRunner
	// Source builds the reader for body-less submissions. Nil means every
	// submission must carry its body.
	Source func() loader.Source
}

func NewHandler(params NewHandlerParams) *Handler {
	return &Handler{
		embed:   params.Embed,
		extract: params.Extract,
		source:  params.Source,
	}
}

// Handle processes one message body. A returned error wrapping ErrPermanent
// should not be retried.
func (h *Handler) Handle(ctx context.Context, queueName string, body []byte) (Event, error) {
	ev := Event{Queue: queueName, Status: common.StatusFailed}

	doc, err := h.document(ctx, body)
	if err != nil {
		if !errors.Is(err, common.ErrTransient) && !isContextErr(err) {
			err = fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		return ev, err
	}
	ev.DocID = doc.ID

	switch queueName {
	case EmbedQueue:
		if h.embed == nil {
			return ev, fmt.Errorf("%w: %w: no embed pipeline", ErrPermanent, common.ErrConfig)
		}
		res := h.embed.EmbedDocument(ctx, doc)
		ev.Status, ev.Embed = res.Status, &res
		if res.Status == common.StatusFailed {
			return ev, pipelineError("embed", doc.ID, res.Err, res.Error)
		}
	case ExtractQueue:
		if h.extract == nil {
			return ev, fmt.Errorf("%w: %w: no extract pipeline", ErrPermanent, common.ErrConfig)
		}
		res := h.extract.ExtractDocument(ctx, doc)
		ev.Status, ev.Extract = res.Status, &res
		if res.Status == common.StatusFailed {
			return ev, pipelineError("extract", doc.ID, res.Err, res.Error)
		}
	default:
		return ev, fmt.Errorf("%w: unknown queue %q", ErrPermanent, queueName)
	}
	return ev, nil
}

func (h *Handler) document(ctx context.Context, body []byte) (common.Document, error) {
	var sub loader.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		return common.Document{}, fmt.Errorf("%w: decode submission: %v", common.ErrMalformed, err)
	}
	if !sub.HasBody() && sub.SourcePath != "" {
		var src loader.Source
		if h.source != nil {
			src = h.source()
		}
		resolved, err := loader.Resolve(ctx, src, sub)
		if err != nil {
			if common.IsConfigError(err) || errors.Is(err, common.ErrMalformed) {
				return common.Document{}, err
			}
			// the object store read may succeed on a later delivery
			return common.Document{}, fmt.Errorf("%w: %w", common.ErrTransient, err)
		}
		sub = resolved
	}
	doc, err := loader.Load(sub)
	if err != nil {
		return common.Document{}, err
	}
	logger.Debug("[Queue] Loaded document", "doc_id", doc.ID, "type", doc.Type, "sections", len(doc.Sections))
	return doc, nil
}

// pipelineError wraps a failed pipeline result. Configuration errors such as a
// dimension or model mismatch are permanent; everything else is retried.
func pipelineError(stage, docID string, cause error, msg string) error {
	if cause == nil {
		return fmt.Errorf("%s %s: %s", stage, docID, msg)
	}
	if common.IsConfigError(cause) && !errors.Is(cause, common.ErrTransient) && !isContextErr(cause) {
		return fmt.Errorf("%w: %s %s: %w", ErrPermanent, stage, docID, cause)
	}
	return fmt.Errorf("%s %s: %w", stage, docID, cause)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
