package routes

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"gopkg.in/yaml.v3"

	"github.com/vladm3105/tradegent/internal/queue"
	"github.com/vladm3105/tradegent/internal/server/middleware"
	"github.com/vladm3105/tradegent/pkg/loader"
	"github.com/vladm3105/tradegent/pkg/logger"
)

type postDocumentBody struct {
	ID               string         `json:"id" validate:"required,max=256"`
	SourcePath       string         `json:"source_path" validate:"omitempty,max=1024"`
	DocType          string         `json:"doc_type" validate:"required"`
	SubjectKey       string         `json:"subject_key" validate:"omitempty,max=32"`
	Date             string         `json:"date"`
	Tags             []string       `json:"tags" validate:"omitempty,max=64,dive,max=64"`
	RawText          string         `json:"raw_text"`
	StructuredFields map[string]any `json:"structured_fields"`
}

func (b postDocumentBody) submission() loader.Submission {
	return loader.Submission{
		ID:               b.ID,
		SourcePath:       b.SourcePath,
		DocType:          b.DocType,
		SubjectKey:       b.SubjectKey,
		Date:             b.Date,
		Tags:             b.Tags,
		RawText:          b.RawText,
		StructuredFields: b.StructuredFields,
	}
}

type postDocumentResponse struct {
	Message    string   `json:"message"`
	ID         string   `json:"id,omitempty"`
	SourcePath string   `json:"source_path,omitempty"`
	Queues     []string `json:"queues,omitempty"`
}

// PostDocumentHandler validates a submission and enqueues it for embedding
// and graph extraction.
func PostDocumentHandler(c echo.Context) error {
	data := new(postDocumentBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, postDocumentResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, postDocumentResponse{
			Message: "Invalid request body",
		})
	}

	sub := data.submission()
	switch {
	case sub.HasBody():
		if _, err := loader.Load(sub); err != nil {
			return c.JSON(http.StatusBadRequest, postDocumentResponse{
				Message: err.Error(),
				ID:      sub.ID,
			})
		}
	case sub.SourcePath == "":
		return c.JSON(http.StatusBadRequest, postDocumentResponse{
			Message: "Document needs raw_text, structured_fields or source_path",
			ID:      sub.ID,
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	msg, err := json.Marshal(sub)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, postDocumentResponse{
			Message: "Internal server error",
		})
	}

	if app.Archive != nil && app.OffloadBytes > 0 && len(msg) > app.OffloadBytes && sub.HasBody() {
		body, err := yaml.Marshal(sub)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, postDocumentResponse{
				Message: "Internal server error",
			})
		}
		key, err := app.Archive.PutSubmission(ctx, sub.ID, body, "application/yaml")
		if err != nil {
			logger.Error("[Server] Failed to archive submission", "doc_id", sub.ID, "err", err)
			return c.JSON(http.StatusInternalServerError, postDocumentResponse{
				Message: "Failed to store document",
			})
		}
		sub.SourcePath = key
		sub.RawText = ""
		sub.StructuredFields = nil
		if msg, err = json.Marshal(sub); err != nil {
			return c.JSON(http.StatusInternalServerError, postDocumentResponse{
				Message: "Internal server error",
			})
		}
	}

	for _, q := range queue.Queues {
		if err := queue.PublishFIFO(ctx, app.Queue, q, msg); err != nil {
			logger.Error("[Server] Failed to enqueue document", "queue", q, "doc_id", sub.ID, "err", err)
			return c.JSON(http.StatusInternalServerError, postDocumentResponse{
				Message: "Failed to enqueue document",
			})
		}
	}

	return c.JSON(http.StatusAccepted, postDocumentResponse{
		Message:    "Document queued",
		ID:         sub.ID,
		SourcePath: sub.SourcePath,
		Queues:     queue.Queues,
	})
}
