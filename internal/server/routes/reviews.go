package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vladm3105/tradegent/internal/server/middleware"
	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/graph"
	"github.com/vladm3105/tradegent/pkg/logger"
)

type getReviewsResponse struct {
	Message string                 `json:"message,omitempty"`
	Reviews []common.PendingCommit `json:"reviews"`
}

type reviewResponse struct {
	Message string                `json:"message"`
	Review  *common.PendingCommit `json:"review,omitempty"`
}

// GetReviewsHandler lists pending commits, flagged ones by default.
func GetReviewsHandler(c echo.Context) error {
	type getReviewsParams struct {
		Status string `query:"status" validate:"omitempty,oneof=pending flagged-for-review committed discarded"`
		Limit  int    `query:"limit" validate:"omitempty,min=1,max=500"`
	}

	params := new(getReviewsParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, getReviewsResponse{Message: "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, getReviewsResponse{Message: "Invalid request params"})
	}
	status := common.PendingFlagged
	if params.Status != "" {
		status = common.PendingStatus(params.Status)
	}
	limit := params.Limit
	if limit == 0 {
		limit = 100
	}

	app := c.(*middleware.AppContext).App
	recs, err := app.Pending.ListPending(c.Request().Context(), status, limit)
	if err != nil {
		logger.Error("[Server] Failed to list pending commits", "status", status, "err", err)
		return c.JSON(http.StatusInternalServerError, getReviewsResponse{Message: "Internal server error"})
	}
	if recs == nil {
		recs = []common.PendingCommit{}
	}
	return c.JSON(http.StatusOK, getReviewsResponse{Reviews: recs})
}

func ApproveReviewHandler(c echo.Context) error {
	return review(c, true)
}

func RejectReviewHandler(c echo.Context) error {
	return review(c, false)
}

func review(c echo.Context, approve bool) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, reviewResponse{Message: "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	rec, err := app.Reviews.Review(c.Request().Context(), id, approve)
	switch {
	case errors.Is(err, common.ErrNotFound):
		return c.JSON(http.StatusNotFound, reviewResponse{Message: "Review not found"})
	case errors.Is(err, graph.ErrNotReviewable), errors.Is(err, graph.ErrReviewBlocked):
		return c.JSON(http.StatusConflict, reviewResponse{Message: err.Error(), Review: &rec})
	case err != nil:
		logger.Error("[Server] Review failed", "id", id, "approve", approve, "err", err)
		return c.JSON(http.StatusInternalServerError, reviewResponse{Message: "Internal server error"})
	}

	msg := "Review rejected"
	if approve {
		msg = "Review approved"
	}
	return c.JSON(http.StatusOK, reviewResponse{Message: msg, Review: &rec})
}
