package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vladm3105/tradegent/internal/server/middleware"
	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/logger"
	"github.com/vladm3105/tradegent/pkg/search"
)

type errorResponse struct {
	Message string `json:"message"`
}

// SearchHandler runs a hybrid vector and keyword search.
func SearchHandler(c echo.Context) error {
	data := new(search.Request)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
	}

	app := c.(*middleware.AppContext).App
	resp, err := app.Searcher.HybridSearch(c.Request().Context(), *data)
	if err != nil {
		if errors.Is(err, common.ErrMalformed) {
			return c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		}
		logger.Error("[Server] Hybrid search failed", "query", data.Query, "err", err)
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Message: "Search unavailable"})
	}
	return c.JSON(http.StatusOK, resp)
}
