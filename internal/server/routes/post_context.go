package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vladm3105/tradegent/internal/server/middleware"
	"github.com/vladm3105/tradegent/pkg/query"
)

// ContextHandler assembles the hybrid context for one subject. Failed legs
// are reported in the body; the request itself does not fail.
func ContextHandler(c echo.Context) error {
	data := new(query.Request)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
	}
	if data.SubjectKey == "" && data.Query == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "subject_key or query is required"})
	}

	app := c.(*middleware.AppContext).App
	hc := app.Context.BuildContext(c.Request().Context(), *data)
	return c.JSON(http.StatusOK, hc)
}
