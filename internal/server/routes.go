package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vladm3105/tradegent/internal/server/middleware"
	"github.com/vladm3105/tradegent/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo, metricsHandler http.Handler) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	if metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Ingestion
	apiRoutes.POST("/documents", routes.PostDocumentHandler, middleware.RequirePermission(middleware.PermDocumentsWrite))

	// Retrieval
	apiRoutes.POST("/search", routes.SearchHandler, middleware.RequirePermission(middleware.PermSearchRead))
	apiRoutes.POST("/context", routes.ContextHandler, middleware.RequirePermission(middleware.PermSearchRead))

	// Review of flagged graph writes
	apiRoutes.GET("/reviews", routes.GetReviewsHandler, middleware.RequirePermission(middleware.PermReviewsRead))
	apiRoutes.POST("/reviews/:id/approve", routes.ApproveReviewHandler, middleware.RequirePermission(middleware.PermReviewsWrite))
	apiRoutes.POST("/reviews/:id/reject", routes.RejectReviewHandler, middleware.RequirePermission(middleware.PermReviewsWrite))
}
