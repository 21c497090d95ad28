package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vladm3105/tradegent/internal/app"
	"github.com/vladm3105/tradegent/internal/queue"
	mid "github.com/vladm3105/tradegent/internal/server/middleware"
	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/logger"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// NewEcho builds the HTTP server with its middleware and routes.
func NewEcho(a *mid.App, bodyLimit string, metricsHandler http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(a))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	if bodyLimit != "" {
		e.Use(middleware.BodyLimit(bodyLimit))
	}

	RegisterRoutes(e, metricsHandler)
	return e
}

// Run serves until ctx is done and then shuts down gracefully.
func Run(ctx context.Context, a *app.App, pub queue.Publisher) error {
	cfg := a.Config
	if !cfg.Server.AuthConfigured() {
		return fmt.Errorf("%w: AUTH_URL or MASTER_API_KEY must be set", common.ErrConfig)
	}

	deps := &mid.App{
		Queue:        pub,
		Searcher:     a.Searcher,
		Context:      a.Builder,
		Reviews:      a.Gate,
		Pending:      a.Store,
		MasterAPIKey: cfg.Server.APIKey,
		OffloadBytes: cfg.S3.OffloadBytes,
	}
	if a.Archive != nil {
		deps.Archive = a.Archive
	}
	if cfg.Server.AuthURL != "" {
		jwksURL := cfg.Server.AuthURL + "/jwks"
		k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			return fmt.Errorf("failed to load jwks keys: %w", err)
		}
		deps.Keyfunc = k.Keyfunc
	}

	e := NewEcho(deps, cfg.Server.BodyLimit, a.Metrics.Handler())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("[Server] Starting server", "port", cfg.Server.Port)
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Server] Failed to shutdown server", "err", err)
		return err
	}
	return nil
}
