package middleware

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/vladm3105/tradegent/internal/queue"
	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/query"
	"github.com/vladm3105/tradegent/pkg/search"
)

type AppUser struct {
	UserID      string
	Role        string
	Permissions []string
}

type Searcher interface {
	HybridSearch(ctx context.Context, req search.Request) (*search.Response, error)
}

type ContextBuilder interface {
	BuildContext(ctx context.Context, req query.Request) *common.HybridContext
}

type Reviewer interface {
	Review(ctx context.Context, id string, approve bool) (common.PendingCommit, error)
}

type PendingLister interface {
	ListPending(ctx context.Context, status common.PendingStatus, limit int) ([]common.PendingCommit, error)
}

type SubmissionArchive interface {
	PutSubmission(ctx context.Context, id string, body []byte, contentType string) (string, error)
}

// App holds what the handlers need. Archive may be nil; large bodies are
// then enqueued inline.
type App struct {
	Queue    queue.Publisher
	Searcher Searcher
	Context  ContextBuilder
	Reviews  Reviewer
	Pending  PendingLister
	Archive  SubmissionArchive

	// Keyfunc verifies bearer JWTs. Nil disables JWT auth.
	Keyfunc      jwt.Keyfunc
	MasterAPIKey string
	// OffloadBytes is the body size above which a submission is written to
	// the archive and enqueued by path.
	OffloadBytes int
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
