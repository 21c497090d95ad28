package middleware

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"

	"github.com/vladm3105/tradegent/pkg/logger"
)

// implied maps a permission to the weaker ones it grants. Approving or
// rejecting reviews needs to see them first.
var implied = map[string][]string{
	PermReviewsWrite: {PermReviewsRead},
}

// HasPermission reports whether user holds permission directly or through a
// permission that implies it.
func HasPermission(user *AppUser, permission string) bool {
	if user == nil {
		return false
	}
	for _, p := range user.Permissions {
		if p == permission || slices.Contains(implied[p], permission) {
			return true
		}
	}
	return false
}

func RequirePermission(permission string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.(*AppContext).User
			if user == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			if !HasPermission(user, permission) {
				logger.Warn("[Server] Permission denied", "user_id", user.UserID, "permission", permission, "path", c.Path())
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden: missing permission " + permission})
			}

			return next(c)
		}
	}
}
