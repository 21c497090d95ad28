package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	reviewer := &AppUser{UserID: "u1", Permissions: []string{PermReviewsWrite}}
	ingester := &AppUser{UserID: "u2", Permissions: []string{PermDocumentsWrite}}
	master := &AppUser{UserID: "master", Role: "admin", Permissions: allPermissions}

	tests := []struct {
		name       string
		user       *AppUser
		permission string
		want       bool
	}{
		{"nil user", nil, PermSearchRead, false},
		{"direct grant", ingester, PermDocumentsWrite, true},
		{"write implies read", reviewer, PermReviewsRead, true},
		{"read does not imply write", &AppUser{Permissions: []string{PermReviewsRead}}, PermReviewsWrite, false},
		{"unrelated permission", reviewer, PermSearchRead, false},
		{"ingester cannot search", ingester, PermSearchRead, false},
		{"master holds everything", master, PermReviewsWrite, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasPermission(tt.user, tt.permission))
		})
	}
}
