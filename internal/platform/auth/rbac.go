package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// Role ladder shared by every service. Playlist-scoped tokens are granted
// RoleEditor so workers can report outputs through the segue callback without
// being able to administer the catalog.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

func roleLevel(role string) int {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// HasAtLeast reports whether any of the caller's roles meets the required
// role on the ladder. Unknown required roles never match.
func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevel(required)
	if requiredLevel == 0 {
		return false
	}
	for _, role := range roles {
		if roleLevel(role) >= requiredLevel {
			return true
		}
	}
	return false
}

// RequiredRoleForRequest maps read methods to viewer and everything else,
// including segue and crash calls, to editor.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	default:
		return RoleEditor
	}
}
