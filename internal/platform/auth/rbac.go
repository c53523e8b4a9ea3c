package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// Roles in increasing order of privilege. Ingest is what trail producers
// get: they may write and read records but not archive them.
const (
	RoleViewer = "viewer"
	RoleIngest = "ingest"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleLevels = map[string]int{
	RoleViewer: 1,
	RoleIngest: 2,
	RoleEditor: 3,
	RoleAdmin:  4,
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	for _, role := range roles {
		if roleLevels[strings.ToLower(strings.TrimSpace(role))] >= requiredLevel {
			return true
		}
	}
	return false
}

// RequiredRoleForRequest maps a collector request to the least role that
// may make it.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	if strings.HasSuffix(strings.TrimRight(r.URL.Path, "/"), "/archive") {
		return RoleEditor
	}
	return RoleIngest
}
