package core

import "strings"

// Session is the authenticated identity on whose behalf an operation runs.
// It is built by the transport layer and passed explicitly to every domain operation.
type Session struct {
	UserID   string
	UserName string
	Roles    []string
}

func (s Session) IsAuthenticated() bool {
	return s.UserID != ""
}

// HasRole reports whether one of the session roles starts with one of the given prefixes.
// e.g. "admin:" matches both "admin:" and "admin:principal".
func (s Session) HasRole(prefixes ...string) bool {
	for _, role := range s.Roles {
		for _, prefix := range prefixes {
			if strings.HasPrefix(role, prefix) {
				return true
			}
		}
	}
	return false
}

// Authorize returns ErrUnauthenticated for anonymous sessions and ErrForbidden when none of the role prefixes match.
// No prefixes means any authenticated actor.
func (s Session) Authorize(prefixes ...string) error {
	if !s.IsAuthenticated() {
		return ErrUnauthenticated
	}
	if len(prefixes) > 0 && !s.HasRole(prefixes...) {
		return ErrForbidden
	}
	return nil
}
