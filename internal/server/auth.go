package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

type role int

const (
	roleNone role = iota
	roleViewer
	roleAdmin
)

type roleKey struct{}

func passwordMatches(got, want string) bool {
	if want == "" {
		return false
	}
	g := sha256.Sum256([]byte(got))
	w := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(g[:], w[:]) == 1
}

// roleFor checks the basic-auth password. The username is ignored. Without
// a viewer password only the admin password opens the dashboard.
func (s *Server) roleFor(r *http.Request) role {
	_, pass, ok := r.BasicAuth()
	if !ok {
		return roleNone
	}
	switch {
	case passwordMatches(pass, s.config.Auth.AdminPassword):
		return roleAdmin
	case passwordMatches(pass, s.config.Auth.ViewerPassword):
		return roleViewer
	}
	return roleNone
}

func (s *Server) requireRole(min role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := s.roleFor(r)
			if got == roleNone {
				w.Header().Set("WWW-Authenticate", `Basic realm="stockdash", charset="UTF-8"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if got < min {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, got)))
		})
	}
}

func isAdmin(r *http.Request) bool {
	got, _ := r.Context().Value(roleKey{}).(role)
	return got == roleAdmin
}
