package server

import (
	"net/http"

	"github.com/FocuswithJustin/modhost/internal/inject"
)

// SecurityHeaders adds the headers every host response carries. Module
// resources set their own Content-Security-Policy.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// APIHeaders locks host API endpoints down with a strict policy.
func APIHeaders(next http.Handler) http.Handler {
	csp := inject.APICSPConfig().BuildCSPHeader()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", csp)
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
