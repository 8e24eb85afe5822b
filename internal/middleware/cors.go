package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// originSet matches browser origins against exact entries, "*" and
// "*.domain" wildcards.
type originSet struct {
	any      bool
	exact    map[string]struct{}
	suffixes []string
}

func newOriginSet(origins []string) originSet {
	set := originSet{exact: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		switch {
		case o == "*":
			set.any = true
		case strings.HasPrefix(o, "*."):
			set.suffixes = append(set.suffixes, o[1:])
		case o != "":
			set.exact[o] = struct{}{}
		}
	}
	return set
}

func (s originSet) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if s.any {
		return true
	}
	if _, ok := s.exact[origin]; ok {
		return true
	}
	for _, suffix := range s.suffixes {
		if strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}

// CORS lets browser callers on the allowed origins reach the API and
// answers their preflight requests.
func CORS(origins []string) mux.MiddlewareFunc {
	allowed := newOriginSet(origins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowed.allows(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Trace-ID")
				h.Set("Access-Control-Expose-Headers", "X-Trace-ID")
				h.Set("Access-Control-Max-Age", "600")
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
