package auth

import (
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

const tokenCacheSize = 1024

type cacheEntry struct {
	tc  TenantContext
	exp time.Time
}

// Middleware guards routes with bearer-token validation. Tokens that already
// validated are served from an LRU cache until they expire.
type Middleware struct {
	validator *Validator
	cache     *lru.Cache[string, cacheEntry]
}

func NewMiddleware(v *Validator) *Middleware {
	cache, err := lru.New[string, cacheEntry](tokenCacheSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return &Middleware{validator: v, cache: cache}
}

// Handler rejects requests without a valid bearer token and stores the
// resolved TenantContext on the request context for the handlers downstream.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w, "missing or malformed authorization header")
			return
		}
		if e, hit := m.cache.Get(raw); hit && time.Now().Before(e.exp) {
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), e.tc)))
			return
		}

		tc, exp, err := m.validator.Validate(r.Context(), raw)
		if err != nil {
			log.WithError(err).Debug("bearer token rejected")
			writeUnauthorized(w, "invalid token")
			return
		}
		if time.Now().Before(exp) {
			m.cache.Add(raw, cacheEntry{tc: tc, exp: exp})
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tc)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
