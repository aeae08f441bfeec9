// Package identity gates the chat server behind a shared access token.
package identity

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// CookieName holds the access token once a client has presented it.
	CookieName   = "viagen_session"
	cookieMaxAge = 7 * 24 * time.Hour

	tokenPathSegment = "/t/"
	tokenQueryParam  = "token"
)

// Middleware requires the access token on every request. A token may arrive
// as the session cookie, a bearer Authorization header, a trailing /t/<token>
// path segment or a ?token= query parameter. The last two set the cookie and
// redirect to the clean URL. An empty token disables the check.
func Middleware(token string, secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, err := r.Cookie(CookieName); err == nil && tokenEqual(c.Value, token) {
				next.ServeHTTP(w, r)
				return
			}
			if bearer, ok := bearerToken(r); ok && tokenEqual(bearer, token) {
				next.ServeHTTP(w, r)
				return
			}

			if presented, rest, ok := pathToken(r.URL.Path); ok && tokenEqual(presented, token) {
				setSessionCookie(w, token, secure)
				target := rest
				if r.URL.RawQuery != "" {
					target += "?" + r.URL.RawQuery
				}
				http.Redirect(w, r, target, http.StatusFound)
				return
			}

			q := r.URL.Query()
			if presented := q.Get(tokenQueryParam); presented != "" && tokenEqual(presented, token) {
				setSessionCookie(w, token, secure)
				q.Del(tokenQueryParam)
				target := r.URL.Path
				if encoded := q.Encode(); encoded != "" {
					target += "?" + encoded
				}
				http.Redirect(w, r, target, http.StatusFound)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}` + "\n"))
		})
	}
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// pathToken splits "/app/t/<token>" into the token and "/app".
func pathToken(path string) (token, rest string, ok bool) {
	i := strings.LastIndex(path, tokenPathSegment)
	if i < 0 {
		return "", "", false
	}
	token = path[i+len(tokenPathSegment):]
	if token == "" || strings.Contains(token, "/") {
		return "", "", false
	}
	rest = path[:i]
	if rest == "" {
		rest = "/"
	}
	return token, rest, true
}

func setSessionCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// IPFromRequest returns a normalized remote IP for rate limiting and logs.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
