// Package cors decides per request which CORS headers the relay sends.
//
// The admin API never gets CORS headers. Session registration and health are open to any
// origin. Everything else is only open to origins which have a live session, and that
// includes preflights: a preflight for a session route from an origin with no session is
// answered 204 with no CORS headers at all.
package cors

import (
	"net/http"
	"strings"

	"github.com/lcyt/lcyt-relay/session"
)

const (
	AllowMethods       = "GET, POST, DELETE, PATCH, OPTIONS"
	AllowHeaders       = "Content-Type, Authorization, X-Admin-Key"
	SessionAllowHeader = "Content-Type, Authorization"

	DefaultAdminPrefix = "/keys"
)

// Sessions is the lookup the policy needs from the session store.
type Sessions interface {
	GetByDomain(domain string) []*session.Session
}

// Route is a method and exact path.
type Route struct {
	Method string
	Path   string
}

// DefaultPermissive are the routes any origin may call.
var DefaultPermissive = []Route{
	{Method: http.MethodPost, Path: "/live"},
	{Method: http.MethodGet, Path: "/health"},
}

type Policy struct {
	AdminPrefix string
	Permissive  []Route
	Sessions    Sessions
}

func NewPolicy(sessions Sessions) *Policy {
	return &Policy{
		AdminPrefix: DefaultAdminPrefix,
		Permissive:  DefaultPermissive,
		Sessions:    sessions,
	}
}

func (p *Policy) isPermissive(method, path string) bool {
	for _, r := range p.Permissive {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

func (p *Policy) isAdmin(path string) bool {
	return path == p.AdminPrefix || strings.HasPrefix(path, p.AdminPrefix+"/")
}

// Decide returns the CORS headers for a request, or nil if none should be sent. For a
// preflight, method is the value of Access-Control-Request-Method.
func (p *Policy) Decide(method, path, origin string) http.Header {
	if origin == "" || p.isAdmin(path) {
		return nil
	}
	if p.isPermissive(method, path) {
		return http.Header{
			"Access-Control-Allow-Origin":      {origin},
			"Access-Control-Allow-Methods":     {AllowMethods},
			"Access-Control-Allow-Headers":     {AllowHeaders},
			"Access-Control-Allow-Credentials": {"true"},
		}
	}
	if p.Sessions != nil && len(p.Sessions.GetByDomain(origin)) > 0 {
		return http.Header{
			"Access-Control-Allow-Origin":      {origin},
			"Access-Control-Allow-Methods":     {AllowMethods},
			"Access-Control-Allow-Headers":     {SessionAllowHeader},
			"Access-Control-Allow-Credentials": {"true"},
		}
	}
	return nil
}

// Middleware applies the policy. Preflight requests are answered with 204 and no body and
// never reach next.
func (p *Policy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		method := req.Method
		preflight := method == http.MethodOptions
		if preflight {
			method = req.Header.Get("Access-Control-Request-Method")
		}
		if !p.isAdmin(req.URL.Path) {
			// responses differ per origin
			w.Header().Add("Vary", "Origin")
		}
		for k, v := range p.Decide(method, req.URL.Path, origin) {
			w.Header()[k] = v
		}
		if preflight {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}
