// Package middleware guards HTTP handlers with the access engine.
package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/oarkflow/trustkit"
)

// Checker is the part of *trustkit.Engine the middleware needs.
type Checker interface {
	CheckAccess(ctx context.Context, req trustkit.AccessRequest) *trustkit.AccessDecision
}

type decisionKey struct{}

// ContextWithDecision stores d on ctx for downstream handlers.
func ContextWithDecision(ctx context.Context, d *trustkit.AccessDecision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext returns the decision the middleware made for this request.
func DecisionFromContext(ctx context.Context) (*trustkit.AccessDecision, bool) {
	d, ok := ctx.Value(decisionKey{}).(*trustkit.AccessDecision)
	return d, ok
}

// HTTPOptions configures the net/http middleware. User is required; the
// other extractors have defaults.
type HTTPOptions struct {
	Checker Checker
	// User extracts the authenticated user id. An empty id is rejected with 401.
	User func(r *http.Request) string
	// Target maps the request to a resource and action. Defaults to
	// RouteTarget.
	Target func(r *http.Request) (resource, action string)
	// Context builds the access context. Defaults to RequestContext.
	Context       func(r *http.Request) *trustkit.AccessContext
	OnDenied      func(w http.ResponseWriter, r *http.Request, d *trustkit.AccessDecision)
	OnConditional func(w http.ResponseWriter, r *http.Request, d *trustkit.AccessDecision)
}

// NewHTTPMiddleware returns a handler wrapper that checks every request. A
// conditional decision is answered with 401 so the client can step up. A
// request that maps to no resource gets 404 without reaching the checker.
func NewHTTPMiddleware(opts HTTPOptions) func(next http.Handler) http.Handler {
	if opts.Target == nil {
		opts.Target = func(r *http.Request) (string, string) { return RouteTarget(r.Method, r.URL.Path) }
	}
	if opts.Context == nil {
		opts.Context = RequestContext
	}
	if opts.OnDenied == nil {
		opts.OnDenied = func(w http.ResponseWriter, r *http.Request, d *trustkit.AccessDecision) {
			writeDecision(w, http.StatusForbidden, d)
		}
	}
	if opts.OnConditional == nil {
		opts.OnConditional = func(w http.ResponseWriter, r *http.Request, d *trustkit.AccessDecision) {
			writeDecision(w, http.StatusUnauthorized, d)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Checker == nil || opts.User == nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			user := opts.User(r)
			if user == "" {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}
			resource, action := opts.Target(r)
			if resource == "" {
				http.NotFound(w, r)
				return
			}
			d := opts.Checker.CheckAccess(r.Context(), trustkit.AccessRequest{
				UserID:   user,
				Resource: resource,
				Action:   action,
				Context:  opts.Context(r),
			})
			r = r.WithContext(ContextWithDecision(r.Context(), d))
			switch {
			case d.Granted:
				next.ServeHTTP(w, r)
			case d.Conditional():
				opts.OnConditional(w, r, d)
			default:
				opts.OnDenied(w, r, d)
			}
		})
	}
}

// RouteTarget maps "/api/properties/42" with GET to ("properties", "read").
// The first path segment after an optional "api" prefix is the resource. Paths
// naming no resource ("/", "/api") yield an empty resource, which the
// middlewares answer with 404.
func RouteTarget(method, path string) (string, string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "api" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return "", MethodAction(method)
	}
	return parts[0], MethodAction(method)
}

// MethodAction maps an HTTP method to a catalog action.
func MethodAction(method string) string {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// RequestContext reads the client address, session and step-up headers.
func RequestContext(r *http.Request) *trustkit.AccessContext {
	return &trustkit.AccessContext{
		IPAddress:         clientIP(r.Header.Get("X-Forwarded-For"), r.RemoteAddr),
		SessionID:         r.Header.Get("X-Session-ID"),
		DeviceFingerprint: r.Header.Get("X-Device-Fingerprint"),
		MFAVerified:       r.Header.Get("X-MFA-Verified") == "true",
	}
}

func clientIP(forwarded, remote string) string {
	if forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

func writeDecision(w http.ResponseWriter, status int, d *trustkit.AccessDecision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":                d.Reason,
		"missing_permissions":  d.MissingPermissions,
		"conditional_access":   d.ConditionalAccess,
		"required_permissions": d.RequiredPermissions,
	})
}
