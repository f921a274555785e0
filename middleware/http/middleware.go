// Package http provides net/http middleware for rate limit enforcement.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/thesisflow/quotagate/pkg/quotagate"
)

// FeatureExtractor maps an HTTP request to the protected feature it exercises.
type FeatureExtractor func(r *http.Request) quotagate.Feature

// Config holds middleware configuration.
type Config struct {
	// Guard is the decision orchestrator (required).
	Guard *quotagate.Guard

	// GetFeature extracts the feature from the request (required).
	GetFeature FeatureExtractor

	// OnDenied is called for deny decisions. If nil, the middleware writes
	// the decision's status, headers, and JSON body.
	OnDenied func(w http.ResponseWriter, r *http.Request, d *quotagate.Decision)

	// OnDecision is called for every decision after headers are attached,
	// e.g. to log shadow-mode outcomes. Optional.
	OnDecision func(r *http.Request, d *quotagate.Decision)
}

// Middleware creates an HTTP middleware that enforces rate limits.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := config.Guard.Evaluate(r, config.GetFeature(r))
			for k, v := range d.Headers {
				w.Header().Set(k, v)
			}
			if config.OnDecision != nil {
				config.OnDecision(r, d)
			}

			if !d.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, d)
					return
				}
				WriteDenied(w, d)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces rate limits
// (HandlerFunc version).
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// WriteDenied writes a deny decision as a JSON response. Headers from the
// decision are assumed to be attached already.
func WriteDenied(w http.ResponseWriter, d *quotagate.Decision) {
	w.Header().Set("Content-Type", "application/json")
	status := d.Status
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(d.Body)
}

// FixedFeature returns a FeatureExtractor that always returns one feature.
func FixedFeature(feature quotagate.Feature) FeatureExtractor {
	return func(r *http.Request) quotagate.Feature {
		return feature
	}
}

// AuthGate creates middleware for login-style endpoints: it blocks callers
// whose recent auth failures crossed the captcha or block thresholds. Pair it
// with Guard.RecordAuthFailure / Guard.ResetAuthFailures in the handler.
func AuthGate(guard *quotagate.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := guard.CheckAuthGate(r)
			for k, v := range d.Headers {
				w.Header().Set(k, v)
			}
			if !d.Allowed {
				WriteDenied(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
