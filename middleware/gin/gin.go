// Package gin provides Gin middleware for rate limit enforcement.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/thesisflow/quotagate/pkg/quotagate"
)

// FeatureExtractor maps a Gin context to the protected feature it exercises.
type FeatureExtractor func(c *gongin.Context) quotagate.Feature

// Config holds middleware configuration.
type Config struct {
	// Guard is the decision orchestrator (required).
	Guard *quotagate.Guard

	// GetFeature extracts the feature from the context (required).
	GetFeature FeatureExtractor

	// OnDenied is called for deny decisions. If nil, the middleware responds
	// with the decision's status and JSON body and aborts the chain.
	OnDenied func(c *gongin.Context, d *quotagate.Decision)

	// OnDecision is called for every decision after headers are attached,
	// e.g. to log shadow-mode outcomes. Optional. It must only inspect the
	// decision, not write the response.
	OnDecision func(c *gongin.Context, d *quotagate.Decision)
}

// Middleware creates a Gin middleware that enforces rate limits.
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Guard == nil {
		panic("quotagate/gin: Config.Guard is required")
	}
	if cfg.GetFeature == nil {
		panic("quotagate/gin: Config.GetFeature is required")
	}

	return func(c *gongin.Context) {
		d := cfg.Guard.Evaluate(c.Request, cfg.GetFeature(c))
		for k, v := range d.Headers {
			c.Header(k, v)
		}
		if cfg.OnDecision != nil {
			cfg.OnDecision(c, d)
		}

		if !d.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, d)
				c.Abort()
				return
			}
			abortDenied(c, d)
			return
		}

		c.Next()
	}
}

// AuthGate creates middleware for login-style endpoints: it blocks callers
// whose recent auth failures crossed the captcha or block thresholds.
func AuthGate(guard *quotagate.Guard) gongin.HandlerFunc {
	if guard == nil {
		panic("quotagate/gin: guard is required")
	}
	return func(c *gongin.Context) {
		d := guard.CheckAuthGate(c.Request)
		for k, v := range d.Headers {
			c.Header(k, v)
		}
		if !d.Allowed {
			abortDenied(c, d)
			return
		}
		c.Next()
	}
}

// FixedFeature returns a FeatureExtractor that always returns one feature.
func FixedFeature(feature quotagate.Feature) FeatureExtractor {
	return func(c *gongin.Context) quotagate.Feature {
		return feature
	}
}

func abortDenied(c *gongin.Context, d *quotagate.Decision) {
	status := d.Status
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	c.AbortWithStatusJSON(status, d.Body)
}
