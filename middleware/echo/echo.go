// Package echo provides Echo middleware for rate limit enforcement.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/thesisflow/quotagate/pkg/quotagate"
)

// FeatureExtractor maps an Echo context to the protected feature it
// exercises.
type FeatureExtractor func(c echo.Context) quotagate.Feature

// Config holds middleware configuration.
type Config struct {
	// Guard is the decision orchestrator (required).
	Guard *quotagate.Guard

	// GetFeature extracts the feature from the context (required).
	GetFeature FeatureExtractor

	// OnDenied is called for deny decisions. If nil, the middleware responds
	// with the decision's status and JSON body.
	OnDenied func(c echo.Context, d *quotagate.Decision) error

	// OnDecision is called for every decision after headers are attached,
	// e.g. to log shadow-mode outcomes. Optional. It must only inspect the
	// decision, not write the response.
	OnDecision func(c echo.Context, d *quotagate.Decision)
}

// Middleware creates an Echo middleware that enforces rate limits.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Guard == nil {
		panic("quotagate/echo: Config.Guard is required")
	}
	if cfg.GetFeature == nil {
		panic("quotagate/echo: Config.GetFeature is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := cfg.Guard.Evaluate(c.Request(), cfg.GetFeature(c))
			header := c.Response().Header()
			for k, v := range d.Headers {
				header.Set(k, v)
			}
			if cfg.OnDecision != nil {
				cfg.OnDecision(c, d)
			}

			if !d.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, d)
				}
				return respondDenied(c, d)
			}

			return next(c)
		}
	}
}

// AuthGate creates middleware for login-style endpoints: it blocks callers
// whose recent auth failures crossed the captcha or block thresholds.
func AuthGate(guard *quotagate.Guard) echo.MiddlewareFunc {
	if guard == nil {
		panic("quotagate/echo: guard is required")
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := guard.CheckAuthGate(c.Request())
			header := c.Response().Header()
			for k, v := range d.Headers {
				header.Set(k, v)
			}
			if !d.Allowed {
				return respondDenied(c, d)
			}
			return next(c)
		}
	}
}

// FixedFeature returns a FeatureExtractor that always returns one feature.
func FixedFeature(feature quotagate.Feature) FeatureExtractor {
	return func(c echo.Context) quotagate.Feature {
		return feature
	}
}

func respondDenied(c echo.Context, d *quotagate.Decision) error {
	status := d.Status
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	return c.JSON(status, d.Body)
}
