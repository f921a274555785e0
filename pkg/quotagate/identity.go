package quotagate

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Assertion is a verified caller identity supplied by the external identity
// system.
type Assertion struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
}

// AssertionVerifier checks a bearer token and returns the identity it
// asserts. Implementations must return an error for expired, malformed, or
// badly signed tokens; the resolver treats any error as "no identity".
type AssertionVerifier interface {
	Verify(ctx context.Context, token string) (*Assertion, error)
}

// sessionClaims are the claims the identity collaborator issues.
type sessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// HSVerifier verifies HS256 session tokens against a shared secret.
type HSVerifier struct {
	secret []byte
	issuer string
}

// NewHSVerifier creates a verifier for HS256 tokens. Issuer is optional;
// when set, tokens from other issuers are rejected.
func NewHSVerifier(secret []byte, issuer string) *HSVerifier {
	return &HSVerifier{secret: secret, issuer: issuer}
}

func (v *HSVerifier) Verify(_ context.Context, token string) (*Assertion, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("invalid issuer %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	a := &Assertion{Subject: claims.Subject, Email: claims.Email}
	if claims.ExpiresAt != nil {
		a.ExpiresAt = claims.ExpiresAt.Time
	}
	return a, nil
}

// IdentityResolver derives a stable rate-limit identifier from an inbound
// request. Verification failures degrade to IP-based identification rather
// than erroring; rejecting unauthenticated callers is higher-level policy,
// not identifier resolution.
type IdentityResolver struct {
	verifier AssertionVerifier
	trustXFF bool
	logger   Logger
}

// ResolverOption configures an IdentityResolver.
type ResolverOption func(*IdentityResolver)

// TrustForwardedFor makes the resolver prefer the first X-Forwarded-For hop
// over RemoteAddr. Only enable behind a trusted proxy.
func TrustForwardedFor() ResolverOption {
	return func(r *IdentityResolver) { r.trustXFF = true }
}

// WithResolverLogger sets the resolver's logger.
func WithResolverLogger(l Logger) ResolverOption {
	return func(r *IdentityResolver) { r.logger = l }
}

// NewIdentityResolver creates a resolver. Verifier may be nil, in which case
// every caller resolves to an IP identifier.
func NewIdentityResolver(verifier AssertionVerifier, opts ...ResolverOption) *IdentityResolver {
	r := &IdentityResolver{verifier: verifier, logger: &NopLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the caller for a request. It never fails: with no valid
// assertion and no usable source address it returns the unknown identifier.
func (r *IdentityResolver) Resolve(req *http.Request) Caller {
	caller := Caller{
		IP:        r.clientIP(req),
		UserAgent: req.UserAgent(),
	}

	if token := bearerToken(req); token != "" && r.verifier != nil {
		assertion, err := r.verifier.Verify(req.Context(), token)
		if err != nil {
			r.logger.Debug("assertion rejected, degrading to ip identity",
				Field{Key: "error", Value: err.Error()})
		} else {
			caller.UserID = assertion.Subject
			caller.Email = assertion.Email
			caller.Identifier = Identifier{Type: IdentifierUser, Value: assertion.Subject}
			return caller
		}
	}

	if caller.IP == "" {
		caller.Identifier = UnknownIdentifier()
		return caller
	}
	caller.Identifier = Identifier{Type: IdentifierIP, Value: caller.IP}
	return caller
}

// PairIdentifier combines the caller's IP and user id for endpoints that
// limit on the pair (e.g. login attempts).
func (r *IdentityResolver) PairIdentifier(c Caller) Identifier {
	ip := c.IP
	if ip == "" {
		ip = "unknown"
	}
	if c.UserID == "" {
		return Identifier{Type: IdentifierIP, Value: ip}
	}
	return Identifier{Type: IdentifierIPUserPair, Value: ip + ":" + c.UserID}
}

func (r *IdentityResolver) clientIP(req *http.Request) string {
	if r.trustXFF {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(req.RemoteAddr)
}

func bearerToken(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if strings.HasPrefix(auth, "Bearer ") || strings.HasPrefix(auth, "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}
