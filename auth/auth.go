package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/roomchat/roomchat/types"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrLookup       = errors.New("principal lookup failed")
)

// FailureClass distinguishes authentication failures in close codes and logs.
type FailureClass string

const (
	FailureNone    FailureClass = ""
	FailureMissing FailureClass = "missing"
	FailureInvalid FailureClass = "invalid"
	FailureExpired FailureClass = "expired"
	FailureLookup  FailureClass = "lookup"
)

// Classify returns the failure class of an error returned by a Verifier. Unknown errors count as invalid tokens.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrMissingToken):
		return FailureMissing
	case errors.Is(err, ErrExpiredToken):
		return FailureExpired
	case errors.Is(err, ErrLookup):
		return FailureLookup
	}
	return FailureInvalid
}

// A Verifier turns an opaque bearer token into a principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (*types.Principal, error)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, principal *types.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (*types.Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(*types.Principal)
	return principal, ok && principal != nil
}

// TokenFromRequest extracts the bearer token from the Authorization header, falling back to the "token" query
// parameter (browsers cannot set headers on websocket requests). A malformed Authorization header is an invalid
// token, not a missing one.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", ErrInvalidToken
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// Authenticate resolves the principal of a request. A principal already attached to the request context is used as
// is, otherwise the bearer token is verified.
func Authenticate(r *http.Request, verifier Verifier) (*types.Principal, error) {
	if principal, ok := PrincipalFromContext(r.Context()); ok {
		return principal, nil
	}
	token, err := TokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	return verifier.Verify(r.Context(), token)
}

// Middleware rejects unauthenticated requests with 401 and attaches the principal to the context of the others.
func Middleware(verifier Verifier, logger hclog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := Authenticate(r, verifier)
			if err != nil {
				class := Classify(err)
				logger.Warn("authentication failed", "class", class, "remote", r.RemoteAddr, "path", r.URL.Path,
					"error", err)
				status := http.StatusUnauthorized
				if class == FailureLookup {
					status = http.StatusServiceUnavailable
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// ChainVerifier tries the verifiers in order. If all fail, the most specific error is returned.
type ChainVerifier []Verifier

func (c ChainVerifier) Verify(ctx context.Context, token string) (*types.Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	var best error
	for _, verifier := range c {
		principal, err := verifier.Verify(ctx, token)
		if err == nil {
			return principal, nil
		}
		if best == nil || rank(err) > rank(best) {
			best = err
		}
	}
	if best == nil {
		best = ErrInvalidToken
	}
	return nil, best
}

func rank(err error) int {
	switch Classify(err) {
	case FailureLookup:
		return 3
	case FailureExpired:
		return 2
	case FailureInvalid:
		return 1
	}
	return 0
}
