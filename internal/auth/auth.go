// Package auth resolves connection tokens to participant identities. The
// game treats identities as opaque; this package is the only place that
// knows where they come from.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lox/sus/internal/session"
)

var (
	// ErrInvalidToken indicates the token is definitively invalid.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrUnavailable indicates the identity service could not be reached.
	// Connections are refused while it is down.
	ErrUnavailable = errors.New("auth: unavailable")
)

// Resolver turns a token presented by a client into an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (session.Identity, error)
}

// HTTPResolver asks an external identity service about each token.
type HTTPResolver struct {
	url         string
	client      *http.Client
	adminSecret string
}

// NewHTTPResolver creates a resolver that posts tokens to url.
func NewHTTPResolver(url string, adminSecret string) *HTTPResolver {
	return &HTTPResolver{
		url:         url,
		adminSecret: adminSecret,
		client: &http.Client{
			Timeout: 500 * time.Millisecond,
		},
	}
}

type resolveRequest struct {
	Token string `json:"token"`
}

type resolveResponse struct {
	Valid    bool   `json:"valid"`
	Identity string `json:"identity,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, token string) (session.Identity, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	body, err := json.Marshal(resolveRequest{Token: token})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.adminSecret != "" {
		req.Header.Set("X-Admin-Secret", r.adminSecret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", ErrInvalidToken
	default:
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out resolveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode error: %v", ErrUnavailable, err)
	}
	if !out.Valid || out.Identity == "" {
		return "", ErrInvalidToken
	}
	return session.Identity(out.Identity), nil
}

// TrustedResolver accepts the token as the identity itself. It is meant
// for development and for deployments that authenticate in front of the
// server.
type TrustedResolver struct{}

// Resolve implements Resolver.
func (TrustedResolver) Resolve(_ context.Context, token string) (session.Identity, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	return session.Identity(token), nil
}
