package provider

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Response is the parsed result of a provider call. Non-2xx statuses are
// returned here rather than as errors (validateStatus semantics) so callers
// can branch on 429/4xx; only connection-level failures surface as errors.
type Response struct {
	Status  int
	Data    map[string]any
	Headers http.Header
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// RetryAfter extracts the provider-supplied rate limit reset, if present.
// Retry-After carries delta seconds; X-RateLimit-Reset is usually a Unix
// timestamp, so anything larger than a day is read as an absolute time.
func (r *Response) RetryAfter() (time.Duration, bool) {
	for _, h := range []string{"Retry-After", "X-RateLimit-Reset"} {
		v := r.Headers.Get(h)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		if n > 86400 {
			if d := time.Until(time.Unix(n, 0)); d > 0 {
				return d, true
			}
			continue
		}
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

// Transport issues signed HTTP calls to a messaging provider.
type Transport interface {
	Post(ctx context.Context, url string, body map[string]any, headers map[string]string, timeout time.Duration) (*Response, error)
	Get(ctx context.Context, url string, headers map[string]string, timeout time.Duration) (*Response, error)
}

// Endpoints are the per-provider OAuth and validation URLs.
type Endpoints struct {
	TokenURL    string
	ValidateURL string
}

// Directory resolves provider names to endpoints.
type Directory interface {
	Endpoints(providerName string) (Endpoints, bool)
}

// StaticDirectory is a map-backed Directory with the built-in providers.
type StaticDirectory map[string]Endpoints

func (d StaticDirectory) Endpoints(providerName string) (Endpoints, bool) {
	e, ok := d[providerName]
	return e, ok
}

// DefaultDirectory covers the providers supported out of the box. Deployments
// can extend it through configuration.
func DefaultDirectory() StaticDirectory {
	return StaticDirectory{
		"meta": {
			TokenURL:    "https://graph.facebook.com/v19.0/oauth/access_token",
			ValidateURL: "https://graph.facebook.com/v19.0/me",
		},
		"instagram": {
			TokenURL:    "https://graph.instagram.com/refresh_access_token",
			ValidateURL: "https://graph.instagram.com/me",
		},
		"whatsapp_cloud": {
			TokenURL:    "https://graph.facebook.com/v19.0/oauth/access_token",
			ValidateURL: "https://graph.facebook.com/v19.0/me",
		},
	}
}
