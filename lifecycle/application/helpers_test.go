package application

import (
	"context"
	"sync"
	"time"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/event"
	"github.com/uniboxhq/unibox/lifecycle/domain/provider"
	"github.com/uniboxhq/unibox/lifecycle/repository"
)

// stubTransport scripts provider responses and counts calls.
type stubTransport struct {
	mu        sync.Mutex
	postCalls int
	getCalls  int
	postFn    func(url string, body map[string]any) (*provider.Response, error)
	getFn     func(url string) (*provider.Response, error)
	postDelay time.Duration
}

func (s *stubTransport) Post(ctx context.Context, url string, body map[string]any, headers map[string]string, timeout time.Duration) (*provider.Response, error) {
	s.mu.Lock()
	s.postCalls++
	fn := s.postFn
	delay := s.postDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fn == nil {
		return okTokenResponse("tok-new", 7200), nil
	}
	return fn(url, body)
}

func (s *stubTransport) Get(ctx context.Context, url string, headers map[string]string, timeout time.Duration) (*provider.Response, error) {
	s.mu.Lock()
	s.getCalls++
	fn := s.getFn
	s.mu.Unlock()
	if fn == nil {
		return &provider.Response{Status: 200, Data: map[string]any{}}, nil
	}
	return fn(url)
}

func (s *stubTransport) posts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postCalls
}

func (s *stubTransport) gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

func okTokenResponse(token string, expiresIn float64) *provider.Response {
	return &provider.Response{
		Status: 200,
		Data: map[string]any{
			"access_token": token,
			"expires_in":   expiresIn,
		},
	}
}

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *captureSink) Publish(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) byType(t event.Type) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testConnection(id string, expiresIn time.Duration) *connection.Connection {
	return &connection.Connection{
		ID:                id,
		TenantID:          "tenant-1",
		Provider:          "meta",
		Name:              "Test Connection",
		BusinessAccountID: "biz-" + id,
		Status:            connection.StatusActive,
		Token: connection.TokenMaterial{
			AccessToken:    "tok-old",
			RefreshToken:   "refresh-old",
			TokenExpiresAt: time.Now().UTC().Add(expiresIn),
		},
	}
}

type fixture struct {
	repo        *repository.MemoryConnectionRepository
	registry    *Registry
	validator   *Validator
	coordinator *TokenCoordinator
	transport   *stubTransport
	sink        *captureSink
}

func newFixture() *fixture {
	repo := repository.NewMemoryConnectionRepository()
	transport := &stubTransport{}
	registry := NewRegistry()
	sink := &captureSink{}
	validator := NewValidator(transport, provider.DefaultDirectory(), repository.NewMemoryValidationCache(),
		5*time.Minute, time.Second)
	coordinator := NewTokenCoordinator(repo, transport, provider.DefaultDirectory(), registry, validator, sink)
	coordinator.BaseDelay = time.Millisecond
	return &fixture{
		repo:        repo,
		registry:    registry,
		validator:   validator,
		coordinator: coordinator,
		transport:   transport,
		sink:        sink,
	}
}
