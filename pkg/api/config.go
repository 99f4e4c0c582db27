package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

// Config holds configuration for the standing API handler
type Config struct {
	// Engine is the subscription engine instance (required)
	Engine *subplatform.Engine

	// GetSubscriber extracts the subscriber address from the request (required)
	// Similar to middleware/http pattern
	GetSubscriber func(*http.Request) string

	// GetCreator extracts the creator address from the request (required)
	GetCreator func(*http.Request) string

	// ActiveTiersOnly restricts GetTiers to tiers still open for new
	// subscriptions. Deactivated tiers are omitted from the catalog.
	ActiveTiersOnly bool

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.GetSubscriber == nil {
		return fmt.Errorf("getSubscriber is required")
	}
	if c.GetCreator == nil {
		return fmt.Errorf("getCreator is required")
	}
	return nil
}

// NewHandler creates a new standing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common extraction patterns

// FromHeader returns an extractor that reads an address from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns an extractor that reads an address from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if addr, ok := r.Context().Value(key).(string); ok {
			return addr
		}
		return ""
	}
}

// FromQuery returns an extractor that reads an address from a query parameter
func FromQuery(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// Fixed returns an extractor that always returns the given address
func Fixed(addr string) func(*http.Request) string {
	return func(*http.Request) string {
		return addr
	}
}
