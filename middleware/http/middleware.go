// Package http provides HTTP middleware for subscription access gating
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

// SubscriberExtractor extracts the subscriber address from an HTTP request
// Return empty string if the caller is not authenticated
type SubscriberExtractor func(r *http.Request) string

// CreatorExtractor extracts the creator address whose content is being accessed
type CreatorExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Engine is the subscription engine instance
	Engine *subplatform.Engine

	// GetSubscriber extracts the subscriber address from the request (required)
	GetSubscriber SubscriberExtractor

	// GetCreator extracts the creator address from the request (required)
	GetCreator CreatorExtractor

	// OnExpired is called when the subscription is expired or absent
	// If nil, returns 402 Payment Required
	OnExpired func(w http.ResponseWriter, r *http.Request, status subplatform.SubscriptionStatus)

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that gates access on an active
// (or in-grace) subscription to the requested creator
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subscriber := config.GetSubscriber(r)
			if subscriber == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			creator := config.GetCreator(r)
			ctx := r.Context()

			status, err := config.Engine.Status(ctx, subscriber, creator)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			// Grace keeps access open while renewal is still possible
			if status != subplatform.StatusActive && status != subplatform.StatusGrace {
				if config.OnExpired != nil {
					config.OnExpired(w, r, status)
				} else {
					msg := fmt.Sprintf("Subscription required: status is %s", status)
					http.Error(w, msg, http.StatusPaymentRequired)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates access (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// SubscriberKey is the context key for the subscriber address
	SubscriberKey ContextKey = "subplatform:subscriber"
)

// FromContext returns a SubscriberExtractor that gets the subscriber from request context
func FromContext(key ContextKey) SubscriberExtractor {
	return func(r *http.Request) string {
		if subscriber, ok := r.Context().Value(key).(string); ok {
			return subscriber
		}
		return ""
	}
}

// FromHeader returns a SubscriberExtractor that gets the subscriber from a header
func FromHeader(headerName string) SubscriberExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedCreator returns a CreatorExtractor that always returns a fixed creator address
func FixedCreator(creator string) CreatorExtractor {
	return func(r *http.Request) string {
		return creator
	}
}

// CreatorFromPath returns a CreatorExtractor that reads a path value set by
// the router, e.g. r.PathValue("creator") with net/http ServeMux patterns
func CreatorFromPath(name string) CreatorExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// WithSubscriber adds the subscriber address to the request context
func WithSubscriber(ctx context.Context, subscriber string) context.Context {
	return context.WithValue(ctx, SubscriberKey, subscriber)
}
