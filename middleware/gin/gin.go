// Package gin provides Gin middleware for subscription access gating
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

// SubscriberExtractor extracts the subscriber address from a Gin context
// Return empty string if the caller is not authenticated
type SubscriberExtractor func(c *gongin.Context) string

// CreatorExtractor extracts the creator address whose content is being accessed
type CreatorExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Engine is the subscription engine instance
	Engine *subplatform.Engine

	// GetSubscriber extracts the subscriber address from the context (required)
	GetSubscriber SubscriberExtractor

	// GetCreator extracts the creator address from the context (required)
	GetCreator CreatorExtractor

	// ExpiredStatusCode is the HTTP status code for expired subscriptions
	// Default: 402 (Payment Required)
	ExpiredStatusCode int

	// OnExpired is called when the subscription is expired or absent
	// If nil, uses default response: ExpiredStatusCode JSON with the status
	OnExpired func(c *gongin.Context, status subplatform.SubscriptionStatus)

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that gates access on an active
// (or in-grace) subscription to the requested creator
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("subplatform/gin: Config.Engine is required")
	}
	if cfg.GetSubscriber == nil {
		panic("subplatform/gin: Config.GetSubscriber is required")
	}
	if cfg.GetCreator == nil {
		panic("subplatform/gin: Config.GetCreator is required")
	}

	if cfg.ExpiredStatusCode == 0 {
		cfg.ExpiredStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		subscriber := cfg.GetSubscriber(c)
		if subscriber == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		creator := cfg.GetCreator(c)
		status, err := cfg.Engine.Status(c.Request.Context(), subscriber, creator)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if status != subplatform.StatusActive && status != subplatform.StatusGrace {
			if cfg.OnExpired != nil {
				cfg.OnExpired(c, status)
			} else {
				c.JSON(cfg.ExpiredStatusCode, gongin.H{
					"error":  "Subscription required",
					"status": string(status),
				})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// Convenience extractors for the subscriber

// FromContext returns a SubscriberExtractor that gets the subscriber from Gin
// context values. This is the recommended approach for integrating with auth
// middleware that sets caller information via c.Set("Subscriber", "...").
func FromContext(key string) SubscriberExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a SubscriberExtractor that gets the subscriber from a header
func FromHeader(headerName string) SubscriberExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// Convenience extractors for the creator

// FixedCreator returns a CreatorExtractor that always returns a fixed creator address
func FixedCreator(creator string) CreatorExtractor {
	return func(*gongin.Context) string {
		return creator
	}
}

// CreatorFromParam returns a CreatorExtractor that gets the creator from a route parameter
func CreatorFromParam(paramName string) CreatorExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// CreatorFromQuery returns a CreatorExtractor that gets the creator from a query parameter
func CreatorFromQuery(queryName string) CreatorExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
