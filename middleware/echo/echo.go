// Package echo provides Echo middleware for subscription access gating
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

// SubscriberExtractor extracts the subscriber address from an Echo context
// Return empty string if the caller is not authenticated
type SubscriberExtractor func(c echo.Context) string

// CreatorExtractor extracts the creator address whose content is being accessed
type CreatorExtractor func(c echo.Context) string

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
	OnExpired func(c echo.Context, status subplatform.SubscriptionStatus) error

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that gates access on an active
// (or in-grace) subscription to the requested creator
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("subplatform/echo: Config.Engine is required")
	}
	if cfg.GetSubscriber == nil {
		panic("subplatform/echo: Config.GetSubscriber is required")
	}
	if cfg.GetCreator == nil {
		panic("subplatform/echo: Config.GetCreator is required")
	}

	if cfg.ExpiredStatusCode == 0 {
		cfg.ExpiredStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			subscriber := cfg.GetSubscriber(c)
			if subscriber == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			creator := cfg.GetCreator(c)
			status, err := cfg.Engine.Status(c.Request().Context(), subscriber, creator)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if status != subplatform.StatusActive && status != subplatform.StatusGrace {
				if cfg.OnExpired != nil {
					return cfg.OnExpired(c, status)
				}
				return c.JSON(cfg.ExpiredStatusCode, map[string]string{
					"error":  "Subscription required",
					"status": string(status),
				})
			}

			return next(c)
		}
	}
}

// Convenience extractors for the subscriber

// FromContext returns a SubscriberExtractor that gets the subscriber from Echo
// context values, as set by auth middleware via c.Set("Subscriber", "...")
func FromContext(key string) SubscriberExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a SubscriberExtractor that gets the subscriber from a header
func FromHeader(headerName string) SubscriberExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Convenience extractors for the creator

// FixedCreator returns a CreatorExtractor that always returns a fixed creator address
func FixedCreator(creator string) CreatorExtractor {
	return func(echo.Context) string {
		return creator
	}
}

// CreatorFromParam returns a CreatorExtractor that gets the creator from a route parameter
func CreatorFromParam(paramName string) CreatorExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// CreatorFromQuery returns a CreatorExtractor that gets the creator from a query parameter
func CreatorFromQuery(queryName string) CreatorExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
