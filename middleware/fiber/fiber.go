// Package fiber provides Fiber middleware for subscription access gating
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

// SubscriberExtractor extracts the subscriber address from a Fiber context
// Return empty string if the caller is not authenticated
type SubscriberExtractor func(c *fiber.Ctx) string

// CreatorExtractor extracts the creator address whose content is being accessed
type CreatorExtractor func(c *fiber.Ctx) string

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
	OnExpired func(c *fiber.Ctx, status subplatform.SubscriptionStatus) error

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that gates access on an active
// (or in-grace) subscription to the requested creator
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("subplatform/fiber: Config.Engine is required")
	}
	if cfg.GetSubscriber == nil {
		panic("subplatform/fiber: Config.GetSubscriber is required")
	}
	if cfg.GetCreator == nil {
		panic("subplatform/fiber: Config.GetCreator is required")
	}

	if cfg.ExpiredStatusCode == 0 {
		cfg.ExpiredStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		subscriber := cfg.GetSubscriber(c)
		if subscriber == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		creator := cfg.GetCreator(c)
		status, err := cfg.Engine.Status(c.UserContext(), subscriber, creator)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if status != subplatform.StatusActive && status != subplatform.StatusGrace {
			if cfg.OnExpired != nil {
				return cfg.OnExpired(c, status)
			}
			return c.Status(cfg.ExpiredStatusCode).JSON(fiber.Map{
				"error":  "Subscription required",
				"status": string(status),
			})
		}

		return c.Next()
	}
}

// Convenience extractors for the subscriber

// FromLocals returns a SubscriberExtractor that gets the subscriber from Fiber
// locals, as set by auth middleware via c.Locals("Subscriber", "...")
func FromLocals(key string) SubscriberExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a SubscriberExtractor that gets the subscriber from a header
func FromHeader(headerName string) SubscriberExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// Convenience extractors for the creator

// FixedCreator returns a CreatorExtractor that always returns a fixed creator address
func FixedCreator(creator string) CreatorExtractor {
	return func(*fiber.Ctx) string {
		return creator
	}
}

// CreatorFromParam returns a CreatorExtractor that gets the creator from a route parameter
func CreatorFromParam(paramName string) CreatorExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// CreatorFromQuery returns a CreatorExtractor that gets the creator from a query parameter
func CreatorFromQuery(queryName string) CreatorExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
