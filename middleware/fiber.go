package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/oarkflow/trustkit"
)

// LocalsKey is where the Fiber middleware stores the decision.
const LocalsKey = "trustkit_decision"

// FiberOptions configures the Fiber middleware.
type FiberOptions struct {
	Checker       Checker
	User          func(c *fiber.Ctx) string
	Target        func(c *fiber.Ctx) (resource, action string)
	Context       func(c *fiber.Ctx) *trustkit.AccessContext
	OnDenied      func(c *fiber.Ctx, d *trustkit.AccessDecision) error
	OnConditional func(c *fiber.Ctx, d *trustkit.AccessDecision) error
}

// NewFiberMiddleware is the Fiber counterpart of NewHTTPMiddleware.
func NewFiberMiddleware(opts FiberOptions) fiber.Handler {
	if opts.Target == nil {
		opts.Target = func(c *fiber.Ctx) (string, string) { return RouteTarget(c.Method(), c.Path()) }
	}
	if opts.Context == nil {
		opts.Context = func(c *fiber.Ctx) *trustkit.AccessContext {
			return &trustkit.AccessContext{
				IPAddress:         clientIP(c.Get("X-Forwarded-For"), c.IP()),
				SessionID:         c.Get("X-Session-ID"),
				DeviceFingerprint: c.Get("X-Device-Fingerprint"),
				MFAVerified:       c.Get("X-MFA-Verified") == "true",
			}
		}
	}
	if opts.OnDenied == nil {
		opts.OnDenied = func(c *fiber.Ctx, d *trustkit.AccessDecision) error {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": d.Reason, "missing_permissions": d.MissingPermissions})
		}
	}
	if opts.OnConditional == nil {
		opts.OnConditional = func(c *fiber.Ctx, d *trustkit.AccessDecision) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": d.Reason, "conditional_access": d.ConditionalAccess})
		}
	}
	return func(c *fiber.Ctx) error {
		if opts.Checker == nil || opts.User == nil {
			return c.Status(fiber.StatusInternalServerError).SendString("internal error")
		}
		user := opts.User(c)
		if user == "" {
			return c.Status(fiber.StatusUnauthorized).SendString("unauthenticated")
		}
		resource, action := opts.Target(c)
		if resource == "" {
			return c.Status(fiber.StatusNotFound).SendString("not found")
		}
		d := opts.Checker.CheckAccess(c.UserContext(), trustkit.AccessRequest{
			UserID:   user,
			Resource: resource,
			Action:   action,
			Context:  opts.Context(c),
		})
		c.Locals(LocalsKey, d)
		switch {
		case d.Granted:
			return c.Next()
		case d.Conditional():
			return opts.OnConditional(c, d)
		default:
			return opts.OnDenied(c, d)
		}
	}
}
