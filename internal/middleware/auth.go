package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/roverlink/roverlink/internal/apikey"
)

// APIError represents a structured API error (for middleware use)
type APIError struct {
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
}

// APIResponse is the standard API response structure (for middleware use)
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// ErrorUnauthorizedResp returns a 401 Unauthorized error response
func ErrorUnauthorizedResp(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(&APIResponse{
		Success: false,
		Error: &APIError{
			Code:    fiber.StatusUnauthorized,
			Message: message,
		},
	})
}

// OperatorAuth requires a valid operator key on requests that change rover or console
// state. Reads stay open so dashboards can watch without a key.
func OperatorAuth(v *apikey.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return ErrorUnauthorizedResp(c, "Missing Authorization header")
		}

		scheme, providedKey, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" {
			return ErrorUnauthorizedResp(c, "Invalid Authorization header format. Expected: Bearer <operator_key>")
		}

		if !apikey.ValidateFormat(providedKey) {
			return ErrorUnauthorizedResp(c, "Invalid operator key format")
		}
		if !v.Verify(providedKey) {
			return ErrorUnauthorizedResp(c, "Invalid operator key")
		}
		return c.Next()
	}
}
