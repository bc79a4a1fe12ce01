package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/roverlink/roverlink/internal/console"
	"github.com/roverlink/roverlink/internal/pkg/errs"
)

// Window is the requested limit of a history listing and how many entries came back
type Window struct {
	Limit    int `json:"limit"`
	Returned int `json:"returned"`
}

// ApiResponseMeta contains metadata for API responses
type ApiResponseMeta struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Window    *Window    `json:"window,omitempty"`
}

// ApiError is the error half of the envelope. Kind names the error class when the
// failure came from the rover link or the configuration.
type ApiError struct {
	Code    int       `json:"code,omitempty"`
	Kind    errs.Kind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

// ApiResponse is the envelope every endpoint answers with
type ApiResponse struct {
	Success bool             `json:"success"`
	Data    interface{}      `json:"data,omitempty"`
	Error   *ApiError        `json:"error,omitempty"`
	Meta    *ApiResponseMeta `json:"meta,omitempty"`
}

// Fault is returned by handlers and rendered by the error handler
type Fault struct {
	Status  int
	Kind    errs.Kind
	Message string
}

func (f *Fault) Error() string { return f.Message }

// faultFor maps a console intent error to its HTTP status
func faultFor(err error) *Fault {
	f := &Fault{Status: fiber.StatusBadRequest, Message: err.Error()}
	kind, classified := errs.KindOf(err)
	switch {
	case errors.Is(err, console.ErrUnknownCamera):
		f.Status = fiber.StatusNotFound
	case errors.Is(err, console.ErrDriverDisabled):
		f.Status = fiber.StatusConflict
	case classified && (kind == errs.ChannelFault || kind == errs.ConfigurationError):
		f.Status = fiber.StatusServiceUnavailable
	}
	if classified {
		f.Kind = kind
	}
	return f
}

func respond(c *fiber.Ctx, status int, resp *ApiResponse, meta []ApiResponseMeta) error {
	if len(meta) > 0 {
		resp.Meta = &meta[0]
	}
	return c.Status(status).JSON(resp)
}

// SuccessResp answers 200 with data
func SuccessResp(c *fiber.Ctx, data interface{}, meta ...ApiResponseMeta) error {
	return respond(c, fiber.StatusOK, &ApiResponse{Success: true, Data: data}, meta)
}

// AcceptedResp answers 202: the intent was handed to the rover link
func AcceptedResp(c *fiber.Ctx, data interface{}) error {
	return respond(c, fiber.StatusAccepted, &ApiResponse{Success: true, Data: data}, nil)
}

// ErrorResp answers with err.Code, 400 when unset
func ErrorResp(c *fiber.Ctx, err ApiError, meta ...ApiResponseMeta) error {
	if err.Code == 0 {
		err.Code = fiber.StatusBadRequest
	}
	return respond(c, err.Code, &ApiResponse{Error: &err}, meta)
}

func ErrorCodeResp(c *fiber.Ctx, code int, message string) error {
	return ErrorResp(c, ApiError{Code: code, Message: message})
}

func ErrorNotFoundResp(c *fiber.Ctx, message string) error {
	return ErrorCodeResp(c, fiber.StatusNotFound, message)
}

func ErrorBadRequestResp(c *fiber.Ctx, message string) error {
	return ErrorCodeResp(c, fiber.StatusBadRequest, message)
}

func ErrorInternalServerErrorResp(c *fiber.Ctx, message string) error {
	return ErrorCodeResp(c, fiber.StatusInternalServerError, message)
}

// ErrorNoStorageResp answers 503 on a console started without a database
func ErrorNoStorageResp(c *fiber.Ctx) error {
	return ErrorCodeResp(c, fiber.StatusServiceUnavailable, "Storage is not configured")
}
