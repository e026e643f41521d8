// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/oops"

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/pkg/errutil"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// publicMessages are shown to callers in place of internal error text.
var publicMessages = map[string]string{
	"AUTH_INVALID_CREDENTIALS":    "invalid email or password",
	"AUTH_OLD_PASSWORD_INCORRECT": "old password is incorrect",
	"AUTH_REQUIRED":               "authentication required",
	"ACCOUNT_DISABLED":            "account is disabled",
	"ACCOUNT_EMAIL_TAKEN":         "email is already in use",
	"ACCOUNT_EMPLOYEE_ID_TAKEN":   "employee id is already in use",
	"ACCOUNT_DUPLICATE":           "account already exists",
	"ACCOUNT_INVALID_EMAIL":       "invalid email address",
	"ACCOUNT_INVALID_PASSWORD":    "password must be between 8 and 72 characters",
	"ACCOUNT_INVALID_NAME":        "name is too long",
	"ACCOUNT_INVALID_EMPLOYEE_ID": "employee id is too long",
	"ACCOUNT_INVALID_IMAGE":       "image url is too long",
	"OTP_INVALID":                 "invalid OTP",
	"OTP_EXPIRED":                 "invalid OTP",
	"NOTIFY_DELIVERY_FAILED":      "failed to send OTP",
}

// maskedCodes hide which credential check failed.
var maskedCodes = map[string]string{
	"OTP_EXPIRED": "OTP_INVALID",
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, auth.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrExpired):
		return fiber.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, auth.ErrDeliveryFailure):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// defaultMessage is used when an error has no public message of its own.
func defaultMessage(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "not found"
	case fiber.StatusConflict:
		return "conflict"
	case fiber.StatusUnauthorized:
		return "unauthorized"
	case fiber.StatusBadRequest:
		return "invalid request"
	case fiber.StatusServiceUnavailable:
		return "service unavailable"
	default:
		return "internal server error"
	}
}

// newErrorHandler renders errors as ErrorResponse. Internal failures are
// logged with their oops context; callers only see a generic message.
func newErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(ErrorResponse{Error: fe.Message})
		}

		status := statusFor(err)
		code := errutil.Code(err)
		msg := publicMessage(err, code, status)
		if masked, ok := maskedCodes[code]; ok {
			code = masked
		}

		if status >= fiber.StatusInternalServerError {
			errutil.LogErrorContext(c.UserContext(), logger, "request failed", err)
		}
		return c.Status(status).JSON(ErrorResponse{Error: msg, Code: code})
	}
}

func publicMessage(err error, code string, status int) string {
	if oopsErr, ok := oops.AsOops(err); ok && oopsErr.Public() != "" {
		return oopsErr.Public()
	}
	if msg, ok := publicMessages[code]; ok {
		return msg
	}
	return defaultMessage(status)
}
