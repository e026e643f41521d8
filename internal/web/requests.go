// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	"github.com/samber/oops"

	"github.com/nhdcl/identity/internal/auth"
)

// bind parses the JSON body into req and validates it.
func bind(c *fiber.Ctx, req validation.Validatable) error {
	if err := c.BodyParser(req); err != nil {
		return oops.Code("REQUEST_MALFORMED").
			Public("malformed request body").
			Wrap(errors.Join(auth.ErrInvalidInput, err))
	}
	if err := req.Validate(); err != nil {
		return oops.Code("REQUEST_INVALID").
			Public(err.Error()).
			Wrap(errors.Join(auth.ErrInvalidInput, err))
	}
	return nil
}

var emailRules = []validation.Rule{validation.Required, is.Email}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate implements validation.Validatable.
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required),
		validation.Field(&r.Password, validation.Required),
	)
}

// DefaultRole is assigned to self-registered accounts.
const DefaultRole = "user"

// RegisterRequest is the body of POST /api/users. Role and RoleID may only
// be set by an admin; anyone else gets DefaultRole.
type RegisterRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	EmployeeID   string `json:"employeeId"`
	AcademyID    string `json:"academyId"`
	DepartmentID string `json:"departmentId"`
	RoleID       string `json:"roleId"`
	Role         string `json:"role"`
	Image        string `json:"image"`
}

// Validate implements validation.Validatable.
func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, emailRules...),
		validation.Field(&r.Password, validation.Required),
		validation.Field(&r.Name, validation.Required, validation.Length(1, auth.MaxNameLength)),
		validation.Field(&r.Image, is.URL),
	)
}

// elevated reports whether the request asks for anything beyond DefaultRole.
func (r RegisterRequest) elevated() bool {
	return r.RoleID != "" || (r.Role != "" && !strings.EqualFold(r.Role, DefaultRole))
}

func (r RegisterRequest) input() auth.RegisterInput {
	if r.Role == "" {
		r.Role = DefaultRole
	}
	return auth.RegisterInput{
		Email:    r.Email,
		Password: r.Password,
		Profile: auth.Profile{
			Name:         r.Name,
			EmployeeID:   r.EmployeeID,
			AcademyID:    r.AcademyID,
			DepartmentID: r.DepartmentID,
			RoleID:       r.RoleID,
			Role:         r.Role,
			Image:        r.Image,
		},
	}
}

// EnabledRequest is the body of PUT /api/users/:id/enabled.
type EnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// Validate implements validation.Validatable.
func (r EnabledRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Enabled, validation.NotNil),
	)
}

// ImageRequest is the body of PUT /api/users/:id/image.
type ImageRequest struct {
	Image string `json:"image"`
}

// Validate implements validation.Validatable.
func (r ImageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Image, is.URL),
	)
}

// EmailRequest is the body of the forgot-password and resend-otp endpoints.
type EmailRequest struct {
	Email string `json:"email"`
}

// Validate implements validation.Validatable.
func (r EmailRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, emailRules...),
	)
}

// OTPRequest is the body of POST /api/users/verify-otp.
type OTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// Validate implements validation.Validatable.
func (r OTPRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, emailRules...),
		validation.Field(&r.OTP, validation.Required, is.Digit, validation.Length(auth.OTPDigits, auth.OTPDigits)),
	)
}

// ResetPasswordRequest is the body of POST /api/users/reset-password.
type ResetPasswordRequest struct {
	Email       string `json:"email"`
	OTP         string `json:"otp"`
	NewPassword string `json:"newPassword"`
}

// Validate implements validation.Validatable.
func (r ResetPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, emailRules...),
		validation.Field(&r.OTP, validation.Required),
		validation.Field(&r.NewPassword, validation.Required),
	)
}

// ChangePasswordRequest is the body of POST /api/users/change-password.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// Validate implements validation.Validatable.
func (r ChangePasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.OldPassword, validation.Required),
		validation.Field(&r.NewPassword, validation.Required),
	)
}

// UserResponse is the public view of an account. It never carries the
// password hash.
type UserResponse struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	EmployeeID   string    `json:"employeeId,omitempty"`
	AcademyID    string    `json:"academyId,omitempty"`
	DepartmentID string    `json:"departmentId,omitempty"`
	RoleID       string    `json:"roleId,omitempty"`
	Role         string    `json:"role,omitempty"`
	Image        string    `json:"image,omitempty"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func userResponse(a *auth.Account) UserResponse {
	return UserResponse{
		ID:           a.ID.String(),
		Email:        a.Email,
		Name:         a.Name,
		EmployeeID:   a.EmployeeID,
		AcademyID:    a.AcademyID,
		DepartmentID: a.DepartmentID,
		RoleID:       a.RoleID,
		Role:         a.Role,
		Image:        a.Image,
		Enabled:      a.Enabled,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	JWT       string       `json:"jwt"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      UserResponse `json:"user"`
}

// MessageResponse acknowledges an operation.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TakenResponse answers the availability checks.
type TakenResponse struct {
	Taken bool `json:"taken"`
}
