// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/nhdcl/identity/internal/auth"
)

// AdminAuthority guards the administrative routes.
const AdminAuthority = "ROLE_ADMIN"

// AccountService is the account surface the HTTP layer drives.
// *auth.Manager implements it.
type AccountService interface {
	Register(ctx context.Context, in auth.RegisterInput) (*auth.Account, error)
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	SoftDelete(ctx context.Context, id ulid.ULID) error
	SetEnabled(ctx context.Context, id ulid.ULID, enabled bool) error
	Purge(ctx context.Context, id ulid.ULID) error
	UpdateImage(ctx context.Context, id ulid.ULID, imageURL string) error
	ForgotPassword(ctx context.Context, email string) (bool, error)
	ResendOTP(ctx context.Context, email string) (bool, error)
	VerifyOTP(ctx context.Context, email, code string) error
	ResetPassword(ctx context.Context, email, code, newPassword string) error
	ChangePassword(ctx context.Context, email, oldPassword, newPassword string) error
	Get(ctx context.Context, id ulid.ULID) (*auth.Account, error)
	GetByEmail(ctx context.Context, email string) (*auth.Account, error)
	ListActive(ctx context.Context) ([]*auth.Account, error)
	EmailTaken(ctx context.Context, email string) (bool, error)
	EmployeeIDTaken(ctx context.Context, employeeID string) (bool, error)
}

var _ AccountService = (*auth.Manager)(nil)

type handlers struct {
	accounts     AccountService
	tokenTTL     time.Duration
	secureCookie bool
}

func parseID(c *fiber.Ctx) (ulid.ULID, error) {
	id, err := ulid.ParseStrict(c.Params("id"))
	if err != nil {
		return ulid.ULID{}, oops.Code("REQUEST_INVALID").
			Public("invalid account id").
			With("id", c.Params("id")).
			Wrap(errors.Join(auth.ErrInvalidInput, err))
	}
	return id, nil
}

func (h *handlers) sessionCookie(value string, expires time.Time, maxAge int) *fiber.Cookie {
	return &fiber.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  expires,
		Secure:   h.secureCookie,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	}
}

func (h *handlers) login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	result, err := h.accounts.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	c.Cookie(h.sessionCookie(result.Token, result.ExpiresAt, int(h.tokenTTL/time.Second)))
	return c.JSON(LoginResponse{
		JWT:       result.Token,
		ExpiresAt: result.ExpiresAt,
		User:      userResponse(result.Account),
	})
}

func (h *handlers) logout(c *fiber.Ctx) error {
	c.Cookie(h.sessionCookie("", time.Unix(0, 0), -1))
	return c.JSON(MessageResponse{Success: true, Message: "logged out"})
}

// me resolves the current principal to its account.
func (h *handlers) me(c *fiber.Ctx) error {
	claims, _ := PrincipalFrom(c)
	account, err := h.accounts.GetByEmail(c.UserContext(), claims.Identity())
	if errors.Is(err, auth.ErrNotFound) {
		return unauthenticated()
	}
	if err != nil {
		return err
	}
	if !account.Enabled {
		return unauthenticated()
	}
	return c.JSON(userResponse(account))
}

func (h *handlers) register(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.elevated() {
		if claims, ok := PrincipalFrom(c); !ok || !claims.HasAuthority(AdminAuthority) {
			return fiber.NewError(fiber.StatusForbidden, "only an admin may assign a role")
		}
	}
	account, err := h.accounts.Register(c.UserContext(), req.input())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(userResponse(account))
}

func (h *handlers) list(c *fiber.Ctx) error {
	accounts, err := h.accounts.ListActive(c.UserContext())
	if err != nil {
		return err
	}
	out := make([]UserResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, userResponse(a))
	}
	return c.JSON(out)
}

func (h *handlers) get(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	account, err := h.accounts.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	if err := ownerOrAdmin(c, account); err != nil {
		return err
	}
	return c.JSON(userResponse(account))
}

func (h *handlers) getByEmail(c *fiber.Ctx) error {
	account, err := h.accounts.GetByEmail(c.UserContext(), c.Params("email"))
	if err != nil {
		return err
	}
	if err := ownerOrAdmin(c, account); err != nil {
		return err
	}
	return c.JSON(userResponse(account))
}

// ownerOrAdmin lets admins act on any account and everyone else only on
// their own.
func ownerOrAdmin(c *fiber.Ctx, account *auth.Account) error {
	claims, ok := PrincipalFrom(c)
	if !ok {
		return unauthenticated()
	}
	if claims.HasAuthority(AdminAuthority) || account.Email == claims.Identity() {
		return nil
	}
	return fiber.NewError(fiber.StatusForbidden, "forbidden")
}

func (h *handlers) checkEmail(c *fiber.Ctx) error {
	req := EmailRequest{Email: c.Query("email")}
	if err := req.Validate(); err != nil {
		return oops.Code("REQUEST_INVALID").Public(err.Error()).Wrap(errors.Join(auth.ErrInvalidInput, err))
	}
	taken, err := h.accounts.EmailTaken(c.UserContext(), req.Email)
	if err != nil {
		return err
	}
	return c.JSON(TakenResponse{Taken: taken})
}

func (h *handlers) checkEmployeeID(c *fiber.Ctx) error {
	employeeID := c.Query("employeeId")
	if employeeID == "" {
		return oops.Code("REQUEST_INVALID").
			Public("employeeId: cannot be blank.").
			Wrapf(auth.ErrInvalidInput, "employee id is required")
	}
	taken, err := h.accounts.EmployeeIDTaken(c.UserContext(), employeeID)
	if err != nil {
		return err
	}
	return c.JSON(TakenResponse{Taken: taken})
}

func (h *handlers) setEnabled(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req EnabledRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.accounts.SetEnabled(c.UserContext(), id, *req.Enabled); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// updateImage lets an account holder, or an administrator, replace the avatar.
func (h *handlers) updateImage(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	account, err := h.accounts.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	if err := ownerOrAdmin(c, account); err != nil {
		return err
	}
	var req ImageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.accounts.UpdateImage(c.UserContext(), id, req.Image); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) softDelete(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.accounts.SoftDelete(c.UserContext(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) purge(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.accounts.Purge(c.UserContext(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func otpNotSent() error {
	return oops.Code("NOTIFY_DELIVERY_FAILED").Wrapf(auth.ErrDeliveryFailure, "otp not sent")
}

// forgotPassword answers unknown emails and delivery failures the same way.
func (h *handlers) forgotPassword(c *fiber.Ctx) error {
	var req EmailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sent, err := h.accounts.ForgotPassword(c.UserContext(), req.Email)
	if err != nil {
		return err
	}
	if !sent {
		return otpNotSent()
	}
	return c.JSON(MessageResponse{Success: true, Message: "OTP sent to email."})
}

func (h *handlers) resendOTP(c *fiber.Ctx) error {
	var req EmailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sent, err := h.accounts.ResendOTP(c.UserContext(), req.Email)
	if err != nil {
		return err
	}
	if !sent {
		return otpNotSent()
	}
	return c.JSON(MessageResponse{Success: true, Message: "New OTP sent successfully."})
}

func (h *handlers) verifyOTP(c *fiber.Ctx) error {
	var req OTPRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.accounts.VerifyOTP(c.UserContext(), req.Email, req.OTP); err != nil {
		return err
	}
	return c.JSON(MessageResponse{Success: true, Message: "OTP is valid."})
}

func (h *handlers) resetPassword(c *fiber.Ctx) error {
	var req ResetPasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.accounts.ResetPassword(c.UserContext(), req.Email, req.OTP, req.NewPassword); err != nil {
		return err
	}
	return c.JSON(MessageResponse{Success: true, Message: "Password reset successful."})
}

func (h *handlers) changePassword(c *fiber.Ctx) error {
	var req ChangePasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claims, _ := PrincipalFrom(c)
	if err := h.accounts.ChangePassword(c.UserContext(), claims.Identity(), req.OldPassword, req.NewPassword); err != nil {
		return err
	}
	return c.JSON(MessageResponse{Success: true, Message: "Password changed successfully."})
}
