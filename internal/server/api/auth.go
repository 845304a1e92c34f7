package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"stash/internal/server/auth"
	"stash/internal/server/service"
)

const identityKey = "identity"

type registerRequest struct {
	Email           string `json:"email" validate:"required,email,max=254"`
	Password        string `json:"password" validate:"required,min=8,max=72"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// RequireAuth rejects requests without a valid, unrevoked bearer token and
// stores the caller's identity on the context.
func RequireAuth(accounts AccountManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := bearerToken(c.Request())
			if !ok {
				return mapServiceError(c, service.ErrUnauthorized)
			}

			id, err := accounts.Authenticate(c.Request().Context(), token)
			if err != nil {
				return mapServiceError(c, err)
			}

			c.Set(identityKey, id)
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get(echo.HeaderAuthorization)
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// identity returns the caller set by RequireAuth.
func identity(c echo.Context) *auth.Identity {
	id, _ := c.Get(identityKey).(*auth.Identity)
	return id
}

func ownerID(c echo.Context) string {
	if id := identity(c); id != nil {
		return id.UserID
	}
	return ""
}

// HandleRegister handles POST /auth/register.
func (h *Handler) HandleRegister(c echo.Context) error {
	var req registerRequest
	if err := bindAndValidate(c, &req); err != nil {
		return mapServiceError(c, err)
	}

	account, err := h.accounts.Register(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, account)
}

// HandleLogin handles POST /auth/login.
func (h *Handler) HandleLogin(c echo.Context) error {
	var req loginRequest
	if err := bindAndValidate(c, &req); err != nil {
		return mapServiceError(c, err)
	}

	session, err := h.accounts.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// HandleLogout handles POST /auth/logout. The presented token stops working.
func (h *Handler) HandleLogout(c echo.Context) error {
	if err := h.accounts.Logout(c.Request().Context(), identity(c)); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}
