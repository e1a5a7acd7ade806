package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/sfu-signaling/internal/middleware"
	"github.com/mossy-p/sfu-signaling/internal/models"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login issues an admin token. When no admin password is configured any
// password is accepted outside production.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if !h.bindJSON(c, &req) {
		return
	}

	if !h.checkPassword(req.Password) {
		h.respondError(c, models.ErrUnauthorized.WithMessage("Invalid credentials"))
		return
	}

	token, err := middleware.IssueToken(h.cfg.JWTSecret, req.Username, tokenTTL)
	if err != nil {
		h.respondError(c, models.ErrInternalServer.WithMessage("Failed to generate token"))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:  token,
		UserID: req.Username,
	})
}

func (h *Handler) checkPassword(password string) bool {
	if h.cfg.AdminPassword == "" {
		return h.cfg.Environment != "production"
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(h.cfg.AdminPassword)) == 1
}
