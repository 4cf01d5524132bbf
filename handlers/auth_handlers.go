package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"branchanalytics/config"
	"branchanalytics/models"
	"branchanalytics/utils"
)

// HandleLogin checks the configured admin credentials and returns a JWT.
// POST /api/v1/auth/login
func (h *Handler) HandleLogin(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if req.Email == "" || req.Password == "" {
		return badRequest(c, "Missing required fields (email, password)")
	}
	if h.cfg.AdminPasswordHash == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"success": false, "message": "Login is not configured"})
	}

	if !strings.EqualFold(strings.TrimSpace(req.Email), h.cfg.AdminEmail) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Invalid credentials"})
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h.cfg.AdminPasswordHash), []byte(req.Password)); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Invalid credentials"})
	}

	token, expires, err := h.createJWT(h.cfg.AdminEmail, utils.RoleAdmin)
	if err != nil {
		h.logger.Error("sign token", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Could not sign token"})
	}
	return ok(c, fiber.Map{
		"accessToken": token,
		"expiresAt":   expires,
		"user":        fiber.Map{"email": h.cfg.AdminEmail, "role": utils.RoleAdmin},
	})
}

// --- Helper Functions ---

func (h *Handler) createJWT(userID, role string) (string, time.Time, error) {
	if !utils.IsValidRole(role) {
		return "", time.Time{}, fmt.Errorf("invalid role %q", role)
	}
	ttl := h.cfg.JWTTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := h.now()
	expires := now.Add(ttl)
	claims := models.JwtClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(config.AppConfig.JWTSecret))
	return signed, expires, err
}
