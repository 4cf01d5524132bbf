package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"

	"branchanalytics/config"
	"branchanalytics/models"
	"branchanalytics/utils"
)

// Helper to create an app with a pre-local middleware that sets userRole
func makeAppWithRole(role string, check fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("userRole", role)
		return c.Next()
	})
	app.Use(check)
	app.Get("/test", func(c *fiber.Ctx) error {
		return c.Status(200).SendString("ok")
	})
	return app
}

func status(t *testing.T, app *fiber.App, header string) int {
	t.Helper()
	r := httptest.NewRequest("GET", "/test", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	resp, err := app.Test(r)
	if err != nil {
		t.Fatalf("app test error: %v", err)
	}
	return resp.StatusCode
}

func TestAdminRequired(t *testing.T) {
	if got := status(t, makeAppWithRole("admin", AdminRequired), ""); got != 200 {
		t.Fatalf("expected 200 for admin role, got %d", got)
	}
	if got := status(t, makeAppWithRole("analyst", AdminRequired), ""); got != 403 {
		t.Fatalf("expected 403 for non-admin role, got %d", got)
	}
}

func TestRoleRequired(t *testing.T) {
	check := RoleRequired(utils.RoleAdmin, utils.RoleManager)
	cases := map[string]int{
		"manager":  200,
		" Admin ":  200,
		"analyst":  403,
		"merchant": 403,
		"":         403,
	}
	for role, want := range cases {
		if got := status(t, makeAppWithRole(role, check), ""); got != want {
			t.Errorf("role %q: expected %d, got %d", role, want, got)
		}
	}
}

func TestJWTMiddleware(t *testing.T) {
	config.AppConfig.JWTSecret = "mw-secret"
	app := fiber.New()
	app.Use(JWTMiddleware)
	app.Get("/test", func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("userID").(string) + ":" + c.Locals("userRole").(string))
	})

	sign := func(secret string, exp time.Time) string {
		claims := models.JwtClaims{
			UserID:           "u-9",
			Role:             utils.RoleAnalyst,
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
		}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", 401},
		{"malformed", "Token abc", 401},
		{"wrong secret", "Bearer " + sign("other", time.Now().Add(time.Hour)), 401},
		{"expired", "Bearer " + sign("mw-secret", time.Now().Add(-time.Hour)), 401},
		{"valid", "Bearer " + sign("mw-secret", time.Now().Add(time.Hour)), 200},
	}
	for _, c := range cases {
		if got := status(t, app, c.header); got != c.want {
			t.Errorf("%s: expected %d, got %d", c.name, c.want, got)
		}
	}
}
