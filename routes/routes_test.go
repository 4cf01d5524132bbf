package routes

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"branchanalytics/config"
	"branchanalytics/handlers"
	"branchanalytics/models"
	"branchanalytics/store"
	"branchanalytics/utils"
)

func newApp(t *testing.T) *fiber.App {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := config.Config{
		JWTSecret:         "test-secret",
		JWTTTL:            time.Hour,
		AdminEmail:        "admin@example.com",
		AdminPasswordHash: string(hash),
		Timezone:          "UTC",
	}
	config.AppConfig = cfg

	h := handlers.New(handlers.Deps{Config: cfg, Store: store.NewMemory()}, zap.NewNop())
	app := fiber.New()
	SetupRoutes(app, h)
	return app
}

func token(t *testing.T, role string) string {
	t.Helper()
	claims := models.JwtClaims{
		UserID: "u-1",
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.AppConfig.JWTSecret))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, app *fiber.App, method, path, bearer string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestPublicRoutes(t *testing.T) {
	app := newApp(t)
	status, _ := do(t, app, "GET", "/api/v1/health", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	status, _ = do(t, app, "GET", "/api/v1/version", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestSecuredRoutesNeedToken(t *testing.T) {
	app := newApp(t)
	status, out := do(t, app, "GET", "/api/v1/reports", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, false, out["success"])

	status, _ = do(t, app, "GET", "/api/v1/reports", "not-a-token", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = do(t, app, "GET", "/api/v1/reports", token(t, utils.RoleAnalyst), nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = do(t, app, "GET", "/api/v1/reports", token(t, "cashier"), nil)
	assert.Equal(t, fiber.StatusForbidden, status)
}

func TestRoleChecks(t *testing.T) {
	app := newApp(t)
	analyst := token(t, utils.RoleAnalyst)
	manager := token(t, utils.RoleManager)

	status, out := do(t, app, "POST", "/api/v1/models/retrain", analyst, fiber.Map{"branch_id": 1})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "Admin access required", out["message"])

	status, _ = do(t, app, "POST", "/api/v1/models/retrain", manager, fiber.Map{"branch_id": 1})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = do(t, app, "GET", "/api/v1/metrics/collect", analyst, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = do(t, app, "GET", "/api/v1/metrics/collect", manager, nil)
	assert.Equal(t, fiber.StatusBadGateway, status)
}

func TestLogin(t *testing.T) {
	app := newApp(t)

	status, _ := do(t, app, "POST", "/api/v1/auth/login", "", fiber.Map{"email": "admin@example.com", "password": "wrong"})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = do(t, app, "POST", "/api/v1/auth/login", "", fiber.Map{"email": "other@example.com", "password": "s3cret"})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = do(t, app, "POST", "/api/v1/auth/login", "", fiber.Map{"email": "admin@example.com"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, out := do(t, app, "POST", "/api/v1/auth/login", "", fiber.Map{"email": "Admin@Example.com", "password": "s3cret"})
	require.Equal(t, fiber.StatusOK, status)
	access, _ := out["accessToken"].(string)
	require.NotEmpty(t, access)

	// The issued token is an admin token.
	status, _ = do(t, app, "POST", "/api/v1/models/retrain", access, fiber.Map{"branch_id": 0})
	assert.Equal(t, fiber.StatusBadRequest, status)
}
