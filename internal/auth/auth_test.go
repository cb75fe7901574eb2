package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/fraud-engine/internal/clock"
	"github.com/sentinel/fraud-engine/internal/models"
	"github.com/sentinel/fraud-engine/internal/repositories"
)

type fakeTenantSource struct {
	tenants map[string]*models.Tenant
	calls   int
}

func (f *fakeTenantSource) GetByAPIKeyHash(_ context.Context, hash string) (*models.Tenant, error) {
	f.calls++
	if t, ok := f.tenants[hash]; ok {
		return t, nil
	}
	return nil, repositories.ErrTenantNotFound
}

func activeTenant(apiKey string) (*fakeTenantSource, *models.Tenant) {
	tenant := &models.Tenant{TenantID: "tenant-1", Active: true, Vertical: models.VerticalFintech}
	return &fakeTenantSource{tenants: map[string]*models.Tenant{
		HashAPIKey(apiKey): tenant,
	}}, tenant
}

func testClock() clock.Clock {
	return clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
}

func TestResolveKnownKey(t *testing.T) {
	source, want := activeTenant("sk_live_abc")
	resolver := NewTenantResolver(source, nil, testClock())

	got, err := resolver.Resolve(context.Background(), "sk_live_abc")
	require.NoError(t, err)
	assert.Equal(t, want.TenantID, got.TenantID)
}

func TestResolveUnknownKey(t *testing.T) {
	source, _ := activeTenant("sk_live_abc")
	resolver := NewTenantResolver(source, nil, testClock())

	_, err := resolver.Resolve(context.Background(), "wrong")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func router(resolver *TenantResolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/probe", APIKeyMiddleware(resolver), func(c *gin.Context) {
		tenant, ok := TenantFromContext(c)
		if !ok {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant_id": tenant.TenantID})
	})
	return r
}

func TestMiddlewareRejectsMissingKey(t *testing.T) {
	source, _ := activeTenant("sk_live_abc")
	r := router(NewTenantResolver(source, nil, testClock()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
}

func TestMiddlewareRejectsInactiveTenant(t *testing.T) {
	source, tenant := activeTenant("sk_live_abc")
	tenant.Active = false
	r := router(NewTenantResolver(source, nil, testClock()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set(APIKeyHeader, "sk_live_abc")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMiddlewarePassesTenantThrough(t *testing.T) {
	source, _ := activeTenant("sk_live_abc")
	r := router(NewTenantResolver(source, nil, testClock()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set(APIKeyHeader, "sk_live_abc")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tenant-1")
}

func TestJWTRoundTrip(t *testing.T) {
	manager := NewJWTManager("0123456789abcdef0123456789abcdef", time.Hour, testClock())

	token, err := manager.GenerateToken("ops@sentinel.dev", RoleAdmin)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@sentinel.dev", claims.Email)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestJWTExpiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	manager := NewJWTManager("0123456789abcdef0123456789abcdef", time.Hour, clk)

	token, err := manager.GenerateToken("ops@sentinel.dev", RoleAdmin)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	_, err = manager.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTRejectsTampering(t *testing.T) {
	manager := NewJWTManager("0123456789abcdef0123456789abcdef", time.Hour, testClock())
	other := NewJWTManager("ffffffffffffffffffffffffffffffff", time.Hour, testClock())

	token, err := other.GenerateToken("ops@sentinel.dev", RoleAdmin)
	require.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAdminMiddlewareRequiresAdminRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	manager := NewJWTManager("0123456789abcdef0123456789abcdef", time.Hour, testClock())

	r := gin.New()
	r.GET("/admin", AdminMiddleware(manager), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	token, err := manager.GenerateToken("viewer@sentinel.dev", "viewer")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("Str0ngPass")
	require.NoError(t, err)
	assert.True(t, CheckPassword("Str0ngPass", hash))
	assert.False(t, CheckPassword("wrong", hash))
}
