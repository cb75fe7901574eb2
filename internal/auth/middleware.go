package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sentinel/fraud-engine/internal/models"
)

const (
	// APIKeyHeader carries the tenant credential on every request.
	APIKeyHeader = "X-API-Key"
	// TenantKey is the gin context key the resolved tenant is stored under.
	TenantKey = "tenant"
)

// APIKeyMiddleware authenticates requests by API key, rejects inactive
// tenants and counts the call toward the tenant's daily total.
func APIKeyMiddleware(resolver *TenantResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(APIKeyHeader)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_code": "UNAUTHORIZED",
				"message":    "missing API key",
			})
			return
		}

		tenant, err := resolver.Resolve(c.Request.Context(), apiKey)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_code": "UNAUTHORIZED",
				"message":    "invalid API key",
			})
			return
		}

		if !tenant.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error_code": "FORBIDDEN",
				"message":    "tenant is inactive",
			})
			return
		}

		resolver.CountCall(c.Request.Context(), tenant.TenantID)
		c.Set(TenantKey, tenant)
		c.Next()
	}
}

// TenantFromContext extracts the authenticated tenant.
func TenantFromContext(c *gin.Context) (*models.Tenant, bool) {
	value, exists := c.Get(TenantKey)
	if !exists {
		return nil, false
	}
	tenant, ok := value.(*models.Tenant)
	return tenant, ok
}

// AdminMiddleware authenticates the rule-management surface with a bearer
// token issued by the admin login endpoint.
func AdminMiddleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_code": "UNAUTHORIZED",
				"message":    "missing bearer token",
			})
			return
		}

		claims, err := jwtManager.ValidateToken(token)
		if err != nil {
			message := "invalid token"
			if err == ErrExpiredToken {
				message = "token has expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_code": "UNAUTHORIZED",
				"message":    message,
			})
			return
		}

		if claims.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error_code": "FORBIDDEN",
				"message":    "insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
