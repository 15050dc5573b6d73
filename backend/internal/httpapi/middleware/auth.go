package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"syncServer/backend/internal/auth"
)

// AuthMiddleware 每个连接升级前校验一次凭证，失败的请求到不了房间层。
func AuthMiddleware(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "AUTHENTICATION_FAILED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		userID, username, err := verifier.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "AUTHENTICATION_FAILED",
				"message": "invalid token",
			})
			return
		}

		c.Set("userId", userID)
		c.Set("username", username)
		c.Next()
	}
}

// extractBearer "Bearer " 前缀大小写不敏感
func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
