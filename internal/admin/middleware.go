package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/amoylab/imgate/internal/auth/jwt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const claimsKey = "claims"

// loggerMiddleware logs one line per request once it has been served
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("remote_addr", c.Request.RemoteAddr),
			zap.Int("status", c.Writer.Status()),
			zap.Int("size", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)))
	}
}

// recoveryMiddleware turns a handler panic into a 500
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// jwtAuthMiddleware requires a valid operator bearer token
func jwtAuthMiddleware(svc *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, err := svc.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// operator returns the caller's name when the request carried a token
func operator(c *gin.Context) string {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*jwt.Claims); ok {
			return claims.Operator
		}
	}
	return ""
}
