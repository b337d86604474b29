package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "pma-hub"

// Claims are the JWT claims accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a token for subject valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates a token signed with secret.
func ParseToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// AuthMiddleware validates bearer tokens when auth is enabled. Browsers
// cannot set headers on websocket upgrades, so an access_token query
// parameter is accepted as well.
func AuthMiddleware(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		tokenString := c.Query("access_token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" {
				utils.SendError(c, http.StatusUnauthorized, "Invalid authorization header format")
				c.Abort()
				return
			}
			tokenString = token
		}
		if tokenString == "" {
			utils.SendError(c, http.StatusUnauthorized, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := ParseToken(cfg.JWTSecret, tokenString)
		if err != nil {
			utils.SendError(c, http.StatusUnauthorized, "Invalid token")
			c.Abort()
			return
		}

		c.Set("subject", claims.Subject)
		c.Next()
	}
}
