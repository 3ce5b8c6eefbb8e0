package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// SessionClaims is the device session issued by the shop backend at login.
type SessionClaims struct {
	TenantId string `json:"tenant_id"`
	UserId   int    `json:"user_id"`
	DeviceId string `json:"device_id"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

func getJwtSecret() []byte {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return []byte("pos-sync-dev-secret")
	}
	return []byte(secret)
}

func tokenLifespan() time.Duration {
	hours, err := strconv.Atoi(strings.TrimSpace(os.Getenv("TOKEN_HOUR_LIFESPAN")))
	if err != nil || hours <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(hours) * time.Hour
}

func JwtGenerate(tenantId string, userId int, deviceId string, role string) (string, error) {
	if strings.TrimSpace(tenantId) == "" {
		return "", fmt.Errorf("tenant id is required")
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &SessionClaims{
		TenantId: tenantId,
		UserId:   userId,
		DeviceId: deviceId,
		Role:     role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(tokenLifespan()).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})
	return t.SignedString(getJwtSecret())
}

func JwtValidate(token string) (*SessionClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return getJwtSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.TenantId) == "" {
		return nil, ErrorInvalidToken
	}
	return claims, nil
}
