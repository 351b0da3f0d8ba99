package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RoleDevice marks tokens a till uses to talk to the backend.
const RoleDevice = "DEVICE"

type Claims struct {
	UserID        uuid.UUID `json:"user_id"`
	BranchID      string    `json:"branch_id"`
	POSID         string    `json:"pos_id"`
	TillSessionID string    `json:"till_session_id,omitempty"`
	Role          string    `json:"role"`
	jwt.RegisteredClaims
}

// Session identifies who is operating which till.
type Session struct {
	UserID        uuid.UUID
	BranchID      string
	POSID         string
	TillSessionID string
	Role          string
}

func GenerateToken(secret string, s Session, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:        s.UserID,
		BranchID:      s.BranchID,
		POSID:         s.POSID,
		TillSessionID: s.TillSessionID,
		Role:          s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateDeviceToken signs a short-lived token identifying the till itself.
func GenerateDeviceToken(secret, branchID, posID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		BranchID: branchID,
		POSID:    posID,
		Role:     RoleDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%s/%s", branchID, posID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
