package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prepio/relay/pkg/realtime/event"
)

type tokenClaims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-signed tokens issued by the platform's auth
// service.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, event.NewAuthError("missing credentials")
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, event.NewAuthError("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, event.NewAuthError("invalid or expired token")
	}

	if claims.UserID == "" {
		return nil, event.NewAuthError("token does not identify a user")
	}

	// jwt.ParseWithClaims already rejects expired tokens, but a token
	// without an expiry must not pass either.
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(time.Now()) {
		return nil, event.NewAuthError("token has no future expiry")
	}

	return &Identity{
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
