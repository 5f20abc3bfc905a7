package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/chartman/internal/model"
)

// トークン種別。typクレームに設定し、アクセストークンとリフレッシュトークンの
// 取り違えを拒否する。
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims はJWTのクレーム構造。subにユーザーID、jtiにトークンIDを持つ。
type Claims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// signToken はHS256で署名したJWTを生成する。
func signToken(secret []byte, userID string, role model.Role, tokenType string, jti string, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := &Claims{
		Role:      string(role),
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// parseToken はJWTを検証しクレームを返す。
// 署名不正・期限切れ・種別不一致はすべてエラーになる。
func parseToken(secret []byte, raw, wantType string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims.TokenType != wantType {
		return nil, fmt.Errorf("unexpected token type: %q", claims.TokenType)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("token is missing required claims")
	}

	return claims, nil
}

// newTokenID はトークンID（jti）を生成する。
func newTokenID() string {
	return uuid.New().String()
}
