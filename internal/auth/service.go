package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every reason a token is rejected.
var ErrInvalidToken = errors.New("invalid token")

// Verifier turns a connection credential into a verified user id.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (int, error)
}

// JWTVerifier accepts HS256 tokens issued by the account service. The user id
// is read from the "user_id" claim, or from a numeric "sub".
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

var _ Verifier = (*JWTVerifier)(nil)

func (v *JWTVerifier) ValidateToken(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (v *JWTVerifier) VerifyToken(_ context.Context, tokenString string) (int, error) {
	if tokenString == "" {
		return 0, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	claims, err := v.ValidateToken(tokenString)
	if err != nil {
		return 0, err
	}

	if raw, ok := claims["user_id"]; ok {
		if f, ok := raw.(float64); ok && f > 0 && f == float64(int(f)) {
			return int(f), nil
		}
		return 0, fmt.Errorf("%w: invalid user ID in token", ErrInvalidToken)
	}

	sub, err := claims.GetSubject()
	if err == nil && sub != "" {
		if id, err := strconv.Atoi(sub); err == nil && id > 0 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: invalid user ID in token", ErrInvalidToken)
}
