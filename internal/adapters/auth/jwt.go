package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"blog-engine/internal/domain"
)

// Claims описывает полезную нагрузку токена. sub содержит UUID пользователя.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTValidator проверяет токены HS256.
type JWTValidator struct {
	secret []byte
	now    func() time.Time
}

var _ domain.TokenValidator = (*JWTValidator)(nil)

// NewJWTValidator создаёт валидатор с общим секретом.
func NewJWTValidator(secret string) (*JWTValidator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &JWTValidator{secret: []byte(secret), now: time.Now}, nil
}

// Validate разбирает токен и возвращает личность пользователя.
func (v *JWTValidator) Validate(token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, domain.ErrTokenMalformed
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return domain.Identity{}, domain.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return domain.Identity{}, domain.ErrTokenSignature
		default:
			return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrTokenMalformed, err)
		}
	}
	if !parsed.Valid {
		return domain.Identity{}, domain.ErrTokenMalformed
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: subject is not a uuid", domain.ErrTokenMalformed)
	}
	return domain.Identity{UserID: userID, Role: domain.ParseUserRole(claims.Role)}, nil
}

// Issue выпускает токен. Используется служебными утилитами и тестами.
func (v *JWTValidator) Issue(userID uuid.UUID, role domain.UserRole, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
