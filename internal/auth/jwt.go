package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authorization header is required")
	ErrInvalidToken = errors.New("invalid token")
)

const DefaultTokenTTL = 24 * time.Hour

// Authenticator resolves the caller of a request to a user id.
type Authenticator interface {
	UserID(r *http.Request) (string, error)
}

// JWT accepts HS256 bearer tokens whose "sub" claim is the user id.
type JWT struct {
	secret []byte
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

func (j *JWT) UserID(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrInvalidToken
	}
	return j.Validate(tokenString)
}

func (j *JWT) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// GenerateJWT mints a token for userID valid for ttl.
func (j *JWT) GenerateJWT(userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// Static authenticates every request as the same user. Local mode and tests only.
type Static struct {
	ID string
}

func (s Static) UserID(*http.Request) (string, error) {
	if s.ID == "" {
		return "", ErrInvalidToken
	}
	return s.ID, nil
}

var (
	_ Authenticator = (*JWT)(nil)
	_ Authenticator = Static{}
)
