package relay

import (
	"errors"
	"strings"
	"time"

	"github.com/dkeye/podcast/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var errNoSubject = errors.New("token has no subject")

// Claims identify a participant. Subject is the participant id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Auth signs and verifies HS256 bearer tokens.
type Auth struct {
	secret []byte
}

func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

func (a *Auth) Mint(sub domain.ParticipantID, name string, ttl time.Duration) (string, error) {
	if err := domain.ValidateParticipantID(sub); err != nil {
		return "", err
	}
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(sub),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errNoSubject
	}
	if err := domain.ValidateParticipantID(domain.ParticipantID(claims.Subject)); err != nil {
		return nil, err
	}
	return claims, nil
}

// bearer extracts the token from an Authorization header value.
func bearer(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
