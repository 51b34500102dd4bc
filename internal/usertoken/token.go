package usertoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"artifactchat/pkg/domain"
)

const (
	defaultIssuer   = "artifactchat"
	defaultAudience = "artifactchat-api"
	defaultLeeway   = 30 * time.Second
	defaultTTL      = 30 * 24 * time.Hour
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Config configures user access-token signing and verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	TTL      time.Duration
}

type claims struct {
	jwt.RegisteredClaims
	Email    string `json:"email,omitempty"`
	UserType string `json:"user_type"`
}

// Authority issues and verifies HS256 user access tokens. Regular-user tokens
// are minted by the account system with the same secret; guests get theirs here.
type Authority struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	ttl      time.Duration
	now      func() time.Time
}

func NewAuthority(cfg Config) (*Authority, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 characters")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Authority{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Issue signs a token for user.
func (a *Authority) Issue(user domain.User) (string, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", errors.New("token subject missing")
	}
	now := a.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    a.issuer,
			Audience:  jwt.ClaimStrings{a.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Email:    user.Email,
		UserType: string(user.Type),
	})
	return token.SignedString(a.secret)
}

// IssueGuest creates a guest user and a token for it.
func (a *Authority) IssueGuest() (domain.User, string, error) {
	user := domain.User{
		ID:    uuid.NewString(),
		Email: fmt.Sprintf("guest-%d", a.now().UnixMilli()),
		Type:  domain.UserGuest,
	}
	token, err := a.Issue(user)
	if err != nil {
		return domain.User{}, "", err
	}
	return user, token, nil
}

// Verify validates token and returns the user it was issued for.
func (a *Authority) Verify(token string) (domain.User, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(a.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("token not valid")
		}
		return domain.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		return domain.User{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	userType := domain.UserType(c.UserType)
	if userType != domain.UserRegular {
		userType = domain.UserGuest
	}
	return domain.User{ID: subject, Email: c.Email, Type: userType}, nil
}

// FromRequest verifies the bearer token of r.
func (a *Authority) FromRequest(r *http.Request) (domain.User, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return domain.User{}, ErrMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return domain.User{}, ErrMissingToken
	}
	token := strings.TrimSpace(auth[len("bearer "):])
	if token == "" {
		return domain.User{}, ErrMissingToken
	}
	return a.Verify(token)
}
