package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ClassHeader is the JWT header that selects the admin signing key.
const ClassHeader = "admin_resource_protection"

const serviceTokenType = "service"

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// ServiceClaims identify a backend service.
type ServiceClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// ServiceTokens issues and verifies service-to-service bearer tokens.
// A zero TTL issues tokens without expiry; they live as long as the holder.
type ServiceTokens struct {
	Secret []byte
	TTL    time.Duration
}

// NewServiceTokens builds a ServiceTokens for secret.
func NewServiceTokens(secret string, ttl time.Duration) (*ServiceTokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("service token secret is required")
	}
	return &ServiceTokens{Secret: []byte(secret), TTL: ttl}, nil
}

// Issue signs a token whose subject is serviceName.
func (s *ServiceTokens) Issue(serviceName string) (string, error) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return "", errors.New("service name is required")
	}
	now := time.Now().UTC()
	claims := ServiceClaims{
		Type: serviceTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  serviceName,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
	}
	if s.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.TTL))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

// Verify returns the service name carried by token.
func (s *ServiceTokens) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	claims := &ServiceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Type != serviceTokenType || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// KeyClass selects the key an end-user token is signed with.
type KeyClass int

const (
	// UserProtected tokens are signed with the ordinary user key.
	UserProtected KeyClass = iota
	// AdminProtected tokens are signed with the admin key.
	AdminProtected
)

func (c KeyClass) String() string {
	if c == AdminProtected {
		return "admin"
	}
	return "user"
}

// classOf resolves the key class from a token header. Anything other than a
// literal true selects the user class.
func classOf(header map[string]any) KeyClass {
	if flag, ok := header[ClassHeader].(bool); ok && flag {
		return AdminProtected
	}
	return UserProtected
}

// TokenKind distinguishes access from refresh tokens.
type TokenKind string

const (
	// AccessToken authorizes requests.
	AccessToken TokenKind = "access"
	// RefreshToken is exchanged for a new access token.
	RefreshToken TokenKind = "refresh"
)

// UserClaims carry the identity of an end user.
type UserClaims struct {
	AccessLevel int       `json:"access_level"`
	Kind        TokenKind `json:"type"`
	jwt.RegisteredClaims

	Class KeyClass `json:"-"`
}

// Login returns the user login the token was issued for.
func (c *UserClaims) Login() string {
	return c.Subject
}

// Remaining returns the lifetime left at now.
func (c *UserClaims) Remaining(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	return c.ExpiresAt.Time.Sub(now)
}

// UserTokens issues and verifies end-user tokens with two signing keys.
type UserTokens struct {
	UserSecret  []byte
	AdminSecret []byte
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
}

// TokenPair is what a login returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (u *UserTokens) key(class KeyClass) ([]byte, error) {
	var key []byte
	switch class {
	case AdminProtected:
		key = u.AdminSecret
	case UserProtected:
		key = u.UserSecret
	default:
		return nil, fmt.Errorf("unknown key class %d", class)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%s signing key is not configured", class)
	}
	return key, nil
}

func (u *UserTokens) ttl(kind TokenKind) (time.Duration, error) {
	switch kind {
	case AccessToken:
		return u.AccessTTL, nil
	case RefreshToken:
		return u.RefreshTTL, nil
	default:
		return 0, fmt.Errorf("unknown token kind %q", kind)
	}
}

// Issue signs a token of kind for login under class.
func (u *UserTokens) Issue(class KeyClass, kind TokenKind, login string, level int) (string, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return "", errors.New("login is required")
	}
	key, err := u.key(class)
	if err != nil {
		return "", err
	}
	ttl, err := u.ttl(kind)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}

	now := time.Now().UTC()
	claims := UserClaims{
		AccessLevel: level,
		Kind:        kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   login,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if class == AdminProtected {
		token.Header[ClassHeader] = true
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign user token: %w", err)
	}
	return signed, nil
}

// IssuePair signs an access and a refresh token.
func (u *UserTokens) IssuePair(class KeyClass, login string, level int) (TokenPair, error) {
	access, err := u.Issue(class, AccessToken, login, level)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := u.Issue(class, RefreshToken, login, level)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify checks signature, expiry and kind. The class is resolved once from
// the header and decides the key; a token that claims the admin class but is
// signed with the user key fails.
func (u *UserTokens) Verify(token string, kind TokenKind) (*UserClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &UserClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		claims.Class = classOf(t.Header)
		return u.key(claims.Class)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind != kind || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
