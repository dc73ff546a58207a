package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	// MinSecretLength is the shortest HS256 signing secret accepted.
	MinSecretLength = 32

	defaultIssuer = "authcore"
)

// Claims are the signed contents of both token variants. For access tokens
// the registered ID (jti) doubles as the session identifier.
type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// SessionID returns the session bound to an access token.
func (c *Claims) SessionID() string {
	return c.ID
}

// IssuedToken is a freshly signed token and the claims it was built from.
type IssuedToken struct {
	Token     string    `json:"token"`
	ID        string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenService signs and verifies HS256 tokens. It never consults the
// session store; that is the resolver's job.
type TokenService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithTokenIssuer overrides the iss claim written and required on verify.
func WithTokenIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		issuer = strings.TrimSpace(issuer)
		if issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithTokenClock overrides the time source.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService builds a service around secret. The secret is copied and
// never changes afterwards.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: signing secret must be at least %d bytes", MinSecretLength)
	}
	svc := &TokenService{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Issuer returns the iss claim value.
func (s *TokenService) Issuer() string { return s.issuer }

// IssueAccessToken signs an access token for subject bound to sessionID. An
// empty sessionID gets a fresh random identifier.
func (s *TokenService) IssueAccessToken(subject, sessionID string, ttl time.Duration) (IssuedToken, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return s.issue(TokenTypeAccess, subject, sessionID, ttl)
}

// IssueRefreshToken signs a refresh token. Its jti is unique but is not a
// session identifier.
func (s *TokenService) IssueRefreshToken(subject string, ttl time.Duration) (IssuedToken, error) {
	return s.issue(TokenTypeRefresh, subject, uuid.NewString(), ttl)
}

func (s *TokenService) issue(typ, subject, id string, ttl time.Duration) (IssuedToken, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return IssuedToken{}, fmt.Errorf("%w: token subject is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return IssuedToken{}, fmt.Errorf("%w: token ttl must be positive", ErrInvalidInput)
	}
	now := s.now().UTC()
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        id,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return IssuedToken{
		Token:     signed,
		ID:        id,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks signature, structure and expiry. Every failure is reported
// as ErrInvalidToken. Expiry is exact; no leeway is applied.
func (s *TokenService) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return nil, fmt.Errorf("%w: missing token id", ErrInvalidToken)
	}
	return claims, nil
}

// VerifyAccess is Verify plus a check that token is an access token.
func (s *TokenService) VerifyAccess(token string) (*Claims, error) {
	return s.verifyType(token, TokenTypeAccess)
}

// VerifyRefresh is Verify plus a check that token is a refresh token.
func (s *TokenService) VerifyRefresh(token string) (*Claims, error) {
	return s.verifyType(token, TokenTypeRefresh)
}

func (s *TokenService) verifyType(token, typ string) (*Claims, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, typ)
	}
	return claims, nil
}

// IsExpired reports whether err came from an expired but otherwise valid
// token. Useful for choosing between "log in again" and "refresh" hints.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
