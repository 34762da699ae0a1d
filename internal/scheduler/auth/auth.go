// Package auth issues and verifies the bearer tokens Managers present on every request.
//
// Tokens are HS256 signed JWTs: the subject is the manager id and the token id (jti) is recorded on
// the Manager, so registering again invalidates the previous token.
package auth

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
)

const issuer = "taskfarm"

type Config struct {
	// HMAC key used to sign manager tokens.
	Secret string `validate:"required,min=16"`
	// Zero means tokens never expire.
	TokenLifetime time.Duration
	// If set, managers must present it in the X-Registration-Secret header to register.
	RegistrationSecret string
	// If set, the admin api requires it as a bearer token.
	AdminToken string
	// How long a verified token is remembered before its signature is checked again.
	CacheExpiry time.Duration
}

// ManagerClaims are the claims carried by a manager token.
type ManagerClaims struct {
	jwt.RegisteredClaims
}

func (c *ManagerClaims) ManagerId() string {
	return c.Subject
}

func (c *ManagerClaims) TokenId() string {
	return c.ID
}

type TokenIssuer struct {
	config Config
	secret []byte
	clock  clock.PassiveClock
	// Verified tokens, keyed by the raw token.
	verified *cache.Cache
}

func NewTokenIssuer(config Config, clock clock.PassiveClock) *TokenIssuer {
	return &TokenIssuer{
		config:   config,
		secret:   []byte(config.Secret),
		clock:    clock,
		verified: cache.New(config.CacheExpiry, 2*config.CacheExpiry),
	}
}

// Issue creates a token for a manager and returns it together with its token id.
func (i *TokenIssuer) Issue(managerId string) (string, string, error) {
	now := i.clock.Now()
	claims := &ManagerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  managerId,
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.config.TokenLifetime > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.config.TokenLifetime))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", errors.WithStack(err)
	}
	return token, claims.ID, nil
}

// Verify checks the signature and expiry of a token. It does not check that the manager still
// accepts the token id; that is up to the caller.
func (i *TokenIssuer) Verify(token string) (*ManagerClaims, error) {
	if cached, ok := i.verified.Get(token); ok {
		claims := cached.(*ManagerClaims)
		if claims.ExpiresAt == nil || i.clock.Now().Before(claims.ExpiresAt.Time) {
			return claims, nil
		}
		i.verified.Delete(token)
	}

	claims := &ManagerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil || !parsed.Valid {
		return nil, errors.WithStack(&farmerrors.ErrUnauthenticated{Message: "invalid manager token"})
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, errors.WithStack(&farmerrors.ErrUnauthenticated{Message: "manager token lacks subject or id"})
	}
	i.verified.SetDefault(token, claims)
	return claims, nil
}

// CheckRegistrationSecret accepts anything when no registration secret is configured.
func (i *TokenIssuer) CheckRegistrationSecret(provided string) error {
	if i.config.RegistrationSecret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(i.config.RegistrationSecret)) != 1 {
		return errors.WithStack(&farmerrors.ErrUnauthenticated{Message: "bad registration secret"})
	}
	return nil
}

// CheckAdminToken accepts anything when no admin token is configured.
func (i *TokenIssuer) CheckAdminToken(authorization string) error {
	if i.config.AdminToken == "" {
		return nil
	}
	token, err := BearerToken(authorization)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(i.config.AdminToken)) != 1 {
		return errors.WithStack(&farmerrors.ErrUnauthenticated{Message: "bad admin token"})
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authorization string) (string, error) {
	scheme, token, found := strings.Cut(strings.TrimSpace(authorization), " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", errors.WithStack(&farmerrors.ErrUnauthenticated{Message: "missing bearer token"})
	}
	return strings.TrimSpace(token), nil
}
