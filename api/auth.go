package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

// Auth modes.
const (
	AuthModeJWKS  = "jwks"
	AuthModeHS256 = "hs256"
	// AuthModeNone trusts the bearer value as the user id. Local development only.
	AuthModeNone = "none"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// AuthConfig selects how bearer tokens are verified.
type AuthConfig struct {
	Mode        string
	JWKS        *keyfunc.JWKS
	Audience    string
	Issuer      string
	Secret      []byte
	KeyCacheTTL time.Duration
}

var (
	errTokenExpired    = errors.New("token: expired")
	errTokenNotYet     = errors.New("token: used before nbf")
	errTokenAudience   = errors.New("token: audience mismatch")
	errTokenIssuer     = errors.New("token: issuer mismatch")
	errTokenSubject    = errors.New("token: no subject")
	errTokenClaims     = errors.New("token: unexpected claims type")
	errTokenAlgorithm  = errors.New("token: algorithm not allowed")
	errJWKSUnavailable = errors.New("token: no key set configured")
)

// clockSkew is tolerated on exp and nbf.
const clockSkew = time.Minute

// Auth validates bearer tokens and resolves the caller's user id from the
// sub claim.
type Auth struct {
	mode     string
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	secret   []byte
	parser   *jwt.Parser
	keys     *signingKeys
}

func NewAuth(cfg AuthConfig) (*Auth, error) {
	ttl := cfg.KeyCacheTTL
	if ttl == 0 {
		ttl = defaultJWKSCacheTTL
	}
	a := &Auth{
		mode:     strings.ToLower(cfg.Mode),
		jwks:     cfg.JWKS,
		audience: cfg.Audience,
		issuer:   cfg.Issuer,
		secret:   cfg.Secret,
		keys:     &signingKeys{ttl: ttl},
	}
	var alg string
	switch a.mode {
	case AuthModeJWKS:
		if a.jwks == nil {
			return nil, errors.New("jwks auth requires a key set")
		}
		alg = jwt.SigningMethodRS256.Alg()
	case AuthModeHS256:
		if len(a.secret) == 0 {
			return nil, errors.New("hs256 auth requires a shared secret")
		}
		alg = jwt.SigningMethodHS256.Alg()
	case AuthModeNone:
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
	a.parser = jwt.NewParser(jwt.WithValidMethods([]string{alg}))
	return a, nil
}

// UserIDFromAuthHeader extracts the user id from an Authorization header value.
func (a *Auth) UserIDFromAuthHeader(header string) (string, error) {
	if a.mode == AuthModeNone {
		return bearerValue(header)
	}
	raw, err := bearerToken(header)
	if err != nil {
		return "", err
	}
	return a.UserIDFromToken(raw)
}

// UserIDFromToken verifies a raw JWT and returns its subject.
func (a *Auth) UserIDFromToken(raw string) (string, error) {
	if raw == "" || a.parser == nil {
		return "", errBadAuthorization
	}
	keyFn := a.jwksKey
	if a.mode == AuthModeHS256 {
		keyFn = a.sharedKey
	}
	parsed, err := a.parser.Parse(raw, keyFn)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errTokenClaims
	}
	if err := a.checkClaims(claims, time.Now()); err != nil {
		return "", err
	}
	return claims["sub"].(string), nil
}

func (a *Auth) checkClaims(claims jwt.MapClaims, now time.Time) error {
	switch {
	case !claims.VerifyExpiresAt(now.Add(-clockSkew).Unix(), true):
		return errTokenExpired
	case !claims.VerifyNotBefore(now.Add(clockSkew).Unix(), false):
		return errTokenNotYet
	case a.audience != "" && !claims.VerifyAudience(a.audience, true):
		return errTokenAudience
	case a.issuer != "" && !claims.VerifyIssuer(a.issuer, true):
		return errTokenIssuer
	}
	if sub, _ := claims["sub"].(string); sub == "" {
		return errTokenSubject
	}
	return nil
}

func (a *Auth) sharedKey(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errTokenAlgorithm
	}
	return a.secret, nil
}

func (a *Auth) jwksKey(t *jwt.Token) (any, error) {
	if a.jwks == nil {
		return nil, errJWKSUnavailable
	}
	kid, _ := t.Header["kid"].(string)
	if key, ok := a.keys.get(kid); ok {
		return key, nil
	}
	key, err := a.jwks.Keyfunc(t)
	if err != nil {
		return nil, err
	}
	a.keys.put(kid, key)
	return key, nil
}

// signingKeys remembers resolved JWKS keys by kid for ttl.
type signingKeys struct {
	ttl     time.Duration
	entries sync.Map
}

type signingKey struct {
	key     any
	expires time.Time
}

func (k *signingKeys) get(kid string) (any, bool) {
	if kid == "" {
		return nil, false
	}
	v, ok := k.entries.Load(kid)
	if !ok {
		return nil, false
	}
	entry := v.(signingKey)
	if time.Now().After(entry.expires) {
		k.entries.Delete(kid)
		return nil, false
	}
	return entry.key, true
}

func (k *signingKeys) put(kid string, key any) {
	if kid == "" || k.ttl <= 0 {
		return
	}
	k.entries.Store(kid, signingKey{key: key, expires: time.Now().Add(k.ttl)})
}
