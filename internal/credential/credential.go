package credential

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goodtune/pomodoro/internal/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// DefaultRefreshWindow is the lifetime of an issued credential
const DefaultRefreshWindow = 2 * time.Minute

// Error reports a failure to read the signing key or sign a token.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("credential: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Credential is a signed, time-bounded broker password.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Audience  string
}

// Lifetime returns ExpiresAt - IssuedAt.
func (c *Credential) Lifetime() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// Config holds issuer configuration
type Config struct {
	Audience       string // Cloud project identifier
	PrivateKeyFile string
	Algorithm      string // RS256 or ES256
	RefreshWindow  time.Duration
}

// Issuer creates JWT credentials for the MQTT bridge.
type Issuer struct {
	config Config
	method jwt.SigningMethod
	clock  clock.Clock
	logger zerolog.Logger
}

// NewIssuer creates a new credential issuer
func NewIssuer(config Config, clk clock.Clock, logger zerolog.Logger) (*Issuer, error) {
	if config.RefreshWindow <= 0 {
		config.RefreshWindow = DefaultRefreshWindow
	}
	if clk == nil {
		clk = clock.Real{}
	}

	method := jwt.GetSigningMethod(config.Algorithm)
	switch method {
	case jwt.SigningMethodRS256, jwt.SigningMethodES256:
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %q", config.Algorithm)
	}

	return &Issuer{
		config: config,
		method: method,
		clock:  clk,
		logger: logger.With().Str("component", "credential").Logger(),
	}, nil
}

// Window returns the configured credential lifetime.
func (i *Issuer) Window() time.Duration {
	return i.config.RefreshWindow
}

// Issue reads the private key and signs a fresh token.
// The key is re-read on every call so a rotated key file is picked up on the
// next reconnect.
func (i *Issuer) Issue() (*Credential, error) {
	key, err := i.loadKey()
	if err != nil {
		return nil, err
	}

	now := i.clock.Now().Truncate(time.Second)
	expires := now.Add(i.config.RefreshWindow)

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		Audience:  jwt.ClaimStrings{i.config.Audience},
	}

	token, err := jwt.NewWithClaims(i.method, claims).SignedString(key)
	if err != nil {
		return nil, &Error{Op: "sign token", Err: err}
	}

	i.logger.Debug().
		Str("algorithm", i.method.Alg()).
		Str("key_file", i.config.PrivateKeyFile).
		Time("expires_at", expires).
		Msg("Created JWT")

	return &Credential{
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: expires,
		Audience:  i.config.Audience,
	}, nil
}

func (i *Issuer) loadKey() (crypto.Signer, error) {
	data, err := os.ReadFile(i.config.PrivateKeyFile)
	if err != nil {
		return nil, &Error{Op: "read private key", Err: err}
	}

	switch i.method {
	case jwt.SigningMethodRS256:
		key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
		if err != nil {
			return nil, &Error{Op: "parse RSA private key", Err: err}
		}
		return key, nil
	default:
		key, err := jwt.ParseECPrivateKeyFromPEM(data)
		if err != nil {
			return nil, &Error{Op: "parse EC private key", Err: err}
		}
		return key, nil
	}
}

// Verify parses a token signed by the matching private key and returns its
// credential fields. Expiry is not enforced so stale tokens can be inspected.
func Verify(token string, publicKey crypto.PublicKey) (*Credential, error) {
	claims := &jwt.RegisteredClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		switch publicKey.(type) {
		case *rsa.PublicKey:
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, errors.New("invalid signing method")
			}
		case *ecdsa.PublicKey:
			if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
				return nil, errors.New("invalid signing method")
			}
		default:
			return nil, fmt.Errorf("unsupported public key type %T", publicKey)
		}
		return publicKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, &Error{Op: "verify token", Err: err}
	}
	if !parsed.Valid {
		return nil, &Error{Op: "verify token", Err: errors.New("invalid token")}
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, &Error{Op: "verify token", Err: errors.New("token missing iat or exp")}
	}

	var audience string
	if len(claims.Audience) > 0 {
		audience = claims.Audience[0]
	}

	return &Credential{
		Token:     token,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		Audience:  audience,
	}, nil
}
