// Package tabtoken issues and verifies the bearer tokens that bind an HTTP client to one
// open tab: a router and its store context on the server.
package tabtoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Method selects the signing algorithm.
type Method string

const (
	MethodEd25519 Method = "ed25519"
	MethodHS256   Method = "hs256"
)

var (
	ErrInvalidToken = errors.New("invalid tab token")
	ErrConfig       = errors.New("invalid tab token configuration")
)

// Config configures a [Manager].
type Config struct {
	TTL    time.Duration
	Method Method
	// Secret is the HS256 key, at least 32 bytes.
	Secret []byte
	// PrivateKey signs Ed25519 tokens. PublicKey alone yields a verify-only Manager.
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Issuer     string
	Audience   string
	Leeway     time.Duration
}

// Claims identifies the tab a token was issued for.
type Claims struct {
	TabID   string `json:"tab"`
	Profile string `json:"profile"`
	jwt.RegisteredClaims
}

// Manager signs and parses tab tokens. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	method jwt.SigningMethod
	now    func() time.Time
}

// NewManager validates cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("%w: TTL must be > 0", ErrConfig)
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, fmt.Errorf("%w: leeway must be within [0, 2m]", ErrConfig)
	}

	m := &Manager{cfg: cfg, now: time.Now}
	switch cfg.Method {
	case MethodHS256:
		if len(cfg.Secret) < 32 {
			return nil, fmt.Errorf("%w: hs256 secret must be at least 32 bytes", ErrConfig)
		}
		m.method = jwt.SigningMethodHS256
	case MethodEd25519:
		if cfg.PublicKey == nil && cfg.PrivateKey != nil {
			m.cfg.PublicKey = cfg.PrivateKey.Public().(ed25519.PublicKey)
		}
		if len(m.cfg.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 requires a public or private key", ErrConfig)
		}
		m.method = jwt.SigningMethodEdDSA
	default:
		return nil, fmt.Errorf("%w: unsupported method %q", ErrConfig, cfg.Method)
	}
	return m, nil
}

// Issue signs a token for a new tab and returns it with the generated tab ID.
func (m *Manager) Issue(profile string) (token, tabID string, err error) {
	var key any
	switch m.cfg.Method {
	case MethodHS256:
		key = m.cfg.Secret
	default:
		if m.cfg.PrivateKey == nil {
			return "", "", fmt.Errorf("%w: manager is verify-only", ErrConfig)
		}
		key = m.cfg.PrivateKey
	}

	now := m.now()
	tabID = uuid.NewString()
	claims := Claims{
		TabID:   tabID,
		Profile: profile,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tabID,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
		},
	}
	if m.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.cfg.Audience}
	}

	token, err = jwt.NewWithClaims(m.method, claims).SignedString(key)
	if err != nil {
		return "", "", err
	}
	return token, tabID, nil
}

// Lifetime is how long an issued token keeps passing Parse: TTL plus leeway.
func (m *Manager) Lifetime() time.Duration {
	return m.cfg.TTL + m.cfg.Leeway
}

// Parse verifies signature, algorithm, expiry, issuer and audience.
func (m *Manager) Parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(m.cfg.Leeway))
	}
	if m.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.cfg.Issuer))
	}
	if m.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.cfg.Audience))
	}

	claims := &Claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		if m.cfg.Method == MethodHS256 {
			return m.cfg.Secret, nil
		}
		return m.cfg.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TabID == "" || claims.Profile == "" {
		return nil, fmt.Errorf("%w: missing tab claims", ErrInvalidToken)
	}
	return claims, nil
}
