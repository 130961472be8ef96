package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	algorithmID           = "argon2id"
)

var (
	// ErrPolicy is returned by Hash for passwords outside the configured length bounds.
	ErrPolicy = errors.New("password does not meet policy")
	// ErrMalformedHash is returned for stored hashes that are not argon2id PHC strings.
	ErrMalformedHash = errors.New("malformed password hash")
)

// Config holds Argon2id cost parameters and the length policy applied before hashing.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	// MinBytes and MaxBytes bound the raw password length. MaxBytes 0 means no upper bound.
	MinBytes int
	MaxBytes int
}

// DefaultConfig is suitable for interactive sign-in on a server.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
		MinBytes:    8,
		MaxBytes:    256,
	}
}

// Hasher hashes and verifies user passwords.
type Hasher struct {
	config Config
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

// NewArgon2 validates cfg and returns a Hasher.
func NewArgon2(cfg Config) (*Hasher, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Hasher{config: cfg}, nil
}

// Check applies the length policy without hashing.
func (h *Hasher) Check(password string) error {
	n := len(password)
	if n < h.config.MinBytes {
		return fmt.Errorf("%w: at least %d bytes required", ErrPolicy, h.config.MinBytes)
	}
	if h.config.MaxBytes > 0 && n > h.config.MaxBytes {
		return fmt.Errorf("%w: at most %d bytes allowed", ErrPolicy, h.config.MaxBytes)
	}
	return nil
}

// Hash returns the PHC encoding of password. Bytes are hashed exactly as given.
func (h *Hasher) Hash(password string) (string, error) {
	if err := h.Check(password); err != nil {
		return "", err
	}

	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password), salt, h.config.Time, h.config.Memory, h.config.Parallelism, h.config.KeyLength)

	return phc{
		memory:      h.config.Memory,
		time:        h.config.Time,
		parallelism: h.config.Parallelism,
		salt:        salt,
		key:         key,
	}.String(), nil
}

// Verify reports whether password matches encoded. A malformed hash is an error, a mismatch
// is not.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	p, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}

	key := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(key, p.key) == 1, nil
}

// NeedsUpgrade reports whether encoded was produced with weaker parameters than h.
func (h *Hasher) NeedsUpgrade(encoded string) (bool, error) {
	p, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	return h.config.Memory > p.memory ||
		h.config.Time > p.time ||
		h.config.Parallelism > p.parallelism ||
		h.config.KeyLength != uint32(len(p.key)), nil
}

func (p phc) String() string {
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID, argon2.Version, p.memory, p.time, p.parallelism,
		b64.EncodeToString(p.salt), b64.EncodeToString(p.key))
}

func decodePHC(encoded string) (phc, error) {
	var p phc

	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != algorithmID {
		return p, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, fmt.Errorf("%w: version %q", ErrMalformedHash, fields[2])
	}

	var par uint32
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &par); err != nil {
		return p, fmt.Errorf("%w: parameters %q", ErrMalformedHash, fields[3])
	}
	if p.memory < minMemoryKB || p.time < minTimeCost || par < uint32(minParallelism) || par > 255 {
		return p, fmt.Errorf("%w: parameters out of range", ErrMalformedHash)
	}
	p.parallelism = uint8(par)

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil || len(p.salt) < int(minSaltLength) {
		return p, fmt.Errorf("%w: salt", ErrMalformedHash)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(fields[5]); err != nil || len(p.key) == 0 {
		return p, fmt.Errorf("%w: key", ErrMalformedHash)
	}
	return p, nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Memory < minMemoryKB:
		return errors.New("password memory must be >= 8192 KB")
	case cfg.Time < minTimeCost:
		return errors.New("password time must be >= 1")
	case cfg.Parallelism < minParallelism:
		return errors.New("password parallelism must be >= 1")
	case cfg.SaltLength < minSaltLength:
		return errors.New("password salt length must be >= 16")
	case cfg.KeyLength < minKeyLength:
		return errors.New("password key length must be >= 16")
	case cfg.MinBytes < 1:
		return errors.New("password MinBytes must be >= 1")
	case cfg.MaxBytes != 0 && cfg.MaxBytes < cfg.MinBytes:
		return errors.New("password MaxBytes must be >= MinBytes")
	}
	return nil
}
