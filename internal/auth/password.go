package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
)

var ErrMalformedHash = errors.New("malformed PIN hash")

type argonParams struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	keyLength   uint32
}

func (p argonParams) key(pin string, salt []byte) []byte {
	return argon2.IDKey([]byte(pin), salt, p.iterations, p.memory, p.parallelism, p.keyLength)
}

// PasswordHasher hashes operator PINs with Argon2id. The parameters are
// encoded in every hash, so verification works across parameter changes.
type PasswordHasher struct {
	params     argonParams
	saltLength uint32
}

func NewPasswordHasher() *PasswordHasher {
	return &PasswordHasher{
		params: argonParams{
			memory:      64 * 1024, // KiB
			iterations:  3,
			parallelism: uint8(min(runtime.NumCPU(), 4)),
			keyLength:   32,
		},
		saltLength: 16,
	}
}

// NewLightPasswordHasher uses minimal cost parameters. Tests only.
func NewLightPasswordHasher() *PasswordHasher {
	return &PasswordHasher{
		params:     argonParams{memory: 1024, iterations: 1, parallelism: 1, keyLength: 32},
		saltLength: 16,
	}
}

// HashPassword returns the PHC encoding
// $argon2id$v=19$m=<KiB>,t=<iterations>,p=<lanes>$<salt>$<key>.
func (ph *PasswordHasher) HashPassword(pin string) (string, error) {
	salt := make([]byte, ph.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	p := ph.params
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.iterations, p.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(p.key(pin, salt)),
	), nil
}

// VerifyPassword checks a PIN against an encoded hash. A wrong PIN is
// (false, nil); an unreadable hash is an error wrapping ErrMalformedHash.
func (ph *PasswordHasher) VerifyPassword(pin, encoded string) (bool, error) {
	params, salt, key, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(key, params.key(pin, salt)) == 1, nil
}

// NeedsRehash reports whether encoded was produced with weaker parameters
// than this hasher uses.
func (ph *PasswordHasher) NeedsRehash(encoded string) bool {
	params, _, _, err := decodeHash(encoded)
	if err != nil {
		return true
	}
	return params.memory < ph.params.memory || params.iterations < ph.params.iterations ||
		params.keyLength < ph.params.keyLength
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, fmt.Errorf("%w: not an argon2id hash", ErrMalformedHash)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedHash, parts[2])
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return p, nil, nil, fmt.Errorf("%w: parameters: %v", ErrMalformedHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: key: %v", ErrMalformedHash, err)
	}
	p.keyLength = uint32(len(key))
	return p, salt, key, nil
}
