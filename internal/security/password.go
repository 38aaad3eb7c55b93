package security

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var ErrUnknownDigest = errors.New("unknown password digest format")

const DefaultBcryptCost = 12

type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

var defaultArgon2Params = Argon2Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 2,
	KeyLen:  32,
	SaltLen: 16,
}

// HashPassword produces a bcrypt digest. cost is clamped to bcrypt's range;
// zero selects DefaultBcryptCost.
func HashPassword(password string, cost int) ([]byte, error) {
	if password == "" {
		return nil, errors.New("password is empty")
	}
	if cost <= 0 {
		cost = DefaultBcryptCost
	}
	cost = max(bcrypt.MinCost, min(cost, bcrypt.MaxCost))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("bcrypt: %w", err)
	}
	return hash, nil
}

// HashArgon2 produces an argon2id digest in the encoding accepted by
// VerifyPassword. Accounts imported from the legacy store carry these.
func HashArgon2(password string, params Argon2Params) ([]byte, error) {
	if params == (Argon2Params{}) {
		params = defaultArgon2Params
	}
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLen)

	result := fmt.Sprintf("$argon2id$v=%d$t=%d,m=%d,p=%d$%s$%s",
		argon2.Version, params.Time, params.Memory, params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))

	return []byte(result), nil
}

// VerifyPassword compares a presented password with a stored digest in
// constant time. A mismatch is reported as (false, nil); an error means the
// digest itself could not be used.
func VerifyPassword(password string, digest []byte) (bool, error) {
	switch {
	case len(digest) == 0:
		return false, nil
	case bytes.HasPrefix(digest, []byte("$argon2id$")):
		return verifyArgon2(password, digest)
	case bytes.HasPrefix(digest, []byte("$2a$")),
		bytes.HasPrefix(digest, []byte("$2b$")),
		bytes.HasPrefix(digest, []byte("$2y$")):
		err := bcrypt.CompareHashAndPassword(digest, []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("bcrypt: %w", err)
		}
		return true, nil
	default:
		return false, ErrUnknownDigest
	}
}

func verifyArgon2(password string, encoded []byte) (bool, error) {
	// "", "argon2id", "v=19", "t=3,m=65536,p=2", salt, hash
	parts := strings.Split(string(encoded), "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("parse hash: %w", ErrUnknownDigest)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("parse version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}

	var params Argon2Params
	if _, err := fmt.Sscanf(parts[3], "t=%d,m=%d,p=%d", &params.Time, &params.Memory, &params.Threads); err != nil {
		return false, fmt.Errorf("parse params: %w", err)
	}

	salt, err := decodeArgon2Segment(parts[4])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	hash, err := decodeArgon2Segment(parts[5])
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}

	computed := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, uint32(len(hash)))

	return subtle.ConstantTimeCompare(hash, computed) == 1, nil
}

// decodeArgon2Segment accepts both padded and unpadded base64, since older
// digests were written with StdEncoding.
func decodeArgon2Segment(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
