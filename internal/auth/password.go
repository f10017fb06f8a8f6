// Package auth holds the building blocks of authentication: password
// hashing, server-side sessions, the per-request session resolver, email
// verification tokens and the OAuth provider clients. Nothing here knows
// about HTTP routes or business rules; those live in service and handler.
//
// PASSWORD HASHING WITH ARGON2ID
// Argon2id is a memory-hard password hash. Each guess costs the attacker
// both CPU time and a fixed amount of RAM, which makes GPU and ASIC cracking
// rigs far less effective than against bcrypt or a plain SHA-256.
//
// The output is stored as a PHC string, the same layout libsodium and most
// Argon2 libraries use:
//
//	$argon2id$v=19$m=19456,t=2,p=1$<salt>$<key>
//	 ^        ^    ^       ^   ^    ^      ^
//	 |        |    |       |   |    |      derived key, base64 (no padding)
//	 |        |    |       |   |    random salt, base64 (no padding)
//	 |        |    |       |   parallelism (lanes)
//	 |        |    |       iterations (time cost)
//	 |        |    memory in KiB
//	 |        argon2 version
//	 algorithm
//
// Everything Verify needs is inside the string. Raising the cost later only
// changes new hashes; old ones still verify with the parameters they carry,
// and NeedsRehash tells the caller to upgrade them on the next sign-in.
//
// LEGACY BCRYPT HASHES:
// Accounts imported from older systems may carry bcrypt hashes ("$2a$...",
// "$2b$..."). Verify recognises the prefix and hands those to
// golang.org/x/crypto/bcrypt.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher is the capability the sign-up and sign-in flows need.
//
// Verify distinguishes two kinds of "no":
//   - (false, nil)  the password is wrong
//   - (false, err)  the stored hash is unusable (corrupt row, unknown format)
//
// Callers treat both as a failed sign-in, but only the second one is logged.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(hash, plaintext string) (bool, error)
}

// Argon2Params are the Argon2id cost parameters.
//
// Memory is in KiB, so 19456 means 19 MiB per hash. SaltLength and KeyLength
// are in bytes.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params follow the OWASP minimum for Argon2id
// (19 MiB, 2 iterations, 1 lane).
//
// TUNING:
// Aim for a hash that takes tens of milliseconds on production hardware.
// Memory is the stronger knob against cracking hardware; raise it before
// raising iterations.
var DefaultArgon2Params = Argon2Params{
	Memory:      19456,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Errors returned by Verify when the stored hash cannot be used.
var (
	ErrMalformedHash       = errors.New("auth: malformed password hash")
	ErrIncompatibleVersion = errors.New("auth: incompatible argon2 version")
)

// PasswordService hashes with Argon2id and verifies both Argon2id and
// legacy bcrypt hashes.
//
// It's a struct (not free functions) so tests can inject tiny parameters:
// hashing with 64 KiB instead of 19 MiB keeps the test suite fast without
// changing the code path under test.
type PasswordService struct {
	params Argon2Params
}

// Compile-time check that PasswordService satisfies PasswordHasher.
var _ PasswordHasher = (*PasswordService)(nil)

// NewPasswordService creates a PasswordService with DefaultArgon2Params.
func NewPasswordService() *PasswordService {
	return &PasswordService{params: DefaultArgon2Params}
}

// NewPasswordServiceWithParams is used by tests in other packages to hash
// cheaply.
func NewPasswordServiceWithParams(p Argon2Params) *PasswordService {
	return &PasswordService{params: p}
}

// NewPasswordServiceForTest returns a service with the smallest parameters
// argon2 accepts. Never use it outside tests.
func NewPasswordServiceForTest() *PasswordService {
	return NewPasswordServiceWithParams(Argon2Params{
		Memory:      64,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
}

// Hash returns a fresh PHC-encoded Argon2id hash. A new random salt is drawn
// every call, so equal passwords never share a hash.
func (p *PasswordService) Hash(plaintext string) (string, error) {
	salt := make([]byte, p.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt,
		p.params.Iterations, p.params.Memory, p.params.Parallelism, p.params.KeyLength)

	return encodePHC(p.params, salt, key), nil
}

// Verify checks plaintext against a stored hash.
//
// For Argon2id the key is re-derived with the salt and parameters read from
// the hash, then compared with subtle.ConstantTimeCompare. A plain == on the
// byte slices would return as soon as one byte differs, leaking through
// response timing how much of the key matched.
func (p *PasswordService) Verify(hash, plaintext string) (bool, error) {
	if isBcrypt(hash) {
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, fmt.Errorf("auth: comparing bcrypt hash: %w", err)
	}

	params, salt, key, err := decodePHC(hash)
	if err != nil {
		return false, err
	}

	other := argon2.IDKey([]byte(plaintext), salt,
		params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	return subtle.ConstantTimeCompare(key, other) == 1, nil
}

// NeedsRehash reports whether hash should be replaced on the next successful
// sign-in: legacy bcrypt, unreadable, or made with different parameters.
func (p *PasswordService) NeedsRehash(hash string) bool {
	if isBcrypt(hash) {
		return true
	}
	params, salt, _, err := decodePHC(hash)
	if err != nil {
		return true
	}
	return params.Memory != p.params.Memory ||
		params.Iterations != p.params.Iterations ||
		params.Parallelism != p.params.Parallelism ||
		params.KeyLength != p.params.KeyLength ||
		uint32(len(salt)) != p.params.SaltLength
}

// isBcrypt reports whether hash uses one of the bcrypt prefixes.
func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2")
}

// encodePHC formats the parameters, salt and key as a PHC string.
func encodePHC(p Argon2Params, salt, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}

// decodePHC is the inverse of encodePHC. Salt and key lengths come from the
// decoded bytes, not from the current defaults.
func decodePHC(hash string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	if version != argon2.Version {
		return p, nil, nil, ErrIncompatibleVersion
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return p, nil, nil, ErrMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, ErrMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, ErrMalformedHash
	}

	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))
	return p, salt, key, nil
}
