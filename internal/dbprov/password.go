package dbprov

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	hashScheme    = "pbkdf2-sha512"
	saltSize      = 16
	keySize       = 64
	DefaultRounds = 600000
)

// HashPassword derives a pbkdf2-sha512 hash in the modular crypt format the
// tenant application verifies at login: $pbkdf2-sha512$rounds$salt$checksum.
func HashPassword(password string, rounds int) (string, error) {
	if rounds <= 0 {
		rounds = DefaultRounds
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "generate salt")
	}
	return encodeHash(password, salt, rounds), nil
}

func encodeHash(password string, salt []byte, rounds int) string {
	key := pbkdf2.Key([]byte(password), salt, rounds, keySize, sha512.New)
	return fmt.Sprintf("$%s$%d$%s$%s", hashScheme, rounds, ab64Encode(salt), ab64Encode(key))
}

// VerifyPassword reports whether password matches an encoded hash.
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != hashScheme {
		return false
	}
	rounds, err := strconv.Atoi(parts[2])
	if err != nil || rounds <= 0 {
		return false
	}
	salt, err := ab64Decode(parts[3])
	if err != nil {
		return false
	}
	want := encodeHash(password, salt, rounds)
	return subtle.ConstantTimeCompare([]byte(want), []byte(encoded)) == 1
}

// GeneratePassword returns a random URL-safe password of n bytes of entropy.
func GeneratePassword(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate password")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ab64 is unpadded base64 with '.' in place of '+'.
func ab64Encode(b []byte) string {
	return strings.ReplaceAll(base64.RawStdEncoding.EncodeToString(b), "+", ".")
}

func ab64Decode(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.ReplaceAll(s, ".", "+"))
}
