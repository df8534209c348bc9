package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// VerifyPassword compares a supplied password against the stored
// credential. Rows imported from a legacy snapshot may still hold a
// plaintext password; those are matched in constant time and, on
// success, a bcrypt replacement is returned for in-place upgrade.
// Security review: the plaintext branch exists only for legacy imports.
// TODO: drop the plaintext fallback once all legacy rows have logged in
// once and been upgraded.
func VerifyPassword(stored, supplied string) (ok bool, upgrade string) {
	if stored == "" || supplied == "" {
		return false, ""
	}

	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil, ""
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) != 1 {
		return false, ""
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(supplied), bcrypt.DefaultCost)
	if err != nil {
		return true, ""
	}
	return true, string(hash)
}

// HashPassword returns the bcrypt hash used for newly stored credentials.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isBcryptHash(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") ||
		strings.HasPrefix(stored, "$2b$") ||
		strings.HasPrefix(stored, "$2y$")
}
