package security

import (
	"errors"

	"github.com/cwrk-planet/signaling-service/internal/domain"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a room password. Empty input means an open room
// and yields an empty hash.
func HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// CheckPassword compares a candidate against the stored hash. bcrypt's
// compare is constant-time over the hash payload.
func CheckPassword(hash, plain string) error {
	if hash == "" {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return domain.ErrInvalidPassword
		}
		return err
	}

	return nil
}
