package control

import (
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized is returned when a request does not carry the shared secret.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator verifies the credential presented with a request.
type Authenticator interface {
	Authenticate(secret string) error
}

// SharedSecret authenticates requests against a single pre-shared key.
type SharedSecret struct {
	key []byte
}

func NewSharedSecret(secret string) SharedSecret {
	return SharedSecret{key: []byte(secret)}
}

// Authenticate compares in constant time. An empty key accepts nothing.
func (s SharedSecret) Authenticate(secret string) error {
	if len(s.key) == 0 || subtle.ConstantTimeCompare(s.key, []byte(secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
