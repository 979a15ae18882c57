package krypto

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// SecretMarker is a string we can look for in logs to see if the app
	// is accidentally exposing secrets.
	SecretMarker = "<!SECRET_REDACTED!>"
)

var ErrInvalidKey = errors.New("invalid key")

// Key is a 32 byte secret key. Keys are used for signing tokens,
// encrypting data at rest and deriving blind indexes.
//
// Like Password and Secret, the type implements the common formatting
// interfaces to prevent the key from ending up in logs.
type Key struct {
	value []byte
}

// ParseKey expects a hex encoded key of 32 bytes (64 bytes as hex).
func ParseKey(raw string) (Key, error) {
	if len(raw) != keyLen*2 {
		return Key{}, ErrInvalidKey
	}

	k := make([]byte, keyLen)
	_, err := hex.Decode(k, []byte(raw))
	if err != nil {
		return Key{}, ErrInvalidKey
	}

	return Key{
		value: k,
	}, nil
}

// GenerateKey creates a new random key.
func GenerateKey() (Key, error) {
	b, err := genRandomBytes(keyLen)
	if err != nil {
		return Key{}, err
	}

	return Key{
		value: b,
	}, nil
}

func (k Key) Format(f fmt.State, verb rune) {
	f.Write([]byte(SecretMarker))
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(SecretMarker), nil
}

// UnmarshalText parses a hex encoded key. It allows keys to be decoded
// directly from the environment or other configuration sources.
func (k *Key) UnmarshalText(text []byte) error {
	key, err := ParseKey(string(text))
	if err != nil {
		return err
	}

	*k = key

	return nil
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return len(k.value) == 0
}

// SecretValue returns the key as a byte slice. This is provided
// as an escape hatch for cases where the key needs to be provided
// to third party packages or libraries.
func (k Key) SecretValue() []byte {
	return k.value
}
