// Package token encodes subscription identities into opaque, tamper-evident strings.
//
// A token is base64url(nonce || XChaCha20-Poly1305(cbor(payload))). Any modified byte
// fails authentication, so a decoded payload is always exactly what was encoded.
package token

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"citaprevia-notifier/pkg/notifier"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var encoding = base64.RawURLEncoding.Strict()

// Codec encrypts and authenticates token payloads.
type Codec struct {
	aead cipher.AEAD
}

// New creates a codec from a 32-byte key.
func New(key []byte) (*Codec, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// ParseKey decodes a base64url key as stored in SECRET_KEY. Padded and unpadded forms are accepted.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	key, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// GenerateKey returns a fresh random key in the SECRET_KEY format.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

// Encode returns the URL-safe opaque form of p.
func (c *Codec) Encode(p notifier.TokenPayload) (string, error) {
	plaintext, err := cbor.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return encoding.EncodeToString(sealed), nil
}

// Decode authenticates and opens a token. All failures wrap notifier.ErrInvalidToken.
func (c *Codec) Decode(s string) (notifier.TokenPayload, error) {
	var p notifier.TokenPayload

	raw, err := encoding.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("%w: %w", notifier.ErrInvalidToken, err)
	}
	if len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return p, fmt.Errorf("%w: too short", notifier.ErrInvalidToken)
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return p, fmt.Errorf("%w: %w", notifier.ErrInvalidToken, err)
	}

	if err := cbor.Unmarshal(plaintext, &p); err != nil {
		return p, fmt.Errorf("%w: %w", notifier.ErrInvalidToken, err)
	}
	if p.ID == "" || p.PostalCode == "" || p.UserEmail == "" {
		return notifier.TokenPayload{}, fmt.Errorf("%w: %w", notifier.ErrInvalidToken, errors.New("incomplete payload"))
	}
	return p, nil
}
