package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16

	// DefaultMaxDepth bounds FullyDecrypt.
	DefaultMaxDepth = 10
)

var envelopeRE = regexp.MustCompile(`^[0-9a-f]{24}:[0-9a-f]{32}:[0-9a-f]*$`)

// Cipher seals and opens envelopes under one key. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher keyed by the first 32 bytes of secret.
func New(secret string) (*Cipher, error) {
	if len(secret) < KeySize {
		return nil, &ConfigurationError{Err: ErrShortSecret}
	}
	block, err := aes.NewCipher([]byte(secret[:KeySize]))
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	return &Cipher{aead: aead}, nil
}

// MustNew is New for tests and static setup.
func MustNew(secret string) *Cipher {
	c, err := New(secret)
	if err != nil {
		panic(err)
	}
	return c
}

// IsEnvelope reports whether s has the iv:tag:ciphertext shape.
func IsEnvelope(s string) bool {
	return envelopeRE.MatchString(s)
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	var b strings.Builder
	b.Grow(2*(NonceSize+TagSize+len(ct)) + 2)
	b.WriteString(hex.EncodeToString(nonce))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(tag))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(ct))
	return b.String(), nil
}

// Decrypt opens one layer. Strings that are not envelopes are returned as is.
func (c *Cipher) Decrypt(s string) (string, error) {
	if !IsEnvelope(s) {
		return s, nil
	}
	parts := strings.SplitN(s, ":", 3)
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", &DecryptionError{Err: err}
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", &DecryptionError{Err: err}
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", &DecryptionError{Err: err}
	}
	plain, err := c.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", &DecryptionError{Err: err}
	}
	return string(plain), nil
}

// FullyDecrypt peels envelope layers until the value is plaintext, a layer
// fails to open, a layer makes no progress, or maxDepth layers were opened.
// It returns the last value it could read and never fails.
func (c *Cipher) FullyDecrypt(s string, maxDepth int) string {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	cur := s
	for depth := 0; depth < maxDepth && IsEnvelope(cur); depth++ {
		next, err := c.Decrypt(cur)
		if err != nil || next == cur {
			break
		}
		cur = next
	}
	return cur
}

// Normalize re-encrypts s with exactly one layer.
func (c *Cipher) Normalize(s string) (string, error) {
	return c.Encrypt(c.FullyDecrypt(s, DefaultMaxDepth))
}
