// Package auth implements the ChaCha20-Poly1305 AEAD primitive and
// AuthCookie bookkeeping used by the external OAuth collaborator (spec §3,
// §8). The OAuth flow itself is out of scope; this package only provides
// the cryptographic round-trip and the single-use-nonce store operations.
package auth

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Near-One/nayduck/nayduckv1"
	"github.com/Near-One/nayduck/store"
)

// Cipher wraps a ChaCha20-Poly1305 AEAD with a fixed key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals message under aad, producing a self-contained
// nonce||ciphertext blob.
func (c *Cipher) Encrypt(message, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, message, aad), nil
}

// Decrypt opens a blob produced by Encrypt. It fails if aad doesn't match or
// the ciphertext was tampered with (spec §8's round-trip law).
func (c *Cipher) Decrypt(blob, aad []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(blob) < n {
		return nil, errShortCiphertext
	}
	nonce, ciphertext := blob[:n], blob[n:]
	return c.aead.Open(nil, nonce, ciphertext, aad)
}

var errShortCiphertext = shortCiphertextError{}

type shortCiphertextError struct{}

func (shortCiphertextError) Error() string { return "ciphertext shorter than nonce" }

// Cookies issues and verifies single-use AuthCookie nonces (spec §3),
// grounded on backend_db.py's add_auth_cookie/verify_auth_cookie: every
// read/write garbage-collects rows past AuthCookieTTL.
type Cookies struct {
	Store store.Store
}

// Issue records a newly minted cookie for timestamp.
func (c *Cookies) Issue(ctx context.Context, timestamp time.Time, cookie int64) error {
	return c.Store.AddAuthCookie(ctx, nayduckv1.AuthCookie{Timestamp: timestamp, Cookie: cookie})
}

// Verify consumes a cookie minted at timestamp, returning whether it was
// present (and not yet expired/consumed).
func (c *Cookies) Verify(ctx context.Context, timestamp time.Time, cookie int64) (bool, error) {
	return c.Store.VerifyAuthCookie(ctx, nayduckv1.AuthCookie{Timestamp: timestamp, Cookie: cookie})
}
