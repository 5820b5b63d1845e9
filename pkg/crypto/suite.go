// Package crypto is lockbase's one concession to key-derivation
// cryptography beyond the opaque client-side primitives: a concrete
// X25519 + ChaCha20-Poly1305 implementation of the deterministic
// key-agreement scheme the connection handshake needs to produce an
// encrypted validation nonce from a user's public key.
//
// Nothing here is part of the zero-knowledge data path — it only proves
// the client holds the private key matching the public key on file, the
// same way a TLS client-certificate challenge would.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const nonceSize = 32

var hkdfInfo = []byte("lockbase-validation-nonce-v1")

// Suite holds the server's static X25519 keypair.
type Suite struct {
	privateKey [32]byte
	publicKey  [32]byte
}

// GenerateServerKey returns a fresh random X25519 private key suitable for
// NewSuite.
func GenerateServerKey() ([32]byte, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, fmt.Errorf("crypto: generate server key: %w", err)
	}
	return priv, nil
}

// NewSuite derives the server's public key from privateKey.
func NewSuite(privateKey [32]byte) *Suite {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &privateKey)
	return &Suite{privateKey: privateKey, publicKey: pub}
}

// ServerPublicKey is the value returned at the
// GET /v1/api/auth/server-public-key boundary.
func (s *Suite) ServerPublicKey() []byte {
	out := make([]byte, 32)
	copy(out, s.publicKey[:])
	return out
}

// DeriveValidationNonce computes the X25519 shared secret between the
// server's static key and userPublicKey, derives a 32-byte nonce from it
// with HKDF, and seals that nonce with ChaCha20-Poly1305 using the shared
// secret itself as the key. The result is deterministic in the shared secret (the same user
// always yields the same plaintext nonce) but the ciphertext itself is
// randomized per call via its AEAD nonce.
func (s *Suite) DeriveValidationNonce(userPublicKey []byte) (plaintext, encrypted []byte, err error) {
	if len(userPublicKey) != 32 {
		return nil, nil, fmt.Errorf("crypto: public key must be 32 bytes, got %d", len(userPublicKey))
	}

	var pub [32]byte
	copy(pub[:], userPublicKey)
	var shared [32]byte
	curve25519.ScalarMult(&shared, &s.privateKey, &pub)

	kdf := hkdf.New(sha256.New, shared[:], nil, hkdfInfo)
	plaintext = make([]byte, nonceSize)
	if _, err := io.ReadFull(kdf, plaintext); err != nil {
		return nil, nil, fmt.Errorf("crypto: derive nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(shared[:])
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	sealNonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, sealNonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: seal nonce: %w", err)
	}
	encrypted = aead.Seal(sealNonce, sealNonce, plaintext, nil)
	return plaintext, encrypted, nil
}

// Compare reports whether the client's decrypted nonce matches the
// plaintext the server generated, in constant time.
func Compare(candidate, expected []byte) bool {
	return len(candidate) == len(expected) && subtle.ConstantTimeCompare(candidate, expected) == 1
}
