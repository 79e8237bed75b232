// Package session provides the identity layer: sealed expert tokens and the
// client-side gate the sync core consumes.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Claims is the payload sealed inside a token.
type Claims struct {
	ExpertID int64     `json:"expert_id"`
	Handle   string    `json:"handle"`
	IssuedAt time.Time `json:"issued_at"`
}

// DeriveKey turns an arbitrary secret string into the 32-byte key AES-256
// requires.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Seal encrypts claims into an opaque hex token using AES-GCM.
// GCM provides authenticated encryption, so a tampered token fails Open
// rather than yielding garbage claims.
func Seal(claims Claims, key []byte) (string, error) {
	plaintext, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	// Unique nonce per token, prepended so Open can recover it.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf("%x", ciphertext), nil
}

// Open decrypts and authenticates a token, returning its claims.
func Open(token string, key []byte) (Claims, error) {
	var ciphertext []byte
	if _, err := fmt.Sscanf(token, "%x", &ciphertext); err != nil {
		return Claims{}, fmt.Errorf("malformed token")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Claims{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Claims{}, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return Claims{}, fmt.Errorf("token too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return Claims{}, fmt.Errorf("token rejected (wrong key or tampered)")
	}

	var claims Claims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return Claims{}, fmt.Errorf("malformed token payload")
	}
	return claims, nil
}
