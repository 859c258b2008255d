// Package crypto provides key hashing, key derivation and content
// encryption for user-visible text fields.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLength  = 32

	// IdentitySalt is the constant salt used for the identity-token key
	// derivation path (keyed on uid, not on a per-key secret).
	IdentitySalt = "cachebash_mobile_v1"
	// apiKeySaltPrefix is prepended to the first 16 hex chars of the key
	// hash to derive the per-API-key encryption key's salt.
	apiKeySaltPrefix = "cachebash_e2e_v1_"
)

// HashKey returns the hex-encoded SHA-256 digest of the raw API key. This
// is the value used as the apiKeys/keyIndex document id.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// DeriveKey runs PBKDF2-HMAC-SHA256 with 100k iterations, returning a
// 32-byte key suitable for AES-256.
func DeriveKey(secret, salt string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(salt), pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
}

// DeriveKeyForIdentityToken derives the encryption key for the identity
// (mobile) auth path: PBKDF2(uid, constant salt).
func DeriveKeyForIdentityToken(uid string) []byte {
	return DeriveKey(uid, IdentitySalt)
}

// DeriveKeyForAPIKey derives the encryption key for the API-key auth path:
// PBKDF2(raw key, salt = prefix ++ first 16 hex chars of the key hash).
func DeriveKeyForAPIKey(rawKey, keyHash string) []byte {
	prefixLen := 16
	if len(keyHash) < prefixLen {
		prefixLen = len(keyHash)
	}
	salt := apiKeySaltPrefix + keyHash[:prefixLen]
	return DeriveKey(rawKey, salt)
}

// Encrypt AES-256-CBC encrypts plaintext under key, with a random 16-byte
// IV, returning base64(IV ‖ ciphertext). Two encryptions of the same
// plaintext differ because the IV is freshly random every call.
func Encrypt(key []byte, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("crypto: iv read: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, padded)

	out := append(iv, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func Decrypt(key []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: base64 decode: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}

	blockSize := block.BlockSize()
	if len(raw) < blockSize || len(raw)%blockSize != 0 {
		return nil, errors.New("crypto: ciphertext is not a multiple of the block size")
	}

	iv, ciphertext := raw[:blockSize], raw[blockSize:]
	if len(ciphertext) == 0 {
		return nil, errors.New("crypto: empty ciphertext")
	}

	plainPadded := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plainPadded, ciphertext)

	return pkcs7Unpad(plainPadded)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("crypto: cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("crypto: invalid padding")
	}
	return data[:len(data)-padLen], nil
}

// ConstantTimeEqual compares two secrets without leaking timing information.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
