package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sandrolain/mqtt-relay/src/models"
)

// TokenVersion prefixes every envelope token. The v1 prefix is reserved for
// the three schemes below; adding an algorithm requires a new prefix.
const TokenVersion = "v1"

const (
	masterKeyLen = 32
	gcmNonceLen  = 12

	cbcMACHeader = "v1|aes-256-cbc-hmac|"
	cbcInfoEnc   = "aes-cbc|enc"
	cbcInfoMAC   = "aes-cbc|mac"
)

var (
	ErrInvalidKeyLength     = errors.New("key material must be 32 bytes")
	ErrInvalidToken         = errors.New("invalid envelope token")
	ErrAuthTagMismatch      = errors.New("authentication tag mismatch")
	ErrUnsupportedAlgorithm = errors.New("unsupported envelope algorithm")
	ErrKeyNotFound          = errors.New("key material not found")
	ErrBadCryptoConfig      = errors.New("invalid crypto configuration")
)

// Encrypt seals plaintext under a 32-byte master key into a self-describing
// token of the form v1.<alg>.<base64 parts>. keyID feeds the HKDF salt of the
// CBC-HMAC scheme so distinct key aliases yield distinct subkeys from the
// same master key.
func Encrypt(alg models.Algorithm, keyID string, key, plaintext []byte) (string, error) {
	if len(key) != masterKeyLen {
		return "", ErrInvalidKeyLength
	}
	switch alg {
	case models.AlgorithmAESGCM:
		body, err := encryptAESGCM(key, plaintext)
		if err != nil {
			return "", err
		}
		return TokenVersion + "." + string(models.AlgorithmAESGCM) + "." + body, nil
	case models.AlgorithmChaCha20:
		body, err := encryptChaCha(key, plaintext)
		if err != nil {
			return "", err
		}
		return TokenVersion + "." + string(models.AlgorithmChaCha20) + "." + body, nil
	case models.AlgorithmAESCBCHMAC:
		body, err := encryptCBCHMAC(key, keyID, plaintext)
		if err != nil {
			return "", err
		}
		return TokenVersion + "." + string(models.AlgorithmAESCBCHMAC) + "." + body, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// Decrypt opens a token produced by Encrypt. The algorithm is read from the
// token itself; keyID must match the alias used at encryption time for the
// CBC-HMAC scheme. Decrypt never returns partial plaintext.
func Decrypt(token string, keyID string, key []byte) ([]byte, error) {
	if len(key) != masterKeyLen {
		return nil, ErrInvalidKeyLength
	}
	parts := strings.Split(token, ".")
	if len(parts) < 4 {
		return nil, ErrInvalidToken
	}
	if parts[0] != TokenVersion {
		return nil, fmt.Errorf("%w: unsupported token version %q", ErrInvalidToken, parts[0])
	}
	switch models.Algorithm(parts[1]) {
	case models.AlgorithmAESGCM:
		return decryptAESGCM(key, parts[2:])
	case models.AlgorithmChaCha20:
		return decryptChaCha(key, parts[2:])
	case models.AlgorithmAESCBCHMAC:
		return decryptCBCHMAC(key, keyID, parts[2:])
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, parts[1])
	}
}

func encryptAESGCM(key, plaintext []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return b64(nonce) + "." + b64(ct), nil
}

func decryptAESGCM(key []byte, parts []string) ([]byte, error) {
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}
	nonce, err := b64d(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	ct, err := b64d(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidToken
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrAuthTagMismatch
	}
	return plain, nil
}

func encryptChaCha(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("chacha20-poly1305 cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return b64(nonce) + "." + b64(ct), nil
}

func decryptChaCha(key []byte, parts []string) ([]byte, error) {
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}
	nonce, err := b64d(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	ct, err := b64d(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20-poly1305 cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidToken
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrAuthTagMismatch
	}
	return plain, nil
}

// encryptCBCHMAC implements encrypt-then-MAC with independent subkeys so the
// encryption and MAC keys are never reused across roles.
func encryptCBCHMAC(master []byte, keyID string, plaintext []byte) (string, error) {
	encKey, macKey, err := deriveCBCSubkeys(master, keyID)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	tag := cbcTag(macKey, iv, ct)
	return b64(iv) + "." + b64(ct) + "." + b64(tag), nil
}

func decryptCBCHMAC(master []byte, keyID string, parts []string) ([]byte, error) {
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	iv, err := b64d(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	ct, err := b64d(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	tag, err := b64d(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if len(iv) != aes.BlockSize || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, ErrInvalidToken
	}

	encKey, macKey, err := deriveCBCSubkeys(master, keyID)
	if err != nil {
		return nil, err
	}
	// Verify the MAC before touching the ciphertext.
	if !hmac.Equal(tag, cbcTag(macKey, iv, ct)) {
		return nil, ErrAuthTagMismatch
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)
	return pkcs7Unpad(padded, aes.BlockSize)
}

// deriveCBCSubkeys derives the encryption and MAC keys from the master key.
// The salt is bound to the key alias so different aliases produce different
// subkeys even when they share master material.
func deriveCBCSubkeys(master []byte, keyID string) (encKey, macKey []byte, err error) {
	salt := sha256.Sum256([]byte(keyID))
	encKey, err = hkdf.Key(sha256.New, master, salt[:], cbcInfoEnc, masterKeyLen)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving encryption subkey: %w", err)
	}
	macKey, err = hkdf.Key(sha256.New, master, salt[:], cbcInfoMAC, masterKeyLen)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving mac subkey: %w", err)
	}
	return encKey, macKey, nil
}

func cbcTag(macKey, iv, ct []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(cbcMACHeader))
	mac.Write(iv)
	mac.Write(ct)
	return mac.Sum(nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return aead, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidToken
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, ErrInvalidToken
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidToken
		}
	}
	return data[:len(data)-n], nil
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func b64d(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
