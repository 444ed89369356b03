package models

import (
	"fmt"
	"time"
)

// Algorithm identifies an envelope encryption scheme.
type Algorithm string

const (
	AlgorithmAESGCM     Algorithm = "aes-256-gcm"
	AlgorithmChaCha20   Algorithm = "chacha20-poly1305"
	AlgorithmAESCBCHMAC Algorithm = "aes-256-cbc-hmac"
)

// KeySourceType identifies where master key material comes from.
type KeySourceType string

const (
	KeySourceEnv KeySourceType = "env"
	KeySourceKMS KeySourceType = "kms"
	KeySourceDB  KeySourceType = "db"
)

// CryptoConfig is the singleton row (id=1) describing the active envelope
// scheme. Version increases monotonically on rotation.
type CryptoConfig struct {
	ID        int           `json:"id" gorm:"primaryKey"`
	Algorithm Algorithm     `json:"algorithm" gorm:"size:32;not null;default:aes-256-gcm"`
	KeySource KeySourceType `json:"key_source" gorm:"size:8;not null;default:env"`
	KeyID     string        `json:"key_id" gorm:"size:128;not null;default:PRIMARY"`
	IvBytes   int           `json:"iv_bytes" gorm:"not null;default:12"`
	TagBytes  int           `json:"tag_bytes" gorm:"not null;default:16"`
	Encoding  string        `json:"encoding" gorm:"size:8;not null;default:base64"`
	Version   int           `json:"version" gorm:"not null;default:1"`
	UpdatedAt *time.Time    `json:"updated_at"`
}

func (CryptoConfig) TableName() string { return "crypto_config" }

// EncryptionVersion renders the "<key_id>.<version>" string stamped on
// ciphertext rows.
func (c *CryptoConfig) EncryptionVersion() string {
	return fmt.Sprintf("%s.%d", c.KeyID, c.Version)
}

// CryptoKey holds master key material for one (key_id, version). For the env
// and db sources the material is the base64 or hex encoded 32-byte key; for
// kms it is the base64 KMS-wrapped data key blob.
type CryptoKey struct {
	KeyID       string    `json:"key_id" gorm:"primaryKey;size:128"`
	Version     int       `json:"version" gorm:"primaryKey"`
	KeyMaterial string    `json:"-" gorm:"not null"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (CryptoKey) TableName() string { return "crypto_key" }
