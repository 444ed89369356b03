package crypto

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/sandrolain/mqtt-relay/src/models"
)

// EnvKeyPrefix prefixes the environment variables that carry master key
// material for the env key source, e.g. MQTT_RELAY_ENC_KEY_PRIMARY.
const EnvKeyPrefix = "MQTT_RELAY_ENC_KEY_"

// KeyStore is the slice of the persistence layer the key machinery needs.
// Lookups return (nil, nil) when no row exists.
type KeyStore interface {
	CryptoKey(ctx context.Context, keyID string, version int) (*models.CryptoKey, error)
	LatestCryptoKey(ctx context.Context, keyID string) (*models.CryptoKey, error)
	// RotateCryptoVersion persists the given key row (when non-nil) and bumps
	// the singleton config version in a single transaction.
	RotateCryptoVersion(ctx context.Context, persist *models.CryptoKey, newVersion int) error
}

// KeySource fetches 32-byte master key material for a key alias at a
// specific version.
type KeySource interface {
	Fetch(ctx context.Context, keyID string, version int) ([]byte, error)
}

// Keyring binds the active crypto configuration to its key source and
// provides the secret operations the processor and maintenance jobs use.
type Keyring struct {
	cfg   *models.CryptoConfig
	store KeyStore
	src   KeySource
	log   *slog.Logger
}

func NewKeyring(cfg *models.CryptoConfig, store KeyStore) (*Keyring, error) {
	if cfg == nil {
		return nil, ErrBadCryptoConfig
	}
	var src KeySource
	switch cfg.KeySource {
	case models.KeySourceEnv:
		src = &envSource{store: store}
	case models.KeySourceDB:
		src = &dbSource{store: store}
	case models.KeySourceKMS:
		src = newKMSSource(store)
	default:
		return nil, fmt.Errorf("%w: unknown key source %q", ErrBadCryptoConfig, cfg.KeySource)
	}
	return &Keyring{
		cfg:   cfg,
		store: store,
		src:   src,
		log:   slog.Default().With("context", "CRYPTO"),
	}, nil
}

func (k *Keyring) Config() *models.CryptoConfig { return k.cfg }

// ActiveKey returns the master key for the active (key_id, version).
func (k *Keyring) ActiveKey(ctx context.Context) ([]byte, error) {
	return k.src.Fetch(ctx, k.cfg.KeyID, k.cfg.Version)
}

// EncryptSecret seals plaintext under the active configuration and returns
// the envelope token together with the "<key_id>.<version>" stamp to store
// alongside the ciphertext.
func (k *Keyring) EncryptSecret(ctx context.Context, plaintext []byte) (token string, encVersion string, err error) {
	key, err := k.ActiveKey(ctx)
	if err != nil {
		return "", "", err
	}
	token, err = Encrypt(k.cfg.Algorithm, k.cfg.KeyID, key, plaintext)
	if err != nil {
		return "", "", err
	}
	return token, k.cfg.EncryptionVersion(), nil
}

// DecryptSecret opens a token using the key identified by the row's
// encryption_version stamp. An empty stamp means the active key.
func (k *Keyring) DecryptSecret(ctx context.Context, token string, encVersion string) ([]byte, error) {
	keyID, version := k.cfg.KeyID, k.cfg.Version
	if encVersion != "" {
		var err error
		keyID, version, err = ParseEncryptionVersion(encVersion)
		if err != nil {
			return nil, err
		}
	}
	key, err := k.src.Fetch(ctx, keyID, version)
	if err != nil {
		return nil, err
	}
	return Decrypt(token, keyID, key)
}

// envSource reads the live key from the environment. Historical versions
// resolve from the crypto_key table, where rotation parks superseded
// material.
type envSource struct {
	store KeyStore
}

func (s *envSource) Fetch(ctx context.Context, keyID string, version int) ([]byte, error) {
	if s.store != nil {
		row, err := s.store.CryptoKey(ctx, keyID, version)
		if err != nil {
			return nil, err
		}
		if row != nil {
			return DecodeKeyMaterial(row.KeyMaterial)
		}
	}
	return keyFromEnv(keyID)
}

// dbSource reads key material straight from the crypto_key table.
type dbSource struct {
	store KeyStore
}

func (s *dbSource) Fetch(ctx context.Context, keyID string, version int) ([]byte, error) {
	row, err := s.store.CryptoKey(ctx, keyID, version)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: no crypto_key row for %s.%d", ErrKeyNotFound, keyID, version)
	}
	return DecodeKeyMaterial(row.KeyMaterial)
}

// EnvVarName returns the environment variable carrying master key material
// for a key alias.
func EnvVarName(keyID string) string {
	return EnvKeyPrefix + strings.ToUpper(keyID)
}

func keyFromEnv(keyID string) ([]byte, error) {
	name := EnvVarName(keyID)
	raw := os.Getenv(name)
	if raw == "" {
		return nil, fmt.Errorf("%w: environment variable %s not set", ErrKeyNotFound, name)
	}
	return DecodeKeyMaterial(raw)
}

// DecodeKeyMaterial accepts base64 or hex encoded key material and requires
// the decoded key to be exactly 32 bytes.
func DecodeKeyMaterial(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if k, err := base64.StdEncoding.DecodeString(raw); err == nil && len(k) == masterKeyLen {
		return k, nil
	}
	if k, err := hex.DecodeString(raw); err == nil && len(k) == masterKeyLen {
		return k, nil
	}
	return nil, ErrInvalidKeyLength
}

// ParseEncryptionVersion splits a "<key_id>.<version>" row stamp.
func ParseEncryptionVersion(s string) (string, int, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return "", 0, fmt.Errorf("malformed encryption version %q", s)
	}
	v, err := strconv.Atoi(s[i+1:])
	if err != nil || v < 1 {
		return "", 0, fmt.Errorf("malformed encryption version %q", s)
	}
	return s[:i], v, nil
}
