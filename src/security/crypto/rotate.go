package crypto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sandrolain/mqtt-relay/src/models"
)

type dataKeyMinter interface {
	GenerateDataKey(ctx context.Context, keyID string) (string, error)
}

// Rotate advances the active key version. Persisted key material and the
// version bump land in one transaction so historical decrypts stay possible.
// Returns the new active version.
//
// Per key source:
//   - env: the current environment key is recorded at the superseded version;
//     the operator replaces the variable out of band.
//   - db: a fresh random 32-byte key is stored at the new version.
//   - kms: a new data key is minted under the alias and its wrapped blob is
//     stored at the new version.
func (k *Keyring) Rotate(ctx context.Context) (int, error) {
	cfg := k.cfg
	newVersion := cfg.Version + 1
	var persist *models.CryptoKey

	switch cfg.KeySource {
	case models.KeySourceEnv:
		current, err := keyFromEnv(cfg.KeyID)
		if err != nil {
			return 0, err
		}
		persist = &models.CryptoKey{
			KeyID:       cfg.KeyID,
			Version:     cfg.Version,
			KeyMaterial: base64.StdEncoding.EncodeToString(current),
			UpdatedAt:   time.Now(),
		}
	case models.KeySourceDB:
		fresh := make([]byte, masterKeyLen)
		if _, err := rand.Read(fresh); err != nil {
			return 0, fmt.Errorf("generating key material: %w", err)
		}
		persist = &models.CryptoKey{
			KeyID:       cfg.KeyID,
			Version:     newVersion,
			KeyMaterial: base64.StdEncoding.EncodeToString(fresh),
			UpdatedAt:   time.Now(),
		}
	case models.KeySourceKMS:
		minter, ok := k.src.(dataKeyMinter)
		if !ok {
			return 0, fmt.Errorf("%w: key source cannot mint data keys", ErrBadCryptoConfig)
		}
		wrapped, err := minter.GenerateDataKey(ctx, cfg.KeyID)
		if err != nil {
			return 0, err
		}
		persist = &models.CryptoKey{
			KeyID:       cfg.KeyID,
			Version:     newVersion,
			KeyMaterial: wrapped,
			UpdatedAt:   time.Now(),
		}
	default:
		return 0, fmt.Errorf("%w: unknown key source %q", ErrBadCryptoConfig, cfg.KeySource)
	}

	if err := k.store.RotateCryptoVersion(ctx, persist, newVersion); err != nil {
		return 0, fmt.Errorf("persisting rotation: %w", err)
	}
	cfg.Version = newVersion
	k.log.Info("key rotated", "keyId", cfg.KeyID, "source", cfg.KeySource, "version", newVersion)
	if cfg.KeySource == models.KeySourceEnv {
		k.log.Warn("update the environment variable and re-encrypt stored secrets",
			"variable", EnvVarName(cfg.KeyID))
	}
	return newVersion, nil
}
