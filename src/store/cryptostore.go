package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sandrolain/mqtt-relay/src/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CryptoConfigRow loads the singleton crypto configuration, or (nil, nil)
// when the schema has not been migrated yet.
func (s *Store) CryptoConfigRow(ctx context.Context) (*models.CryptoConfig, error) {
	var cfg models.CryptoConfig
	result := s.db.WithContext(ctx).Where("id = ?", 1).Limit(1).Find(&cfg)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load crypto config: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &cfg, nil
}

// CryptoKey returns the key row for (key_id, version), or (nil, nil) when
// absent.
func (s *Store) CryptoKey(ctx context.Context, keyID string, version int) (*models.CryptoKey, error) {
	var key models.CryptoKey
	result := s.db.WithContext(ctx).
		Where("key_id = ? AND version = ?", keyID, version).
		Limit(1).
		Find(&key)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load crypto key %s.%d: %w", keyID, version, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &key, nil
}

// LatestCryptoKey returns the highest-version key row for an alias, or
// (nil, nil) when the alias has no rows.
func (s *Store) LatestCryptoKey(ctx context.Context, keyID string) (*models.CryptoKey, error) {
	var key models.CryptoKey
	result := s.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		Order("version DESC").
		Limit(1).
		Find(&key)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load latest crypto key %s: %w", keyID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &key, nil
}

// RotateCryptoVersion persists the given key row (when non-nil) and bumps
// the config version in one transaction, so the newest row is always the
// active version's predecessor or its material.
func (s *Store) RotateCryptoVersion(ctx context.Context, persist *models.CryptoKey, newVersion int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if persist != nil {
			persist.UpdatedAt = now
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key_id"}, {Name: "version"}},
				DoUpdates: clause.AssignmentColumns([]string{"key_material", "updated_at"}),
			}).Create(persist).Error
			if err != nil {
				return fmt.Errorf("failed to persist crypto key %s.%d: %w", persist.KeyID, persist.Version, err)
			}
		}
		result := tx.Model(&models.CryptoConfig{}).
			Where("id = ?", 1).
			Updates(map[string]any{"version": newVersion, "updated_at": now})
		if result.Error != nil {
			return fmt.Errorf("failed to bump crypto version: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("crypto config row missing; run migrate first")
		}
		return nil
	})
}

// EncryptedDestinations lists destinations carrying an encrypted secret.
func (s *Store) EncryptedDestinations(ctx context.Context) ([]models.ClientDestination, error) {
	var destinations []models.ClientDestination
	err := s.db.WithContext(ctx).
		Where("password_enc IS NOT NULL").
		Order("id ASC").
		Find(&destinations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list encrypted destinations: %w", err)
	}
	return destinations, nil
}

// UpdateDestinationSecret swaps one destination's ciphertext and stamp.
func (s *Store) UpdateDestinationSecret(ctx context.Context, id int, passwordEnc []byte, encVersion string) error {
	result := s.db.WithContext(ctx).Model(&models.ClientDestination{}).
		Where("id = ?", id).
		Updates(map[string]any{"password_enc": passwordEnc, "encryption_version": encVersion})
	if result.Error != nil {
		return fmt.Errorf("failed to update destination #%d secret: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("destination #%d not found", id)
	}
	return nil
}
