package crypto_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/security/crypto"
)

type fakeKeyStore struct {
	keys       map[string]*models.CryptoKey
	version    int
	rotateErr  error
	rotateDone bool
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: map[string]*models.CryptoKey{}}
}

func (f *fakeKeyStore) put(k *models.CryptoKey) {
	f.keys[fmt.Sprintf("%s.%d", k.KeyID, k.Version)] = k
}

func (f *fakeKeyStore) CryptoKey(_ context.Context, keyID string, version int) (*models.CryptoKey, error) {
	return f.keys[fmt.Sprintf("%s.%d", keyID, version)], nil
}

func (f *fakeKeyStore) LatestCryptoKey(_ context.Context, keyID string) (*models.CryptoKey, error) {
	var latest *models.CryptoKey
	for _, k := range f.keys {
		if k.KeyID == keyID && (latest == nil || k.Version > latest.Version) {
			latest = k
		}
	}
	return latest, nil
}

func (f *fakeKeyStore) RotateCryptoVersion(_ context.Context, persist *models.CryptoKey, newVersion int) error {
	if f.rotateErr != nil {
		return f.rotateErr
	}
	if persist != nil {
		f.put(persist)
	}
	f.version = newVersion
	f.rotateDone = true
	return nil
}

func envConfig(version int) *models.CryptoConfig {
	return &models.CryptoConfig{
		ID:        1,
		Algorithm: models.AlgorithmAESGCM,
		KeySource: models.KeySourceEnv,
		KeyID:     "PRIMARY",
		IvBytes:   12,
		TagBytes:  16,
		Encoding:  "base64",
		Version:   version,
	}
}

func TestKeyringEnvSourceSecretRoundTrip(t *testing.T) {
	key := testKey(t)
	t.Setenv("MQTT_RELAY_ENC_KEY_PRIMARY", base64.StdEncoding.EncodeToString(key))

	ring, err := crypto.NewKeyring(envConfig(1), newFakeKeyStore())
	require.NoError(t, err)

	active, err := ring.ActiveKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key, active)

	token, encVersion, err := ring.EncryptSecret(context.Background(), []byte("db-password"))
	require.NoError(t, err)
	assert.Equal(t, "PRIMARY.1", encVersion)

	plain, err := ring.DecryptSecret(context.Background(), token, encVersion)
	require.NoError(t, err)
	assert.Equal(t, "db-password", string(plain))

	// Empty stamp falls back to the active key.
	plain, err = ring.DecryptSecret(context.Background(), token, "")
	require.NoError(t, err)
	assert.Equal(t, "db-password", string(plain))
}

func TestKeyringEnvHistoricalKeyFromTable(t *testing.T) {
	oldKey := testKey(t)
	newKey := testKey(t)
	t.Setenv("MQTT_RELAY_ENC_KEY_PRIMARY", base64.StdEncoding.EncodeToString(newKey))

	store := newFakeKeyStore()
	store.put(&models.CryptoKey{
		KeyID:       "PRIMARY",
		Version:     1,
		KeyMaterial: base64.StdEncoding.EncodeToString(oldKey),
	})

	ring, err := crypto.NewKeyring(envConfig(2), store)
	require.NoError(t, err)

	// Token produced before the rotation, under the superseded key.
	oldToken, err := crypto.Encrypt(models.AlgorithmAESGCM, "PRIMARY", oldKey, []byte("legacy"))
	require.NoError(t, err)

	plain, err := ring.DecryptSecret(context.Background(), oldToken, "PRIMARY.1")
	require.NoError(t, err)
	assert.Equal(t, "legacy", string(plain))
}

func TestKeyringEnvMissingVariable(t *testing.T) {
	t.Setenv("MQTT_RELAY_ENC_KEY_PRIMARY", "")

	ring, err := crypto.NewKeyring(envConfig(1), newFakeKeyStore())
	require.NoError(t, err)

	_, err = ring.ActiveKey(context.Background())
	assert.ErrorIs(t, err, crypto.ErrKeyNotFound)
}

func TestKeyringDBSource(t *testing.T) {
	key := testKey(t)
	store := newFakeKeyStore()
	store.put(&models.CryptoKey{
		KeyID:       "PRIMARY",
		Version:     3,
		KeyMaterial: base64.StdEncoding.EncodeToString(key),
	})

	cfg := envConfig(3)
	cfg.KeySource = models.KeySourceDB

	ring, err := crypto.NewKeyring(cfg, store)
	require.NoError(t, err)

	active, err := ring.ActiveKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key, active)

	_, err = ring.DecryptSecret(context.Background(), "v1.aes-256-gcm.AAAA.AAAA", "PRIMARY.9")
	assert.ErrorIs(t, err, crypto.ErrKeyNotFound)
}

func TestKeyringUnknownSource(t *testing.T) {
	cfg := envConfig(1)
	cfg.KeySource = models.KeySourceType("vault")
	_, err := crypto.NewKeyring(cfg, newFakeKeyStore())
	assert.ErrorIs(t, err, crypto.ErrBadCryptoConfig)
}

func TestRotateEnvPersistsCurrentMaterial(t *testing.T) {
	key := testKey(t)
	t.Setenv("MQTT_RELAY_ENC_KEY_PRIMARY", base64.StdEncoding.EncodeToString(key))

	store := newFakeKeyStore()
	cfg := envConfig(3)
	ring, err := crypto.NewKeyring(cfg, store)
	require.NoError(t, err)

	newVersion, err := ring.Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, newVersion)
	assert.Equal(t, 4, cfg.Version)
	assert.Equal(t, 4, store.version)

	// The superseded material must be readable at the old version.
	row, err := store.CryptoKey(context.Background(), "PRIMARY", 3)
	require.NoError(t, err)
	require.NotNil(t, row)
	material, err := crypto.DecodeKeyMaterial(row.KeyMaterial)
	require.NoError(t, err)
	assert.Equal(t, key, material)
}

func TestRotateDBMintsFreshKey(t *testing.T) {
	oldKey := testKey(t)
	store := newFakeKeyStore()
	store.put(&models.CryptoKey{
		KeyID:       "PRIMARY",
		Version:     1,
		KeyMaterial: base64.StdEncoding.EncodeToString(oldKey),
	})

	cfg := envConfig(1)
	cfg.KeySource = models.KeySourceDB
	ring, err := crypto.NewKeyring(cfg, store)
	require.NoError(t, err)

	newVersion, err := ring.Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, newVersion)

	row, err := store.CryptoKey(context.Background(), "PRIMARY", 2)
	require.NoError(t, err)
	require.NotNil(t, row)
	fresh, err := crypto.DecodeKeyMaterial(row.KeyMaterial)
	require.NoError(t, err)
	assert.Len(t, fresh, 32)
	assert.NotEqual(t, oldKey, fresh)

	// Both versions now decrypt their own tokens.
	active, err := ring.ActiveKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, active)
}

func TestEnvVarName(t *testing.T) {
	assert.Equal(t, "MQTT_RELAY_ENC_KEY_PRIMARY", crypto.EnvVarName("primary"))
	assert.Equal(t, "MQTT_RELAY_ENC_KEY_BACKUP", crypto.EnvVarName("BACKUP"))
}
