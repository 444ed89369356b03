package crypto_test

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/security/crypto"
)

type fakeSecretStore struct {
	rows      []models.ClientDestination
	updateErr error
}

func (f *fakeSecretStore) EncryptedDestinations(_ context.Context) ([]models.ClientDestination, error) {
	out := make([]models.ClientDestination, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

func (f *fakeSecretStore) UpdateDestinationSecret(_ context.Context, id int, passwordEnc []byte, encVersion string) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].PasswordEnc = passwordEnc
			f.rows[i].EncryptionVersion = encVersion
			return nil
		}
	}
	return errors.New("row not found")
}

// TestReencryptWalksStaleRows covers the rotation scenario: one destination
// still encrypted under PRIMARY.1 while PRIMARY.2 is active.
func TestReencryptWalksStaleRows(t *testing.T) {
	oldKey := testKey(t)
	newKey := testKey(t)
	t.Setenv("MQTT_RELAY_ENC_KEY_PRIMARY", base64.StdEncoding.EncodeToString(newKey))

	keyStore := newFakeKeyStore()
	keyStore.put(&models.CryptoKey{
		KeyID:       "PRIMARY",
		Version:     1,
		KeyMaterial: base64.StdEncoding.EncodeToString(oldKey),
	})

	ring, err := crypto.NewKeyring(envConfig(2), keyStore)
	require.NoError(t, err)

	oldToken, err := crypto.Encrypt(models.AlgorithmAESGCM, "PRIMARY", oldKey, []byte("s3cret"))
	require.NoError(t, err)

	secrets := &fakeSecretStore{rows: []models.ClientDestination{
		{ID: 10, PasswordEnc: []byte(oldToken), EncryptionVersion: "PRIMARY.1"},
	}}

	updated, failed, err := ring.Reencrypt(context.Background(), secrets)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 0, failed)

	row := secrets.rows[0]
	assert.Equal(t, "PRIMARY.2", row.EncryptionVersion)
	assert.NotEqual(t, oldToken, string(row.PasswordEnc))

	plain, err := crypto.Decrypt(string(row.PasswordEnc), "PRIMARY", newKey)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(plain))
}

func TestReencryptSkipsCurrentAndUnstampedRows(t *testing.T) {
	key := testKey(t)
	t.Setenv("MQTT_RELAY_ENC_KEY_PRIMARY", base64.StdEncoding.EncodeToString(key))

	ring, err := crypto.NewKeyring(envConfig(1), newFakeKeyStore())
	require.NoError(t, err)

	currentToken, err := crypto.Encrypt(models.AlgorithmAESGCM, "PRIMARY", key, []byte("x"))
	require.NoError(t, err)

	secrets := &fakeSecretStore{rows: []models.ClientDestination{
		{ID: 1, PasswordEnc: []byte(currentToken), EncryptionVersion: "PRIMARY.1"},
		{ID: 2, PasswordEnc: []byte(currentToken), EncryptionVersion: ""},
		{ID: 3, PasswordEnc: nil, EncryptionVersion: "PRIMARY.1"},
	}}

	updated, failed, err := ring.Reencrypt(context.Background(), secrets)
	require.NoError(t, err)
	assert.Equal(t, 0, updated)
	assert.Equal(t, 0, failed)
}

func TestReencryptCountsFailures(t *testing.T) {
	oldKey := testKey(t)
	newKey := testKey(t)
	t.Setenv("MQTT_RELAY_ENC_KEY_PRIMARY", base64.StdEncoding.EncodeToString(newKey))

	keyStore := newFakeKeyStore()
	keyStore.put(&models.CryptoKey{
		KeyID:       "PRIMARY",
		Version:     1,
		KeyMaterial: base64.StdEncoding.EncodeToString(oldKey),
	})
	ring, err := crypto.NewKeyring(envConfig(2), keyStore)
	require.NoError(t, err)

	goodToken, err := crypto.Encrypt(models.AlgorithmAESGCM, "PRIMARY", oldKey, []byte("ok"))
	require.NoError(t, err)

	secrets := &fakeSecretStore{rows: []models.ClientDestination{
		// Malformed stamp.
		{ID: 1, PasswordEnc: []byte(goodToken), EncryptionVersion: "nonsense"},
		// Historical key for OTHERKEY.1 does not exist.
		{ID: 2, PasswordEnc: []byte(goodToken), EncryptionVersion: "OTHERKEY.1"},
		// Garbage ciphertext under a resolvable key.
		{ID: 3, PasswordEnc: []byte("v1.aes-256-gcm.AAAA.AAAA"), EncryptionVersion: "PRIMARY.1"},
		// Healthy stale row, must still be rewritten.
		{ID: 4, PasswordEnc: []byte(goodToken), EncryptionVersion: "PRIMARY.1"},
	}}

	updated, failed, err := ring.Reencrypt(context.Background(), secrets)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 3, failed)

	// OTHERKEY.1 resolves through the env fallback but MQTT_RELAY_ENC_KEY_OTHERKEY
	// is unset, so the row counts as failed and stays untouched.
	assert.Equal(t, "OTHERKEY.1", secrets.rows[1].EncryptionVersion)
	assert.Equal(t, "PRIMARY.2", secrets.rows[3].EncryptionVersion)
}

// TestReencryptConverges runs the walker after a rotation and verifies every
// stamped row ends at the active version.
func TestReencryptConverges(t *testing.T) {
	key := testKey(t)
	t.Setenv("MQTT_RELAY_ENC_KEY_PRIMARY", base64.StdEncoding.EncodeToString(key))

	keyStore := newFakeKeyStore()
	cfg := envConfig(1)
	ring, err := crypto.NewKeyring(cfg, keyStore)
	require.NoError(t, err)

	var rows []models.ClientDestination
	for id := 1; id <= 5; id++ {
		token, encVersion, err := ring.EncryptSecret(context.Background(), []byte("pw"))
		require.NoError(t, err)
		rows = append(rows, models.ClientDestination{
			ID:                id,
			PasswordEnc:       []byte(token),
			EncryptionVersion: encVersion,
		})
	}
	secrets := &fakeSecretStore{rows: rows}

	// Rotation parks the current material at version 1; the env variable
	// keeps serving the active key, now stamped as version 2.
	_, err = ring.Rotate(context.Background())
	require.NoError(t, err)

	updated, failed, err := ring.Reencrypt(context.Background(), secrets)
	require.NoError(t, err)
	assert.Equal(t, 5, updated)
	assert.Equal(t, 0, failed)

	active := cfg.EncryptionVersion()
	for _, row := range secrets.rows {
		assert.Equal(t, active, row.EncryptionVersion)
		plain, err := ring.DecryptSecret(context.Background(), string(row.PasswordEnc), row.EncryptionVersion)
		require.NoError(t, err)
		assert.Equal(t, "pw", string(plain))
	}

	// A second pass is a no-op.
	updated, failed, err = ring.Reencrypt(context.Background(), secrets)
	require.NoError(t, err)
	assert.Equal(t, 0, updated)
	assert.Equal(t, 0, failed)
}
