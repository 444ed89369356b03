package crypto

import (
	"context"

	"github.com/sandrolain/mqtt-relay/src/models"
)

// SecretStore walks the tables that carry encrypted credentials. Today that
// is client_destination only.
type SecretStore interface {
	// EncryptedDestinations returns the rows holding a non-empty ciphertext.
	EncryptedDestinations(ctx context.Context) ([]models.ClientDestination, error)
	UpdateDestinationSecret(ctx context.Context, id int, passwordEnc []byte, encVersion string) error
}

// Reencrypt rewrites every credential row whose encryption_version differs
// from the active "<key_id>.<version>". Rows without a version stamp are
// skipped. Per-row failures are logged and counted, never abort the walk.
func (k *Keyring) Reencrypt(ctx context.Context, secrets SecretStore) (updated, failed int, err error) {
	active := k.cfg.EncryptionVersion()
	activeKey, err := k.ActiveKey(ctx)
	if err != nil {
		return 0, 0, err
	}

	rows, err := secrets.EncryptedDestinations(ctx)
	if err != nil {
		return 0, 0, err
	}

	for i := range rows {
		row := &rows[i]
		if len(row.PasswordEnc) == 0 || row.EncryptionVersion == "" || row.EncryptionVersion == active {
			continue
		}

		keyID, version, perr := ParseEncryptionVersion(row.EncryptionVersion)
		if perr != nil {
			k.log.Error("skipping row with malformed encryption version",
				"destinationId", row.ID, "encryptionVersion", row.EncryptionVersion, "err", perr)
			failed++
			continue
		}
		oldKey, kerr := k.src.Fetch(ctx, keyID, version)
		if kerr != nil {
			k.log.Error("historical key unavailable",
				"destinationId", row.ID, "keyId", keyID, "version", version, "err", kerr)
			failed++
			continue
		}
		plain, derr := Decrypt(string(row.PasswordEnc), keyID, oldKey)
		if derr != nil {
			k.log.Error("decrypt failed", "destinationId", row.ID, "err", derr)
			failed++
			continue
		}
		token, eerr := Encrypt(k.cfg.Algorithm, k.cfg.KeyID, activeKey, plain)
		if eerr != nil {
			k.log.Error("re-encrypt failed", "destinationId", row.ID, "err", eerr)
			failed++
			continue
		}
		if uerr := secrets.UpdateDestinationSecret(ctx, row.ID, []byte(token), active); uerr != nil {
			k.log.Error("updating row failed", "destinationId", row.ID, "err", uerr)
			failed++
			continue
		}
		updated++
	}

	k.log.Info("re-encryption pass complete", "updated", updated, "failed", failed, "active", active)
	return updated, failed, nil
}
