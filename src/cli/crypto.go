package cli

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func rotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate the active encryption key version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			keyring, err := buildKeyring(cmd.Context(), s)
			if err != nil {
				return err
			}
			if keyring == nil {
				return fmt.Errorf("no crypto configuration found, run migrate first")
			}
			version, err := keyring.Rotate(cmd.Context())
			if err != nil {
				return err
			}
			slog.Info("key rotated", "keyId", keyring.Config().KeyID, "version", version)
			return nil
		},
	}
}

func reencryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reencrypt",
		Short: "Re-encrypt stored credentials under the active key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			keyring, err := buildKeyring(cmd.Context(), s)
			if err != nil {
				return err
			}
			if keyring == nil {
				return fmt.Errorf("no crypto configuration found, run migrate first")
			}
			updated, failed, err := keyring.Reencrypt(cmd.Context(), s)
			if err != nil {
				return err
			}
			fmt.Printf("updated: %d\nfailed: %d\n", updated, failed)
			if failed > 0 {
				os.Exit(1)
			}
			return nil
		},
	}
}

func cryptoSelftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crypto-selftest",
		Short: "Round-trip a probe secret through the active crypto config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			keyring, err := buildKeyring(cmd.Context(), s)
			if err != nil {
				return err
			}
			if keyring == nil {
				return fmt.Errorf("no crypto configuration found, run migrate first")
			}

			probe := []byte("selftest-" + uuid.NewString())
			token, encVersion, err := keyring.EncryptSecret(cmd.Context(), probe)
			if err != nil {
				return fmt.Errorf("encrypt failed: %w", err)
			}
			plain, err := keyring.DecryptSecret(cmd.Context(), token, encVersion)
			if err != nil {
				return fmt.Errorf("decrypt failed: %w", err)
			}
			if !bytes.Equal(probe, plain) {
				return fmt.Errorf("round-trip mismatch under %s", encVersion)
			}
			slog.Info("crypto selftest passed",
				"algorithm", keyring.Config().Algorithm,
				"encVersion", encVersion)
			return nil
		},
	}
}
