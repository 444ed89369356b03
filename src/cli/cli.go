// Package cli wires the relay's subcommands.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/sandrolain/mqtt-relay/src/config"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/security/crypto"
	"github.com/sandrolain/mqtt-relay/src/store"
	"github.com/spf13/cobra"
)

// Root builds the command tree. The --config flag overrides the
// MQTT_RELAY_CONFIG_FILE_PATH environment selection.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "mqtt-relay",
		Short:         "MQTT ingestion and relay pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to the configuration file")
	root.AddCommand(
		ingestCmd(),
		processCmd(),
		migrateCmd(),
		rotateKeyCmd(),
		reencryptCmd(),
		cryptoSelftestCmd(),
		parserCmd(),
		tailCmd(),
	)
	return root
}

// Execute runs the CLI. Command errors exit 1; the process subcommand maps
// partial failures to exit 2 itself.
func Execute() {
	if err := Root().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*models.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFile(path)
	}
	envCfg, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	return config.Load(envCfg)
}

func openStore(cfg *models.Config) (*store.Store, error) {
	return store.Open(&cfg.Database)
}

// buildKeyring assembles the keyring from the persisted crypto config. A
// missing row (schema not yet migrated or seeded) yields a nil keyring,
// which is fine for flows that never touch an encrypted credential.
func buildKeyring(ctx context.Context, s *store.Store) (*crypto.Keyring, error) {
	row, err := s.CryptoConfigRow(ctx)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return crypto.NewKeyring(row, s)
}
