package cli

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandrolain/mqtt-relay/src/ingest"
	"github.com/sandrolain/mqtt-relay/src/jobs"
	"github.com/sandrolain/mqtt-relay/src/parsers"
	"github.com/sandrolain/mqtt-relay/src/processor"
	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run the MQTT ingest daemon",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return ingest.New(cfg, s).Run(ctx)
		},
	}
}

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one guarded processing pass over unprocessed messages",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			guard := jobs.NewGuard(s, jobs.JobMqttTransfer)
			if err := guard.Acquire(ctx); err != nil {
				if errors.Is(err, jobs.ErrAlreadyRunning) {
					return nil
				}
				return err
			}

			exit := jobs.ExitError
			sum, runErr := func() (processor.Summary, error) {
				keyring, err := buildKeyring(ctx, s)
				if err != nil {
					return processor.Summary{}, err
				}
				contentStore, err := parsers.NewStore(cfg.Parsers.StoreDir)
				if err != nil {
					return processor.Summary{}, err
				}
				registry := parsers.NewRegistry(contentStore, cfg.Parsers.JSTimeout)
				proc, err := processor.New(s, registry, keyring, &cfg.Processor)
				if err != nil {
					return processor.Summary{}, err
				}
				return proc.Run(ctx)
			}()
			if runErr == nil {
				exit = sum.ExitCode()
			}

			// Release with a fresh context so a cancelled run still frees
			// the job row.
			if err := guard.Release(cmd.Context(), exit); err != nil {
				slog.Error("failed to release job", "err", err)
				if runErr == nil {
					runErr = err
				}
			}

			slog.Info("processing pass finished",
				"exit", exit,
				"messages", sum.Messages,
				"processed", sum.Processed,
				"routingFailures", sum.RoutingFailures,
				"parseFailures", sum.ParseFailures,
				"dispatchFailures", sum.DispatchFailures,
				"retriesSwept", sum.RetriesSwept)

			if runErr != nil {
				return runErr
			}
			if exit != jobs.ExitOK {
				os.Exit(exit)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
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

			if err := s.Migrate(); err != nil {
				return err
			}
			slog.Info("schema migrated")
			return nil
		},
	}
}
