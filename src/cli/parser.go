package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/parsers"
	"github.com/spf13/cobra"
)

func parserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parser",
		Short: "Manage parser sources",
	}
	cmd.AddCommand(parserPutCmd())
	return cmd
}

func parserPutCmd() *cobra.Command {
	var name, version, language, file string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Write a parser source into the content store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lang := models.ParserLanguage(language)
			switch lang {
			case models.ParserLanguagePython, models.ParserLanguageJS, models.ParserLanguageBash:
			default:
				return fmt.Errorf("unsupported language %q, expected python, js or bash", language)
			}

			source, err := os.ReadFile(file) // #nosec G304 - operator-provided path
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			contentStore, err := parsers.NewStore(cfg.Parsers.StoreDir)
			if err != nil {
				return err
			}

			digest, err := contentStore.Put(&models.Parser{Name: name, Version: version, Language: lang}, source)
			if err != nil {
				return err
			}
			slog.Info("parser source stored",
				"slug", parsers.Slug(name, version),
				"dir", contentStore.Dir(),
				"sha256", digest)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "parser name")
	cmd.Flags().StringVar(&version, "version", "", "parser version")
	cmd.Flags().StringVar(&language, "language", "", "parser language (python, js, bash)")
	cmd.Flags().StringVar(&file, "file", "", "path to the parser source")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("language")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
