package parsers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/security/crypto"
)

// ErrParserCodeNotFound is returned when neither store file exists for a
// parser slug.
var ErrParserCodeNotFound = errors.New("parser code not found")

var extensions = map[models.ParserLanguage]string{
	models.ParserLanguagePython: ".py",
	models.ParserLanguageJS:     ".js",
	models.ParserLanguageBash:   ".sh",
}

// Slug derives the store key for a parser: lowercased name with spaces as
// underscores, joined to the lowercased version with dots as underscores.
// "echo" + "v1.0" becomes "echo_v1_0".
func Slug(name, version string) string {
	n := strings.ReplaceAll(strings.ToLower(name), " ", "_")
	v := strings.ReplaceAll(strings.ToLower(version), ".", "_")
	return n + "_" + v
}

// Store keeps parser source files in a flat directory keyed by slug. Each
// Put writes the source twice, once under the bare slug and once with the
// language extension, so both the loader and external tooling that expects
// extensioned files can read it.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("parser store directory not configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create parser store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// Put writes the source under both file names and returns its hex SHA-256
// digest.
func (s *Store) Put(parser *models.Parser, source []byte) (string, error) {
	slug := Slug(parser.Name, parser.Version)
	names := []string{slug}
	if ext, ok := extensions[parser.Language]; ok {
		names = append(names, slug+ext)
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(s.dir, name), source, 0o600); err != nil {
			return "", fmt.Errorf("failed to write parser source %s: %w", name, err)
		}
	}
	return crypto.ComputeBytes(source), nil
}

// Get reads the source for a parser, preferring the extensioned file and
// falling back to the bare slug.
func (s *Store) Get(parser *models.Parser) ([]byte, error) {
	slug := Slug(parser.Name, parser.Version)
	names := []string{}
	if ext, ok := extensions[parser.Language]; ok {
		names = append(names, slug+ext)
	}
	names = append(names, slug)
	for _, name := range names {
		src, err := os.ReadFile(filepath.Join(s.dir, name))
		if err == nil {
			return src, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read parser source %s: %w", name, err)
		}
	}
	return nil, fmt.Errorf("%w: parser #%d %q (expected at %s)", ErrParserCodeNotFound, parser.ID, slug, filepath.Join(s.dir, slug))
}
