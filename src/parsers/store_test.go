package parsers

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	cases := []struct {
		name    string
		version string
		want    string
	}{
		{"echo", "v1.0", "echo_v1_0"},
		{"Temp Sensor", "2.1.3", "temp_sensor_2_1_3"},
		{"NOISE", "V3", "noise_v3"},
		{"lorawan decoder", "v0.9.1", "lorawan_decoder_v0_9_1"},
	}
	for _, c := range cases {
		t.Run(c.want, func(t *testing.T) {
			assert.Equal(t, c.want, Slug(c.name, c.version))
		})
	}
}

func TestStorePutWritesBothFiles(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	parser := &models.Parser{ID: 1, Name: "echo", Version: "v1.0", Language: models.ParserLanguageJS}
	source := []byte(`function parse(payload, config) { return payload; }`)

	digest, err := store.Put(parser, source)
	require.NoError(t, err)

	sum := sha256.Sum256(source)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)

	for _, name := range []string{"echo_v1_0", "echo_v1_0.js"} {
		path := filepath.Join(store.Dir(), name)
		data, err := os.ReadFile(path)
		require.NoError(t, err, "expected %s to exist", name)
		assert.Equal(t, source, data)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestStorePutExtensionPerLanguage(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	cases := []struct {
		language models.ParserLanguage
		file     string
	}{
		{models.ParserLanguagePython, "probe_v2_0.py"},
		{models.ParserLanguageBash, "probe_v2_0.sh"},
		{models.ParserLanguageJS, "probe_v2_0.js"},
	}
	for _, c := range cases {
		t.Run(string(c.language), func(t *testing.T) {
			parser := &models.Parser{Name: "probe", Version: "v2.0", Language: c.language}
			_, err := store.Put(parser, []byte("source"))
			require.NoError(t, err)
			_, err = os.Stat(filepath.Join(store.Dir(), c.file))
			assert.NoError(t, err)
		})
	}
}

func TestStoreGetPrefersExtensionedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo_v1_0"), []byte("bare"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo_v1_0.js"), []byte("extensioned"), 0o600))

	parser := &models.Parser{Name: "echo", Version: "v1.0", Language: models.ParserLanguageJS}
	src, err := store.Get(parser)
	require.NoError(t, err)
	assert.Equal(t, "extensioned", string(src))
}

func TestStoreGetFallsBackToBareFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo_v1_0"), []byte("bare"), 0o600))

	parser := &models.Parser{Name: "echo", Version: "v1.0", Language: models.ParserLanguageJS}
	src, err := store.Get(parser)
	require.NoError(t, err)
	assert.Equal(t, "bare", string(src))
}

func TestStoreGetMissingCode(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	parser := &models.Parser{ID: 9, Name: "ghost", Version: "v1.0", Language: models.ParserLanguageJS}
	_, err = store.Get(parser)
	assert.ErrorIs(t, err, ErrParserCodeNotFound)
}

func TestNewStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "parsers")
	_, err := NewStore(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewStoreEmptyDirectory(t *testing.T) {
	_, err := NewStore("")
	assert.Error(t, err)
}
