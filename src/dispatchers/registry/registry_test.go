package registry

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/sandrolain/mqtt-relay/src/dispatchers"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsByType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ndjson")
	cases := []struct {
		name  string
		dest  models.ClientDestination
		async bool
	}{
		{"mysql", models.ClientDestination{Type: models.DestinationTypeMySQL, Host: "h", Port: 3306, DatabaseName: "d", Username: "u"}, false},
		{"postgres", models.ClientDestination{Type: models.DestinationTypePostgres, Host: "h", Port: 5432, DatabaseName: "d", Username: "u"}, false},
		{"http", models.ClientDestination{Type: models.DestinationTypeHTTP, URI: "http://example.com/ingest"}, false},
		{"kafka", models.ClientDestination{Type: models.DestinationTypeKafka, Host: "h", Port: 9092, OptionsJSON: `{"topic":"t"}`}, true},
		{"file", models.ClientDestination{Type: models.DestinationTypeFile, OptionsJSON: `{"path":"` + path + `"}`}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := New(&tc.dest, "pw", func(*dispatchers.Result) {})
			require.NoError(t, err)
			t.Cleanup(func() { _ = d.Close() })
			assert.Equal(t, tc.async, d.Asynchronous())
		})
	}
}

func TestNewRejectsOtherAndUnknown(t *testing.T) {
	_, err := New(&models.ClientDestination{Type: models.DestinationTypeOther}, "", nil)
	assert.True(t, errors.Is(err, dispatchers.ErrUnsupportedDestination))

	_, err = New(&models.ClientDestination{Type: "carrier-pigeon"}, "", nil)
	assert.True(t, errors.Is(err, dispatchers.ErrUnsupportedDestination))
}
