package pgsqldispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionsDefaults(t *testing.T) {
	cfg, err := parseOptions(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "parsed_points", cfg.Table)
	assert.Equal(t, []string{"device_id", "key_name", "ts"}, cfg.ConflictKeys)
	assert.Equal(t, "ignore", cfg.OnConflict)
	assert.True(t, cfg.CreateTable)
}

func TestBuildInsertIgnore(t *testing.T) {
	q := buildInsert("pp", []string{"device_id", "key_name", "ts", "value"}, 2, "ignore",
		[]string{"device_id", "key_name", "ts"})
	assert.Equal(t,
		`INSERT INTO "pp" ("device_id", "key_name", "ts", "value") VALUES ($1,$2,$3,$4),($5,$6,$7,$8)`+
			` ON CONFLICT ("device_id", "key_name", "ts") DO NOTHING`,
		q)
}

func TestBuildInsertUpdate(t *testing.T) {
	q := buildInsert("pp", []string{"device_id", "ts", "value"}, 1, "update", []string{"device_id", "ts"})
	assert.Equal(t,
		`INSERT INTO "pp" ("device_id", "ts", "value") VALUES ($1,$2,$3)`+
			` ON CONFLICT ("device_id", "ts") DO UPDATE SET "value" = EXCLUDED."value"`,
		q)
}

func TestBuildInsertErrorMode(t *testing.T) {
	q := buildInsert("pp", []string{"value"}, 1, "error", []string{"device_id"})
	assert.Equal(t, `INSERT INTO "pp" ("value") VALUES ($1)`, q)
}

func TestBuildInsertConflictKeysAbsentFromBatch(t *testing.T) {
	// Conflict keys the column map dropped must not end up in ON CONFLICT.
	q := buildInsert("pp", []string{"value"}, 1, "ignore", []string{"device_id", "ts"})
	assert.Equal(t, `INSERT INTO "pp" ("value") VALUES ($1)`, q)
}

func TestColumnType(t *testing.T) {
	assert.Equal(t, "bigint", columnType("device_id"))
	assert.Equal(t, "timestamptz", columnType("ts"))
	assert.Equal(t, "double precision", columnType("num_value"))
	assert.Equal(t, "jsonb", columnType("json_value"))
	assert.Equal(t, "text", columnType("custom_column"))
}

func TestNormalizeArgStringifiesHeterogeneousValue(t *testing.T) {
	assert.Equal(t, "12.3", normalizeArg("value", 12.3))
	assert.Equal(t, "true", normalizeArg("value", true))
	assert.Equal(t, "on", normalizeArg("value", "on"))
	assert.Equal(t, 12.3, normalizeArg("num_value", 12.3))
	assert.Equal(t, `{"a":1}`, normalizeArg("meta_json", map[string]any{"a": 1}))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.DispatchStatusRetrying, classify(context.DeadlineExceeded).Status)

	dup := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
	res := classify(dup)
	assert.Equal(t, models.DispatchStatusFailed, res.Status)
	assert.Contains(t, res.ResponseSnippet, "duplicate key")

	assert.Equal(t, models.DispatchStatusFailed, classify(errors.New("syntax error")).Status)
}

func TestNewFromDestination(t *testing.T) {
	dest := &models.ClientDestination{
		Type:         models.DestinationTypePostgres,
		Host:         "db.example.com",
		Port:         5432,
		DatabaseName: "telemetry",
		Username:     "relay",
		OptionsJSON:  `{"on_conflict":"update"}`,
	}
	d, err := New(dest, "secret")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	assert.False(t, d.Asynchronous())
	assert.Equal(t, "update", d.(*PgSQLDispatcher).config.OnConflict)
}

func TestNewRejectsBadDSN(t *testing.T) {
	_, err := New(&models.ClientDestination{URI: "not a dsn %%%"}, "")
	assert.Error(t, err)
}
