//go:build integration

package pgsqldispatcher

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	testDBName     = "relaytest"
	testDBUser     = "relay"
	testDBPassword = "relaypass"
)

var (
	pgContainer testcontainers.Container
	connString  string
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgC, err := postgres.Run(ctx, "postgres:17",
		postgres.WithDatabase(testDBName),
		postgres.WithUsername(testDBUser),
		postgres.WithPassword(testDBPassword),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to start PostgreSQL container: %v", err))
	}
	pgContainer = pgC

	host, err := pgC.Host(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to get PostgreSQL host: %v", err))
	}
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	if err != nil {
		panic(fmt.Sprintf("failed to get PostgreSQL port: %v", err))
	}
	connString = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		testDBUser, testDBPassword, host, port.Port(), testDBName)

	time.Sleep(2 * time.Second)

	code := m.Run()

	if err := pgContainer.Terminate(ctx); err != nil {
		fmt.Printf("failed to terminate PostgreSQL container: %v\n", err)
	}
	os.Exit(code)
}

func testPoints(ts time.Time) []models.Point {
	return []models.Point{
		{DeviceID: 42, MetricID: 7, KeyName: "temperature", Ts: ts, Value: models.NumValue(12.3), Unit: "C", Quality: models.QualityGood},
		{DeviceID: 42, MetricID: 8, KeyName: "humidity", Ts: ts, Value: models.NumValue(61), Unit: "%", Quality: models.QualityGood},
	}
}

func TestDispatchCreatesTableAndUpserts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dest := &models.ClientDestination{
		Type:        models.DestinationTypePostgres,
		URI:         connString,
		OptionsJSON: `{"table":"it_points","on_conflict":"update"}`,
	}
	d, err := New(dest, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	res, err := d.Dispatch(ctx, testPoints(ts))
	require.NoError(t, err)
	require.True(t, res.Sent(), "snippet: %s", res.ResponseSnippet)

	// Second delivery of the same (device_id, key_name, ts) rows must
	// update, not duplicate.
	updated := testPoints(ts)
	updated[0].Value = models.NumValue(14.8)
	res, err = d.Dispatch(ctx, updated)
	require.NoError(t, err)
	require.True(t, res.Sent())

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	defer pool.Close()

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM it_points").Scan(&count))
	assert.Equal(t, 2, count)

	var value float64
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT value::double precision FROM it_points WHERE key_name = 'temperature'").Scan(&value))
	assert.InDelta(t, 14.8, value, 0.001)
}

func TestDispatchIgnoreMode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dest := &models.ClientDestination{
		Type:        models.DestinationTypePostgres,
		URI:         connString,
		OptionsJSON: `{"table":"it_points_ignore"}`,
	}
	d, err := New(dest, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	ts := time.Now().UTC().Truncate(time.Second)

	res, err := d.Dispatch(ctx, testPoints(ts))
	require.NoError(t, err)
	require.True(t, res.Sent())

	res, err = d.Dispatch(ctx, testPoints(ts))
	require.NoError(t, err)
	require.True(t, res.Sent())
	assert.Contains(t, res.ResponseSnippet, "affected=0")
}
