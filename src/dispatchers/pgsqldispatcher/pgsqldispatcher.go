// Package pgsqldispatcher delivers parsed points to a PostgreSQL
// destination, creating the target table and its conflict index on first
// use.
package pgsqldispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sandrolain/mqtt-relay/src/dispatchers"
	"github.com/sandrolain/mqtt-relay/src/encdec"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/utils"
)

const pgErrUniqueViolation = "23505"

type Config struct {
	Table        string
	ColumnMap    map[string]string
	ConflictKeys []string
	OnConflict   string
	BatchSize    int
	Timeout      time.Duration
	MaxAttempts  int
	CreateTable  bool
}

func parseOptions(opts map[string]any) (*Config, error) {
	cfg := &Config{}
	op := &utils.OptsParser{}
	cfg.Table = op.OptString(opts, "table", "parsed_points", utils.StringNonEmpty())
	cfg.ColumnMap = op.OptStringMap(opts, "column_map", nil)
	cfg.ConflictKeys = op.OptStringArray(opts, "conflict_keys", []string{"device_id", "key_name", "ts"})
	cfg.OnConflict = op.OptString(opts, "on_conflict", "ignore", utils.StringOneOf("ignore", "update", "error"))
	cfg.BatchSize = op.OptInt(opts, "batch_size", 1000, utils.IntMin(1))
	cfg.Timeout = op.OptDuration(opts, "timeout", 10*time.Second, utils.DurationPositive())
	cfg.MaxAttempts = op.OptInt(opts, "max_attempts", 5, utils.IntMin(1))
	cfg.CreateTable = op.OptBool(opts, "create_table", true)
	if err := op.Error(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type PgSQLDispatcher struct {
	config *Config
	pool   *pgxpool.Pool
	log    *slog.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// New builds the dispatcher from a destination row and its decrypted
// password.
func New(dest *models.ClientDestination, password string) (dispatchers.Dispatcher, error) {
	opts, err := encdec.DecodeJSONMap(dest.OptionsJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid destination options: %w", err)
	}
	cfg, err := parseOptions(opts)
	if err != nil {
		return nil, err
	}

	dsn := dest.URI
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
			dest.Username, password, dest.Host, dest.Port, dest.DatabaseName)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres destination DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres destination: %w", err)
	}

	return &PgSQLDispatcher{
		config: cfg,
		pool:   pool,
		log:    slog.Default().With("context", "PGSQL"),
	}, nil
}

func (d *PgSQLDispatcher) Asynchronous() bool { return false }

func (d *PgSQLDispatcher) Close() error {
	d.pool.Close()
	return nil
}

func (d *PgSQLDispatcher) Dispatch(ctx context.Context, points []models.Point) (*dispatchers.Result, error) {
	rows, err := dispatchers.Prepare(points, d.config.ColumnMap)
	if err != nil {
		return dispatchers.Failed(err.Error()), nil
	}
	if len(rows) == 0 {
		return dispatchers.Sent("no rows"), nil
	}

	columns := rowColumns(rows[0])

	if d.config.CreateTable {
		d.ensureOnce.Do(func() {
			d.ensureErr = d.ensureTable(ctx, columns)
		})
		if d.ensureErr != nil {
			return classify(d.ensureErr), nil
		}
	}

	var affected int64
	for _, batch := range dispatchers.Chunk(rows, d.config.BatchSize) {
		n, err := d.insertBatch(ctx, columns, batch)
		if err != nil {
			return classify(err), nil
		}
		affected += n
	}

	snippet := fmt.Sprintf("affected=%d of %d", affected, len(rows))
	d.log.Debug("batch delivered", "table", d.config.Table, "rows", len(rows), "affected", affected)
	return dispatchers.Sent(snippet), nil
}

func (d *PgSQLDispatcher) insertBatch(ctx context.Context, columns []string, batch []dispatchers.Row) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	query := buildInsert(d.config.Table, columns, len(batch), d.config.OnConflict, d.config.ConflictKeys)
	args := make([]any, 0, len(batch)*len(columns))
	for _, row := range batch {
		for _, col := range columns {
			args = append(args, normalizeArg(col, row[col]))
		}
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ensureTable creates the destination table and the unique index backing
// ON CONFLICT when they do not exist yet.
func (d *PgSQLDispatcher) ensureTable(ctx context.Context, columns []string) error {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pgx.Identifier{c}.Sanitize() + " " + columnType(c)
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		pgx.Identifier{d.config.Table}.Sanitize(), strings.Join(defs, ", "))
	if _, err := d.pool.Exec(ctx, create); err != nil {
		return fmt.Errorf("failed to create table %s: %w", d.config.Table, err)
	}

	keys := presentKeys(d.config.ConflictKeys, columns)
	if d.config.OnConflict == "error" || len(keys) == 0 {
		return nil
	}
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = pgx.Identifier{k}.Sanitize()
	}
	index := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		pgx.Identifier{"uq_" + d.config.Table + "_conflict"}.Sanitize(),
		pgx.Identifier{d.config.Table}.Sanitize(),
		strings.Join(quoted, ", "))
	if _, err := d.pool.Exec(ctx, index); err != nil {
		return fmt.Errorf("failed to create conflict index on %s: %w", d.config.Table, err)
	}
	return nil
}

// columnType maps the known point fields to column types; anything the
// column map renamed falls back to text.
func columnType(column string) string {
	switch column {
	case "device_id", "metric_id":
		return "bigint"
	case "ts":
		return "timestamptz"
	case "num_value":
		return "double precision"
	case "bool_value":
		return "boolean"
	case "json_value", "meta_json":
		return "jsonb"
	default:
		return "text"
	}
}

// buildInsert renders the parameterized statement with numbered
// placeholders for one batch.
func buildInsert(table string, columns []string, rowCount int, onConflict string, conflictKeys []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}

	values := make([]string, rowCount)
	n := 1
	for r := 0; r < rowCount; r++ {
		ph := make([]string, len(columns))
		for c := range columns {
			ph[c] = fmt.Sprintf("$%d", n)
			n++
		}
		values[r] = "(" + strings.Join(ph, ",") + ")"
	}

	var b strings.Builder
	b.WriteString("INSERT INTO " + pgx.Identifier{table}.Sanitize())
	b.WriteString(" (" + strings.Join(quoted, ", ") + ") VALUES " + strings.Join(values, ","))

	keys := presentKeys(conflictKeys, columns)
	if onConflict == "error" || len(keys) == 0 {
		return b.String()
	}
	quotedKeys := make([]string, len(keys))
	for i, k := range keys {
		quotedKeys[i] = pgx.Identifier{k}.Sanitize()
	}
	b.WriteString(" ON CONFLICT (" + strings.Join(quotedKeys, ", ") + ")")

	if onConflict == "ignore" {
		b.WriteString(" DO NOTHING")
		return b.String()
	}

	conflict := map[string]bool{}
	for _, k := range keys {
		conflict[k] = true
	}
	assignments := make([]string, 0, len(columns))
	for _, c := range columns {
		if conflict[c] {
			continue
		}
		q := pgx.Identifier{c}.Sanitize()
		assignments = append(assignments, q+" = EXCLUDED."+q)
	}
	if len(assignments) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	b.WriteString(" DO UPDATE SET " + strings.Join(assignments, ", "))
	return b.String()
}

// presentKeys filters the configured conflict keys down to columns the
// batch actually carries.
func presentKeys(conflictKeys, columns []string) []string {
	present := map[string]bool{}
	for _, c := range columns {
		present[c] = true
	}
	keys := make([]string, 0, len(conflictKeys))
	for _, k := range conflictKeys {
		if present[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

func rowColumns(row dispatchers.Row) []string {
	columns := make([]string, 0, len(row))
	for c := range row {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return columns
}

// normalizeArg adapts prepared values to the column types ensureTable
// creates. The heterogeneous "value" column is text, so its scalars are
// rendered as strings.
func normalizeArg(col string, v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case map[string]any, []any:
		if s, err := encdec.EncodeJSONString(t); err == nil {
			return s
		}
		return fmt.Sprint(t)
	}
	if col == "value" {
		switch t := v.(type) {
		case string:
			return t
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(t)
		case int:
			return strconv.Itoa(t)
		case int64:
			return strconv.FormatInt(t, 10)
		}
	}
	return v
}

// classify maps a batch error to a transient or permanent result.
func classify(err error) *dispatchers.Result {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return dispatchers.Retrying(err.Error())
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
		return dispatchers.Failed(fmt.Sprintf("duplicate key: %s", pgErr.Message))
	}
	if pgconn.SafeToRetry(err) {
		return dispatchers.Retrying(err.Error())
	}
	return dispatchers.Failed(err.Error())
}
