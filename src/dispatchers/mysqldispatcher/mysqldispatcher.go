// Package mysqldispatcher delivers parsed points to a MySQL destination
// through multi-row inserts with configurable conflict handling.
package mysqldispatcher

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sandrolain/mqtt-relay/src/dispatchers"
	"github.com/sandrolain/mqtt-relay/src/encdec"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/utils"
)

const (
	mysqlErrDuplicateEntry = 1062

	// MySQL affected-rows attribution for ON DUPLICATE KEY UPDATE:
	// 1 = inserted, 2 = updated, 0 = no-op.
	affectedInserted = 1
	affectedUpdated  = 2
)

type Config struct {
	Table        string
	ColumnMap    map[string]string
	ConflictKeys []string
	OnConflict   string
	BatchSize    int
	Timeout      time.Duration
	MaxAttempts  int
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
	if err := op.Error(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type MySQLDispatcher struct {
	config *Config
	db     *sql.DB
	log    *slog.Logger
}

// New builds the dispatcher from a destination row and its decrypted
// password. The connection pool opens lazily on the first batch.
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
		mc := mysql.NewConfig()
		mc.User = dest.Username
		mc.Passwd = password
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", dest.Host, dest.Port)
		mc.DBName = dest.DatabaseName
		mc.ParseTime = true
		mc.Timeout = cfg.Timeout
		dsn = mc.FormatDSN()
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql destination: %w", err)
	}

	return &MySQLDispatcher{
		config: cfg,
		db:     db,
		log:    slog.Default().With("context", "MYSQL"),
	}, nil
}

func (d *MySQLDispatcher) Asynchronous() bool { return false }

func (d *MySQLDispatcher) Close() error { return d.db.Close() }

func (d *MySQLDispatcher) Dispatch(ctx context.Context, points []models.Point) (*dispatchers.Result, error) {
	rows, err := dispatchers.Prepare(points, d.config.ColumnMap)
	if err != nil {
		return dispatchers.Failed(err.Error()), nil
	}
	if len(rows) == 0 {
		return dispatchers.Sent("no rows"), nil
	}

	columns := rowColumns(rows[0])
	var inserted, updated, ignored int64

	for _, batch := range dispatchers.Chunk(rows, d.config.BatchSize) {
		ins, upd, ign, err := d.insertBatch(ctx, columns, batch)
		if err != nil {
			return classify(err), nil
		}
		inserted += ins
		updated += upd
		ignored += ign
	}

	snippet := fmt.Sprintf("inserted=%d updated=%d ignored=%d", inserted, updated, ignored)
	d.log.Debug("batch delivered", "table", d.config.Table, "rows", len(rows), "result", snippet)
	return dispatchers.Sent(snippet), nil
}

// insertBatch runs one multi-row insert in its own transaction and
// attributes affected rows per the configured conflict mode.
func (d *MySQLDispatcher) insertBatch(ctx context.Context, columns []string, batch []dispatchers.Row) (inserted, updated, ignored int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	query := buildInsert(d.config.Table, columns, len(batch), d.config.OnConflict, d.config.ConflictKeys)
	args := make([]any, 0, len(batch)*len(columns))
	for _, row := range batch {
		for _, col := range columns {
			args = append(args, normalizeArg(row[col]))
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("begin: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return 0, 0, 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, 0, 0, fmt.Errorf("commit: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, 0, 0, err
	}
	total := int64(len(batch))
	switch d.config.OnConflict {
	case "update":
		// Best-effort attribution from the affected-rows sum.
		updated = affected - total
		if updated < 0 {
			updated = 0
		}
		if updated > total {
			updated = total
		}
		inserted = total - updated
	case "ignore":
		inserted = affected
		ignored = total - affected
	default:
		inserted = affected
	}
	return inserted, updated, ignored, nil
}

// buildInsert renders the parameterized statement for one batch. Column
// order must match the argument order the caller builds.
func buildInsert(table string, columns []string, rowCount int, onConflict string, conflictKeys []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	values := strings.TrimSuffix(strings.Repeat(placeholder+",", rowCount), ",")

	var b strings.Builder
	b.WriteString("INSERT ")
	if onConflict == "ignore" {
		b.WriteString("IGNORE ")
	}
	b.WriteString("INTO " + quoteIdent(table))
	b.WriteString(" (" + strings.Join(quoted, ", ") + ") VALUES " + values)

	if onConflict == "update" {
		conflict := map[string]bool{}
		for _, k := range conflictKeys {
			conflict[k] = true
		}
		assignments := make([]string, 0, len(columns))
		for _, c := range columns {
			if conflict[c] {
				continue
			}
			assignments = append(assignments, quoteIdent(c)+"=VALUES("+quoteIdent(c)+")")
		}
		if len(assignments) > 0 {
			b.WriteString(" ON DUPLICATE KEY UPDATE " + strings.Join(assignments, ", "))
		}
	}
	return b.String()
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// rowColumns returns the destination columns in a deterministic order.
func rowColumns(row dispatchers.Row) []string {
	columns := make([]string, 0, len(row))
	for c := range row {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return columns
}

// normalizeArg adapts prepared values to driver-friendly types. Timestamps
// pass as UTC time.Time (the DSN enables parseTime); maps and slices that
// survived flattening serialize to JSON text.
func normalizeArg(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case map[string]any, []any:
		if s, err := encdec.EncodeJSONString(t); err == nil {
			return s
		}
		return fmt.Sprint(t)
	default:
		return v
	}
}

// classify maps a batch error to a transient or permanent result. Network
// and timeout failures retry; SQL-level errors, duplicates included, are
// permanent.
func classify(err error) *dispatchers.Result {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, mysql.ErrInvalidConn):
		return dispatchers.Retrying(err.Error())
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry {
		return dispatchers.Failed(fmt.Sprintf("duplicate key: %s", myErr.Message))
	}
	return dispatchers.Failed(err.Error())
}
