// Package filedispatcher appends parsed points as NDJSON lines to a local
// file.
package filedispatcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sandrolain/mqtt-relay/src/dispatchers"
	"github.com/sandrolain/mqtt-relay/src/encdec"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/security/validation"
	"github.com/sandrolain/mqtt-relay/src/utils"
)

type Config struct {
	Path      string
	ColumnMap map[string]string
	MkDirs    bool
}

func parseOptions(opts map[string]any, uri string) (*Config, error) {
	cfg := &Config{}
	op := &utils.OptsParser{}
	cfg.Path = op.OptString(opts, "path", strings.TrimPrefix(uri, "file://"))
	cfg.ColumnMap = op.OptStringMap(opts, "column_map", nil)
	cfg.MkDirs = op.OptBool(opts, "mkdirs", false)
	if err := op.Error(); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("file destination requires a path option or file:// uri")
	}
	clean, err := validation.SanitizePath(cfg.Path)
	if err != nil {
		return nil, err
	}
	cfg.Path = clean
	return cfg, nil
}

type FileDispatcher struct {
	config *Config
	log    *slog.Logger
}

// New builds the dispatcher from a destination row. The target path comes
// from the path option, falling back to the URI column.
func New(dest *models.ClientDestination) (dispatchers.Dispatcher, error) {
	opts, err := encdec.DecodeJSONMap(dest.OptionsJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid destination options: %w", err)
	}
	cfg, err := parseOptions(opts, dest.URI)
	if err != nil {
		return nil, err
	}
	return &FileDispatcher{
		config: cfg,
		log:    slog.Default().With("context", "FILE"),
	}, nil
}

func (d *FileDispatcher) Asynchronous() bool { return false }

func (d *FileDispatcher) Close() error { return nil }

// Dispatch appends one JSON line per prepared point and fsyncs once per
// batch, so a delivered batch survives a crash.
func (d *FileDispatcher) Dispatch(ctx context.Context, points []models.Point) (*dispatchers.Result, error) {
	rows, err := dispatchers.Prepare(points, d.config.ColumnMap)
	if err != nil {
		return dispatchers.Failed(err.Error()), nil
	}

	if d.config.MkDirs {
		if err := os.MkdirAll(filepath.Dir(d.config.Path), 0o750); err != nil {
			return classify(err), nil
		}
	}

	f, err := os.OpenFile(d.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return classify(err), nil
	}
	defer f.Close()

	written := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return dispatchers.Retrying(err.Error()), nil
		}
		line, err := encdec.EncodeJSON(&row)
		if err != nil {
			return dispatchers.Failed(fmt.Sprintf("encoding row: %v", err)), nil
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return classify(err), nil
		}
		written++
	}
	if err := f.Sync(); err != nil {
		return classify(err), nil
	}

	d.log.Debug("batch appended", "path", d.config.Path, "rows", written)
	return dispatchers.Sent(fmt.Sprintf("appended %d rows", written)), nil
}

// classify treats permission and path shape errors as permanent and the
// remaining filesystem failures (full disk, stale handles) as transient.
func classify(err error) *dispatchers.Result {
	var pathErr *fs.PathError
	switch {
	case errors.Is(err, fs.ErrPermission),
		errors.Is(err, fs.ErrNotExist),
		errors.As(err, &pathErr) && errors.Is(pathErr.Err, fs.ErrPermission):
		return dispatchers.Failed(err.Error())
	default:
		return dispatchers.Retrying(err.Error())
	}
}
