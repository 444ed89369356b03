package dispatchers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sandrolain/mqtt-relay/src/encdec"
	"github.com/sandrolain/mqtt-relay/src/models"
)

// Row is one prepared destination record keyed by destination column name.
type Row map[string]any

// DefaultColumnMap projects the fields destinations that deduplicate on
// (device_id, key_name, ts) expect.
func DefaultColumnMap() map[string]string {
	return map[string]string{
		"device_id": "device_id",
		"key_name":  "key_name",
		"ts":        "ts",
		"value":     "value",
		"unit":      "unit",
	}
}

// Prepare projects points into destination rows through a column map of
// source field → destination column. Device and metric ids are first
// rewritten through the per-point meta "devices" and "metrics" remap
// tables when present. When the map carries a "value" source, the single
// non-null variant flattens into it, with maps and lists serialized as
// JSON. An empty map falls back to DefaultColumnMap.
func Prepare(points []models.Point, columnMap map[string]string) ([]Row, error) {
	if len(columnMap) == 0 {
		columnMap = DefaultColumnMap()
	}
	rows := make([]Row, 0, len(points))
	for i := range points {
		fields, err := pointFields(&points[i])
		if err != nil {
			return nil, fmt.Errorf("preparing point %d: %w", i, err)
		}
		row := Row{}
		for src, dst := range columnMap {
			v, ok := fields[src]
			if !ok {
				return nil, fmt.Errorf("column map references unknown source field %q", src)
			}
			row[dst] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func pointFields(p *models.Point) (map[string]any, error) {
	value, err := flattenValue(p.Value)
	if err != nil {
		return nil, err
	}
	num, str, boolean, jsonv := p.Value.Columns()

	metaJSON := ""
	if len(p.Meta) > 0 {
		metaJSON, err = encdec.EncodeJSONString(p.Meta)
		if err != nil {
			return nil, fmt.Errorf("serializing meta: %w", err)
		}
	}

	return map[string]any{
		"device_id":  remapID(p.Meta, "devices", p.DeviceID),
		"metric_id":  remapID(p.Meta, "metrics", p.MetricID),
		"key_name":   p.KeyName,
		"ts":         p.Ts.UTC(),
		"value":      value,
		"num_value":  num,
		"str_value":  str,
		"bool_value": boolean,
		"json_value": jsonv,
		"unit":       p.Unit,
		"quality":    p.Quality,
		"meta_json":  metaJSON,
	}, nil
}

func flattenValue(v models.Value) (any, error) {
	if v.Kind == models.ValueKindJSON {
		return v.JSON, nil
	}
	return v.Native(), nil
}

// remapID rewrites an id through a meta remap table. Table keys arrive as
// JSON object keys, hence strings; unknown ids pass through unchanged.
func remapID(meta map[string]any, table string, id int) int {
	if meta == nil {
		return id
	}
	raw, ok := meta[table]
	if !ok {
		return id
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return id
	}
	mapped, ok := m[strconv.Itoa(id)]
	if !ok {
		return id
	}
	switch t := mapped.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return id
}

// Chunk splits rows into batches of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) <= size {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for size < len(items) {
		items, chunks = items[size:], append(chunks, items[:size])
	}
	return append(chunks, items)
}

// ParseTime normalizes a timestamp of flexible provenance: time.Time passes
// through, ISO-8601 strings (trailing Z or offset) parse as RFC 3339, bare
// date-times are taken as UTC, and numbers are Unix seconds (fractions
// allowed). The result is always UTC.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	case float64:
		sec := int64(t)
		nsec := int64((t - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unparseable timestamp of type %T", v)
	}
}
