package processor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sandrolain/mqtt-relay/src/dispatchers"
	"github.com/sandrolain/mqtt-relay/src/encdec"
	"github.com/sandrolain/mqtt-relay/src/models"
)

// parseMessage runs the rule's parser over the message and persists the
// resulting extraction. Parse failures are recorded on the extraction row;
// the returned error is reserved for infrastructure faults.
func (p *Processor) parseMessage(ctx context.Context, msg *models.MqttMessage, snd *sender, rule *models.RoutingRule) (*models.Extraction, []models.Point, error) {
	extraction := &models.Extraction{
		ID:           uuid.New(),
		MessageID:    msg.ID,
		ParserID:     rule.ParserID,
		ParserConfig: rule.ParserConfig,
		ParsedAt:     time.Now().UTC(),
	}

	points, failure, err := p.runParser(ctx, msg, snd, rule)
	if err != nil {
		return nil, nil, err
	}
	if failure == nil && len(points) == 0 {
		failure = fmt.Errorf("parser produced no usable points")
	}
	if failure != nil {
		extraction.ErrorText = failure.Error()
	} else {
		extraction.Success = true
		extraction.ExtractedCount = len(points)
	}

	if err := p.store.CreateExtraction(ctx, extraction); err != nil {
		return nil, nil, err
	}
	if !extraction.Success {
		return extraction, nil, nil
	}

	if err := p.store.CreatePoints(ctx, pointRows(extraction.ID, points)); err != nil {
		return nil, nil, err
	}
	for i := range points {
		if points[i].KeyName == "" {
			continue
		}
		if err := p.store.UpsertLatestValue(ctx, latestRow(&points[i])); err != nil {
			return nil, nil, err
		}
	}
	return extraction, points, nil
}

// runParser resolves and executes the parser. failure carries per-message
// parse problems; err carries infrastructure faults.
func (p *Processor) runParser(ctx context.Context, msg *models.MqttMessage, snd *sender, rule *models.RoutingRule) (points []models.Point, failure error, err error) {
	parserRow, err := p.store.ParserByID(ctx, rule.ParserID)
	if err != nil {
		return nil, nil, err
	}
	if parserRow == nil {
		return nil, fmt.Errorf("parser #%d not found", rule.ParserID), nil
	}

	config, cfgErr := parserConfig(rule)
	if cfgErr != nil {
		return nil, cfgErr, nil
	}

	engine, resErr := p.parsers.Resolve(parserRow)
	if resErr != nil {
		return nil, resErr, nil
	}

	result, runErr := engine.Parse(ctx, encdec.MaybeJSON(msg.Payload), config)
	if runErr != nil {
		return nil, runErr, nil
	}

	points, err = p.buildPoints(ctx, result, snd, msg)
	return points, nil, err
}

func parserConfig(rule *models.RoutingRule) (map[string]any, error) {
	config, err := encdec.DecodeJSONMap(rule.ParserConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", ErrBadParserConfig, rule.ID, err)
	}
	return config, nil
}

// buildPoints turns a parser result mapping into canonical points.
// Integer-like keys select metrics, "at" overrides the timestamp and the
// remaining keys travel as point metadata.
func (p *Processor) buildPoints(ctx context.Context, result map[string]any, snd *sender, msg *models.MqttMessage) ([]models.Point, error) {
	ts := msg.At
	meta := map[string]any{}
	values := map[int]any{}
	var metricIDs []int

	for key, raw := range result {
		if key == "at" {
			at, err := dispatchers.ParseTime(raw)
			if err != nil {
				p.log.Warn("unparseable at override, keeping receive time", "message", msg.ID, "at", raw)
				continue
			}
			ts = at
			continue
		}
		if id, ok := metricKey(key); ok {
			values[id] = raw
			metricIDs = append(metricIDs, id)
			continue
		}
		meta[key] = raw
	}

	// Map iteration order is random; points come out ordered by metric.
	sort.Ints(metricIDs)

	var points []models.Point
	for _, id := range metricIDs {
		value, ok := classifyValue(values[id])
		if !ok {
			p.log.Warn("dropping metric with null value", "message", msg.ID, "metric", id)
			continue
		}

		metric, err := p.store.MetricByID(ctx, id)
		if err != nil {
			return nil, err
		}
		keyName, unit := "", ""
		if metric != nil {
			keyName = metric.KeyName
			unit = metric.DefaultUnit
		}

		point := models.Point{
			DeviceID: snd.device.ID,
			MetricID: id,
			KeyName:  keyName,
			Ts:       ts,
			Value:    value,
			Unit:     unit,
			Quality:  models.QualityGood,
		}
		if len(meta) > 0 {
			point.Meta = meta
		}
		if p.judge != nil {
			point.Quality = p.judge.Judge(&point)
		}
		points = append(points, point)
	}
	return points, nil
}

// metricKey accepts decimal strings and float renderings with a zero
// fraction ("7", "7.0").
func metricKey(key string) (int, bool) {
	if id, err := strconv.Atoi(key); err == nil {
		return id, true
	}
	f, err := strconv.ParseFloat(key, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int(f), true
}

// classifyValue picks the value variant. Booleans are checked before
// numbers so a parser emitting true is not widened to 1.
func classifyValue(raw any) (models.Value, bool) {
	switch v := raw.(type) {
	case nil:
		return models.Value{}, false
	case bool:
		return models.BoolValue(v), true
	case float64:
		return models.NumValue(v), true
	case float32:
		return models.NumValue(float64(v)), true
	case int:
		return models.NumValue(float64(v)), true
	case int32:
		return models.NumValue(float64(v)), true
	case int64:
		return models.NumValue(float64(v)), true
	case string:
		return models.StrValue(v), true
	default:
		encoded, err := encdec.EncodeJSONString(v)
		if err != nil {
			return models.Value{}, false
		}
		return models.JSONValue(encoded), true
	}
}

// pointRows renders in-memory points as storable rows.
func pointRows(extractionID uuid.UUID, points []models.Point) []models.ParsedPoint {
	rows := make([]models.ParsedPoint, len(points))
	for i, pt := range points {
		num, str, boolean, jsonv := pt.Value.Columns()
		rows[i] = models.ParsedPoint{
			ExtractionID: extractionID,
			DeviceID:     pt.DeviceID,
			MetricID:     pt.MetricID,
			Ts:           pt.Ts,
			NumValue:     num,
			StrValue:     str,
			BoolValue:    boolean,
			JSONValue:    jsonv,
			Unit:         pt.Unit,
			Quality:      pt.Quality,
			MetaJSON:     metaJSON(pt.Meta),
		}
	}
	return rows
}

func latestRow(pt *models.Point) *models.LatestValue {
	num, str, boolean, jsonv := pt.Value.Columns()
	return &models.LatestValue{
		DeviceID:  pt.DeviceID,
		KeyName:   pt.KeyName,
		Ts:        pt.Ts,
		NumValue:  num,
		StrValue:  str,
		BoolValue: boolean,
		JSONValue: jsonv,
		Unit:      pt.Unit,
		Quality:   pt.Quality,
		MetaJSON:  metaJSON(pt.Meta),
	}
}

func metaJSON(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	encoded, err := encdec.EncodeJSONString(meta)
	if err != nil {
		return ""
	}
	return encoded
}

// pointsForExtraction rebuilds in-memory points from stored rows, restoring
// the metric key names destinations deduplicate on.
func (p *Processor) pointsForExtraction(ctx context.Context, extractionID uuid.UUID) ([]models.Point, error) {
	rows, err := p.store.PointsByExtraction(ctx, extractionID)
	if err != nil {
		return nil, err
	}
	points := make([]models.Point, len(rows))
	for i, row := range rows {
		keyName := ""
		metric, err := p.store.MetricByID(ctx, row.MetricID)
		if err != nil {
			return nil, err
		}
		if metric != nil {
			keyName = metric.KeyName
		}
		var meta map[string]any
		if row.MetaJSON != "" {
			if decoded, err := encdec.DecodeJSONMap(row.MetaJSON); err == nil {
				meta = decoded
			}
		}
		points[i] = models.Point{
			DeviceID: row.DeviceID,
			MetricID: row.MetricID,
			KeyName:  keyName,
			Ts:       row.Ts,
			Value:    models.ValueFromColumns(row.NumValue, row.StrValue, row.BoolValue, row.JSONValue),
			Unit:     row.Unit,
			Quality:  row.Quality,
			Meta:     meta,
		}
	}
	return points, nil
}
