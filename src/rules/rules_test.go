package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrolain/mqtt-relay/src/encdec"
	"github.com/sandrolain/mqtt-relay/src/rules"
)

func mustRule(t *testing.T, src string) any {
	t.Helper()
	var rule any
	require.NoError(t, encdec.DecodeJSON([]byte(src), &rule))
	return rule
}

func telemetryCtx() map[string]any {
	return map[string]any{
		"topic": "farm1/weather/node3",
		"message": map[string]any{
			"qos":         float64(0),
			"retain":      false,
			"received_at": "2025-09-16T19:20:25Z",
		},
		"payload": map[string]any{
			"battery": 3.71,
			"alarms":  []any{"LOW_BATT"},
			"fw":      "2.4.1",
		},
		"device": map[string]any{
			"id":   float64(42),
			"name": "node3",
		},
	}
}

func TestEvalLiteralsAndLists(t *testing.T) {
	ctx := telemetryCtx()

	ok, err := rules.Eval(true, ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rules.Eval(false, ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// List is implicit AND; empty list holds.
	ok, err = rules.Eval(mustRule(t, `[{"device.id": 42}, {"payload.fw": "2.4.1"}]`), ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rules.Eval(mustRule(t, `[]`), ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// A bare string is not a rule.
	ok, err = rules.Eval("nonsense", ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalLogicalOperators(t *testing.T) {
	ctx := telemetryCtx()
	tests := []struct {
		name string
		rule string
		want bool
	}{
		{"and all true", `{"$and": [{"device.id": 42}, {"message.qos": 0}]}`, true},
		{"and one false", `{"$and": [{"device.id": 42}, {"message.qos": 1}]}`, false},
		{"or one true", `{"$or": [{"device.id": 999}, {"payload.fw": "2.4.1"}]}`, true},
		{"or none true", `{"$or": [{"device.id": 999}, {"payload.fw": "0.0.0"}]}`, false},
		{"not", `{"$not": {"device.id": 999}}`, true},
		{"nested", `{"$or": [{"$and": [{"device.id": 42}, {"$not": {"message.retain": true}}]}]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := rules.Eval(mustRule(t, tt.rule), ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEvalFieldOperators(t *testing.T) {
	ctx := telemetryCtx()
	tests := []struct {
		name string
		rule string
		want bool
	}{
		{"shorthand equality", `{"payload.battery": 3.71}`, true},
		{"shorthand mismatch", `{"payload.battery": 3.5}`, false},
		{"eq", `{"device.name": {"$eq": "node3"}}`, true},
		{"ne", `{"device.name": {"$ne": "node4"}}`, true},
		{"gt", `{"payload.battery": {"$gt": 3.5}}`, true},
		{"gte boundary", `{"payload.battery": {"$gte": 3.71}}`, true},
		{"lt", `{"payload.battery": {"$lt": 3.5}}`, false},
		{"lte", `{"message.qos": {"$lte": 0}}`, true},
		{"in", `{"device.name": {"$in": ["node1", "node3"]}}`, true},
		{"in miss", `{"device.name": {"$in": ["node1", "node2"]}}`, false},
		{"in substring", `{"device.name": {"$in": "node3-cluster"}}`, true},
		{"nin", `{"device.name": {"$nin": ["node1", "node2"]}}`, true},
		{"regex plain", `{"payload.fw": {"$regex": "^2\\."}}`, true},
		{"regex flags", `{"device.name": {"$regex": {"pattern": "NODE", "flags": "i"}}}`, true},
		{"regex non-string value", `{"message.qos": {"$regex": "0"}}`, false},
		{"contains array", `{"payload.alarms": {"$contains": "LOW_BATT"}}`, true},
		{"contains string", `{"payload.fw": {"$contains": "4.1"}}`, true},
		{"contains miss", `{"payload.alarms": {"$contains": "OVER_TEMP"}}`, false},
		{"startswith", `{"topic": {"$startswith": "farm1/"}}`, true},
		{"endswith", `{"topic": {"$endswith": "/node3"}}`, true},
		{"between", `{"payload.battery": {"$between": [3.0, 4.0]}}`, true},
		{"between outside", `{"payload.battery": {"$between": [4.0, 5.0]}}`, false},
		{"between malformed", `{"payload.battery": {"$between": [3.0]}}`, false},
		{"multiple ops all hold", `{"payload.battery": {"$gt": 3.0, "$lt": 4.0}}`, true},
		{"multiple ops one fails", `{"payload.battery": {"$gt": 3.0, "$lt": 3.5}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := rules.Eval(mustRule(t, tt.rule), ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEvalMissingPathsAndExists(t *testing.T) {
	ctx := telemetryCtx()
	tests := []struct {
		name string
		rule string
		want bool
	}{
		{"exists true", `{"payload.battery": {"$exists": true}}`, true},
		{"exists false on missing", `{"payload.humidity": {"$exists": false}}`, true},
		{"exists true on missing", `{"payload.humidity": {"$exists": true}}`, false},
		{"missing path shorthand", `{"payload.humidity": 10}`, false},
		{"path through non-object", `{"payload.fw.major": {"$exists": false}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := rules.Eval(mustRule(t, tt.rule), ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEvalTimestampPromotion(t *testing.T) {
	ctx := telemetryCtx()
	tests := []struct {
		name string
		rule string
		want bool
	}{
		{"gte iso", `{"message.received_at": {"$gte": "2025-09-16T00:00:00Z"}}`, true},
		{"lt iso", `{"message.received_at": {"$lt": "2025-09-16T00:00:00Z"}}`, false},
		{"between iso", `{"message.received_at": {"$between": ["2025-09-01", "2025-10-01"]}}`, true},
		{"eq across formats", `{"message.received_at": {"$eq": "2025-09-16T19:20:25+00:00"}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := rules.Eval(mustRule(t, tt.rule), ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEvalElemMatch(t *testing.T) {
	ctx := map[string]any{
		"payload": map[string]any{
			"sensors": []any{
				map[string]any{"kind": "temp", "value": 21.5},
				map[string]any{"kind": "hum", "value": 80.0},
			},
			"codes": []any{float64(4), float64(7)},
		},
	}

	// Element as context.
	ok, err := rules.Eval(mustRule(t, `{"payload.sensors": {"$elemMatch": {"kind": "hum", "value": {"$gt": 70}}}}`), ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rules.Eval(mustRule(t, `{"payload.sensors": {"$elemMatch": {"kind": "hum", "value": {"$gt": 90}}}}`), ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// Scalar elements bind as "this".
	ok, err = rules.Eval(mustRule(t, `{"payload.codes": {"$elemMatch": {"this": {"$gte": 7}}}}`), ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Non-array value never matches.
	ok, err = rules.Eval(mustRule(t, `{"payload": {"$elemMatch": {"this": 1}}}`), ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestEvalUnknownOperator verifies the evaluator rejects operators outside
// the grammar instead of guessing.
func TestEvalUnknownOperator(t *testing.T) {
	ctx := telemetryCtx()

	_, err := rules.Eval(mustRule(t, `{"payload.battery": {"$near": 3.7}}`), ctx)
	assert.ErrorIs(t, err, rules.ErrUnsupportedOperator)

	// A non-$ key mixed into an operator dict is an unknown operator too.
	_, err = rules.Eval(mustRule(t, `{"payload.battery": {"$gt": 3.0, "max": 4.0}}`), ctx)
	assert.ErrorIs(t, err, rules.ErrUnsupportedOperator)
}

func TestEvalIncomparableTypes(t *testing.T) {
	ctx := telemetryCtx()

	_, err := rules.Eval(mustRule(t, `{"payload.battery": {"$gt": "high"}}`), ctx)
	assert.Error(t, err)

	_, err = rules.Eval(mustRule(t, `{"payload.alarms": {"$lt": 3}}`), ctx)
	assert.Error(t, err)
}

// TestEvalAlarmOrQos is the documented end-to-end rule: alarm present or
// elevated QoS.
func TestEvalAlarmOrQos(t *testing.T) {
	rule := mustRule(t, `{"$or": [{"payload.alarms": {"$contains": "LOW_BATT"}}, {"message.qos": {"$gte": 1}}]}`)

	ctx := telemetryCtx()
	ok, err := rules.Eval(rule, ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ctx["payload"].(map[string]any)["alarms"] = []any{}
	ok, err = rules.Eval(rule, ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
