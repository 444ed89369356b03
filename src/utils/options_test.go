package utils_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sandrolain/mqtt-relay/src/utils"
)

const unexpectedParserError = "unexpected parser error: %v"

func TestOptsParserOptIntConversionAndValidation(t *testing.T) {
	parser := &utils.OptsParser{}
	opts := map[string]any{"port": float64(5432)}

	val := parser.OptInt(opts, "port", 3306, utils.IntMin(1), utils.IntMax(65535))
	if val != 5432 {
		t.Fatalf("expected 5432, got %d", val)
	}
	if err := parser.Error(); err != nil {
		t.Fatalf(unexpectedParserError, err)
	}
}

func TestOptsParserOptIntErrors(t *testing.T) {
	parser := &utils.OptsParser{}
	opts := map[string]any{
		"typeMismatch": "oops",
		"tooSmall":     0,
	}

	_ = parser.OptInt(opts, "typeMismatch", 0)
	_ = parser.OptInt(opts, "tooSmall", 0, utils.IntMin(1))

	err := parser.Error()
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	optsErr, ok := err.(*utils.OptsError)
	if !ok {
		t.Fatalf("expected *utils.OptsError, got %T", err)
	}
	if len(optsErr.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(optsErr.Errors))
	}
}

func TestOptsParserOptString(t *testing.T) {
	parser := &utils.OptsParser{}
	opts := map[string]any{"table": "measurements"}

	val := parser.OptString(opts, "table", "points", utils.StringNonEmpty())
	if val != "measurements" {
		t.Fatalf("expected string value, got %q", val)
	}
	if err := parser.Error(); err != nil {
		t.Fatalf(unexpectedParserError, err)
	}
}

func TestOptsParserOptStringOneOf(t *testing.T) {
	parser := &utils.OptsParser{}
	opts := map[string]any{"method": "PATCH"}

	_ = parser.OptString(opts, "method", "POST", utils.StringOneOf("POST", "PUT"))
	if err := parser.Error(); err == nil {
		t.Fatal("expected error for value outside allowed set")
	}
}

func TestOptsParserOptStringArray(t *testing.T) {
	parser := &utils.OptsParser{}
	opts := map[string]any{"conflict_keys": []any{"device_id", "metric_id", "ts"}}

	arr := parser.OptStringArray(opts, "conflict_keys", nil)
	expected := []string{"device_id", "metric_id", "ts"}
	if !reflect.DeepEqual(arr, expected) {
		t.Fatalf("expected %v, got %v", expected, arr)
	}
	if err := parser.Error(); err != nil {
		t.Fatalf(unexpectedParserError, err)
	}
}

func TestOptsParserOptStringMapObjectForm(t *testing.T) {
	parser := &utils.OptsParser{}
	opts := map[string]any{"column_map": map[string]any{"ts": "recorded_at", "value_num": "reading"}}

	m := parser.OptStringMap(opts, "column_map", nil)
	if len(m) != 2 || m["ts"] != "recorded_at" || m["value_num"] != "reading" {
		t.Fatalf("unexpected map: %v", m)
	}
	if err := parser.Error(); err != nil {
		t.Fatalf(unexpectedParserError, err)
	}
}

func TestOptsParserOptStringMapCompactForm(t *testing.T) {
	parser := &utils.OptsParser{}
	opts := map[string]any{"headers": "X-Tenant:acme; X-Source:relay"}

	m := parser.OptStringMap(opts, "headers", nil)
	if len(m) != 2 || m["X-Tenant"] != "acme" || m["X-Source"] != "relay" {
		t.Fatalf("unexpected map: %v", m)
	}
}

func TestOptsParserOptBoolAndDuration(t *testing.T) {
	parser := &utils.OptsParser{}
	opts := map[string]any{
		"async":    "true",
		"timeout":  "150ms",
		"interval": "invalid",
	}

	if val := parser.OptBool(opts, "async", false); val != true {
		t.Fatalf("expected true from bool string, got %v", val)
	}

	if d := parser.OptDuration(opts, "timeout", time.Second); d != 150*time.Millisecond {
		t.Fatalf("expected parsed duration, got %v", d)
	}

	_ = parser.OptDuration(opts, "interval", time.Second)

	err := parser.Error()
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "options validation errors") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestOptsParserOptDurationSeconds(t *testing.T) {
	parser := &utils.OptsParser{}
	opts := map[string]any{"timeout": float64(30)}

	d := parser.OptDuration(opts, "timeout", time.Second, utils.DurationPositive())
	if d != 30*time.Second {
		t.Fatalf("expected numeric option to mean seconds, got %v", d)
	}
	if err := parser.Error(); err != nil {
		t.Fatalf(unexpectedParserError, err)
	}
}

func TestOptsErrorError(t *testing.T) {
	aggregate := &utils.OptsError{Errors: []error{
		errors.New("first"),
		errors.New("second"),
	}}

	msg := aggregate.Error()
	if !strings.Contains(msg, "first") || !strings.Contains(msg, "second") {
		t.Fatalf("expected both errors in message, got %q", msg)
	}
}
