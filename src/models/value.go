package models

import "time"

// ValueKind discriminates the single populated field of a Value.
type ValueKind string

const (
	ValueKindNum  ValueKind = "num"
	ValueKindStr  ValueKind = "str"
	ValueKindBool ValueKind = "bool"
	ValueKindJSON ValueKind = "json"
)

// Value is the tagged variant behind the one-of value columns of a point.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
	Bool bool
	JSON string
}

func NumValue(v float64) Value  { return Value{Kind: ValueKindNum, Num: v} }
func StrValue(v string) Value   { return Value{Kind: ValueKindStr, Str: v} }
func BoolValue(v bool) Value    { return Value{Kind: ValueKindBool, Bool: v} }
func JSONValue(v string) Value  { return Value{Kind: ValueKindJSON, JSON: v} }

// Native returns the value as the Go type matching its kind.
func (v Value) Native() any {
	switch v.Kind {
	case ValueKindNum:
		return v.Num
	case ValueKindStr:
		return v.Str
	case ValueKindBool:
		return v.Bool
	case ValueKindJSON:
		return v.JSON
	}
	return nil
}

// Point is the in-memory form of a parsed point as it flows from the
// processor to dispatchers. KeyName is the metric catalog key, used by
// destinations that deduplicate on (device_id, key_name, ts).
type Point struct {
	DeviceID int
	MetricID int
	KeyName  string
	Ts       time.Time
	Value    Value
	Unit     string
	Quality  string
	Meta     map[string]any
}

// Columns renders the point row fields of a ParsedPoint from the variant.
func (v Value) Columns() (num *float64, str *string, boolean *bool, jsonv *string) {
	switch v.Kind {
	case ValueKindNum:
		n := v.Num
		num = &n
	case ValueKindStr:
		s := v.Str
		str = &s
	case ValueKindBool:
		b := v.Bool
		boolean = &b
	case ValueKindJSON:
		j := v.JSON
		jsonv = &j
	}
	return
}

// ValueFromColumns rebuilds the variant from the one-of columns of a stored
// row. The first non-nil column wins in the order num, str, bool, json.
func ValueFromColumns(num *float64, str *string, boolean *bool, jsonv *string) Value {
	switch {
	case num != nil:
		return NumValue(*num)
	case str != nil:
		return StrValue(*str)
	case boolean != nil:
		return BoolValue(*boolean)
	case jsonv != nil:
		return JSONValue(*jsonv)
	}
	return Value{}
}
