// Package quality assigns quality labels to parsed points through an
// optional expression rule.
package quality

import (
	"fmt"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sandrolain/mqtt-relay/src/models"
)

// Judge evaluates a compiled quality expression per point. A nil Judge or
// one built from an empty rule labels every point good.
type Judge struct {
	program *vm.Program
	log     *slog.Logger
}

// NewJudge compiles the quality rule once. The expression sees the point
// fields (num, str, bool_, json, metricId, deviceId, ts, unit) and must
// return one of good, suspect or bad.
func NewJudge(expression string) (*Judge, error) {
	j := &Judge{log: slog.Default().With("context", "QUALITY")}
	if expression == "" {
		return j, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile quality rule: %w", err)
	}
	j.program = program
	return j, nil
}

// Judge returns the quality label for a point. Evaluation failures and
// results outside the known labels fall back to good with a warning so one
// bad rule never blocks the pipeline.
func (j *Judge) Judge(point *models.Point) string {
	if j == nil || j.program == nil {
		return models.QualityGood
	}

	env := map[string]any{
		"metricId": point.MetricID,
		"deviceId": point.DeviceID,
		"ts":       point.Ts,
		"unit":     point.Unit,
		"num":      nil,
		"str":      nil,
		"bool_":    nil,
		"json":     nil,
	}
	switch point.Value.Kind {
	case models.ValueKindNum:
		env["num"] = point.Value.Num
	case models.ValueKindStr:
		env["str"] = point.Value.Str
	case models.ValueKindBool:
		env["bool_"] = point.Value.Bool
	case models.ValueKindJSON:
		env["json"] = point.Value.JSON
	}

	out, err := vm.Run(j.program, env)
	if err != nil {
		j.log.Warn("quality rule evaluation failed", "metricId", point.MetricID, "err", err)
		return models.QualityGood
	}
	label, ok := out.(string)
	if !ok || !validLabel(label) {
		j.log.Warn("quality rule returned an unknown label", "metricId", point.MetricID, "result", out)
		return models.QualityGood
	}
	return label
}

func validLabel(s string) bool {
	switch s {
	case models.QualityGood, models.QualitySuspect, models.QualityBad:
		return true
	}
	return false
}
