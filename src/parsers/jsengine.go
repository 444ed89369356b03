package parsers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

var errParseInterrupted = errors.New("js execution interrupted")

// jsEngine wraps one compiled parser program. Each Parse runs the program in
// a fresh VM so parsers cannot leak state between messages.
type jsEngine struct {
	name    string
	program *goja.Program
	timeout time.Duration
}

func newJSEngine(name string, source []byte, timeout time.Duration) (*jsEngine, error) {
	program, err := goja.Compile(name, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile js: %w", err)
	}
	return &jsEngine{name: name, program: program, timeout: timeout}, nil
}

// Parse evaluates the program with payload and config bound as globals. A
// script either exports a parse(payload, config) function, which is then
// invoked, or yields the result as its final expression. Execution is
// interrupted once the timeout elapses.
func (e *jsEngine) Parse(ctx context.Context, payload any, config map[string]any) (result map[string]any, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vm := goja.New()
	if err := vm.Set("payload", payload); err != nil {
		return nil, fmt.Errorf("failed to set payload: %w", err)
	}
	if err := vm.Set("config", config); err != nil {
		return nil, fmt.Errorf("failed to set config: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(errParseInterrupted)
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("js panic: %v", r)
		}
	}()

	value, err := vm.RunProgram(e.program)
	if err != nil {
		return nil, e.runError(err)
	}

	if fn, ok := goja.AssertFunction(vm.Get("parse")); ok {
		value, err = fn(goja.Undefined(), vm.ToValue(payload), vm.ToValue(config))
		if err != nil {
			return nil, e.runError(err)
		}
	}

	return exportObject(value)
}

func (e *jsEngine) runError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("js execution timeout after %s", e.timeout)
	}
	return fmt.Errorf("js execution error: %w", err)
}

func exportObject(value goja.Value) (map[string]any, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	exported := value.Export()
	if exported == nil {
		return nil, nil
	}
	result, ok := exported.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("js parser returned %T, expected an object", exported)
	}
	return result, nil
}
