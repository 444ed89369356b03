package dispatchers

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

var validate = validator.New()

// ParseConfig decodes a destination options map into a typed dispatcher
// config: defaults first, then a weakly typed mapstructure decode over the
// json tags, then struct validation.
func ParseConfig[T any](opts map[string]any) (*T, error) {
	cfg := new(T)
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply option defaults: %w", err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build options decoder: %w", err)
	}
	if err := dec.Decode(opts); err != nil {
		return nil, fmt.Errorf("failed to decode options: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return cfg, nil
}
