package parsers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandrolain/mqtt-relay/src/models"
)

// ErrLanguageNotHandled is returned when a parser's language has no engine.
var ErrLanguageNotHandled = errors.New("parser language not handled")

// Engine runs a parser over one decoded payload. The returned map carries
// metric values keyed by metric id (as a decimal string) plus any metadata
// keys the parser chooses to emit.
type Engine interface {
	Parse(ctx context.Context, payload any, config map[string]any) (map[string]any, error)
}

// Registry resolves parser rows into runnable engines. JavaScript parsers
// are compiled from the content store; engines registered with
// RegisterNative take precedence over store lookup, keyed by (name, version).
type Registry struct {
	store   *Store
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	native map[string]Engine
	cache  map[string]Engine
}

func NewRegistry(store *Store, jsTimeout time.Duration) *Registry {
	if jsTimeout <= 0 {
		jsTimeout = 5 * time.Second
	}
	return &Registry{
		store:   store,
		timeout: jsTimeout,
		log:     slog.Default().With("context", "PARSERS"),
		native:  map[string]Engine{},
		cache:   map[string]Engine{},
	}
}

// RegisterNative binds an in-process engine to a parser identity. Native
// engines bypass both the content store and the language check.
func (r *Registry) RegisterNative(name, version string, engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.native[Slug(name, version)] = engine
}

// Resolve returns the engine for a parser row. Compiled engines are cached
// by slug; a new parser version gets a new slug and therefore a fresh
// compile.
func (r *Registry) Resolve(parser *models.Parser) (Engine, error) {
	slug := Slug(parser.Name, parser.Version)

	r.mu.Lock()
	defer r.mu.Unlock()

	if engine, ok := r.native[slug]; ok {
		return engine, nil
	}
	if engine, ok := r.cache[slug]; ok {
		return engine, nil
	}

	if parser.Language != models.ParserLanguageJS {
		return nil, fmt.Errorf("%w: parser #%d is coded in %q", ErrLanguageNotHandled, parser.ID, parser.Language)
	}

	src, err := r.store.Get(parser)
	if err != nil {
		return nil, err
	}

	engine, err := newJSEngine(slug, src, r.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to load parser #%d: %w", parser.ID, err)
	}

	r.log.Debug("compiled js parser", "parser", slug)
	r.cache[slug] = engine
	return engine, nil
}
