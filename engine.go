package sqltpl

import (
	"context"
	"database/sql"
	"sync"
)

// Engine is the main entry point of the template layer. It holds the dialect
// settings, the parsed-template cache and a pool of reusable *Builder
// instances. A single Engine is safe for concurrent use.
type Engine struct {
	settings Settings
	cache    *Cache
	pool     sync.Pool
}

// Execer abstracts *sql.DB / *sql.Tx / *sql.Conn ExecContext for easy testing.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer abstracts *sql.DB / *sql.Tx / *sql.Conn QueryContext for easy testing.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// New returns an Engine for the given dialect. Optionally provide a Config;
// unspecified fields fall back to sensible per-dialect defaults.
func New(dialect Dialect, cfg ...Config) *Engine {
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	return NewWithSettings(settingsFromConfig(dialect, cfg...), NewCache(c.CacheShards, c.CacheCapacity))
}

// NewWithSettings returns an Engine using s verbatim. A nil cache gets a
// default one.
func NewWithSettings(s Settings, cache *Cache) *Engine {
	if cache == nil {
		cache = NewCache(0, 0)
	}
	e := &Engine{settings: s, cache: cache}
	e.pool.New = func() any {
		return &Builder{
			claimed: make(map[string]struct{}, 8),
			params:  make(Params, 8),
		}
	}
	return e
}

// Settings returns the engine's settings.
func (e *Engine) Settings() Settings { return e.settings }

// Dialect returns the engine's dialect.
func (e *Engine) Dialect() Dialect { return e.settings.Dialect }

// Cache returns the engine's template cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Parse parses query without touching the cache.
func (e *Engine) Parse(query string) (*Root, error) {
	return Parse(query, e.settings)
}

// ParseOrGet returns the cached template for query, parsing it on a miss.
func (e *Engine) ParseOrGet(query string) (*Root, error) {
	return e.cache.GetOrParse(query, e.settings)
}

// Render parses (or fetches) query and renders it with args bound as by Bind.
func (e *Engine) Render(query string, args ...any) (string, []any, error) {
	params, err := Bind(args...)
	if err != nil {
		return "", nil, err
	}
	return e.RenderParams(query, params)
}

// RenderParams parses (or fetches) query and renders it with params.
func (e *Engine) RenderParams(query string, params Params) (string, []any, error) {
	root, err := e.ParseOrGet(query)
	if err != nil {
		return "", nil, err
	}
	return Render(root, params, e.settings)
}

// RenderInline renders query with every value inlined as a literal. The
// output is meant for logs and debugging, never for execution.
func (e *Engine) RenderInline(query string, args ...any) (string, error) {
	params, err := Bind(args...)
	if err != nil {
		return "", err
	}
	root, err := e.ParseOrGet(query)
	if err != nil {
		return "", err
	}
	s := e.settings
	s.MaxPlaceholders = 0
	out, _, err := Render(root, params, s)
	return out, err
}
