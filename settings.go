package sqltpl

import (
	"fmt"
	"strings"
)

// Dialect identifies the SQL dialect for placeholder rendering and a few
// dialect-specific parsing behaviors.
type Dialect int

const (
	Postgres Dialect = iota
	MySQL
	SQLite
	SQLServer
)

// String returns the string representation of the dialect.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// ParseDialect maps a dialect or database/sql driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	}
	return 0, fmt.Errorf("sqltpl: unknown dialect %q", name)
}

// PlaceholderStyle selects the token emitted for each bound value.
type PlaceholderStyle uint8

const (
	PlaceholderQuestion PlaceholderStyle = iota // ?
	PlaceholderDollar                           // $1, $2, ...
	PlaceholderAtP                              // @p1, @p2, ...
)

// PaginateStyle selects the syntax emitted for pagination fragments.
type PaginateStyle uint8

const (
	PaginateLimitOffset PaginateStyle = iota // LIMIT n OFFSET m
	PaginateOffsetFetch                      // OFFSET m ROWS FETCH NEXT n ROWS ONLY
)

// Settings is the immutable dialect configuration threaded through parsing
// and rendering. Obtain defaults with SettingsFor and adjust the copy.
type Settings struct {
	Dialect Dialect

	// Parse-time lexing.
	EscapeDoubleSingleQuotes bool // '' inside a string literal is a quote
	EscapeBackslash          bool // \x inside a string literal escapes x
	CommentHash              bool // # starts a line comment
	DollarQuoting            bool // $tag$ ... $tag$ strings
	BacktickIdentifiers      bool
	BracketIdentifiers       bool
	CollapsibleIn            bool // recognize IN / NOT IN sugar

	// Render-time output.
	Placeholder PlaceholderStyle
	// MaxPlaceholders limits the number of values a single render may bind.
	// 0 inlines literal values instead of emitting placeholders (debug only),
	// a negative value is unlimited.
	MaxPlaceholders int
	// MaxNameLen limits the length of a placeholder name. Longer names are
	// rejected at parse time. 0 disables the check.
	MaxNameLen int

	TrueLiteral     string
	FalseLiteral    string
	StringsAsNText  bool   // inline strings as N'...'
	JSONPlaceholder string // format wrapping a JSON value, e.g. "%s::jsonb"
	CollapsedIn     string // emitted for IN over an empty list
	CollapsedNotIn  string // emitted for NOT IN over an empty list
	Paginate        PaginateStyle
}

// Config defines limits for the engine. Zero fields fall back to
// per-dialect defaults.
type Config struct {
	// MaxParams limits the total number of placeholders that can be emitted by
	// a single render.
	// If = 0 (or omitted), it uses a sensible per-dialect default.
	// If < 0, it's treated as "unlimited".
	MaxParams int
	// MaxNameLen limits the maximum allowed length of a placeholder name,
	// e.g. ":this_is_a_name". Names longer than this cause ErrParamNameTooLong.
	MaxNameLen int
	// CacheShards and CacheCapacity size the parsed-template cache.
	CacheShards   int
	CacheCapacity int
}

// SettingsFor returns the default Settings of a dialect.
func SettingsFor(d Dialect) Settings {
	s := Settings{
		Dialect:                  d,
		EscapeDoubleSingleQuotes: true,
		CollapsibleIn:            true,
		MaxNameLen:               64,
		TrueLiteral:              "TRUE",
		FalseLiteral:             "FALSE",
		JSONPlaceholder:          "%s",
		CollapsedIn:              "FALSE",
		CollapsedNotIn:           "TRUE",
	}
	switch d {
	case Postgres:
		s.Placeholder = PlaceholderDollar
		s.DollarQuoting = true
		s.JSONPlaceholder = "%s::jsonb"
		s.MaxPlaceholders = 65535
	case MySQL:
		s.EscapeBackslash = true
		s.CommentHash = true
		s.BacktickIdentifiers = true
		s.JSONPlaceholder = "CAST(%s AS JSON)"
		s.MaxPlaceholders = 65535
	case SQLite:
		s.BacktickIdentifiers = true
		s.JSONPlaceholder = "json(%s)"
		s.MaxPlaceholders = 999
	case SQLServer:
		s.Placeholder = PlaceholderAtP
		s.BracketIdentifiers = true
		s.StringsAsNText = true
		s.TrueLiteral = "1"
		s.FalseLiteral = "0"
		s.CollapsedIn = "1=0"
		s.CollapsedNotIn = "1=1"
		s.Paginate = PaginateOffsetFetch
		s.MaxPlaceholders = 2100
	}
	return s
}

// settingsFromConfig merges user config with per-dialect defaults.
func settingsFromConfig(dialect Dialect, config ...Config) Settings {
	s := SettingsFor(dialect)
	if len(config) == 0 {
		return s
	}
	c := config[0]
	if c.MaxParams != 0 {
		s.MaxPlaceholders = c.MaxParams
	}
	if c.MaxNameLen > 0 {
		s.MaxNameLen = c.MaxNameLen
	}
	return s
}

// quoteIdent quotes a possibly qualified identifier (schema.table.column)
// using the dialect's identifier quoting.
func (s Settings) quoteIdent(name string) string {
	open, close := `"`, `"`
	switch {
	case s.Dialect == MySQL:
		open, close = "`", "`"
	case s.Dialect == SQLServer:
		open, close = "[", "]"
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p == "*" {
			continue
		}
		parts[i] = open + strings.ReplaceAll(p, close, close+close) + close
	}
	return strings.Join(parts, ".")
}
