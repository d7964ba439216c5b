package sqltpl

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
)

// --------------------------------
// Test utilities
// --------------------------------

// dcase groups a dialect with a display name for table-driven tests.
type dcase struct {
	name string
	d    Dialect
}

// allDialects returns the list of dialects to iterate over in tests.
func allDialects() []dcase {
	return []dcase{
		{"postgres", Postgres},
		{"mysql", MySQL},
		{"sqlite", SQLite},
		{"sqlserver", SQLServer},
	}
}

// placeholderRegex returns a compiled regex that matches placeholders for each dialect.
func placeholderRegex(d Dialect) *regexp.Regexp {
	switch d {
	case Postgres:
		return regexp.MustCompile(`\$(?:[1-9][0-9]*)`)
	case SQLServer:
		return regexp.MustCompile(`@p(?:[1-9][0-9]*)`)
	default: // MySQL, SQLite
		return regexp.MustCompile(`\?`)
	}
}

// countPlaceholders counts the placeholders present in a query for the given dialect.
func countPlaceholders(q string, d Dialect) int {
	return len(placeholderRegex(d).FindAllStringIndex(q, -1))
}

// assertNoError fails the test immediately if err != nil.
func assertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertKind fails unless err is an *Error of the given kind.
func assertKind(t testing.TB, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("kind=%q, want %q (err=%v)", got, want, err)
	}
}

// mustRender renders sql with params for the dialect and asserts no error.
func mustRender(t testing.TB, d Dialect, sql string, params ...any) (string, []any) {
	t.Helper()
	out, args, err := New(d).Render(sql, params...)
	assertNoError(t, err)
	return out, args
}

// mustBuild is a test helper to build a query with binds and assert no error.
func mustBuild(t testing.TB, d Dialect, sql string, binds ...any) (string, []any) {
	t.Helper()
	b := New(d).Write(sql)
	for _, in := range binds {
		b.Bind(in)
	}
	out, args, err := b.Build()
	assertNoError(t, err)
	return out, args
}

// assertArgsEqual compares args semantically (with []byte equality support).
func assertArgsEqual(t testing.TB, got []any, want []any) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len(args)=%d, want %d\n got=%v\nwant=%v", len(got), len(want), got, want)
	}
	for i := range got {
		if !equalArg(got[i], want[i]) {
			t.Fatalf("arg #%d = %#v, want %#v", i+1, got[i], want[i])
		}
	}
}

// equalArg is a robust equality check for test arguments (handles []byte).
func equalArg(a, b any) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok || bok {
		if !(aok && bok) {
			return false
		}
		return bytes.Equal(ab, bb)
	}
	return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
}

// mustContainInOrder asserts that subs appear in s in the given order.
func mustContainInOrder(t testing.TB, s string, subs ...string) {
	t.Helper()
	pos := 0
	for _, sub := range subs {
		i := strings.Index(s[pos:], sub)
		if i < 0 {
			t.Fatalf("substring not found (in order) %q\nTEXT:\n%s", sub, s)
		}
		pos += i + len(sub)
	}
}

// --------------------------------
// Dialects and settings
// --------------------------------

// TestDialectString ensures Dialect.String() returns expected values.
func TestDialectString(t *testing.T) {
	tests := []struct {
		d    Dialect
		want string
	}{
		{Postgres, "postgres"},
		{MySQL, "mysql"},
		{SQLite, "sqlite"},
		{SQLServer, "sqlserver"},
		{Dialect(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Fatalf("Dialect(%d).String()=%q, want %q", tt.d, got, tt.want)
		}
	}
}

// TestParseDialect_DriverNames maps database/sql driver names to dialects.
func TestParseDialect_DriverNames(t *testing.T) {
	tests := map[string]Dialect{
		"pgx":       Postgres,
		"Postgres":  Postgres,
		"mariadb":   MySQL,
		"mysql":     MySQL,
		"sqlite3":   SQLite,
		"sqlite":    SQLite,
		"sqlserver": SQLServer,
		" mssql ":   SQLServer,
	}
	for in, want := range tests {
		got, err := ParseDialect(in)
		assertNoError(t, err)
		if got != want {
			t.Fatalf("ParseDialect(%q)=%v, want %v", in, got, want)
		}
	}
	if _, err := ParseDialect("oracle"); err == nil {
		t.Fatalf("expected error for unknown dialect")
	}
}

// TestLimits_Defaults_ByDialect checks the default placeholder limits.
func TestLimits_Defaults_ByDialect(t *testing.T) {
	want := map[Dialect]int{Postgres: 65535, MySQL: 65535, SQLite: 999, SQLServer: 2100}
	for _, dc := range allDialects() {
		if got := New(dc.d).Settings().MaxPlaceholders; got != want[dc.d] {
			t.Fatalf("%s: MaxPlaceholders=%d, want %d", dc.name, got, want[dc.d])
		}
	}
}

// TestLimits_MaxParams_Custom verifies Config.MaxParams overrides the default
// and a negative value disables the limit.
func TestLimits_MaxParams_Custom(t *testing.T) {
	e := New(Postgres, Config{MaxParams: 2})
	_, _, err := e.Render("SELECT :a, :b, :c", P{"a": 1, "b": 2, "c": 3})
	assertKind(t, err, KindTooManyParams)
	if !errors.Is(err, ErrTooManyParams) {
		t.Fatalf("errors.Is(err, ErrTooManyParams) = false: %v", err)
	}
	if !strings.Contains(err.Error(), "requested=3, limit=2") {
		t.Fatalf("error should report request and limit: %v", err)
	}

	ids := make([]int, 5000)
	e = New(SQLite, Config{MaxParams: -1})
	_, args, err := e.Render("SELECT * FROM t WHERE id IN :ids", P{"ids": ids})
	assertNoError(t, err)
	if len(args) != 5000 {
		t.Fatalf("len(args)=%d, want 5000", len(args))
	}
}

// TestQuoteIdent_PerDialect checks identifier quoting, including qualified
// names, stars and embedded quote characters.
func TestQuoteIdent_PerDialect(t *testing.T) {
	tests := []struct {
		d    Dialect
		in   string
		want string
	}{
		{Postgres, "users.name", `"users"."name"`},
		{SQLite, "name", `"name"`},
		{MySQL, "t.*", "`t`.*"},
		{SQLServer, "dbo.users", "[dbo].[users]"},
		{SQLServer, "a]b", "[a]]b]"},
	}
	for _, tt := range tests {
		if got := SettingsFor(tt.d).quoteIdent(tt.in); got != tt.want {
			t.Fatalf("%s quoteIdent(%q)=%q, want %q", tt.d, tt.in, got, tt.want)
		}
	}
}

// --------------------------------
// Errors
// --------------------------------

// TestError_KindSentinelsAndTransient verifies errors.Is against kind
// sentinels, KindOf through wrapping, and IsTransient.
func TestError_KindSentinelsAndTransient(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", NewError(KindTimeout, "acquire", cause))

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("errors.Is(err, ErrTimeout) = false")
	}
	if errors.Is(err, ErrQuery) {
		t.Fatalf("timeout must not match ErrQuery")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause must be reachable via Unwrap")
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("KindOf=%q", KindOf(err))
	}
	if !IsTransient(err) {
		t.Fatalf("timeouts are transient")
	}
	if IsTransient(NewError(KindQuery, "", cause)) {
		t.Fatalf("plain query errors are not transient")
	}
	if !IsTransient(&Error{Kind: KindQuery, Transient: true}) {
		t.Fatalf("query errors marked transient must be transient")
	}
	if IsTransient(cause) || KindOf(cause) != "" {
		t.Fatalf("foreign errors carry no kind")
	}
	if got := missingPlaceholder("id").Error(); got != `sqltpl: missing placeholder: "id"` {
		t.Fatalf("Error()=%q", got)
	}
}

// --------------------------------
// Concurrency
// --------------------------------

// TestConcurrency_SharedEngine_AllDialects shares a single Engine across
// goroutines, verifying the builder pool and the template cache.
func TestConcurrency_SharedEngine_AllDialects(t *testing.T) {
	for _, dc := range allDialects() {
		e := New(dc.d)
		const G, I = 16, 200
		var wg sync.WaitGroup
		wg.Add(G)
		for g := 0; g < G; g++ {
			go func() {
				defer wg.Done()
				for i := 0; i < I; i++ {
					out, args, err := e.Write("SELECT * FROM t WHERE a=:a AND b IN :b {{AND c=:c}}").
						Bind(P{"a": i, "b": []int{i, i + 1, i + 2}, "c": "x"}).
						Build()
					if err != nil {
						t.Error(err)
						return
					}
					if countPlaceholders(out, dc.d) != 5 || len(args) != 5 {
						t.Errorf("unexpected output %q %v", out, args)
						return
					}
				}
			}()
		}
		wg.Wait()
	}
}
