package sqltpl

import (
	"reflect"
	"strings"
	"testing"
)

// mergeAll parses and merges each (template, params) pair into one builder.
func mergeAll(t *testing.T, s Settings, parts ...any) (string, Params) {
	t.Helper()
	var sb strings.Builder
	claimed := map[string]struct{}{}
	dst := Params{}
	for i := 0; i < len(parts); i += 2 {
		root, err := Parse(parts[i].(string), s)
		assertNoError(t, err)
		src, err := Bind(parts[i+1])
		assertNoError(t, err)
		assertNoError(t, root.MergeInto(&sb, claimed, dst, src))
	}
	return sb.String(), dst
}

// TestMergeInto_RenamesCollisions verifies colliding names get the smallest
// free _auto_n suffix and values follow the renamed placeholder.
func TestMergeInto_RenamesCollisions(t *testing.T) {
	s := SettingsFor(Postgres)
	text, params := mergeAll(t, s,
		"SELECT * FROM t WHERE a = :id", P{"id": 1},
		" AND b = :id OR c = :id", P{"id": 2},
		" AND d = :id", P{"id": 3},
	)
	if want := "SELECT * FROM t WHERE a = :id AND b = :id_auto_0 OR c = :id_auto_0 AND d = :id_auto_1"; text != want {
		t.Fatalf("text=%q, want %q", text, want)
	}
	if len(params) != 3 {
		t.Fatalf("params=%v", params)
	}

	out, args, err := renderText(text, params, s)
	assertNoError(t, err)
	if out != "SELECT * FROM t WHERE a = $1 AND b = $2 OR c = $3 AND d = $4" {
		t.Fatalf("out=%q", out)
	}
	assertArgsEqual(t, args, []any{1, 2, 2, 3})
}

// TestMergeInto_SkipsClaimedSuffixes never reuses a name already in use.
func TestMergeInto_SkipsClaimedSuffixes(t *testing.T) {
	s := SettingsFor(SQLite)
	root, err := Parse("x = :id", s)
	assertNoError(t, err)

	var sb strings.Builder
	claimed := map[string]struct{}{"id": {}, "id_auto_0": {}}
	dst := Params{"id_auto_1": ValueOf(9)}
	src := Params{"id": ValueOf(1)}
	assertNoError(t, root.MergeInto(&sb, claimed, dst, src))

	if sb.String() != "x = :id_auto_2" {
		t.Fatalf("text=%q", sb.String())
	}
	if _, ok := claimed["id_auto_2"]; !ok {
		t.Fatalf("new name must be claimed: %v", claimed)
	}
	if _, ok := src["id"]; ok {
		t.Fatalf("value must be moved out of the donor params")
	}
	if dst["id_auto_2"].Interface() != 1 {
		t.Fatalf("dst=%v", dst)
	}
}

// TestMergeInto_PositionalBecomeNamed re-emits ? markers as named
// placeholders so later renders number them sequentially.
func TestMergeInto_PositionalBecomeNamed(t *testing.T) {
	s := SettingsFor(Postgres)
	var sb strings.Builder
	claimed := map[string]struct{}{}
	dst := Params{}
	for _, part := range []struct {
		q    string
		args []any
	}{
		{"SELECT * FROM t WHERE a = ? AND b = ?", []any{1, 2}},
		{" AND c = ?", []any{3}},
	} {
		root, err := Parse(part.q, s)
		assertNoError(t, err)
		src, err := Bind(part.args...)
		assertNoError(t, err)
		assertNoError(t, root.MergeInto(&sb, claimed, dst, src))
	}
	if want := "SELECT * FROM t WHERE a = :1 AND b = :2 AND c = :1_auto_0"; sb.String() != want {
		t.Fatalf("text=%q, want %q", sb.String(), want)
	}
	out, args, err := renderText(sb.String(), dst, s)
	assertNoError(t, err)
	if out != "SELECT * FROM t WHERE a = $1 AND b = $2 AND c = $3" {
		t.Fatalf("out=%q", out)
	}
	assertArgsEqual(t, args, []any{1, 2, 3})
}

// TestMergeInto_PositionalJoinedToName rejects "?abc", which would read
// back as a different placeholder once renamed.
func TestMergeInto_PositionalJoinedToName(t *testing.T) {
	s := SettingsFor(Postgres)
	for _, q := range []string{"SELECT ?abc", "SELECT ?1", "SELECT 1 {{ WHERE a = ?_x }}"} {
		root, err := Parse(q, s)
		assertNoError(t, err)
		var sb strings.Builder
		err = root.MergeInto(&sb, map[string]struct{}{}, Params{}, Params{"1": ValueOf(1)})
		assertKind(t, err, KindInvalidParameter)
		if sb.Len() != 0 {
			t.Fatalf("%q: nothing must be written on error, got %q", q, sb.String())
		}
	}

	root, err := Parse("SELECT ? ,?)", s)
	assertNoError(t, err)
	var sb strings.Builder
	assertNoError(t, root.MergeInto(&sb, map[string]struct{}{}, Params{}, Params{}))
}

// TestMergeInto_PreservesStructure keeps blocks, IN sugar, pagination, escaped
// question marks and casts intact.
func TestMergeInto_PreservesStructure(t *testing.T) {
	s := SettingsFor(Postgres)
	text, params := mergeAll(t, s,
		"SELECT a::text FROM t WHERE x = :x", P{"x": 1},
		" {{ AND x IN :x }} AND d \\? 'k' PAGINATE :page", P{"x": []int{}, "page": Pagination{Limit: 2}},
	)
	if want := "SELECT a::text FROM t WHERE x = :x {{ AND x IN (:x_auto_0) }} AND d \\? 'k' PAGINATE :page"; text != want {
		t.Fatalf("text=%q, want %q", text, want)
	}
	root, err := Parse(text, s)
	assertNoError(t, err)
	if got := root.Placeholders(); !reflect.DeepEqual(got, []string{"x", "x_auto_0", "page"}) {
		t.Fatalf("Placeholders()=%v", got)
	}
	out, args, err := Render(root, params, s)
	assertNoError(t, err)
	if out != "SELECT a::text FROM t WHERE x = $1  AND d ? 'k' LIMIT $2 OFFSET $3" {
		t.Fatalf("out=%q", out)
	}
	assertArgsEqual(t, args, []any{1, int64(2), int64(0)})
}

// TestMergeInto_CastBeforePlaceholder avoids emitting "::name".
func TestMergeInto_CastBeforePlaceholder(t *testing.T) {
	s := SettingsFor(MySQL)
	root, err := Parse("SELECT :$v", s)
	assertNoError(t, err)
	var sb strings.Builder
	assertNoError(t, root.MergeInto(&sb, map[string]struct{}{}, Params{}, Params{}))
	if sb.String() != "SELECT :$v" {
		t.Fatalf("text=%q", sb.String())
	}
}

// TestMergeInto_RequiresDestination rejects nil destinations.
func TestMergeInto_RequiresDestination(t *testing.T) {
	root, err := Parse("SELECT 1", SettingsFor(Postgres))
	assertNoError(t, err)
	if err := root.MergeInto(nil, map[string]struct{}{}, Params{}, nil); err == nil {
		t.Fatalf("expected error for nil builder")
	}
	var sb strings.Builder
	if err := root.MergeInto(&sb, nil, Params{}, nil); err == nil {
		t.Fatalf("expected error for nil claimed set")
	}
}

// renderText parses and renders text in one step.
func renderText(text string, params Params, s Settings) (string, []any, error) {
	root, err := Parse(text, s)
	if err != nil {
		return "", nil, err
	}
	return Render(root, params, s)
}
