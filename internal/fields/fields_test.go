package fields

import (
	"database/sql"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Audit struct {
	CreatedAt time.Time `db:"created_at"`
	By        *string   `db:"by"`
}

type Account struct {
	ID     int64          `db:"id"`
	Email  string         `db:"email"`
	Tags   []string       `db:"tags,scalar"`
	Note   sql.NullString `db:"note"`
	Secret string         `db:"-"`
	Plain  string
	hidden int
	Audit
	Owner *struct {
		Name string `db:"owner_name"`
	}
}

// TestMap_FlattensAndTags covers tags, options, skipping and flattening.
func TestMap_FlattensAndTags(t *testing.T) {
	m := Map(reflect.TypeOf(&Account{}))

	assert.Equal(t, []int{0}, m["id"].Index)
	assert.True(t, m["tags"].Scalar)
	assert.Equal(t, []int{3}, m["note"].Index, "Scanner types are leaves")
	assert.Equal(t, []int{5}, m["Plain"].Index, "untagged fields use the Go name")
	assert.Equal(t, []int{7, 0}, m["created_at"].Index, "time.Time is a leaf")
	assert.Equal(t, []int{8, 0}, m["owner_name"].Index)
	for _, absent := range []string{"Secret", "hidden", "Audit", "Owner"} {
		_, ok := m[absent]
		assert.False(t, ok, absent)
	}
}

// TestMap_Ambiguous marks names reachable through two paths.
func TestMap_Ambiguous(t *testing.T) {
	type A struct {
		ID int `db:"id"`
	}
	type B struct {
		ID int `db:"id"`
	}
	type Both struct {
		A
		B
		Name string `db:"name"`
	}
	m := Map(reflect.TypeOf(Both{}))
	assert.True(t, m["id"].Ambiguous)
	assert.False(t, m["name"].Ambiguous)
}

// TestMap_NonStructAndRecursive returns safely for odd types.
func TestMap_NonStructAndRecursive(t *testing.T) {
	assert.Empty(t, Map(reflect.TypeOf(42)))

	type Node struct {
		Val  int `db:"val"`
		Next *Node
	}
	m := Map(reflect.TypeOf(Node{}))
	assert.Equal(t, []int{0}, m["val"].Index)
}

// TestMap_Cached returns the same layout for repeated lookups.
func TestMap_Cached(t *testing.T) {
	type C struct {
		X int `db:"x"`
	}
	m1 := Map(reflect.TypeOf(C{}))
	m2 := Map(reflect.TypeOf(C{}))
	assert.Equal(t, reflect.ValueOf(m1).Pointer(), reflect.ValueOf(m2).Pointer())
}

// TestValueByPath_Nulls maps nil pointers on the way to NULL.
func TestValueByPath_Nulls(t *testing.T) {
	by := "ops"
	acc := Account{ID: 7, Audit: Audit{By: &by}}
	m := Map(reflect.TypeOf(acc))

	v, ok := ValueByPath(reflect.ValueOf(acc), m["id"].Index)
	require.True(t, ok)
	assert.Equal(t, int64(7), v)

	v, ok = ValueByPath(reflect.ValueOf(&acc), m["by"].Index)
	require.True(t, ok)
	assert.Equal(t, &by, v)

	v, ok = ValueByPath(reflect.ValueOf(acc), m["owner_name"].Index)
	assert.True(t, ok)
	assert.Nil(t, v, "nil intermediate pointer is NULL")

	var nilIface any
	v, ok = ValueByPath(reflect.ValueOf(&nilIface).Elem(), []int{0})
	assert.True(t, ok)
	assert.Nil(t, v)

	_, ok = ValueByPath(reflect.ValueOf(42), []int{0})
	assert.False(t, ok, "path through a non-struct")
}

// TestFieldByIndexAlloc allocates intermediate pointers only.
func TestFieldByIndexAlloc(t *testing.T) {
	var acc Account
	m := Map(reflect.TypeOf(acc))
	root := reflect.ValueOf(&acc).Elem()

	f := FieldByIndexAlloc(root, m["owner_name"].Index)
	f.SetString("ann")
	require.NotNil(t, acc.Owner)
	assert.Equal(t, "ann", acc.Owner.Name)

	leaf := FieldByIndexAlloc(root, m["by"].Index)
	assert.True(t, leaf.IsNil(), "leaf pointer stays nil")
}

// TestScannerType detects value and pointer receivers.
func TestScannerType(t *testing.T) {
	assert.True(t, ScannerType(reflect.TypeOf(sql.NullInt64{})))
	assert.True(t, ScannerType(reflect.TypeOf(&sql.NullInt64{})))
	assert.False(t, ScannerType(reflect.TypeOf(time.Time{})))
}
