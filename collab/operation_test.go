package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tokens, err := parsePath("a.b.c")
	require.NoError(t, err)
	assert.Equal(t, []pathToken{{key: "a"}, {key: "b"}, {key: "c"}}, tokens)

	tokens, err = parsePath("items[2].name")
	require.NoError(t, err)
	assert.Equal(t, []pathToken{{key: "items", index: 2, indexed: true}, {key: "name"}}, tokens)

	for _, bad := range []string{"", "a..b", "a[", "a[x]", "[0]", "a[1", "a[-1]"} {
		_, err := parsePath(bad)
		assert.ErrorIs(t, err, ErrPathNotFound, "path %q", bad)
	}
}

func TestSetCreatesIntermediateObjects(t *testing.T) {
	doc := map[string]interface{}{}
	err := Apply(doc, Operation{Type: OpSet, Path: "a.b.c", Value: 42})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"a": map[string]interface{}{
			"b": map[string]interface{}{"c": 42},
		},
	}, doc)
}

func TestSetOverwritesAnyType(t *testing.T) {
	doc := map[string]interface{}{"title": map[string]interface{}{"nested": true}}
	err := Apply(doc, Operation{Type: OpSet, Path: "title", Value: "New"})
	require.NoError(t, err)
	assert.Equal(t, "New", doc["title"])
}

func TestSetArrayElement(t *testing.T) {
	doc := map[string]interface{}{"items": []interface{}{"a", "b"}}
	err := Apply(doc, Operation{Type: OpSet, Path: "items[1]", Value: "x"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "x"}, doc["items"])

	err = Apply(doc, Operation{Type: OpSet, Path: "items[5]", Value: "x"})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestSetThroughScalarFails(t *testing.T) {
	doc := map[string]interface{}{"a": "scalar"}
	err := Apply(doc, Operation{Type: OpSet, Path: "a.b", Value: 1})
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestDelete(t *testing.T) {
	doc := map[string]interface{}{
		"a": map[string]interface{}{"b": 1, "c": 2},
	}
	require.NoError(t, Apply(doc, Operation{Type: OpDelete, Path: "a.b"}))
	assert.Equal(t, map[string]interface{}{"c": 2}, doc["a"])

	// Removing an absent key is a no-op, not an error.
	require.NoError(t, Apply(doc, Operation{Type: OpDelete, Path: "a.missing"}))

	// A missing intermediate segment is.
	err := Apply(doc, Operation{Type: OpDelete, Path: "nope.b"})
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestDeleteArrayElement(t *testing.T) {
	doc := map[string]interface{}{"items": []interface{}{"a", "b"}}
	require.NoError(t, Apply(doc, Operation{Type: OpDelete, Path: "items[0]"}))
	assert.Equal(t, []interface{}{"b"}, doc["items"])
}

func TestArrayInsert(t *testing.T) {
	doc := map[string]interface{}{"items": []interface{}{"a", "b"}}

	require.NoError(t, Apply(doc, Operation{Type: OpArrayInsert, Path: "items", Value: "x", Index: 0}))
	assert.Equal(t, []interface{}{"x", "a", "b"}, doc["items"])

	// Inserting at length appends.
	require.NoError(t, Apply(doc, Operation{Type: OpArrayInsert, Path: "items", Value: "y", Index: 3}))
	assert.Equal(t, []interface{}{"x", "a", "b", "y"}, doc["items"])

	err := Apply(doc, Operation{Type: OpArrayInsert, Path: "items", Value: "z", Index: 9})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	err = Apply(doc, Operation{Type: OpArrayInsert, Path: "items", Value: "z", Index: -1})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	err = Apply(doc, Operation{Type: OpArrayInsert, Path: "title", Value: "z", Index: 0})
	assert.ErrorIs(t, err, ErrNotAnArray)
}

func TestArrayRemove(t *testing.T) {
	doc := map[string]interface{}{"items": []interface{}{"a", "b", "c"}}

	require.NoError(t, Apply(doc, Operation{Type: OpArrayRemove, Path: "items", Index: 1}))
	assert.Equal(t, []interface{}{"a", "c"}, doc["items"])

	err := Apply(doc, Operation{Type: OpArrayRemove, Path: "items", Index: 2})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	err = Apply(doc, Operation{Type: OpArrayRemove, Path: "missing", Index: 0})
	assert.ErrorIs(t, err, ErrNotAnArray)
}

func TestArrayOpsOnNestedArray(t *testing.T) {
	doc := map[string]interface{}{
		"rows": []interface{}{
			[]interface{}{"a", "b"},
			[]interface{}{"c"},
		},
	}

	// An indexed final segment resolves to the element, which here is an
	// array itself.
	require.NoError(t, Apply(doc, Operation{Type: OpArrayInsert, Path: "rows[0]", Value: "x", Index: 0}))
	rows := doc["rows"].([]interface{})
	assert.Equal(t, []interface{}{"x", "a", "b"}, rows[0])
	assert.Equal(t, []interface{}{"c"}, rows[1])

	require.NoError(t, Apply(doc, Operation{Type: OpArrayRemove, Path: "rows[0]", Index: 1}))
	rows = doc["rows"].([]interface{})
	assert.Equal(t, []interface{}{"x", "b"}, rows[0])

	// An element that is not an array still fails.
	doc["rows"] = []interface{}{"scalar"}
	err := Apply(doc, Operation{Type: OpArrayInsert, Path: "rows[0]", Value: "x", Index: 0})
	assert.ErrorIs(t, err, ErrNotAnArray)

	err = Apply(doc, Operation{Type: OpArrayRemove, Path: "rows[7]", Index: 0})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestUnknownOperationType(t *testing.T) {
	err := Apply(map[string]interface{}{}, Operation{Type: "merge", Path: "a"})
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestCloneIsolation(t *testing.T) {
	original := map[string]interface{}{
		"meta":  map[string]interface{}{"title": "Doc"},
		"items": []interface{}{"a", "b"},
	}
	clone := Clone(original)

	require.NoError(t, Apply(clone, Operation{Type: OpSet, Path: "meta.title", Value: "Changed"}))
	require.NoError(t, Apply(clone, Operation{Type: OpArrayRemove, Path: "items", Index: 0}))

	assert.Equal(t, "Doc", original["meta"].(map[string]interface{})["title"])
	assert.Equal(t, []interface{}{"a", "b"}, original["items"])
}

func TestReplayIsDeterministic(t *testing.T) {
	base := map[string]interface{}{"items": []interface{}{"a"}}
	ops := []Operation{
		{Type: OpSet, Path: "title", Value: "Doc"},
		{Type: OpArrayInsert, Path: "items", Value: "b", Index: 1},
		{Type: OpSet, Path: "meta.author.name", Value: "Alice"},
		{Type: OpArrayRemove, Path: "items", Index: 0},
		{Type: OpDelete, Path: "meta.author"},
	}

	first := Clone(base)
	second := Clone(base)
	for _, op := range ops {
		require.NoError(t, Apply(first, op))
		require.NoError(t, Apply(second, op))
	}
	assert.Equal(t, first, second)
}
