package patch

import (
	"encoding/json"
	"testing"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

// applies ops to before with an independent implementation and checks the
// result equals after
func requireApplies(t *testing.T, before, after map[string]any, ops []Operation) {
	t.Helper()
	rawOps, err := json.Marshal(ops)
	require.NoError(t, err)
	p, err := jsonpatch.DecodePatch(rawOps)
	require.NoError(t, err)

	rawBefore, err := json.Marshal(before)
	require.NoError(t, err)
	rawAfter, err := json.Marshal(after)
	require.NoError(t, err)

	got, err := p.Apply(rawBefore)
	require.NoError(t, err)
	assert.True(t, jsonpatch.Equal(rawAfter, got), "got %s want %s", got, rawAfter)
}

func TestDiffAddedRecord(t *testing.T) {
	before := decode(t, `{"a-foo": {"id": "a", "name": "foo"}}`)
	after := decode(t, `{"a-foo": {"id": "a", "name": "foo"}, "b-bar": {"id": "b", "name": "bar"}}`)

	ops := Diff(before, after)
	require.Len(t, ops, 1)
	assert.Equal(t, OpAdd, ops[0].Op)
	assert.Equal(t, "/b-bar", ops[0].Path)
	assert.Equal(t, map[string]any{"id": "b", "name": "bar"}, ops[0].Value)
	requireApplies(t, before, after, ops)
}

func TestDiffIdenticalSnapshots(t *testing.T) {
	snap := decode(t, `{"a-foo": {"id": "a", "extra": {"tags": ["x", "y"], "size": 10}}}`)
	assert.Empty(t, Diff(snap, decode(t, `{"a-foo": {"id": "a", "extra": {"tags": ["x", "y"], "size": 10}}}`)))
	assert.Empty(t, Diff(map[string]any{}, map[string]any{}))
}

func TestDiffNestedChanges(t *testing.T) {
	before := decode(t, `{
		"a-1": {"name": "web", "machine": {"state": "running", "public_ips": ["1.1.1.1", "2.2.2.2", "3.3.3.3"]}},
		"b-2": {"name": "db", "missing_since": null}
	}`)
	after := decode(t, `{
		"a-1": {"name": "web", "machine": {"state": "stopped", "public_ips": ["1.1.1.1"], "hostname": "web.local"}},
		"c-3": {"name": "cache"}
	}`)

	ops := Diff(before, after)
	assert.Contains(t, ops, Operation{Op: OpReplace, Path: "/a-1/machine/state", Value: "stopped"})
	assert.Contains(t, ops, Operation{Op: OpAdd, Path: "/a-1/machine/hostname", Value: "web.local"})
	assert.Contains(t, ops, Operation{Op: OpRemove, Path: "/b-2"})
	assert.Contains(t, ops, Operation{Op: OpAdd, Path: "/c-3", Value: map[string]any{"name": "cache"}})
	requireApplies(t, before, after, ops)
}

func TestDiffArrays(t *testing.T) {
	tests := []struct {
		name          string
		before, after string
	}{
		{"grow", `{"k": {"l": [1, 2]}}`, `{"k": {"l": [1, 2, 3, 4]}}`},
		{"shrink", `{"k": {"l": [1, 2, 3, 4]}}`, `{"k": {"l": [1]}}`},
		{"empty", `{"k": {"l": [1, 2]}}`, `{"k": {"l": []}}`},
		{"objects", `{"k": {"l": [{"a": 1}, {"a": 2}]}}`, `{"k": {"l": [{"a": 1, "b": 2}]}}`},
		{"type change", `{"k": {"l": [1, 2]}}`, `{"k": {"l": {"x": 1}}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before, after := decode(t, tc.before), decode(t, tc.after)
			ops := Diff(before, after)
			require.NotEmpty(t, ops)
			requireApplies(t, before, after, ops)
		})
	}
}

func TestDiffEscapesPointerTokens(t *testing.T) {
	before := decode(t, `{"a-1": {"extra": {}}}`)
	after := decode(t, `{"a-1": {"extra": {"path/with~tilde": true}}}`)

	ops := Diff(before, after)
	require.Len(t, ops, 1)
	assert.Equal(t, "/a-1/extra/path~1with~0tilde", ops[0].Path)
	assert.Equal(t, []string{"a-1", "extra", "path/with~tilde"}, Tokens(ops[0].Path))
	assert.Equal(t, ops[0].Path, Pointer("a-1", "extra", "path/with~tilde"))
	requireApplies(t, before, after, ops)
}

func TestRemoveOperationOmitsValue(t *testing.T) {
	raw, err := json.Marshal(Operation{Op: OpRemove, Path: "/x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op": "remove", "path": "/x"}`, string(raw))

	raw, err = json.Marshal(Operation{Op: OpAdd, Path: "/x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op": "add", "path": "/x", "value": null}`, string(raw))
}
