// Package patch computes RFC 6902 JSON patches between two snapshots of
// decoded JSON values (map[string]any, []any, float64, string, bool, nil).
package patch

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
)

// Operation is a single JSON patch operation.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// MarshalJSON omits the value member of remove operations.
func (o Operation) MarshalJSON() ([]byte, error) {
	if o.Op == OpRemove {
		return json.Marshal(struct {
			Op   string `json:"op"`
			Path string `json:"path"`
		}{o.Op, o.Path})
	}
	type plain Operation
	return json.Marshal(plain(o))
}

// Diff returns the operations that turn before into after. Keys are visited
// in sorted order so the result is deterministic. Applying the operations in
// order to before yields after.
func Diff(before, after map[string]any) []Operation {
	var ops []Operation
	diffObjects("", before, after, &ops)
	return ops
}

// Pointer joins reference tokens into a JSON pointer, escaping "~" and "/".
func Pointer(tokens ...string) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteByte('/')
		b.WriteString(escape(t))
	}
	return b.String()
}

// Tokens splits a JSON pointer into unescaped reference tokens.
func Tokens(pointer string) []string {
	if pointer == "" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return parts
}

func escape(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}

func diffValues(path string, a, b any, ops *[]Operation) {
	switch av := a.(type) {
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			diffObjects(path, av, bv, ops)
			return
		}
	case []any:
		if bv, ok := b.([]any); ok {
			diffArrays(path, av, bv, ops)
			return
		}
	}
	if !reflect.DeepEqual(a, b) {
		*ops = append(*ops, Operation{Op: OpReplace, Path: path, Value: b})
	}
}

func diffObjects(path string, a, b map[string]any, ops *[]Operation) {
	for _, k := range sortedKeys(a) {
		if _, ok := b[k]; !ok {
			*ops = append(*ops, Operation{Op: OpRemove, Path: path + "/" + escape(k)})
		}
	}
	for _, k := range sortedKeys(a) {
		if bv, ok := b[k]; ok {
			diffValues(path+"/"+escape(k), a[k], bv, ops)
		}
	}
	for _, k := range sortedKeys(b) {
		if _, ok := a[k]; !ok {
			*ops = append(*ops, Operation{Op: OpAdd, Path: path + "/" + escape(k), Value: b[k]})
		}
	}
}

func diffArrays(path string, a, b []any, ops *[]Operation) {
	common := min(len(a), len(b))
	for i := 0; i < common; i++ {
		diffValues(path+"/"+strconv.Itoa(i), a[i], b[i], ops)
	}
	for i := common; i < len(b); i++ {
		*ops = append(*ops, Operation{Op: OpAdd, Path: path + "/" + strconv.Itoa(i), Value: b[i]})
	}
	// trailing removals go from the end so every index stays valid
	for i := len(a) - 1; i >= common; i-- {
		*ops = append(*ops, Operation{Op: OpRemove, Path: path + "/" + strconv.Itoa(i)})
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
