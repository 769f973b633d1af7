// Package varpath reads and writes session variables by dotted path, e.g.
// "user.profile.name" or "results[2].score".
package varpath

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Split breaks a path into its root variable name and the remaining
// gjson-style sub path ("a.b[1].c" -> "a", "b.1.c").
func Split(path string) (root string, rest string) {
	p := normalize(path)
	if i := strings.IndexByte(p, '.'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

func normalize(path string) string {
	p := strings.TrimSpace(path)
	p = strings.ReplaceAll(p, "[", ".")
	p = strings.ReplaceAll(p, "]", "")
	p = strings.ReplaceAll(p, `"`, "")
	p = strings.ReplaceAll(p, "'", "")
	return strings.Trim(p, ".")
}

// Get resolves path against vars. Plain maps and slices are walked directly so
// the stored Go values come back unchanged; anything else is resolved through
// its JSON form.
func Get(vars map[string]any, path string) (any, bool) {
	root, rest := Split(path)
	if root == "" {
		return nil, false
	}
	v, ok := vars[root]
	if !ok {
		return nil, false
	}
	if rest == "" {
		return v, true
	}

	if out, ok, walked := walk(v, strings.Split(rest, ".")); walked {
		return out, ok
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(data, rest)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// walk descends through map[string]any and []any. walked is false when a
// value of another type is met and the caller should fall back to JSON.
func walk(v any, segs []string) (out any, ok bool, walked bool) {
	cur := v
	for _, seg := range segs {
		switch c := cur.(type) {
		case map[string]any:
			next, found := c[seg]
			if !found {
				return nil, false, true
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false, true
			}
			cur = c[i]
		case nil:
			return nil, false, true
		default:
			return nil, false, false
		}
	}
	return cur, true, true
}

// Set writes value at path and returns the new value of the root variable.
// Intermediate objects are created as needed.
func Set(vars map[string]any, path string, value any) (string, any, error) {
	root, rest := Split(path)
	if root == "" {
		return "", nil, fmt.Errorf("empty variable path")
	}
	if rest == "" {
		return root, value, nil
	}

	data := []byte("{}")
	if cur, ok := vars[root]; ok && cur != nil {
		b, err := json.Marshal(cur)
		if err != nil {
			return "", nil, fmt.Errorf("encoding %s: %w", root, err)
		}
		data = b
	}

	updated, err := sjson.SetBytes(data, rest, value)
	if err != nil {
		return "", nil, fmt.Errorf("setting %s: %w", path, err)
	}

	var out any
	if err := json.Unmarshal(updated, &out); err != nil {
		return "", nil, fmt.Errorf("decoding %s: %w", root, err)
	}
	return root, out, nil
}

// Delete removes path. Deleting a root variable is the caller's job.
func Delete(vars map[string]any, path string) (string, any, error) {
	root, rest := Split(path)
	if rest == "" {
		return root, nil, fmt.Errorf("cannot delete root variable %q by path", root)
	}
	cur, ok := vars[root]
	if !ok {
		return root, nil, nil
	}
	data, err := json.Marshal(cur)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %s: %w", root, err)
	}
	updated, err := sjson.DeleteBytes(data, rest)
	if err != nil {
		return "", nil, fmt.Errorf("deleting %s: %w", path, err)
	}
	var out any
	if err := json.Unmarshal(updated, &out); err != nil {
		return "", nil, fmt.Errorf("decoding %s: %w", root, err)
	}
	return root, out, nil
}
