package sds

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goliatone/go-errors"
)

const positionalPrefix = "Argument"

// Args is a decoded call argument: ordered positional values plus named
// keyword values.
type Args struct {
	Positional []any
	Keyword    map[string]any
}

// MakeArgument wraps call arguments into a single structure named
// ArgStructure. Positional values become Argument1..N in order, keyword
// values follow sorted by name.
func MakeArgument(args []any, kwargs map[string]any) (*Node, error) {
	root := NewStruct(DefaultName)
	for i, v := range args {
		child, err := Encode(v, fmt.Sprintf("%s%d", positionalPrefix, i+1))
		if err != nil {
			return nil, err
		}
		root.fields = append(root.fields, child)
	}

	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := positionalIndex(k); ok {
			return nil, errors.New("keyword collides with a positional argument name", errors.CategoryBadInput).
				WithTextCode("SDS_ARGUMENT_COLLISION").
				WithMetadata(map[string]any{"keyword": k})
		}
		child, err := Encode(kwargs[k], k)
		if err != nil {
			return nil, err
		}
		root.fields = append(root.fields, child)
	}
	return root, nil
}

// ParseArgument is the inverse of MakeArgument. Fields named Argument1..N
// form the positional list as long as the numbering is contiguous; every
// other field is a keyword. A nil or undefined node yields empty Args and a
// non-structure node yields a single positional value.
func ParseArgument(n *Node) (Args, error) {
	out := Args{Keyword: map[string]any{}}
	if n == nil || n.Undefined() {
		return out, nil
	}
	if !n.IsStruct() {
		v, err := Decode(n)
		if err != nil {
			return Args{}, err
		}
		out.Positional = []any{v}
		return out, nil
	}

	positional := map[int]any{}
	for _, f := range n.fields {
		v, err := Decode(f)
		if err != nil {
			return Args{}, err
		}
		if idx, ok := positionalIndex(f.name); ok {
			positional[idx] = v
			continue
		}
		out.Keyword[f.name] = v
	}

	for i := 1; ; i++ {
		v, ok := positional[i]
		if !ok {
			break
		}
		out.Positional = append(out.Positional, v)
		delete(positional, i)
	}
	for idx, v := range positional {
		out.Keyword[fmt.Sprintf("%s%d", positionalPrefix, idx)] = v
	}
	return out, nil
}

func positionalIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, positionalPrefix) {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(name, positionalPrefix))
	if err != nil || idx < 1 {
		return 0, false
	}
	return idx, true
}

// Len is the number of positional values.
func (a Args) Len() int { return len(a.Positional) }

// Get binds a parameter the way a call site would: a keyword named name wins,
// otherwise the positional value at pos (0-based) is used when pos >= 0.
func (a Args) Get(name string, pos int) (any, bool) {
	if name != "" {
		if v, ok := a.Keyword[name]; ok {
			return v, true
		}
	}
	if pos >= 0 && pos < len(a.Positional) {
		return a.Positional[pos], true
	}
	return nil, false
}

// String binds a string parameter, falling back to def.
func (a Args) String(name string, pos int, def string) string {
	v, ok := a.Get(name, pos)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float binds a numeric parameter, falling back to def.
func (a Args) Float(name string, pos int, def float64) float64 {
	v, ok := a.Get(name, pos)
	if !ok {
		return def
	}
	if f, ok := ToFloat(v); ok {
		return f
	}
	return def
}

// Int binds an integer parameter, falling back to def.
func (a Args) Int(name string, pos int, def int64) int64 {
	v, ok := a.Get(name, pos)
	if !ok {
		return def
	}
	if f, ok := ToFloat(v); ok {
		return int64(f)
	}
	return def
}

// ToFloat converts any decoded numeric scalar to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int8:
		return float64(n), true
	case uint8:
		return float64(n), true
	case int16:
		return float64(n), true
	case uint16:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
