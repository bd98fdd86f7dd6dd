package sds

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/goliatone/go-errors"
)

var (
	ErrUnsupportedType = errors.New("unsupported value type", errors.CategoryBadInput).
				WithTextCode("SDS_UNSUPPORTED_TYPE")
	ErrRaggedArray = errors.New("array is not rectangular", errors.CategoryBadInput).
			WithTextCode("SDS_RAGGED_ARRAY")
	ErrTooManyDims = errors.New("array exceeds the maximum number of dimensions", errors.CategoryBadInput).
			WithTextCode("SDS_TOO_MANY_DIMS")
	ErrMixedArray = errors.New("array mixes incompatible element types", errors.CategoryBadInput).
			WithTextCode("SDS_MIXED_ARRAY")
	ErrMalformedNode = errors.New("malformed structure node", errors.CategoryValidation).
				WithTextCode("SDS_MALFORMED_NODE")
)

func codecError(base *errors.Error, msg string, meta map[string]any) *errors.Error {
	err := base.Clone()
	if msg != "" {
		err.Message = msg
	}
	if len(meta) > 0 {
		err = err.WithMetadata(meta)
	}
	return err
}

var nodeType = reflect.TypeOf((*Node)(nil))

// Encode converts a Go value into a node named name.
//
// Supported values are nil, bool, sized and unsized integers, floats,
// strings, maps keyed by string, *Node, and rectangular slices or arrays of
// those. Normalisations: int becomes Int64, uint becomes Uint64, bool becomes
// Ubyte and a []any holding mixed numbers becomes a Double array.
func Encode(v any, name string) (*Node, error) {
	if name == "" {
		name = DefaultName
	}
	return encodeValue(reflect.ValueOf(v), name)
}

func encodeValue(rv reflect.Value, name string) (*Node, error) {
	if !rv.IsValid() {
		return NewUndefined(name), nil
	}
	if rv.Type() == nodeType {
		if rv.IsNil() {
			return NewUndefined(name), nil
		}
		return rv.Interface().(*Node).Clone().Rename(name), nil
	}

	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return NewUndefined(name), nil
		}
		return encodeValue(rv.Elem(), name)
	case reflect.String:
		return encodeStrings(name, []string{rv.String()}, nil), nil
	case reflect.Map:
		return encodeMap(rv, name)
	case reflect.Slice, reflect.Array:
		return encodeArray(rv, name)
	case reflect.Struct:
		return nil, codecError(ErrUnsupportedType, "structs must be converted to maps before encoding",
			map[string]any{"name": name, "type": rv.Type().String()})
	}

	code, ok := scalarCode(rv.Kind())
	if !ok {
		return nil, codecError(ErrUnsupportedType, "", map[string]any{"name": name, "type": rv.Type().String()})
	}
	data := reflect.MakeSlice(reflect.SliceOf(codeTypes[code]), 1, 1)
	if err := setNumber(data.Index(0), rv); err != nil {
		return nil, err
	}
	return &Node{name: name, code: code, data: data.Interface()}, nil
}

func scalarCode(k reflect.Kind) (Code, bool) {
	switch k {
	case reflect.Bool, reflect.Uint8:
		return CodeUByte, true
	case reflect.Int8:
		return CodeByte, true
	case reflect.Int16:
		return CodeShort, true
	case reflect.Uint16:
		return CodeUShort, true
	case reflect.Int32:
		return CodeInt, true
	case reflect.Uint32:
		return CodeUInt, true
	case reflect.Int, reflect.Int64:
		return CodeInt64, true
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return CodeUInt64, true
	case reflect.Float32:
		return CodeFloat, true
	case reflect.Float64:
		return CodeDouble, true
	}
	return 0, false
}

func setNumber(dst, src reflect.Value) error {
	if src.Kind() == reflect.Bool {
		var b uint64
		if src.Bool() {
			b = 1
		}
		dst.Set(reflect.ValueOf(b).Convert(dst.Type()))
		return nil
	}
	if !src.CanConvert(dst.Type()) {
		return codecError(ErrMixedArray, "", map[string]any{"want": dst.Type().String(), "got": src.Type().String()})
	}
	dst.Set(src.Convert(dst.Type()))
	return nil
}

func encodeMap(rv reflect.Value, name string) (*Node, error) {
	if rv.Type().Key().Kind() != reflect.String {
		return nil, codecError(ErrUnsupportedType, "map keys must be strings",
			map[string]any{"name": name, "type": rv.Type().String()})
	}
	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	node := NewStruct(name)
	for _, k := range keys {
		child, err := encodeValue(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())), k)
		if err != nil {
			return nil, err
		}
		node.fields = append(node.fields, child)
	}
	return node, nil
}

type flattener struct {
	shape     []int
	leaves    []reflect.Value
	leafDepth int
}

func (f *flattener) walk(rv reflect.Value, depth int) error {
	for rv.Kind() == reflect.Interface && !rv.IsNil() {
		rv = rv.Elem()
	}
	if isList(rv) {
		if f.leafDepth >= 0 && depth >= f.leafDepth {
			return codecError(ErrRaggedArray, "", nil)
		}
		if depth >= MaxDims {
			return codecError(ErrTooManyDims, "", map[string]any{"max": MaxDims})
		}
		n := rv.Len()
		switch {
		case depth == len(f.shape):
			f.shape = append(f.shape, n)
		case f.shape[depth] != n:
			return codecError(ErrRaggedArray, "", map[string]any{"depth": depth, "want": f.shape[depth], "got": n})
		}
		for i := 0; i < n; i++ {
			if err := f.walk(rv.Index(i), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if f.leafDepth < 0 {
		if depth != len(f.shape) {
			return codecError(ErrRaggedArray, "", nil)
		}
		f.leafDepth = depth
	} else if depth != f.leafDepth {
		return codecError(ErrRaggedArray, "", nil)
	}
	f.leaves = append(f.leaves, rv)
	return nil
}

func isList(rv reflect.Value) bool {
	return rv.IsValid() && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array)
}

type leafClass int

const (
	leafNumber leafClass = iota
	leafString
	leafMap
)

func classify(rv reflect.Value) (leafClass, bool) {
	if !rv.IsValid() {
		return 0, false
	}
	switch rv.Kind() {
	case reflect.String:
		return leafString, true
	case reflect.Map:
		return leafMap, true
	}
	if _, ok := scalarCode(rv.Kind()); ok {
		return leafNumber, true
	}
	return 0, false
}

func encodeArray(rv reflect.Value, name string) (*Node, error) {
	f := &flattener{leafDepth: -1}
	if err := f.walk(rv, 0); err != nil {
		return nil, err
	}

	if len(f.leaves) == 0 {
		return emptyArray(rv.Type(), f.shape, name)
	}

	class, ok := classify(f.leaves[0])
	if !ok {
		return nil, codecError(ErrUnsupportedType, "", map[string]any{"name": name, "type": fmt.Sprint(f.leaves[0].Type())})
	}
	for _, leaf := range f.leaves[1:] {
		c, ok := classify(leaf)
		if !ok || c != class {
			return nil, codecError(ErrMixedArray, "", map[string]any{"name": name})
		}
	}

	dims := reverse(f.shape)
	switch class {
	case leafString:
		strs := make([]string, len(f.leaves))
		for i, leaf := range f.leaves {
			strs[i] = leaf.String()
		}
		return encodeStrings(name, strs, dims), nil
	case leafMap:
		node := &Node{name: name, code: CodeStruct, dims: dims}
		for i, leaf := range f.leaves {
			cell, err := encodeMap(leaf, fmt.Sprintf("%s(%d)", name, i+1))
			if err != nil {
				return nil, err
			}
			node.cells = append(node.cells, cell)
		}
		return node, nil
	}

	code := numericCode(f.leaves)
	data := reflect.MakeSlice(reflect.SliceOf(codeTypes[code]), len(f.leaves), len(f.leaves))
	for i, leaf := range f.leaves {
		if err := setNumber(data.Index(i), leaf); err != nil {
			return nil, err
		}
	}
	return &Node{name: name, code: code, dims: dims, data: data.Interface()}, nil
}

// numericCode picks one element code for all leaves, widening to Double when
// leaf kinds disagree.
func numericCode(leaves []reflect.Value) Code {
	first, _ := scalarCode(leaves[0].Kind())
	for _, leaf := range leaves[1:] {
		if c, _ := scalarCode(leaf.Kind()); c != first {
			return CodeDouble
		}
	}
	return first
}

func emptyArray(t reflect.Type, shape []int, name string) (*Node, error) {
	for t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		t = t.Elem()
	}
	dims := reverse(shape)
	switch t.Kind() {
	case reflect.String:
		return encodeStrings(name, nil, dims), nil
	case reflect.Map:
		return &Node{name: name, code: CodeStruct, dims: dims}, nil
	case reflect.Interface:
		return &Node{name: name, code: CodeDouble, dims: dims, data: []float64{}}, nil
	}
	code, ok := scalarCode(t.Kind())
	if !ok {
		return nil, codecError(ErrUnsupportedType, "", map[string]any{"name": name, "type": t.String()})
	}
	return &Node{name: name, code: code, dims: dims, data: reflect.MakeSlice(reflect.SliceOf(codeTypes[code]), 0, 0).Interface()}, nil
}

// encodeStrings builds a character array sized for the longest string plus a
// terminator.
func encodeStrings(name string, strs []string, dims []int) *Node {
	width := 1
	for _, s := range strs {
		if len(s)+1 > width {
			width = len(s) + 1
		}
	}
	data := make([]byte, width*len(strs))
	for i, s := range strs {
		copy(data[i*width:], s)
	}
	return &Node{name: name, code: CodeChar, dims: append([]int{width}, dims...), data: data}
}

func charStrings(n *Node) []string {
	data, _ := n.data.([]byte)
	width := n.dims[0]
	count := n.Len()
	out := make([]string, count)
	for i := 0; i < count; i++ {
		start := i * width
		end := start + width
		if end > len(data) {
			end = len(data)
		}
		raw := data[start:end]
		if idx := strings.IndexByte(string(raw), 0); idx >= 0 {
			raw = raw[:idx]
		}
		out[i] = string(raw)
	}
	return out
}

func reverse(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// Decode converts a node back into Go values: map[string]any for
// structures, string and nested []string for character arrays, typed scalars
// and nested typed slices for numeric nodes, nested []map[string]any for
// structure arrays and nil for undefined nodes.
func Decode(n *Node) (any, error) {
	if n == nil || n.undefined {
		return nil, nil
	}
	switch n.code {
	case CodeStruct:
		if len(n.dims) == 0 {
			out := make(map[string]any, len(n.fields))
			for _, f := range n.fields {
				v, err := Decode(f)
				if err != nil {
					return nil, err
				}
				out[f.name] = v
			}
			return out, nil
		}
		if len(n.cells) != product(n.dims) {
			return nil, codecError(ErrMalformedNode, "structure array cell count does not match dimensions",
				map[string]any{"name": n.name})
		}
		cells := make([]map[string]any, len(n.cells))
		for i, c := range n.cells {
			v, err := Decode(c)
			if err != nil {
				return nil, err
			}
			m, ok := v.(map[string]any)
			if !ok {
				m = map[string]any{}
			}
			cells[i] = m
		}
		return nest(reflect.ValueOf(cells), reverse(n.dims)).Interface(), nil
	case CodeChar:
		if len(n.dims) == 0 {
			return nil, codecError(ErrMalformedNode, "character node without a width", map[string]any{"name": n.name})
		}
		strs := charStrings(n)
		if len(n.dims) == 1 {
			return strs[0], nil
		}
		return nest(reflect.ValueOf(strs), reverse(n.dims[1:])).Interface(), nil
	}

	if !n.code.IsNumeric() || n.data == nil {
		return nil, codecError(ErrMalformedNode, "", map[string]any{"name": n.name, "code": n.code.String()})
	}
	data := reflect.ValueOf(n.data)
	if len(n.dims) == 0 {
		if data.Len() != 1 {
			return nil, codecError(ErrMalformedNode, "scalar node must hold one value", map[string]any{"name": n.name})
		}
		return data.Index(0).Interface(), nil
	}
	if data.Len() != product(n.dims) {
		return nil, codecError(ErrMalformedNode, "element count does not match dimensions", map[string]any{"name": n.name})
	}
	return nest(data, reverse(n.dims)).Interface(), nil
}

// nest turns a flat slice into nested slices with the given row-major shape.
func nest(flat reflect.Value, shape []int) reflect.Value {
	if len(shape) == 1 {
		out := reflect.MakeSlice(flat.Type(), shape[0], shape[0])
		reflect.Copy(out, flat)
		return out
	}
	t := flat.Type()
	for range shape[1:] {
		t = reflect.SliceOf(t)
	}
	out := reflect.MakeSlice(t, shape[0], shape[0])
	stride := product(shape[1:])
	for i := 0; i < shape[0]; i++ {
		out.Index(i).Set(nest(flat.Slice(i*stride, (i+1)*stride), shape[1:]))
	}
	return out
}
