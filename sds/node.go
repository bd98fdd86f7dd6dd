package sds

import (
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/goliatone/go-errors"
)

// Code is the primitive element type of a node.
type Code int

const (
	CodeStruct Code = iota
	CodeChar
	CodeByte
	CodeUByte
	CodeShort
	CodeUShort
	CodeInt
	CodeUInt
	CodeInt64
	CodeUInt64
	CodeFloat
	CodeDouble
)

// MaxDims is the largest number of array dimensions a node may carry.
const MaxDims = 7

// DefaultName is used for top level nodes created without an explicit name.
const DefaultName = "ArgStructure"

var codeNames = map[Code]string{
	CodeStruct: "Struct",
	CodeChar:   "Char",
	CodeByte:   "Byte",
	CodeUByte:  "Ubyte",
	CodeShort:  "Short",
	CodeUShort: "Ushort",
	CodeInt:    "Int",
	CodeUInt:   "Uint",
	CodeInt64:  "Int64",
	CodeUInt64: "Uint64",
	CodeFloat:  "Float",
	CodeDouble: "Double",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// IsNumeric reports whether the code holds numbers.
func (c Code) IsNumeric() bool {
	return c >= CodeByte && c <= CodeDouble
}

var (
	codeTypes = map[Code]reflect.Type{
		CodeByte:   reflect.TypeOf(int8(0)),
		CodeUByte:  reflect.TypeOf(uint8(0)),
		CodeShort:  reflect.TypeOf(int16(0)),
		CodeUShort: reflect.TypeOf(uint16(0)),
		CodeInt:    reflect.TypeOf(int32(0)),
		CodeUInt:   reflect.TypeOf(uint32(0)),
		CodeInt64:  reflect.TypeOf(int64(0)),
		CodeUInt64: reflect.TypeOf(uint64(0)),
		CodeFloat:  reflect.TypeOf(float32(0)),
		CodeDouble: reflect.TypeOf(float64(0)),
	}
)

// Node is one element of a hierarchical, self-describing structure. A node is
// either a structure (named fields, or an array of structure cells), a
// character array, or a numeric scalar/array.
//
// Dimensions are stored fastest-varying first, which is the reverse of the
// nesting order of Go slices.
type Node struct {
	name      string
	code      Code
	dims      []int
	data      any
	fields    []*Node
	cells     []*Node
	undefined bool
}

// NewStruct returns an empty structure node.
func NewStruct(name string) *Node {
	if name == "" {
		name = DefaultName
	}
	return &Node{name: name, code: CodeStruct}
}

// NewUndefined returns a placeholder node standing in for a nil value.
func NewUndefined(name string) *Node {
	return &Node{name: name, code: CodeStruct, undefined: true}
}

func (n *Node) Name() string { return n.name }
func (n *Node) Code() Code   { return n.code }

// Undefined reports whether the node is a nil placeholder.
func (n *Node) Undefined() bool { return n != nil && n.undefined }

// Dims returns a copy of the node dimensions, nil for scalars.
func (n *Node) Dims() []int {
	if len(n.dims) == 0 {
		return nil
	}
	out := make([]int, len(n.dims))
	copy(out, n.dims)
	return out
}

// IsStruct reports whether the node is a scalar structure with named fields.
func (n *Node) IsStruct() bool {
	return n != nil && n.code == CodeStruct && !n.undefined && len(n.dims) == 0
}

// Fields returns the child nodes of a scalar structure in insertion order.
func (n *Node) Fields() []*Node {
	out := make([]*Node, len(n.fields))
	copy(out, n.fields)
	return out
}

// Field looks up a direct child by name.
func (n *Node) Field(name string) (*Node, bool) {
	if n == nil {
		return nil, false
	}
	for _, f := range n.fields {
		if f.name == name {
			return f, true
		}
	}
	return nil, false
}

// Add appends a child to a scalar structure node.
func (n *Node) Add(child *Node) error {
	if !n.IsStruct() {
		return errors.New("cannot add a field to a non-structure node", errors.CategoryBadInput).
			WithTextCode("SDS_NOT_STRUCT").
			WithMetadata(map[string]any{"node": n.name})
	}
	if child == nil {
		return errors.New("field cannot be nil", errors.CategoryBadInput).
			WithTextCode("SDS_NIL_FIELD")
	}
	if _, exists := n.Field(child.name); exists {
		return errors.New("duplicate field name", errors.CategoryConflict).
			WithTextCode("SDS_DUPLICATE_FIELD").
			WithMetadata(map[string]any{"node": n.name, "field": child.name})
	}
	n.fields = append(n.fields, child)
	return nil
}

// Len is the number of elements held by an array node, 1 for scalars.
func (n *Node) Len() int {
	switch {
	case n.code == CodeChar:
		return product(n.dims[1:])
	default:
		return product(n.dims)
	}
}

// Cell returns one cell of a structure array. Indices are 1-based and given
// in node order (fastest-varying first).
func (n *Node) Cell(idx ...int) (*Node, error) {
	if n.code != CodeStruct || len(n.dims) == 0 {
		return nil, errors.New("cell access requires a structure array", errors.CategoryBadInput).
			WithTextCode("SDS_NOT_STRUCT_ARRAY").
			WithMetadata(map[string]any{"node": n.name})
	}
	off, err := offset(n.dims, idx)
	if err != nil {
		return nil, err
	}
	return n.cells[off], nil
}

// At returns one element of a numeric array. Indices are 1-based and given in
// node order.
func (n *Node) At(idx ...int) (any, error) {
	if !n.code.IsNumeric() {
		return nil, errors.New("element access requires a numeric node", errors.CategoryBadInput).
			WithTextCode("SDS_NOT_NUMERIC").
			WithMetadata(map[string]any{"node": n.name, "code": n.code.String()})
	}
	if len(n.dims) == 0 && len(idx) == 0 {
		return reflect.ValueOf(n.data).Index(0).Interface(), nil
	}
	off, err := offset(n.dims, idx)
	if err != nil {
		return nil, err
	}
	return reflect.ValueOf(n.data).Index(off).Interface(), nil
}

func offset(dims []int, idx []int) (int, error) {
	if len(idx) != len(dims) {
		return 0, errors.New("index count does not match dimensions", errors.CategoryBadInput).
			WithTextCode("SDS_BAD_INDEX").
			WithMetadata(map[string]any{"dims": dims, "index": idx})
	}
	off, stride := 0, 1
	for k, i := range idx {
		if i < 1 || i > dims[k] {
			return 0, errors.New("index out of range", errors.CategoryBadInput).
				WithTextCode("SDS_BAD_INDEX").
				WithMetadata(map[string]any{"dims": dims, "index": idx})
		}
		off += (i - 1) * stride
		stride *= dims[k]
	}
	return off, nil
}

// Rename returns a shallow copy of the node carrying a different name.
func (n *Node) Rename(name string) *Node {
	cp := *n
	cp.name = name
	return &cp
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := &Node{
		name:      n.name,
		code:      n.code,
		dims:      n.Dims(),
		undefined: n.undefined,
	}
	if n.data != nil {
		src := reflect.ValueOf(n.data)
		dst := reflect.MakeSlice(src.Type(), src.Len(), src.Len())
		reflect.Copy(dst, src)
		cp.data = dst.Interface()
	}
	for _, f := range n.fields {
		cp.fields = append(cp.fields, f.Clone())
	}
	for _, c := range n.cells {
		cp.cells = append(cp.cells, c.Clone())
	}
	return cp
}

// String renders the node tree one line per node.
func (n *Node) String() string {
	var sb strings.Builder
	n.Format(&sb)
	return sb.String()
}

// Format writes the node tree to w.
func (n *Node) Format(w io.Writer) {
	n.format(w, 0)
}

func (n *Node) format(w io.Writer, depth int) {
	if n == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	label := fmt.Sprintf("%s%-*s", indent, 22-len(indent), n.name)
	switch {
	case n.undefined:
		fmt.Fprintf(w, "%s Undefined\n", label)
	case n.code == CodeStruct && len(n.dims) == 0:
		fmt.Fprintf(w, "%s Struct\n", label)
		for _, f := range n.fields {
			f.format(w, depth+1)
		}
	case n.code == CodeStruct:
		fmt.Fprintf(w, "%s Struct %s\n", label, formatDims(n.dims))
		for i, c := range n.cells {
			fmt.Fprintf(w, "%s  [%d]\n", indent, i+1)
			for _, f := range c.fields {
				f.format(w, depth+2)
			}
		}
	case n.code == CodeChar:
		strs := charStrings(n)
		if len(n.dims) == 1 {
			fmt.Fprintf(w, "%s Char   %s %q\n", label, formatDims(n.dims), strs[0])
		} else {
			fmt.Fprintf(w, "%s Char   %s %q\n", label, formatDims(n.dims), strs)
		}
	default:
		vals := reflect.ValueOf(n.data)
		if len(n.dims) == 0 {
			fmt.Fprintf(w, "%s %-7s %v\n", label, n.code, vals.Index(0).Interface())
			return
		}
		parts := make([]string, 0, vals.Len())
		for i := 0; i < vals.Len(); i++ {
			parts = append(parts, fmt.Sprint(vals.Index(i).Interface()))
		}
		fmt.Fprintf(w, "%s %-6s %s { %s }\n", label, n.code, formatDims(n.dims), strings.Join(parts, " "))
	}
}

func formatDims(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// Describe reports the name, element code and dimensions of a node. Scalars
// report nil dimensions.
func Describe(n *Node) (string, Code, []int) {
	if n == nil {
		return "", CodeStruct, nil
	}
	return n.name, n.code, n.Dims()
}
