// Package jasterix decodes variable-length, bit-packed binary records
// against externally supplied JSON schemas: a framing definition, a record
// definition, a category index, and one item catalogue per category. No
// record layout is hard-coded; every byte and bit boundary is read out of
// the schema at load time.
package jasterix

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies the concrete value a Node holds.
type Kind int

const (
	KindMap Kind = iota
	KindArray
	KindInt
	KindUint
	KindFloat
	KindBytes
	KindString
	KindBool
)

// entry is one key/value pair of a Map node. Map preserves insertion order
// so a record's decoded sub-items are emitted (and re-serialized) in the
// order they were parsed, per spec.
type entry struct {
	key   string
	value *Node
}

// Node is one value in the decoded document tree: a map, an array, or one
// of the scalar kinds. The zero Node is an empty map.
type Node struct {
	kind Kind

	entries []entry
	items   []*Node

	i   int64
	u   uint64
	f   float64
	b   []byte
	s   string
	boo bool
}

// NewMap returns an empty, ordered map node.
func NewMap() *Node { return &Node{kind: KindMap} }

// NewArray returns an empty array node.
func NewArray() *Node { return &Node{kind: KindArray} }

// NewInt wraps a signed integer.
func NewInt(v int64) *Node { return &Node{kind: KindInt, i: v} }

// NewUint wraps an unsigned integer.
func NewUint(v uint64) *Node { return &Node{kind: KindUint, u: v} }

// NewFloat wraps a floating-point value.
func NewFloat(v float64) *Node { return &Node{kind: KindFloat, f: v} }

// NewBytes wraps a raw byte string, copying the input.
func NewBytes(v []byte) *Node {
	cp := make([]byte, len(v))
	copy(cp, v)
	return &Node{kind: KindBytes, b: cp}
}

// NewString wraps a UTF-8 string.
func NewString(v string) *Node { return &Node{kind: KindString, s: v} }

// NewBool wraps a boolean.
func NewBool(v bool) *Node { return &Node{kind: KindBool, boo: v} }

// Kind reports the node's concrete kind.
func (n *Node) Kind() Kind { return n.kind }

// Set inserts or replaces the value keyed by name in a map node.
func (n *Node) Set(name string, v *Node) {
	if n.kind != KindMap {
		panic("jasterix: Set on non-map node")
	}
	for i := range n.entries {
		if n.entries[i].key == name {
			n.entries[i].value = v
			return
		}
	}
	n.entries = append(n.entries, entry{key: name, value: v})
}

// Get looks up a key in a map node. ok is false if n is not a map or the
// key is absent.
func (n *Node) Get(name string) (v *Node, ok bool) {
	if n == nil || n.kind != KindMap {
		return nil, false
	}
	for _, e := range n.entries {
		if e.key == name {
			return e.value, true
		}
	}
	return nil, false
}

// Keys returns a map node's keys in insertion order.
func (n *Node) Keys() []string {
	if n == nil || n.kind != KindMap {
		return nil
	}
	keys := make([]string, len(n.entries))
	for i, e := range n.entries {
		keys[i] = e.key
	}
	return keys
}

// Append adds an element to an array node.
func (n *Node) Append(v *Node) {
	if n.kind != KindArray {
		panic("jasterix: Append on non-array node")
	}
	n.items = append(n.items, v)
}

// Len returns the number of elements in an array, or 0 for any other kind.
func (n *Node) Len() int {
	if n == nil || n.kind != KindArray {
		return 0
	}
	return len(n.items)
}

// Index returns the i'th element of an array node.
func (n *Node) Index(i int) *Node {
	if n == nil || n.kind != KindArray || i < 0 || i >= len(n.items) {
		return nil
	}
	return n.items[i]
}

// Int returns the node's signed integer value, converting from uint (values
// above MaxInt64 wrap) and from float (truncated toward zero).
func (n *Node) Int() (int64, bool) {
	switch n.kind {
	case KindInt:
		return n.i, true
	case KindUint:
		return int64(n.u), true
	case KindFloat:
		return int64(n.f), true
	default:
		return 0, false
	}
}

// Uint returns the node's unsigned integer value.
func (n *Node) Uint() (uint64, bool) {
	switch n.kind {
	case KindUint:
		return n.u, true
	case KindInt:
		return uint64(n.i), true
	default:
		return 0, false
	}
}

// Float returns the node's floating-point value.
func (n *Node) Float() (float64, bool) {
	switch n.kind {
	case KindFloat:
		return n.f, true
	case KindInt:
		return float64(n.i), true
	case KindUint:
		return float64(n.u), true
	default:
		return 0, false
	}
}

// String returns a string or bytes node's textual value.
func (n *Node) String() (string, bool) {
	switch n.kind {
	case KindString:
		return n.s, true
	case KindBytes:
		return string(n.b), true
	default:
		return "", false
	}
}

// Bytes returns a bytes node's raw contents.
func (n *Node) Bytes() ([]byte, bool) {
	if n.kind != KindBytes {
		return nil, false
	}
	return n.b, true
}

// lookupPath resolves a dotted path against a structural context, climbing
// into nested maps. optional_variable_name and length_variable_name
// references are always scalar siblings reachable by map lookups, per spec.
func lookupPath(ctx *Node, path string) (*Node, error) {
	cur := ctx
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			name := path[start:i]
			if name == "" || cur == nil {
				return nil, &VariableResolution{Path: path}
			}
			next, ok := cur.Get(name)
			if !ok {
				return nil, &VariableResolution{Path: path}
			}
			cur = next
			start = i + 1
		}
	}
	return cur, nil
}

// resolveInt resolves a dotted path to an integer, used by dynamic_bytes
// lengths, fixed_bitfield optional gating and the framing record count.
func resolveInt(ctx *Node, path string) (int64, error) {
	n, err := lookupPath(ctx, path)
	if err != nil {
		return 0, err
	}
	v, ok := n.Int()
	if !ok {
		return 0, &TypeMismatch{Path: path, Want: "numeric", Got: kindName(n.kind)}
	}
	return v, nil
}

func kindName(k Kind) string {
	switch k {
	case KindMap:
		return "map"
	case KindArray:
		return "array"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the node tree to JSON, preserving map insertion
// order. Used by Session.Print.
func (n *Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *Node) writeJSON(buf *bytes.Buffer) error {
	if n == nil {
		buf.WriteString("null")
		return nil
	}
	switch n.kind {
	case KindMap:
		buf.WriteByte('{')
		for i, e := range n.entries {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(e.key)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := e.value.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindArray:
		buf.WriteByte('[')
		for i, it := range n.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := it.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindInt:
		fmt.Fprintf(buf, "%d", n.i)
	case KindUint:
		fmt.Fprintf(buf, "%d", n.u)
	case KindFloat:
		fmt.Fprintf(buf, "%v", n.f)
	case KindBytes:
		enc, err := json.Marshal(n.b)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case KindString:
		enc, err := json.Marshal(n.s)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case KindBool:
		if n.boo {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	default:
		return fmt.Errorf("jasterix: unknown node kind %d", n.kind)
	}
	return nil
}
