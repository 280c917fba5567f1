// Package fdt builds and parses Flattened Device Tree blobs.
package fdt

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// Property is a named, already encoded property value.
type Property struct {
	Name  string
	Value []byte
}

// Strings encodes a string or string list.
func Strings(name string, values ...string) Property {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	return Property{Name: name, Value: buf.Bytes()}
}

// U32 encodes big-endian 32-bit cells.
func U32(name string, values ...uint32) Property {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(data[4*i:], v)
	}
	return Property{Name: name, Value: data}
}

// Cells2 encodes each value as two cells, matching #address-cells = 2 and
// #size-cells = 2.
func Cells2(name string, values ...uint64) Property {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(data[8*i:], v)
	}
	return Property{Name: name, Value: data}
}

// Empty is a boolean property with no value.
func Empty(name string) Property {
	return Property{Name: name}
}

// String returns the value as a string, without its terminator.
func (p Property) String() string {
	return strings.TrimRight(string(p.Value), "\x00")
}

// StringList splits a string list value.
func (p Property) StringList() []string {
	s := p.String()
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

// U32s decodes the value as 32-bit cells.
func (p Property) U32s() []uint32 {
	out := make([]uint32, len(p.Value)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(p.Value[4*i:])
	}
	return out
}

// Node is a device tree node. The root node has an empty name.
type Node struct {
	Name       string
	Properties []Property
	Children   []*Node
}

// NewNode creates a node with the given properties.
func NewNode(name string, props ...Property) *Node {
	return &Node{Name: name, Properties: props}
}

// Add appends children and returns n.
func (n *Node) Add(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// Property returns the named property.
func (n *Node) Property(name string) (Property, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Child returns the direct child with the given name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Find resolves a slash separated path such as "/soc/serial@10000000".
func (n *Node) Find(path string) *Node {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if cur = cur.Child(part); cur == nil {
			return nil
		}
	}
	return cur
}
