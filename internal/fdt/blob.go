package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	magic          = 0xd00dfeed
	version        = 17
	lastCompatible = 16
	headerSize     = 40
	rsvmapSize     = 16 // one terminating entry

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// ErrMalformed is returned for trees that cannot be encoded and blobs that
// cannot be parsed.
var ErrMalformed = errors.New("malformed device tree")

type encoder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	offsets   map[string]uint32
}

// Encode serializes root into a version 17 blob with an empty memory
// reservation map.
func Encode(root *Node) ([]byte, error) {
	if root.Name != "" {
		return nil, fmt.Errorf("%w: root node is named %q", ErrMalformed, root.Name)
	}
	e := &encoder{offsets: make(map[string]uint32)}
	if err := e.node(root, "/"); err != nil {
		return nil, err
	}
	e.u32(tokenEnd)

	structOff := uint32(headerSize + rsvmapSize)
	structSize := uint32(e.structure.Len())
	stringsOff := structOff + structSize
	stringsSize := uint32(e.strings.Len())
	// totalsize is kept a multiple of 4
	total := (stringsOff + stringsSize + 3) &^ 3

	blob := make([]byte, total)
	h := blob[:headerSize]
	binary.BigEndian.PutUint32(h[0:], magic)
	binary.BigEndian.PutUint32(h[4:], total)
	binary.BigEndian.PutUint32(h[8:], structOff)
	binary.BigEndian.PutUint32(h[12:], stringsOff)
	binary.BigEndian.PutUint32(h[16:], headerSize)
	binary.BigEndian.PutUint32(h[20:], version)
	binary.BigEndian.PutUint32(h[24:], lastCompatible)
	binary.BigEndian.PutUint32(h[28:], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(h[32:], stringsSize)
	binary.BigEndian.PutUint32(h[36:], structSize)
	copy(blob[structOff:], e.structure.Bytes())
	copy(blob[stringsOff:], e.strings.Bytes())
	return blob, nil
}

func (e *encoder) node(n *Node, path string) error {
	e.u32(tokenBeginNode)
	e.structure.WriteString(n.Name)
	e.structure.WriteByte(0)
	e.pad()

	seen := make(map[string]bool, len(n.Properties))
	for _, p := range n.Properties {
		if p.Name == "" {
			return fmt.Errorf("%w: unnamed property in %s", ErrMalformed, path)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate property %q in %s", ErrMalformed, p.Name, path)
		}
		seen[p.Name] = true

		e.u32(tokenProp)
		e.u32(uint32(len(p.Value)))
		e.u32(e.stringOffset(p.Name))
		e.structure.Write(p.Value)
		e.pad()
	}

	for _, c := range n.Children {
		if c.Name == "" {
			return fmt.Errorf("%w: unnamed child of %s", ErrMalformed, path)
		}
		if err := e.node(c, joinPath(path, c.Name)); err != nil {
			return err
		}
	}

	e.u32(tokenEndNode)
	return nil
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.offsets[name]; ok {
		return off
	}
	off := uint32(e.strings.Len())
	e.strings.WriteString(name)
	e.strings.WriteByte(0)
	e.offsets[name] = off
	return off
}

func (e *encoder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.structure.Write(tmp[:])
}

func (e *encoder) pad() {
	for e.structure.Len()%4 != 0 {
		e.structure.WriteByte(0)
	}
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Decode parses a blob. Trailing bytes past totalsize are ignored.
func Decode(blob []byte) (*Node, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(blob))
	}
	be := binary.BigEndian
	if m := be.Uint32(blob[0:]); m != magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformed, m)
	}
	total := be.Uint32(blob[4:])
	if total > uint32(len(blob)) || total < headerSize {
		return nil, fmt.Errorf("%w: totalsize %d with %d bytes available", ErrMalformed, total, len(blob))
	}
	blob = blob[:total]
	if v := be.Uint32(blob[24:]); v > lastCompatible {
		return nil, fmt.Errorf("%w: last compatible version %d", ErrMalformed, v)
	}

	structOff, structSize := be.Uint32(blob[8:]), be.Uint32(blob[36:])
	stringsOff, stringsSize := be.Uint32(blob[12:]), be.Uint32(blob[32:])
	if uint64(structOff)+uint64(structSize) > uint64(total) || uint64(stringsOff)+uint64(stringsSize) > uint64(total) {
		return nil, fmt.Errorf("%w: block outside the blob", ErrMalformed)
	}

	d := &decoder{
		structure: blob[structOff : structOff+structSize],
		strings:   blob[stringsOff : stringsOff+stringsSize],
	}
	return d.decode()
}

type decoder struct {
	structure []byte
	strings   []byte
	pos       int
}

func (d *decoder) u32() (uint32, error) {
	if d.pos+4 > len(d.structure) {
		return 0, fmt.Errorf("%w: structure block ends early", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(d.structure[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) align() {
	d.pos = (d.pos + 3) &^ 3
}

func (d *decoder) cstring(b []byte, at int) (string, error) {
	if at < 0 || at > len(b) {
		return "", fmt.Errorf("%w: string offset %d out of range", ErrMalformed, at)
	}
	end := bytes.IndexByte(b[at:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string", ErrMalformed)
	}
	return string(b[at : at+end]), nil
}

func (d *decoder) decode() (*Node, error) {
	var (
		root  *Node
		stack []*Node
	)
	for {
		tok, err := d.u32()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokenBeginNode:
			name, err := d.cstring(d.structure, d.pos)
			if err != nil {
				return nil, err
			}
			d.pos += len(name) + 1
			d.align()
			n := &Node{Name: name}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: more than one root node", ErrMalformed)
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)

		case tokenEndNode:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: unbalanced end node", ErrMalformed)
			}
			stack = stack[:len(stack)-1]

		case tokenProp:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: property outside a node", ErrMalformed)
			}
			size, err := d.u32()
			if err != nil {
				return nil, err
			}
			nameOff, err := d.u32()
			if err != nil {
				return nil, err
			}
			if uint64(d.pos)+uint64(size) > uint64(len(d.structure)) {
				return nil, fmt.Errorf("%w: property value past the structure block", ErrMalformed)
			}
			name, err := d.cstring(d.strings, int(nameOff))
			if err != nil {
				return nil, err
			}
			value := append([]byte(nil), d.structure[d.pos:d.pos+int(size)]...)
			d.pos += int(size)
			d.align()
			n := stack[len(stack)-1]
			n.Properties = append(n.Properties, Property{Name: name, Value: value})

		case tokenNop:

		case tokenEnd:
			if root == nil || len(stack) != 0 {
				return nil, fmt.Errorf("%w: end token inside a node", ErrMalformed)
			}
			return root, nil

		default:
			return nil, fmt.Errorf("%w: unknown token 0x%x at offset %d", ErrMalformed, tok, d.pos-4)
		}
	}
}
