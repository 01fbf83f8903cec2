package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Node is a parsed device tree node. Property values are kept as raw
// bytes; callers use the typed accessors.
type Node struct {
	Name     string
	Props    map[string][]byte
	Children []*Node
}

func (n *Node) child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name || strings.HasPrefix(c.Name, name+"@") {
			return c
		}
	}
	return nil
}

// Tree is a parsed FDT blob.
type Tree struct {
	TotalSize uint32
	Root      *Node
}

// Parse decodes an FDT blob. Only the structure and strings blocks are
// walked; the memory reservation block is ignored.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(blob))
	}
	if binary.BigEndian.Uint32(blob[0:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrMalformed, binary.BigEndian.Uint32(blob[0:4]))
	}
	totalSize := binary.BigEndian.Uint32(blob[4:8])
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])
	if int(totalSize) > len(blob) || offStruct >= totalSize || offStrings > totalSize {
		return nil, fmt.Errorf("%w: offsets outside blob", ErrMalformed)
	}

	p := &parser{
		structBlock: blob[offStruct:totalSize],
		strings:     blob[offStrings:totalSize],
	}
	root, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Tree{TotalSize: totalSize, Root: root}, nil
}

type parser struct {
	structBlock []byte
	strings     []byte
	off         int
}

func (p *parser) parse() (*Node, error) {
	tok, err := p.token()
	if err != nil {
		return nil, err
	}
	if tok != tokenBeginNode {
		return nil, fmt.Errorf("%w: structure block does not start with a node", ErrMalformed)
	}
	return p.node()
}

// node parses the body of a node whose begin token has been consumed.
func (p *parser) node() (*Node, error) {
	name, err := p.cstring()
	if err != nil {
		return nil, err
	}
	p.align()

	n := &Node{Name: name, Props: make(map[string][]byte)}
	for {
		tok, err := p.token()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokenProp:
			if p.off+8 > len(p.structBlock) {
				return nil, fmt.Errorf("%w: truncated property", ErrMalformed)
			}
			length := binary.BigEndian.Uint32(p.structBlock[p.off:])
			nameOff := binary.BigEndian.Uint32(p.structBlock[p.off+4:])
			p.off += 8
			if p.off+int(length) > len(p.structBlock) {
				return nil, fmt.Errorf("%w: property value overruns structure block", ErrMalformed)
			}
			value := p.structBlock[p.off : p.off+int(length)]
			p.off += int(length)
			p.align()
			pname, err := p.propName(nameOff)
			if err != nil {
				return nil, err
			}
			n.Props[pname] = append([]byte(nil), value...)
		case tokenBeginNode:
			child, err := p.node()
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		case tokenEndNode:
			return n, nil
		case tokenNop:
		case tokenEnd:
			return nil, fmt.Errorf("%w: unexpected end token inside node %q", ErrMalformed, name)
		default:
			return nil, fmt.Errorf("%w: unknown token %#x", ErrMalformed, tok)
		}
	}
}

func (p *parser) token() (uint32, error) {
	if p.off+4 > len(p.structBlock) {
		return 0, fmt.Errorf("%w: truncated structure block", ErrMalformed)
	}
	tok := binary.BigEndian.Uint32(p.structBlock[p.off:])
	p.off += 4
	return tok, nil
}

func (p *parser) cstring() (string, error) {
	idx := bytes.IndexByte(p.structBlock[p.off:], 0)
	if idx < 0 {
		return "", fmt.Errorf("%w: unterminated node name", ErrMalformed)
	}
	s := string(p.structBlock[p.off : p.off+idx])
	p.off += idx + 1
	return s, nil
}

func (p *parser) propName(off uint32) (string, error) {
	if int(off) >= len(p.strings) {
		return "", fmt.Errorf("%w: property name offset %d outside strings block", ErrMalformed, off)
	}
	idx := bytes.IndexByte(p.strings[off:], 0)
	if idx < 0 {
		return "", fmt.Errorf("%w: unterminated property name", ErrMalformed)
	}
	return string(p.strings[off : int(off)+idx]), nil
}

func (p *parser) align() {
	for p.off%4 != 0 {
		p.off++
	}
}

// MemoryRange is one /memory reg entry.
type MemoryRange struct {
	Base uint64
	Size uint64
}

// MemoryRegions returns the reg entries of the /memory node, honoring
// the root #address-cells and #size-cells properties.
func (t *Tree) MemoryRegions() ([]MemoryRange, error) {
	mem := t.Root.child("memory")
	if mem == nil {
		return nil, fmt.Errorf("%w: no /memory node", ErrMalformed)
	}
	reg, ok := mem.Props["reg"]
	if !ok {
		return nil, fmt.Errorf("%w: /memory node has no reg property", ErrMalformed)
	}

	addrCells := t.rootCells("#address-cells", 2)
	sizeCells := t.rootCells("#size-cells", 2)
	stride := (addrCells + sizeCells) * 4
	if stride == 0 || len(reg)%stride != 0 {
		return nil, fmt.Errorf("%w: /memory reg length %d not a multiple of %d", ErrMalformed, len(reg), stride)
	}

	var out []MemoryRange
	for off := 0; off < len(reg); off += stride {
		out = append(out, MemoryRange{
			Base: readCells(reg[off:], addrCells),
			Size: readCells(reg[off+addrCells*4:], sizeCells),
		})
	}
	return out, nil
}

// Bootargs returns /chosen/bootargs without its trailing NUL, or an
// empty string when absent.
func (t *Tree) Bootargs() string {
	chosen := t.Root.child("chosen")
	if chosen == nil {
		return ""
	}
	args, ok := chosen.Props["bootargs"]
	if !ok {
		return ""
	}
	return string(bytes.TrimRight(args, "\x00"))
}

func (t *Tree) rootCells(prop string, def int) int {
	v, ok := t.Root.Props[prop]
	if !ok || len(v) != 4 {
		return def
	}
	return int(binary.BigEndian.Uint32(v))
}

func readCells(b []byte, cells int) uint64 {
	var v uint64
	for i := 0; i < cells; i++ {
		v = v<<32 | uint64(binary.BigEndian.Uint32(b[i*4:]))
	}
	return v
}
