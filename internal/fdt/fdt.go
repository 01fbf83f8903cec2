// Package fdt builds and parses Flattened Device Tree blobs. The
// builder produces the fixtures and machine profiles the device-tree
// firmware backend consumes; the parser extracts the handful of nodes
// the loader needs (/memory, /chosen).
package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16

	// Magic is the FDT header magic, big-endian in memory.
	Magic uint32 = 0xd00dfeed

	tokenBeginNode uint32 = 0x1
	tokenEndNode   uint32 = 0x2
	tokenProp      uint32 = 0x3
	tokenNop       uint32 = 0x4
	tokenEnd       uint32 = 0x9
)

var ErrMalformed = errors.New("malformed device tree blob")

// Builder constructs an FDT blob incrementally.
type Builder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
	depth      int
}

func NewBuilder() *Builder {
	return &Builder{stringsOff: make(map[string]uint32)}
}

func (b *Builder) BeginNode(name string) {
	b.writeToken(tokenBeginNode)
	b.structBuf.WriteString(name)
	b.structBuf.WriteByte(0)
	b.pad()
	b.depth++
}

func (b *Builder) EndNode() {
	b.writeToken(tokenEndNode)
	b.depth--
}

func (b *Builder) PropString(name string, values ...string) {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	b.prop(name, buf.Bytes())
}

func (b *Builder) PropU32(name string, values ...uint32) {
	data := make([]byte, 0, len(values)*4)
	for _, v := range values {
		data = binary.BigEndian.AppendUint32(data, v)
	}
	b.prop(name, data)
}

func (b *Builder) PropU64(name string, values ...uint64) {
	data := make([]byte, 0, len(values)*8)
	for _, v := range values {
		data = binary.BigEndian.AppendUint64(data, v)
	}
	b.prop(name, data)
}

func (b *Builder) PropEmpty(name string) {
	b.prop(name, nil)
}

func (b *Builder) prop(name string, value []byte) {
	b.writeToken(tokenProp)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(value)))
	b.structBuf.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], b.stringOffset(name))
	b.structBuf.Write(tmp[:])
	b.structBuf.Write(value)
	b.pad()
}

// Build finalizes the blob. All nodes must have been closed.
func (b *Builder) Build() ([]byte, error) {
	if b.depth != 0 {
		return nil, fmt.Errorf("%d unclosed device tree nodes", b.depth)
	}
	b.writeToken(tokenEnd)
	b.pad()

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()
	memReserve := make([]byte, 16) // single terminating entry

	offMemReserve := headerSize
	offStruct := offMemReserve + len(memReserve)
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	hdr := blob[:headerSize]
	binary.BigEndian.PutUint32(hdr[0:4], Magic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(offMemReserve))
	binary.BigEndian.PutUint32(hdr[20:24], version)
	binary.BigEndian.PutUint32(hdr[24:28], lastCompVer)
	binary.BigEndian.PutUint32(hdr[28:32], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(hdr[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(hdr[36:40], uint32(len(structBytes)))

	copy(blob[offMemReserve:], memReserve)
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)
	return blob, nil
}

func (b *Builder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *Builder) writeToken(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	b.structBuf.Write(tmp[:])
}

func (b *Builder) pad() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}
