// Package bootinfo serializes and parses the record handed to the
// kernel: a fixed header followed by 8-byte-aligned tagged sections.
// The byte layout is the ABI; Encode and Parse round-trip exactly.
package bootinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/multios-dev/bootstage/internal/memmap"
)

var (
	ErrBootInfoTooLarge = errors.New("boot-info record exceeds size cap")
	ErrMalformed        = errors.New("malformed boot-info record")
)

const (
	Magic        uint32 = 0x0B0071F0
	VersionMajor uint16 = 1
	VersionMinor uint16 = 0

	// MaxSize caps the encoded record.
	MaxSize = 64 << 10

	headerSize = 16
)

// Section tags. Minor-version bumps append tags only; readers skip
// unknown ones.
const (
	TagEnd             uint32 = 0
	TagMemoryMap       uint32 = 1
	TagCommandLine     uint32 = 2
	TagModules         uint32 = 3
	TagFramebuffer     uint32 = 4
	TagFirmwareHandoff uint32 = 5
)

// Cookie kinds for the FirmwareHandoff section.
const (
	CookieUEFI       uint32 = 1
	CookieDeviceTree uint32 = 2
)

// Module describes one auxiliary blob placed in a Bootloader region.
type Module struct {
	Name        string
	Base        uint64
	Length      uint64
	ContentType uint32
}

// Framebuffer is the linear framebuffer descriptor, when one exists.
type Framebuffer struct {
	Base   uint64
	Pitch  uint32
	Width  uint32
	Height uint32
	BPP    uint16
	Format uint16
}

// Cookie carries the firmware handoff pointer into the kernel.
type Cookie struct {
	Kind    uint32
	Pointer uint64
}

// Info is the in-memory form of the record.
type Info struct {
	VersionMajor uint16
	VersionMinor uint16
	Regions      []memmap.Region
	CommandLine  string
	Modules      []Module
	Framebuffer  *Framebuffer
	Cookie       *Cookie
}

// New builds an Info at the current protocol version.
func New(regions []memmap.Region, commandLine string) *Info {
	return &Info{
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
		Regions:      regions,
		CommandLine:  commandLine,
	}
}

// Encode serializes the record. Sections are emitted in the fixed
// order MemoryMap, CommandLine, Modules, Framebuffer (when present),
// FirmwareHandoff (when present), terminator.
func (i *Info) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, headerSize)) // patched last

	writeSection(&buf, TagMemoryMap, encodeMemoryMap(i.Regions))
	writeSection(&buf, TagCommandLine, append([]byte(i.CommandLine), 0))
	writeSection(&buf, TagModules, encodeModules(i.Modules))
	if i.Framebuffer != nil {
		writeSection(&buf, TagFramebuffer, encodeFramebuffer(i.Framebuffer))
	}
	if i.Cookie != nil {
		writeSection(&buf, TagFirmwareHandoff, encodeCookie(i.Cookie))
	}
	writeSection(&buf, TagEnd, nil)

	out := buf.Bytes()
	if len(out) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBootInfoTooLarge, len(out))
	}
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	binary.LittleEndian.PutUint16(out[4:6], i.VersionMajor)
	binary.LittleEndian.PutUint16(out[6:8], i.VersionMinor)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(out)))
	binary.LittleEndian.PutUint32(out[12:16], headerSize)
	return out, nil
}

func writeSection(buf *bytes.Buffer, tag uint32, payload []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], tag)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(8+len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)
	for buf.Len()%8 != 0 {
		buf.WriteByte(0)
	}
}

func encodeMemoryMap(regions []memmap.Region) []byte {
	out := make([]byte, 8+24*len(regions))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(regions)))
	for i, r := range regions {
		off := 8 + 24*i
		binary.LittleEndian.PutUint64(out[off:], r.Base)
		binary.LittleEndian.PutUint64(out[off+8:], r.Length)
		binary.LittleEndian.PutUint32(out[off+16:], uint32(r.Type))
		binary.LittleEndian.PutUint32(out[off+20:], uint32(r.Attrs))
	}
	return out
}

func encodeModules(modules []Module) []byte {
	var buf bytes.Buffer
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(modules)))
	buf.Write(hdr[:])
	for _, m := range modules {
		var entry [24]byte
		binary.LittleEndian.PutUint64(entry[0:], m.Base)
		binary.LittleEndian.PutUint64(entry[8:], m.Length)
		binary.LittleEndian.PutUint32(entry[16:], m.ContentType)
		binary.LittleEndian.PutUint32(entry[20:], uint32(len(m.Name)))
		buf.Write(entry[:])
		buf.WriteString(m.Name)
		for buf.Len()%8 != 0 {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

func encodeFramebuffer(fb *Framebuffer) []byte {
	out := make([]byte, 24)
	binary.LittleEndian.PutUint64(out[0:], fb.Base)
	binary.LittleEndian.PutUint32(out[8:], fb.Pitch)
	binary.LittleEndian.PutUint32(out[12:], fb.Width)
	binary.LittleEndian.PutUint32(out[16:], fb.Height)
	binary.LittleEndian.PutUint16(out[20:], fb.BPP)
	binary.LittleEndian.PutUint16(out[22:], fb.Format)
	return out
}

func encodeCookie(c *Cookie) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint32(out[0:], c.Kind)
	binary.LittleEndian.PutUint64(out[8:], c.Pointer)
	return out
}

// Parse decodes a record. Unknown tags are skipped, per the ABI's
// forward-compatibility rule.
func Parse(blob []byte) (*Info, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(blob))
	}
	if got := binary.LittleEndian.Uint32(blob[0:4]); got != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrMalformed, got)
	}
	info := &Info{
		VersionMajor: binary.LittleEndian.Uint16(blob[4:6]),
		VersionMinor: binary.LittleEndian.Uint16(blob[6:8]),
	}
	if info.VersionMajor != VersionMajor {
		return nil, fmt.Errorf("%w: major version %d", ErrMalformed, info.VersionMajor)
	}
	total := binary.LittleEndian.Uint32(blob[8:12])
	off := int(binary.LittleEndian.Uint32(blob[12:16]))
	if total > MaxSize || int(total) > len(blob) || off < headerSize || off > int(total) {
		return nil, fmt.Errorf("%w: header lengths out of range", ErrMalformed)
	}

	for {
		if off%8 != 0 {
			return nil, fmt.Errorf("%w: section at %#x not 8-byte aligned", ErrMalformed, off)
		}
		if off+8 > int(total) {
			return nil, fmt.Errorf("%w: missing terminator", ErrMalformed)
		}
		tag := binary.LittleEndian.Uint32(blob[off:])
		length := binary.LittleEndian.Uint32(blob[off+4:])
		if length < 8 || off+int(length) > int(total) {
			return nil, fmt.Errorf("%w: section %d has length %d", ErrMalformed, tag, length)
		}
		payload := blob[off+8 : off+int(length)]
		if tag == TagEnd {
			return info, nil
		}
		if err := info.decodeSection(tag, payload); err != nil {
			return nil, err
		}
		off += int(length)
		for off%8 != 0 {
			off++
		}
	}
}

func (i *Info) decodeSection(tag uint32, payload []byte) error {
	switch tag {
	case TagMemoryMap:
		return i.decodeMemoryMap(payload)
	case TagCommandLine:
		if len(payload) == 0 || payload[len(payload)-1] != 0 {
			return fmt.Errorf("%w: command line not NUL-terminated", ErrMalformed)
		}
		i.CommandLine = string(payload[:len(payload)-1])
	case TagModules:
		return i.decodeModules(payload)
	case TagFramebuffer:
		if len(payload) < 24 {
			return fmt.Errorf("%w: framebuffer section of %d bytes", ErrMalformed, len(payload))
		}
		i.Framebuffer = &Framebuffer{
			Base:   binary.LittleEndian.Uint64(payload[0:]),
			Pitch:  binary.LittleEndian.Uint32(payload[8:]),
			Width:  binary.LittleEndian.Uint32(payload[12:]),
			Height: binary.LittleEndian.Uint32(payload[16:]),
			BPP:    binary.LittleEndian.Uint16(payload[20:]),
			Format: binary.LittleEndian.Uint16(payload[22:]),
		}
	case TagFirmwareHandoff:
		if len(payload) < 16 {
			return fmt.Errorf("%w: handoff section of %d bytes", ErrMalformed, len(payload))
		}
		i.Cookie = &Cookie{
			Kind:    binary.LittleEndian.Uint32(payload[0:]),
			Pointer: binary.LittleEndian.Uint64(payload[8:]),
		}
	default:
		// Unknown tag: skip.
	}
	return nil
}

func (i *Info) decodeMemoryMap(payload []byte) error {
	if len(payload) < 8 {
		return fmt.Errorf("%w: memory map section of %d bytes", ErrMalformed, len(payload))
	}
	count := int(binary.LittleEndian.Uint32(payload[0:4]))
	if len(payload) < 8+24*count {
		return fmt.Errorf("%w: memory map declares %d regions in %d bytes", ErrMalformed, count, len(payload))
	}
	regions := make([]memmap.Region, count)
	for j := range regions {
		off := 8 + 24*j
		regions[j] = memmap.Region{
			Base:   binary.LittleEndian.Uint64(payload[off:]),
			Length: binary.LittleEndian.Uint64(payload[off+8:]),
			Type:   memmap.Type(binary.LittleEndian.Uint32(payload[off+16:])),
			Attrs:  memmap.Attr(binary.LittleEndian.Uint32(payload[off+20:])),
		}
	}
	i.Regions = regions
	return nil
}

func (i *Info) decodeModules(payload []byte) error {
	if len(payload) < 8 {
		return fmt.Errorf("%w: modules section of %d bytes", ErrMalformed, len(payload))
	}
	count := int(binary.LittleEndian.Uint32(payload[0:4]))
	off := 8
	modules := make([]Module, 0, count)
	for j := 0; j < count; j++ {
		if off+24 > len(payload) {
			return fmt.Errorf("%w: truncated module entry %d", ErrMalformed, j)
		}
		m := Module{
			Base:        binary.LittleEndian.Uint64(payload[off:]),
			Length:      binary.LittleEndian.Uint64(payload[off+8:]),
			ContentType: binary.LittleEndian.Uint32(payload[off+16:]),
		}
		nameLen := int(binary.LittleEndian.Uint32(payload[off+20:]))
		off += 24
		if off+nameLen > len(payload) {
			return fmt.Errorf("%w: module name overruns section", ErrMalformed)
		}
		m.Name = string(payload[off : off+nameLen])
		off += nameLen
		for off%8 != 0 {
			off++
		}
		modules = append(modules, m)
	}
	i.Modules = modules
	return nil
}
