// Package image reads and validates kernel images. An image is a fixed
// 64-byte little-endian header followed by the payload, which is either
// the raw kernel or a compressed stream identified by its own magic
// bytes.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math/bits"
)

var (
	ErrDeviceReadFailed       = errors.New("device read failed")
	ErrInvalidKernelFormat    = errors.New("invalid kernel format")
	ErrUnsupportedCompression = errors.New("unsupported compression")
	ErrHeaderChecksumMismatch = errors.New("header checksum mismatch")
)

const (
	// HeaderSize is the fixed on-media header length; the payload
	// starts immediately after it.
	HeaderSize = 64

	// Magic is "KRNL", little-endian at offset 0.
	Magic uint32 = 0x4C4E524B

	HeaderVersion = 1

	// MinAlignment is the smallest load alignment a header may declare.
	MinAlignment = 0x1000

	FlagRelocatable uint16 = 1 << 0
)

// Compression tags form a closed set; the decompressor dispatches on
// nothing else.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionXz
	CompressionZstd
	CompressionLz4
	CompressionLzma
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionXz:
		return "xz"
	case CompressionZstd:
		return "zstd"
	case CompressionLz4:
		return "lz4"
	case CompressionLzma:
		return "lzma"
	default:
		return fmt.Sprintf("compression(%d)", int(c))
	}
}

// compressionMagics maps payload prefixes to tags. Longest prefixes are
// listed first so lzma's short signature cannot shadow xz.
var compressionMagics = []struct {
	magic []byte
	tag   Compression
}{
	{[]byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}, CompressionXz},
	{[]byte{0x28, 0xB5, 0x2F, 0xFD}, CompressionZstd},
	{[]byte{0x04, 0x22, 0x4D, 0x18}, CompressionLz4},
	{[]byte{0x5D, 0x00, 0x00}, CompressionLzma},
	{[]byte{0x1F, 0x8B}, CompressionGzip},
}

// Header is the decoded fixed header.
type Header struct {
	Version     uint16
	Flags       uint16
	ImageSize   uint64 // declared decompressed size
	PayloadSize uint64 // stored payload bytes
	EntryOffset uint64 // within the decompressed image
	Alignment   uint64
	Checksum    uint32
}

// Image is a validated kernel image still backed by its source blob.
type Image struct {
	Header
	Compression Compression

	src io.ReaderAt
}

// RequiredStagingBytes is the decompressed-size upper bound the staging
// allocation must satisfy.
func (i *Image) RequiredStagingBytes() uint64 { return i.ImageSize }

// Payload returns a reader over the stored payload bytes.
func (i *Image) Payload() io.Reader {
	return io.NewSectionReader(i.src, HeaderSize, int64(i.PayloadSize))
}

// Load reads and validates the header of a kernel blob of the given
// total size. Header validation failures are final for the device;
// only the read itself is reported as ErrDeviceReadFailed.
func Load(src io.ReaderAt, size uint64) (*Image, error) {
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: blob of %d bytes is smaller than the header", ErrInvalidKernelFormat, size)
	}
	var raw [HeaderSize]byte
	if _, err := src.ReadAt(raw[:], 0); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrDeviceReadFailed, err)
	}

	if got := binary.LittleEndian.Uint32(raw[0:4]); got != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrInvalidKernelFormat, got)
	}
	stored := binary.LittleEndian.Uint32(raw[0x3C:0x40])
	if computed := crc32.ChecksumIEEE(raw[:0x3C]); computed != stored {
		return nil, fmt.Errorf("%w: computed %#x, header says %#x", ErrHeaderChecksumMismatch, computed, stored)
	}

	h := Header{
		Version:     binary.LittleEndian.Uint16(raw[0x04:0x06]),
		Flags:       binary.LittleEndian.Uint16(raw[0x06:0x08]),
		ImageSize:   binary.LittleEndian.Uint64(raw[0x08:0x10]),
		PayloadSize: binary.LittleEndian.Uint64(raw[0x10:0x18]),
		EntryOffset: binary.LittleEndian.Uint64(raw[0x18:0x20]),
		Alignment:   binary.LittleEndian.Uint64(raw[0x20:0x28]),
		Checksum:    stored,
	}
	if h.Version != HeaderVersion {
		return nil, fmt.Errorf("%w: header version %d", ErrInvalidKernelFormat, h.Version)
	}
	for _, b := range raw[0x28:0x3C] {
		if b != 0 {
			return nil, fmt.Errorf("%w: reserved header bytes not zero", ErrInvalidKernelFormat)
		}
	}
	if h.ImageSize == 0 || h.PayloadSize == 0 {
		return nil, fmt.Errorf("%w: zero image or payload size", ErrInvalidKernelFormat)
	}
	if h.PayloadSize > size-HeaderSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds blob of %d", ErrInvalidKernelFormat, h.PayloadSize, size)
	}
	if h.EntryOffset >= h.ImageSize {
		return nil, fmt.Errorf("%w: entry offset %#x outside image of %#x bytes", ErrInvalidKernelFormat, h.EntryOffset, h.ImageSize)
	}
	if h.Alignment < MinAlignment || bits.OnesCount64(h.Alignment) != 1 {
		return nil, fmt.Errorf("%w: alignment %#x is not a power of two >= %#x", ErrInvalidKernelFormat, h.Alignment, MinAlignment)
	}

	tag, err := sniffCompression(src, h.PayloadSize)
	if err != nil {
		return nil, err
	}
	if tag == CompressionNone && h.PayloadSize != h.ImageSize {
		return nil, fmt.Errorf("%w: raw payload of %d bytes does not match declared size %d", ErrInvalidKernelFormat, h.PayloadSize, h.ImageSize)
	}
	if tag != CompressionNone && h.PayloadSize > h.ImageSize {
		return nil, fmt.Errorf("%w: compressed payload larger than its declared expansion", ErrInvalidKernelFormat)
	}

	return &Image{Header: h, Compression: tag, src: src}, nil
}

func sniffCompression(src io.ReaderAt, payloadSize uint64) (Compression, error) {
	var prefix [6]byte
	n := uint64(len(prefix))
	if payloadSize < n {
		n = payloadSize
	}
	if _, err := src.ReadAt(prefix[:n], HeaderSize); err != nil {
		return CompressionNone, fmt.Errorf("%w: reading payload prefix: %v", ErrDeviceReadFailed, err)
	}
	for _, m := range compressionMagics {
		if uint64(len(m.magic)) <= n && bytes.Equal(prefix[:len(m.magic)], m.magic) {
			return m.tag, nil
		}
	}
	return CompressionNone, nil
}

// EncodeParams describes the header to wrap around a payload.
type EncodeParams struct {
	ImageSize   uint64
	EntryOffset uint64
	Alignment   uint64
	Flags       uint16
}

// Encode produces a complete kernel blob: header plus payload. It
// enforces the same field constraints Load checks, so any encoded blob
// loads back cleanly.
func Encode(p EncodeParams, payload []byte) ([]byte, error) {
	if p.ImageSize == 0 || len(payload) == 0 {
		return nil, fmt.Errorf("%w: zero image or payload size", ErrInvalidKernelFormat)
	}
	if p.Alignment < MinAlignment || bits.OnesCount64(p.Alignment) != 1 {
		return nil, fmt.Errorf("%w: alignment %#x is not a power of two >= %#x", ErrInvalidKernelFormat, p.Alignment, MinAlignment)
	}
	if p.EntryOffset >= p.ImageSize {
		return nil, fmt.Errorf("%w: entry offset %#x outside image of %#x bytes", ErrInvalidKernelFormat, p.EntryOffset, p.ImageSize)
	}

	out := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0x00:], Magic)
	binary.LittleEndian.PutUint16(out[0x04:], HeaderVersion)
	binary.LittleEndian.PutUint16(out[0x06:], p.Flags)
	binary.LittleEndian.PutUint64(out[0x08:], p.ImageSize)
	binary.LittleEndian.PutUint64(out[0x10:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(out[0x18:], p.EntryOffset)
	binary.LittleEndian.PutUint64(out[0x20:], p.Alignment)
	binary.LittleEndian.PutUint32(out[0x3C:], crc32.ChecksumIEEE(out[:0x3C]))
	copy(out[HeaderSize:], payload)
	return out, nil
}
