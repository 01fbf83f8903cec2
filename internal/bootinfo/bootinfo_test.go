package bootinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multios-dev/bootstage/internal/memmap"
)

func sampleInfo() *Info {
	info := New([]memmap.Region{
		{Base: 0x0, Length: 0x9F000, Type: memmap.TypeUsable},
		{Base: 0x100000, Length: 0x7EE00000, Type: memmap.TypeUsable},
		{Base: 0x1000000, Length: 0x100000, Type: memmap.TypeBootloader},
	}, "console=ttyS0 root=/dev/vda")
	info.Modules = []Module{
		{Name: "initrd", Base: 0x2000000, Length: 0x400000, ContentType: 1},
		{Name: "ucode.bin", Base: 0x2400000, Length: 0x8000},
	}
	info.Framebuffer = &Framebuffer{Base: 0xFD000000, Pitch: 4096, Width: 1024, Height: 768, BPP: 32}
	info.Cookie = &Cookie{Kind: CookieUEFI, Pointer: 0x7FFE0000}
	return info
}

func TestEncodeParseRoundTrip(t *testing.T) {
	info := sampleInfo()
	blob, err := info.Encode()
	require.NoError(t, err)

	parsed, err := Parse(blob)
	require.NoError(t, err)
	assert.Equal(t, info.Regions, parsed.Regions)
	assert.Equal(t, info.CommandLine, parsed.CommandLine)
	assert.Equal(t, info.Modules, parsed.Modules)
	assert.Equal(t, info.Framebuffer, parsed.Framebuffer)
	assert.Equal(t, info.Cookie, parsed.Cookie)

	// Re-serializing the parsed record yields the identical bytes.
	again, err := parsed.Encode()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(blob, again), "re-encoded record differs")
}

func TestEncodeHeaderLayout(t *testing.T) {
	blob, err := New([]memmap.Region{{Base: 0, Length: 0x1000, Type: memmap.TypeUsable}}, "").Encode()
	require.NoError(t, err)

	assert.Equal(t, uint32(0x0B0071F0), binary.LittleEndian.Uint32(blob[0:4]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(blob[4:6]))
	assert.Equal(t, uint32(len(blob)), binary.LittleEndian.Uint32(blob[8:12]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(blob[12:16]))
	// First section is the memory map.
	assert.Equal(t, TagMemoryMap, binary.LittleEndian.Uint32(blob[16:20]))
}

func TestEncodeOmitsOptionalSections(t *testing.T) {
	blob, err := New(nil, "x").Encode()
	require.NoError(t, err)
	parsed, err := Parse(blob)
	require.NoError(t, err)
	assert.Nil(t, parsed.Framebuffer)
	assert.Nil(t, parsed.Cookie)
}

func TestEncodeTooLarge(t *testing.T) {
	big := make([]byte, MaxSize)
	info := New(nil, string(big))
	if _, err := info.Encode(); !errors.Is(err, ErrBootInfoTooLarge) {
		t.Fatalf("err = %v, want ErrBootInfoTooLarge", err)
	}
}

func TestParseSkipsUnknownTags(t *testing.T) {
	blob, err := sampleInfo().Encode()
	require.NoError(t, err)

	// Splice an unknown section in front of the terminator.
	term := len(blob) - 8
	var unknown [16]byte
	binary.LittleEndian.PutUint32(unknown[0:], 0x7777)
	binary.LittleEndian.PutUint32(unknown[4:], 16)
	spliced := append(append(append([]byte{}, blob[:term]...), unknown[:]...), blob[term:]...)
	binary.LittleEndian.PutUint32(spliced[8:12], uint32(len(spliced)))

	parsed, err := Parse(spliced)
	require.NoError(t, err)
	assert.Equal(t, "console=ttyS0 root=/dev/vda", parsed.CommandLine)
}

func TestParseRejectsBadMagic(t *testing.T) {
	blob, err := sampleInfo().Encode()
	require.NoError(t, err)
	blob[0] ^= 0xFF
	if _, err := Parse(blob); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestParseRejectsMissingTerminator(t *testing.T) {
	blob, err := sampleInfo().Encode()
	require.NoError(t, err)
	cut := blob[:len(blob)-8]
	binary.LittleEndian.PutUint32(cut[8:12], uint32(len(cut)))
	if _, err := Parse(cut); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}
