// Package expand turns a validated kernel image into a contiguous,
// aligned, fully expanded kernel in machine RAM. Staging is carved out
// of the memory map first; the decompressor then streams into it with
// the declared size as a hard bound.
package expand

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"

	"github.com/multios-dev/bootstage/internal/image"
	"github.com/multios-dev/bootstage/internal/machine"
	"github.com/multios-dev/bootstage/internal/memmap"
)

var (
	ErrInsufficientStagingMemory = errors.New("insufficient staging memory")
	ErrDecompressionFailed       = errors.New("decompression failed")
	ErrStagingOverflow           = errors.New("decompressed output exceeded declared bound")
)

// Staging is the reserved range the kernel is expanded into. Capacity
// equals the image's declared decompressed size.
type Staging struct {
	Base     uint64
	Capacity uint64
}

// AllocateStaging reserves a Bootloader range for the expanded kernel:
// the lowest aligned base at or above minBase inside a single Usable
// region. The returned map carries the reservation; the input map is
// unchanged.
func AllocateStaging(m memmap.Map, img *image.Image, minBase uint64) (memmap.Map, Staging, error) {
	need := img.RequiredStagingBytes()
	base, _, ok := m.FindUsable(need, img.Alignment, minBase)
	if !ok {
		return memmap.Map{}, Staging{}, fmt.Errorf("%w: %d bytes aligned to %#x above %#x",
			ErrInsufficientStagingMemory, need, img.Alignment, minBase)
	}
	reserved, err := m.Reserve(base, need, memmap.TypeBootloader)
	if err != nil {
		return memmap.Map{}, Staging{}, fmt.Errorf("%w: %v", ErrInsufficientStagingMemory, err)
	}
	return reserved, Staging{Base: base, Capacity: need}, nil
}

// Expand decompresses the payload stored at payloadBase in machine
// memory into the staging range and returns the expanded size. For an
// uncompressed image the payload is already at the staging base and
// expansion is a no-op. Any output beyond the staging capacity is an
// untrusted-input attack: the staging range is wiped before the error
// is returned.
func Expand(mem machine.Memory, img *image.Image, payloadBase uint64, staging Staging) (uint64, error) {
	if img.Compression == image.CompressionNone {
		return img.ImageSize, nil
	}

	src := io.NewSectionReader(mem, int64(payloadBase), int64(img.PayloadSize))
	dec, err := newDecompressor(img.Compression, src)
	if err != nil {
		return 0, err
	}

	var written uint64
	buf := make([]byte, 64<<10)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			if written+uint64(n) > staging.Capacity {
				wipe(mem, staging)
				return 0, fmt.Errorf("%w: bound %d bytes", ErrStagingOverflow, staging.Capacity)
			}
			if _, werr := mem.WriteAt(buf[:n], int64(staging.Base+written)); werr != nil {
				wipe(mem, staging)
				return 0, fmt.Errorf("%w: writing staging: %v", ErrDecompressionFailed, werr)
			}
			written += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			wipe(mem, staging)
			return 0, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
	}
	return written, nil
}

// newDecompressor dispatches on the compression tag; the table is
// closed over the tags image.Load can produce.
func newDecompressor(tag image.Compression, src io.Reader) (io.Reader, error) {
	switch tag {
	case image.CompressionGzip:
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		return r, nil
	case image.CompressionXz:
		r, err := xz.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		return r, nil
	case image.CompressionZstd:
		r, err := zstd.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		return r.IOReadCloser(), nil
	case image.CompressionLz4:
		return lz4.NewReader(src), nil
	case image.CompressionLzma:
		r, err := lzma.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %v", image.ErrUnsupportedCompression, tag)
	}
}

func wipe(mem machine.Memory, staging Staging) {
	zeros := make([]byte, 64<<10)
	var off uint64
	for off < staging.Capacity {
		n := uint64(len(zeros))
		if staging.Capacity-off < n {
			n = staging.Capacity - off
		}
		if _, err := mem.WriteAt(zeros[:n], int64(staging.Base+off)); err != nil {
			return
		}
		off += n
	}
}

// Compress produces a payload in the given format; used by mkimage and
// by test fixtures. CompressionNone returns the input unchanged.
func Compress(data []byte, tag image.Compression) ([]byte, error) {
	switch tag {
	case image.CompressionNone:
		return data, nil
	case image.CompressionGzip:
		return compressWith(data, func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		})
	case image.CompressionXz:
		return compressWith(data, func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		})
	case image.CompressionZstd:
		return compressWith(data, func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		})
	case image.CompressionLz4:
		return compressWith(data, func(w io.Writer) (io.WriteCloser, error) {
			return lz4.NewWriter(w), nil
		})
	case image.CompressionLzma:
		return compressWith(data, func(w io.Writer) (io.WriteCloser, error) {
			return lzma.NewWriter(w)
		})
	default:
		return nil, fmt.Errorf("%w: %v", image.ErrUnsupportedCompression, tag)
	}
}

func compressWith(data []byte, open func(io.Writer) (io.WriteCloser, error)) ([]byte, error) {
	var buf bytes.Buffer
	w, err := open(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
