// Package compress provides the optional bundle-payload compression schemes
// referenced by a BundleInfo's Compression field.
package compress

import (
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"
	"github.com/pkg/errors"
)

// Method names one of the supported compression schemes for a bundle's data
// section. The zero value, None, means the data section is stored as-is.
type Method string

const (
	// None stores the data section without compression.
	None Method = ""
	// Gzip compresses the data section with concurrent gzip (pgzip).
	Gzip Method = "gzip"
	// Zstd compresses the data section with zstd.
	Zstd Method = "zstd"
)

// gzipBlockSize mirrors the block size pgzip uses for concurrent
// compression; changing it changes the byte-for-byte output of Gzip for the
// same input, so it is deliberately fixed.
const gzipBlockSize = 1 << 20

// Valid reports whether m is a recognized compression method.
func (m Method) Valid() bool {
	switch m {
	case None, Gzip, Zstd:
		return true
	default:
		return false
	}
}

// Compress wraps w so that bytes written to the returned writer are
// compressed with method m before being written to w. The caller must Close
// the returned writer to flush trailing compressed data.
func Compress(w io.Writer, m Method) (io.WriteCloser, error) {
	switch m {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		gzw := gzip.NewWriter(w)
		if err := gzw.SetConcurrency(gzipBlockSize, 2*runtime.NumCPU()); err != nil {
			return nil, errors.Wrap(err, "set gzip concurrency")
		}
		return gzw, nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "create zstd writer")
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("compress: unsupported method %q", m)
	}
}

// Decompress wraps r so that reads from the returned reader yield the
// decompressed bytes originally written under method m. The caller must
// Close the returned reader to release any background resources.
func Decompress(r io.Reader, m Method) (io.ReadCloser, error) {
	switch m {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		gzr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "create gzip reader")
		}
		return gzr, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "create zstd reader")
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("compress: unsupported method %q", m)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
