// Package compress detects and decodes the compression formats used by
// repository metadata — zstd, xz, gzip, bzip2, or none — from a leading
// magic-byte probe: a closed set of decoders selected by a pure function
// of the first bytes. The Codec side compresses for publication.
package compress

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	dsnetbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/xi2/xz"
)

// Format is one of the closed set of supported codecs.
type Format int

const (
	FormatNone Format = iota
	FormatZstd
	FormatXZ
	FormatGzip
	FormatBzip2
)

func (f Format) String() string {
	switch f {
	case FormatZstd:
		return "zstd"
	case FormatXZ:
		return "xz"
	case FormatGzip:
		return "gzip"
	case FormatBzip2:
		return "bzip2"
	default:
		return "plain"
	}
}

var (
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXZ    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte{'B', 'Z'}
)

// Detect inspects the leading bytes of a stream (at least 6, ideally more)
// and returns the codec in use. File extensions are never trusted.
func Detect(magic []byte) Format {
	switch {
	case hasPrefix(magic, magicZstd):
		return FormatZstd
	case hasPrefix(magic, magicXZ):
		return FormatXZ
	case hasPrefix(magic, magicGzip):
		return FormatGzip
	case hasPrefix(magic, magicBzip2):
		return FormatBzip2
	default:
		return FormatNone
	}
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// NewReader wraps r in a decompressing reader appropriate to its detected
// format, peeking at the leading bytes without consuming them from the
// caller's perspective (the returned reader starts from the beginning of the
// stream). zstd streams are detected but no decoder is wired (see
// DESIGN.md); NewReader returns an explicit error for that one format
// rather than silently passing compressed bytes through.
func NewReader(r io.Reader) (io.Reader, Format, error) {
	br := bufio.NewReaderSize(r, 4096)

	magic, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, FormatNone, err
	}

	switch Detect(magic) {
	case FormatZstd:
		return nil, FormatZstd, fmt.Errorf("zstd decompression unavailable: no zstd library in dependency set")
	case FormatXZ:
		zr, err := xz.NewReader(br, 0)
		if err != nil {
			return nil, FormatXZ, err
		}
		return zr, FormatXZ, nil
	case FormatGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, FormatGzip, err
		}
		return zr, FormatGzip, nil
	case FormatBzip2:
		return bzip2.NewReader(br), FormatBzip2, nil
	default:
		return br, FormatNone, nil
	}
}

// Codec compresses a stream for repository publication (createrepo-style
// output).
type Codec interface {
	Compress(w io.Writer, r io.Reader) (int64, error)
}

// CodecFunc adapts a plain function to the Codec interface.
type CodecFunc func(io.Writer, io.Reader) (int64, error)

func (fn CodecFunc) Compress(w io.Writer, r io.Reader) (int64, error) {
	return fn(w, r)
}

// NewBzip2Codec returns a best-compression bzip2 encoder via
// dsnet/compress/bzip2 (stdlib bzip2 cannot write).
func NewBzip2Codec() Codec {
	return CodecFunc(func(w io.Writer, r io.Reader) (int64, error) {
		conf := &dsnetbzip2.WriterConfig{Level: dsnetbzip2.BestCompression}
		zw, err := dsnetbzip2.NewWriter(w, conf)
		if err != nil {
			return 0, err
		}
		defer zw.Close()
		return io.Copy(zw, r)
	})
}

// NewGzipCodec returns a gzip encoder.
func NewGzipCodec() Codec {
	return CodecFunc(func(w io.Writer, r io.Reader) (int64, error) {
		zw := gzip.NewWriter(w)
		defer zw.Close()
		return io.Copy(zw, r)
	})
}

// CodecFor returns the publication codec for a format; only bzip2 and gzip
// have encoders, any other format is an error.
func CodecFor(format Format) (Codec, error) {
	switch format {
	case FormatBzip2:
		return NewBzip2Codec(), nil
	case FormatGzip:
		return NewGzipCodec(), nil
	default:
		return nil, fmt.Errorf("no publication codec for format %v", format)
	}
}
