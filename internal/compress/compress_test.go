package compress

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want Format
	}{
		{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd, 0, 0}, FormatZstd},
		{"xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, FormatXZ},
		{"gzip", []byte{0x1f, 0x8b, 0, 0, 0, 0}, FormatGzip},
		{"bzip2", []byte{'B', 'Z', 'h', '9', 0, 0}, FormatBzip2},
		{"plain", []byte{'h', 'e', 'l', 'l', 'o', '!'}, FormatNone},
		{"short", []byte{0x1f}, FormatNone},
	}

	for _, c := range cases {
		if got := Detect(c.in); got != c.want {
			t.Errorf("%s: Detect() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestBzip2RoundTrip(t *testing.T) {
	in := make([]byte, 1<<16)
	rand.New(rand.NewSource(1)).Read(in)

	buf := &bytes.Buffer{}
	n, err := NewBzip2Codec().Compress(buf, bytes.NewReader(in))
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if n != int64(len(in)) {
		t.Fatalf("compress wrote %d bytes, want %d", n, len(in))
	}

	r, format, err := NewReader(buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if format != FormatBzip2 {
		t.Fatalf("detected format = %v, want bzip2", format)
	}

	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(in, out.Bytes()) {
		t.Fatalf("round trip mismatch")
	}
}

func TestGzipRoundTrip(t *testing.T) {
	in := []byte("package metadata payload, repeated repeated repeated")

	buf := &bytes.Buffer{}
	if _, err := NewGzipCodec().Compress(buf, bytes.NewReader(in)); err != nil {
		t.Fatalf("compress: %v", err)
	}

	r, format, err := NewReader(buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if format != FormatGzip {
		t.Fatalf("detected format = %v, want gzip", format)
	}

	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(in, out.Bytes()) {
		t.Fatalf("round trip mismatch: got %q", out.String())
	}
}

func TestPlainPassthrough(t *testing.T) {
	in := []byte("@info@pkg-1.0-1.x86_64@0@1024@Group\n")
	r, format, err := NewReader(bytes.NewReader(in))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if format != FormatNone {
		t.Fatalf("detected format = %v, want none", format)
	}

	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(in, out.Bytes()) {
		t.Fatalf("passthrough mismatch")
	}
}
