package hdlist

import (
	"bytes"
	"testing"

	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

func samplePackages() []*rpmmodel.Package {
	return []*rpmmodel.Package{
		{
			NEVRA:       rpmmodel.NEVRA{Name: "foo", Version: "1.2", Release: "3", Arch: "x86_64", Epoch: 1},
			Summary:     "Foo library",
			Group:       "System/Libraries",
			PackageSize: 2048,
			Provides: []rpmmodel.Capability{
				{Name: "libfoo.so.1"},
				{Name: "foo", Op: rpmmodel.OpEQ, EVR: "1:1.2-3"},
			},
			Requires: []rpmmodel.Capability{
				{Name: "libc.so.6", Op: rpmmodel.OpGE, EVR: "2.17"},
			},
			Files: []string{"/usr/lib64/libfoo.so.1", "/usr/share/doc/foo/README"},
		},
		{
			NEVRA:       rpmmodel.NEVRA{Name: "bar", Version: "0.1", Release: "1", Arch: "noarch"},
			Summary:     "Bar utility",
			PackageSize: 512,
		},
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	pkgs := samplePackages()
	blob := Encode(pkgs)

	decoded, err := Parse(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(decoded) != len(pkgs) {
		t.Fatalf("got %d packages, want %d", len(decoded), len(pkgs))
	}

	for i, want := range pkgs {
		got := decoded[i]
		if got.NEVRA != want.NEVRA {
			t.Errorf("record %d NEVRA = %+v, want %+v", i, got.NEVRA, want.NEVRA)
		}
		if got.Summary != want.Summary || got.PackageSize != want.PackageSize {
			t.Errorf("record %d summary/size mismatch: %+v", i, got)
		}
		if len(got.Files) != len(want.Files) {
			t.Errorf("record %d file count = %d, want %d", i, len(got.Files), len(want.Files))
		}
		for j := range want.Files {
			if j < len(got.Files) && got.Files[j] != want.Files[j] {
				t.Errorf("record %d file %d = %q, want %q", i, j, got.Files[j], want.Files[j])
			}
		}
	}
}

func TestIdempotentReencode(t *testing.T) {
	pkgs := samplePackages()
	first := Encode(pkgs)

	decoded, err := Parse(bytes.NewReader(first))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	second := Encode(decoded)

	if !bytes.Equal(first, second) {
		t.Fatalf("re-encoding a parsed header set changed the bytes")
	}
}

func TestResynchronizationOnStrayBytes(t *testing.T) {
	pkgs := samplePackages()[:1]
	blob := Encode(pkgs)

	noisy := append([]byte{0xff, 0x00, 0xde, 0xad, 0xbe, 0xef}, blob...)

	decoded, err := Parse(bytes.NewReader(noisy))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Name != "foo" {
		t.Fatalf("resynchronization failed: %+v", decoded)
	}
}

func TestEmptyStreamYieldsNoPackages(t *testing.T) {
	decoded, err := Parse(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("got %d packages, want 0", len(decoded))
	}
}
