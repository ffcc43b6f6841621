package synthesis

import (
	"strings"
	"testing"

	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

func TestParseBasic(t *testing.T) {
	blob := `@summary@A small test package
@provides@libfoo.so.1@bundled(npm(@xterm/addon-canvas))
@requires@libc.so.6[>= 2.17]
@info@foo-1.2-3.x86_64@0@1024@System/Libraries
`
	pkgs, err := Parse(strings.NewReader(blob))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("got %d packages, want 1", len(pkgs))
	}

	p := pkgs[0]
	if p.Name != "foo" || p.Version != "1.2" || p.Release != "3" || p.Arch != "x86_64" {
		t.Fatalf("unexpected NEVRA: %+v", p.NEVRA)
	}
	if p.Summary != "A small test package" {
		t.Fatalf("unexpected summary: %q", p.Summary)
	}
	if len(p.Provides) != 2 || p.Provides[1].Name != "bundled(npm(@xterm/addon-canvas))" {
		t.Fatalf("nested '@' inside parens not preserved: %+v", p.Provides)
	}
	if len(p.Requires) != 1 || p.Requires[0].Name != "libc.so.6" || p.Requires[0].Op != rpmmodel.OpGE {
		t.Fatalf("unexpected requires: %+v", p.Requires)
	}
	if p.Group != "System/Libraries" || p.PackageSize != 1024 {
		t.Fatalf("unexpected info fields: group=%q size=%d", p.Group, p.PackageSize)
	}
}

func TestParseMissingInfoFieldsUseDefaults(t *testing.T) {
	pkgs, err := Parse(strings.NewReader("@info@bar-1-1.noarch\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("got %d packages, want 1", len(pkgs))
	}
	if pkgs[0].Epoch != 0 || pkgs[0].Group != "" {
		t.Fatalf("defaults not applied: %+v", pkgs[0])
	}
}

func TestParseEmptyYieldsEmptySet(t *testing.T) {
	pkgs, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(pkgs) != 0 {
		t.Fatalf("got %d packages, want 0", len(pkgs))
	}
}

func TestUnknownTagIgnored(t *testing.T) {
	pkgs, err := Parse(strings.NewReader("@bogus@whatever\n@info@baz-1-1.noarch@0@0@\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].Name != "baz" {
		t.Fatalf("unexpected result: %+v", pkgs)
	}
}

func TestRoundTrip(t *testing.T) {
	blob := `@summary@First
@provides@libfoo@libbar[= 2.0-1]
@requires@libc.so.6[>= 2.17]
@info@alpha-1.0-1.x86_64@0@100@Apps
@summary@Second
@conflicts@oldalpha
@info@beta-2.0-1.noarch@1@200@Apps
`
	first, err := Parse(strings.NewReader(blob))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	encoded := Encode(first)
	second, err := Parse(strings.NewReader(string(encoded)))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("record count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].NEVRA != second[i].NEVRA {
			t.Errorf("record %d NEVRA changed: %+v vs %+v", i, first[i].NEVRA, second[i].NEVRA)
		}
		if first[i].Summary != second[i].Summary {
			t.Errorf("record %d summary changed: %q vs %q", i, first[i].Summary, second[i].Summary)
		}
		if len(first[i].Provides) != len(second[i].Provides) {
			t.Errorf("record %d provides count changed", i)
		}
	}
}
