package rpmmodel

import "testing"

func TestParseNEVRA(t *testing.T) {
	n := ParseNEVRA("dhcp-client-4.4.3-1.x86_64")
	if n.Name != "dhcp-client" || n.Version != "4.4.3" || n.Release != "1" || n.Arch != "x86_64" {
		t.Fatalf("unexpected parse: %+v", n)
	}
	if n.String() != "dhcp-client-4.4.3-1.x86_64" {
		t.Fatalf("round trip: %s", n.String())
	}
}

func TestCompareEVROrdering(t *testing.T) {
	// a < b pairs.
	less := [][2]string{
		{"1.0", "1.0.1"},
		{"1.0", "1.1"},
		{"1.9", "1.10"},
		{"1.0-1", "1.0-2"},
		{"0:2.0", "1:1.0"},
		{"1.0~rc1", "1.0"}, // tilde sorts below release
		{"1.0~rc1", "1.0~rc2"},
		{"1.0", "1.0^rc1"},   // caret sorts above base version
		{"1.0^rc1", "1.0.1"}, // but below further content
		{"1.0^rc1", "1.0^rc2"},
		{"1.0.a", "1.0.1"}, // numeric beats alpha
		{"1_0", "1_1"},     // underscore is a plain separator
		{"1..0", "1.1"},    // repeated separators collapse
	}
	for _, p := range less {
		if c := CompareEVR(p[0], p[1]); c != -1 {
			t.Errorf("CompareEVR(%q, %q) = %d, want -1", p[0], p[1], c)
		}
		if c := CompareEVR(p[1], p[0]); c != 1 {
			t.Errorf("CompareEVR(%q, %q) = %d, want 1", p[1], p[0], c)
		}
	}

	equal := [][2]string{
		{"1.0", "1.0"},
		{"1.0", "1_0"}, // separators are interchangeable
		{"0:1.0", "1.0"},
		{"1.05", "1.5"}, // leading zeros ignored
	}
	for _, p := range equal {
		if c := CompareEVR(p[0], p[1]); c != 0 {
			t.Errorf("CompareEVR(%q, %q) = %d, want 0", p[0], p[1], c)
		}
	}
}

func TestCapabilitySatisfies(t *testing.T) {
	p := &Package{
		NEVRA:    NEVRA{Name: "postfix", Version: "3.8", Release: "1", Arch: "x86_64"},
		Provides: []Capability{{Name: "MTA"}, {Name: "smtpdaemon", Op: OpEQ, EVR: "3.8"}},
		Files:    []string{"/usr/sbin/sendmail"},
	}

	if !p.Satisfies(Capability{Name: "MTA"}) {
		t.Error("unversioned provide must satisfy unversioned requirement")
	}
	if !p.Satisfies(Capability{Name: "smtpdaemon", Op: OpGE, EVR: "3.0"}) {
		t.Error("versioned provide 3.8 must satisfy >= 3.0")
	}
	if p.Satisfies(Capability{Name: "smtpdaemon", Op: OpLT, EVR: "3.0"}) {
		t.Error("versioned provide 3.8 must not satisfy < 3.0")
	}
	if !p.Satisfies(Capability{Name: "/usr/sbin/sendmail"}) {
		t.Error("file path capability must match the file list")
	}
	if !p.Satisfies(Capability{Name: "postfix", Op: OpGE, EVR: "3.0"}) {
		t.Error("a package name is an implicit versioned capability")
	}
}
