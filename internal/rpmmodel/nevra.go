// Package rpmmodel holds the identity and capability types shared by every
// other package: NEVRA, capability expressions, and RPM version comparison.
// The vocabulary follows github.com/cavaliercoder/go-rpm's
// Package/Dependency model so code moving between the two reads the same.
package rpmmodel

import (
	"fmt"
	"strconv"
	"strings"
)

// NEVRA is the identity of a concrete package build.
type NEVRA struct {
	Name    string
	Epoch   int
	Version string
	Release string
	Arch    string
}

// String renders the canonical name-[epoch:]version-release.arch form.
func (n NEVRA) String() string {
	if n.Epoch != 0 {
		return fmt.Sprintf("%s-%d:%s-%s.%s", n.Name, n.Epoch, n.Version, n.Release, n.Arch)
	}
	return fmt.Sprintf("%s-%s-%s.%s", n.Name, n.Version, n.Release, n.Arch)
}

// ParseNEVRA splits a NEVRA string of the form "name-version-release.arch"
// into its parts: architecture is split off the last '.', then name/
// version/release from the remaining "-"-joined tail, rightmost first
// (package names may themselves contain '-').
func ParseNEVRA(s string) NEVRA {
	arch := "noarch"
	rest := s
	if i := strings.LastIndex(s, "."); i >= 0 {
		arch = s[i+1:]
		rest = s[:i]
	}

	parts := strings.Split(rest, "-")
	var name, version, release string
	switch {
	case len(parts) >= 3:
		release = parts[len(parts)-1]
		version = parts[len(parts)-2]
		name = strings.Join(parts[:len(parts)-2], "-")
	case len(parts) == 2:
		name, version = parts[0], parts[1]
	default:
		name = rest
	}

	return NEVRA{Name: name, Version: version, Release: release, Arch: arch}
}

// Op is a capability version-comparison operator.
type Op int

const (
	OpNone Op = iota
	OpEQ
	OpLT
	OpLE
	OpGT
	OpGE
)

func (o Op) String() string {
	switch o {
	case OpEQ:
		return "="
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	default:
		return ""
	}
}

// ParseOp maps the synthesis/hdlist token spellings to an Op.
func ParseOp(s string) Op {
	switch s {
	case "==", "=", "EQ":
		return OpEQ
	case "<", "LT":
		return OpLT
	case "<=", "LE":
		return OpLE
	case ">", "GT":
		return OpGT
	case ">=", "GE":
		return OpGE
	default:
		return OpNone
	}
}

// Capability is a named, optionally versioned feature a package provides or
// requires; a file path is a Capability with no Op.
type Capability struct {
	Name string
	Op   Op
	EVR  string // epoch:version-release, or a bare version
}

// IsFilePath reports whether this capability is a file path rather than a
// symbolic name: a path is a capability whose name is the path, with no
// version.
func (c Capability) IsFilePath() bool {
	return strings.HasPrefix(c.Name, "/")
}

func (c Capability) String() string {
	if c.Op == OpNone {
		return c.Name
	}
	return fmt.Sprintf("%s[%s %s]", c.Name, c.Op, c.EVR)
}

// Satisfies reports whether a provided capability (this one) satisfies a
// required capability, per standard RPM dependency semantics: names must
// match, and if the requirement is versioned, the provided EVR must compare
// favorably against the required EVR under the required Op.
func (c Capability) Satisfies(req Capability) bool {
	if c.Name != req.Name {
		return false
	}
	if req.Op == OpNone {
		return true
	}
	if c.Op == OpNone {
		// An unversioned provide satisfies any versioned requirement only if
		// the requirement has no EVR to compare against (shouldn't happen
		// given req.Op != OpNone here, so this is conservatively false).
		return false
	}

	cmp := CompareEVR(c.EVR, req.EVR)
	switch req.Op {
	case OpEQ:
		return cmp == 0
	case OpLT:
		return cmp < 0
	case OpLE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpGE:
		return cmp >= 0
	default:
		return true
	}
}

// CompareEVR compares two epoch:version-release strings using RPM's
// segment-wise comparison rules (alternating runs of digits and letters,
// numeric runs compared numerically, a tilde sorting before anything
// including the empty string). Returns -1, 0, or 1.
func CompareEVR(a, b string) int {
	ea, va, ra := splitEVR(a)
	eb, vb, rb := splitEVR(b)

	if c := compareEpoch(ea, eb); c != 0 {
		return c
	}
	if c := compareSegments(va, vb); c != 0 {
		return c
	}
	return compareSegments(ra, rb)
}

func splitEVR(s string) (epoch, version, release string) {
	epoch = "0"
	if i := strings.Index(s, ":"); i >= 0 {
		epoch = s[:i]
		s = s[i+1:]
	}
	if i := strings.Index(s, "-"); i >= 0 {
		version = s[:i]
		release = s[i+1:]
	} else {
		version = s
	}
	return
}

func compareEpoch(a, b string) int {
	ai, _ := strconv.Atoi(a)
	bi, _ := strconv.Atoi(b)
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	default:
		return 0
	}
}

// compareSegments implements RPM's rpmvercmp: walk both strings, comparing
// alternating runs of digits (numeric comparison, with all-digit runs
// stripped of leading zeros) and letters (lexical comparison). Everything
// that is not alphanumeric acts as a separator, except '~', which sorts
// lower than anything including end-of-string, and '^', which sorts higher
// than end-of-string but lower than any further content.
func compareSegments(a, b string) int {
	for len(a) > 0 || len(b) > 0 {
		a = a[leadingRun(a, isSeparator):]
		b = b[leadingRun(b, isSeparator):]

		if strings.HasPrefix(a, "~") || strings.HasPrefix(b, "~") {
			aTilde := strings.HasPrefix(a, "~")
			bTilde := strings.HasPrefix(b, "~")
			switch {
			case aTilde && !bTilde:
				return -1
			case !aTilde && bTilde:
				return 1
			default:
				a, b = a[1:], b[1:]
				continue
			}
		}

		// Caret: 1.0^rc1 sorts above 1.0 but below 1.0.1.
		if strings.HasPrefix(a, "^") || strings.HasPrefix(b, "^") {
			switch {
			case len(a) == 0:
				return -1
			case len(b) == 0:
				return 1
			case a[0] == '^' && b[0] != '^':
				return -1
			case b[0] == '^' && a[0] != '^':
				return 1
			default:
				a, b = a[1:], b[1:]
				continue
			}
		}

		if len(a) == 0 || len(b) == 0 {
			break
		}

		if isDigit(a[0]) {
			la := leadingRun(a, isDigit)
			lb := leadingRun(b, isDigit)
			if lb == 0 {
				return 1 // numeric beats alpha
			}
			na := strings.TrimLeft(a[:la], "0")
			nb := strings.TrimLeft(b[:lb], "0")
			switch {
			case len(na) != len(nb):
				if len(na) > len(nb) {
					return 1
				}
				return -1
			case na != nb:
				if na > nb {
					return 1
				}
				return -1
			}
			a, b = a[la:], b[lb:]
		} else {
			la := leadingRun(a, isAlpha)
			lb := leadingRun(b, isAlpha)
			if lb == 0 {
				return -1 // alpha loses to numeric
			}
			sa, sb := a[:la], b[:lb]
			if sa != sb {
				if sa > sb {
					return 1
				}
				return -1
			}
			a, b = a[la:], b[lb:]
		}
	}

	switch {
	case len(a) == len(b):
		return 0
	case len(a) > len(b):
		return 1
	default:
		return -1
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// isSeparator matches any byte rpmvercmp skips between runs: everything
// that is neither alphanumeric nor one of the significant '~'/'^' markers.
func isSeparator(c byte) bool {
	return !isDigit(c) && !isAlpha(c) && c != '~' && c != '^'
}

func leadingRun(s string, pred func(byte) bool) int {
	i := 0
	for i < len(s) && pred(s[i]) {
		i++
	}
	return i
}
