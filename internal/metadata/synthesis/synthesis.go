// Package synthesis parses and re-emits the urpm synthesis format: a
// UTF-8 stream of '@'-delimited lines. Tags accumulate into a staging
// record until an "@info" line closes and emits it.
package synthesis

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

// splitLine splits a synthesis line on '@' separators that are not nested
// inside parentheses, since capability tokens such as
// bundled(npm(@xterm/addon-canvas)) carry '@' themselves.
func splitLine(line string) []string {
	var parts []string
	var cur strings.Builder
	depth := 0

	for _, ch := range line {
		switch {
		case ch == '(':
			depth++
			cur.WriteRune(ch)
		case ch == ')':
			depth--
			cur.WriteRune(ch)
		case ch == '@' && depth == 0:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(ch)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

var (
	bracketDep = regexp.MustCompile(`^(.+?)\[([<>=!]+)\s*(.+?)\]$`)
	bareDep    = regexp.MustCompile(`^(.+?)([<>=!]+)(.+)$`)
)

// parseCapability parses a single capability token, which may carry a
// trailing "[op version]" qualifier or a bare "name>=version" suffix, or
// neither.
func parseCapability(tok string) rpmmodel.Capability {
	if m := bracketDep.FindStringSubmatch(tok); m != nil {
		return rpmmodel.Capability{Name: m[1], Op: rpmmodel.ParseOp(m[2]), EVR: m[3]}
	}
	if m := bareDep.FindStringSubmatch(tok); m != nil {
		return rpmmodel.Capability{Name: m[1], Op: rpmmodel.ParseOp(m[2]), EVR: m[3]}
	}
	return rpmmodel.Capability{Name: tok}
}

func parseCapabilities(toks []string) []rpmmodel.Capability {
	if len(toks) == 0 {
		return nil
	}
	caps := make([]rpmmodel.Capability, len(toks))
	for i, t := range toks {
		caps[i] = parseCapability(t)
	}
	return caps
}

type staging struct {
	summary    string
	provides   []string
	requires   []string
	conflicts  []string
	obsoletes  []string
	suggests   []string
	recommends []string
}

// Parse reads a decompressed synthesis stream and returns the package
// records it describes. An unknown tag is ignored, not fatal; a record
// whose @info line is missing trailing fields uses epoch=0 and an empty
// group.
func Parse(r io.Reader) ([]*rpmmodel.Package, error) {
	var pkgs []*rpmmodel.Package
	cur := staging{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "@") {
			continue
		}

		parts := splitLine(line)
		if len(parts) < 2 {
			continue
		}
		tag := parts[1]

		if tag == "info" {
			pkgs = append(pkgs, closeRecord(parts, cur))
			cur = staging{}
			continue
		}

		rest := parts[2:]
		switch tag {
		case "summary":
			if len(rest) > 0 {
				cur.summary = rest[0]
			}
		case "provides":
			cur.provides = rest
		case "requires":
			cur.requires = rest
		case "conflicts":
			cur.conflicts = rest
		case "obsoletes":
			cur.obsoletes = rest
		case "suggests":
			cur.suggests = rest
		case "recommends":
			cur.recommends = rest
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return pkgs, nil
}

func closeRecord(parts []string, cur staging) *rpmmodel.Package {
	field := func(i int, def string) string {
		if i < len(parts) {
			return parts[i]
		}
		return def
	}

	nevraStr := field(2, "")
	epochStr := field(3, "0")
	sizeStr := field(4, "0")
	group := field(5, "")

	nevra := rpmmodel.ParseNEVRA(nevraStr)
	if epoch, err := strconv.Atoi(epochStr); err == nil {
		nevra.Epoch = epoch
	}
	size, _ := strconv.ParseInt(sizeStr, 10, 64)

	return &rpmmodel.Package{
		NEVRA:       nevra,
		Summary:     cur.summary,
		Group:       group,
		PackageSize: size,
		Provides:    parseCapabilities(cur.provides),
		Requires:    parseCapabilities(cur.requires),
		Conflicts:   parseCapabilities(cur.conflicts),
		Obsoletes:   parseCapabilities(cur.obsoletes),
		Suggests:    parseCapabilities(cur.suggests),
		Recommends:  parseCapabilities(cur.recommends),
	}
}

func encodeCapability(c rpmmodel.Capability) string {
	if c.Op == rpmmodel.OpNone {
		return c.Name
	}
	return fmt.Sprintf("%s[%s %s]", c.Name, c.Op, c.EVR)
}

func encodeTag(w *strings.Builder, tag string, caps []rpmmodel.Capability) {
	if len(caps) == 0 {
		return
	}
	w.WriteString("@")
	w.WriteString(tag)
	for _, c := range caps {
		w.WriteString("@")
		w.WriteString(encodeCapability(c))
	}
	w.WriteString("\n")
}

// Encode renders pkgs back into the synthesis text format, NEVRA-sorted
// with a fixed tag order, so that Parse(Encode(pkgs)) reproduces pkgs —
// the parse/encode round-trip stable.
func Encode(pkgs []*rpmmodel.Package) []byte {
	sorted := make([]*rpmmodel.Package, len(pkgs))
	copy(sorted, pkgs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].NEVRA.String() < sorted[j].NEVRA.String()
	})

	var w strings.Builder
	for _, p := range sorted {
		if p.Summary != "" {
			w.WriteString("@summary@")
			w.WriteString(p.Summary)
			w.WriteString("\n")
		}
		encodeTag(&w, "provides", p.Provides)
		encodeTag(&w, "requires", p.Requires)
		encodeTag(&w, "conflicts", p.Conflicts)
		encodeTag(&w, "obsoletes", p.Obsoletes)
		encodeTag(&w, "suggests", p.Suggests)
		encodeTag(&w, "recommends", p.Recommends)

		fmt.Fprintf(&w, "@info@%s@%d@%d@%s\n",
			nevraForInfo(p.NEVRA), p.Epoch, p.PackageSize, p.Group)
	}
	return []byte(w.String())
}

// nevraForInfo renders the name-version-release.arch form @info expects,
// which omits the epoch (epoch travels in its own field).
func nevraForInfo(n rpmmodel.NEVRA) string {
	return fmt.Sprintf("%s-%s-%s.%s", n.Name, n.Version, n.Release, n.Arch)
}
