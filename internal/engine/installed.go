package engine

import (
	"bufio"
	"bytes"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

// InstalledSnapshot projects the system RPM database into package records:
// one rpm -qa invocation for identity plus provides and requires, reloaded
// on demand and never persisted. The --root flag is honored when root is
// non-empty.
//
// The query format emits one identity line per package followed by
// tab-prefixed capability lines (P for provides, R for requires), so a
// single process round-trip captures enough of the installed set for the
// resolver's requires/conflict/obsoletion checks.
func InstalledSnapshot(root string) ([]*rpmmodel.Package, error) {
	args := []string{"-qa", "--queryformat",
		"%{NAME}\x1f%{EPOCHNUM}\x1f%{VERSION}\x1f%{RELEASE}\x1f%{ARCH}\n" +
			"[\tP\x1f%{PROVIDENAME}\x1f%{PROVIDEFLAGS:depflags}\x1f%{PROVIDEVERSION}\n]" +
			"[\tR\x1f%{REQUIRENAME}\x1f%{REQUIREFLAGS:depflags}\x1f%{REQUIREVERSION}\n]"}
	if root != "" {
		args = append([]string{"--root", root}, args...)
	}

	out, err := exec.Command("rpm", args...).Output()
	if err != nil {
		return nil, errors.WithMessage(err, "querying installed packages")
	}
	return parseInstalled(bytes.NewReader(out))
}

func parseInstalled(r *bytes.Reader) ([]*rpmmodel.Package, error) {
	var pkgs []*rpmmodel.Package
	var current *rpmmodel.Package

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "\t") {
			if current == nil {
				continue
			}
			fields := strings.Split(line[1:], "\x1f")
			if len(fields) < 2 {
				continue
			}
			c := rpmmodel.Capability{Name: fields[1]}
			if len(fields) >= 4 {
				c.Op = rpmmodel.ParseOp(strings.TrimSpace(fields[2]))
				c.EVR = fields[3]
			}
			if c.Name == "" || c.Name == "(none)" {
				continue
			}
			switch fields[0] {
			case "P":
				current.Provides = append(current.Provides, c)
			case "R":
				// rpmlib() internal capabilities never resolve to packages.
				if !strings.HasPrefix(c.Name, "rpmlib(") {
					current.Requires = append(current.Requires, c)
				}
			}
			continue
		}

		fields := strings.Split(line, "\x1f")
		if len(fields) != 5 {
			continue
		}
		epoch, _ := strconv.Atoi(fields[1])
		current = &rpmmodel.Package{
			NEVRA: rpmmodel.NEVRA{
				Name:    fields[0],
				Epoch:   epoch,
				Version: fields[2],
				Release: fields[3],
				Arch:    fields[4],
			},
		}
		pkgs = append(pkgs, current)
	}
	return pkgs, scanner.Err()
}
