package main

import (
	"fmt"
	"strings"

	"github.com/codegangsta/cli"
	"code.cloudfoundry.org/bytefmt"

	"github.com/cavaliercoder/urpm-ng/internal/engine"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

func queryCommands() []cli.Command {
	return []cli.Command{
		{
			Name:    "search",
			Aliases: []string{"s"},
			Usage:   "search package names and summaries",
			Action:  actionSearch,
		},
		{
			Name:    "show",
			Aliases: []string{"info"},
			Usage:   "show package details",
			Action:  actionShow,
		},
		{
			Name:   "list",
			Usage:  "list available packages",
			Action: actionList,
		},
		{
			Name:    "depends",
			Aliases: []string{"d", "requires"},
			Usage:   "show what a package requires",
			Action:  actionDepends,
		},
		{
			Name:    "rdepends",
			Aliases: []string{"rd", "whatrequires"},
			Usage:   "show what requires a package",
			Action:  actionRDepends,
		},
		{
			Name:   "recommends",
			Usage:  "show what a package recommends",
			Action: capListAction(func(p *rpmmodel.Package) []rpmmodel.Capability { return p.Recommends }),
		},
		{
			Name:   "suggests",
			Usage:  "show what a package suggests",
			Action: capListAction(func(p *rpmmodel.Package) []rpmmodel.Capability { return p.Suggests }),
		},
		{
			Name:   "whatrecommends",
			Usage:  "show packages recommending a capability",
			Action: reverseCapAction(func(p *rpmmodel.Package) []rpmmodel.Capability { return p.Recommends }),
		},
		{
			Name:   "whatsuggests",
			Usage:  "show packages suggesting a capability",
			Action: reverseCapAction(func(p *rpmmodel.Package) []rpmmodel.Capability { return p.Suggests }),
		},
		{
			Name:   "provides",
			Usage:  "show what a package provides",
			Action: capListAction(func(p *rpmmodel.Package) []rpmmodel.Capability { return p.Provides }),
		},
		{
			Name:   "whatprovides",
			Usage:  "show packages providing a capability",
			Action: actionWhatProvides,
		},
		{
			Name:   "find",
			Usage:  "search the file index (wildcards allowed)",
			Action: actionFind,
		},
		{
			Name:   "files",
			Usage:  "list the files of a package",
			Action: actionFiles,
		},
		{
			Name:   "why",
			Usage:  "explain why a package is installed",
			Action: actionWhy,
		},
	}
}

func oneArg(c *cli.Context, verb string) string {
	if len(c.Args()) != 1 {
		fail(c, xerrors.User("%s: exactly one argument required", verb))
	}
	return c.Args().First()
}

func actionSearch(c *cli.Context) {
	term := strings.ToLower(oneArg(c, "search"))
	a := mustOpen(c)
	defer a.Close()

	media, err := a.Store.AllMedia()
	if err != nil {
		fail(c, err)
	}

	type hit struct {
		NEVRA   string `json:"nevra"`
		Media   string `json:"media"`
		Summary string `json:"summary"`
	}
	var hits []hit
	for _, m := range media {
		if !m.Enabled && !c.GlobalBool("show-all") {
			continue
		}
		pkgs, err := a.Store.PackagesByMedia(m.Name)
		if err != nil {
			fail(c, err)
		}
		for _, p := range pkgs {
			if strings.Contains(strings.ToLower(p.Name), term) ||
				strings.Contains(strings.ToLower(p.Summary), term) {
				hits = append(hits, hit{p.NEVRA.String(), m.Name, p.Summary})
			}
		}
	}

	emit(c, hits, func() {
		for _, h := range hits {
			if c.GlobalBool("flat") {
				log.Printf("%s\n", h.NEVRA)
			} else {
				log.Printf("%-50s %s\n", h.NEVRA, h.Summary)
			}
		}
		if len(hits) == 0 {
			log.Printf("No match for %q.\n", term)
		}
	})
}

func actionShow(c *cli.Context) {
	name := oneArg(c, "show")
	a := mustOpen(c)
	defer a.Close()

	pkgs, err := a.Store.PackagesByName(name)
	if err != nil {
		fail(c, err)
	}
	if len(pkgs) == 0 {
		fail(c, xerrors.User("no such package: %s", name))
	}

	emit(c, pkgs, func() {
		for _, p := range pkgs {
			log.Printf("Name     : %s\n", p.Name)
			log.Printf("Version  : %s-%s\n", p.Version, p.Release)
			log.Printf("Arch     : %s\n", p.Arch)
			log.Printf("Media    : %s\n", p.MediaName)
			log.Printf("Group    : %s\n", p.Group)
			log.Printf("Size     : %s\n", bytefmt.ByteSize(uint64(p.PackageSize)))
			if p.License != "" {
				log.Printf("License  : %s\n", p.License)
			}
			if p.URL != "" {
				log.Printf("URL      : %s\n", p.URL)
			}
			log.Printf("Summary  : %s\n", p.Summary)
			if p.Description != "" {
				log.Printf("\n%s\n", p.Description)
			}
			log.Printf("\n")
		}
	})
}

func actionList(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	media, err := a.Store.AllMedia()
	if err != nil {
		fail(c, err)
	}

	var all []string
	for _, m := range media {
		if !m.Enabled && !c.GlobalBool("show-all") {
			continue
		}
		pkgs, err := a.Store.PackagesByMedia(m.Name)
		if err != nil {
			fail(c, err)
		}
		for _, p := range pkgs {
			all = append(all, p.NEVRA.String())
		}
	}

	emit(c, all, func() {
		for _, n := range all {
			log.Printf("%s\n", n)
		}
	})
}

func (a *appState) packageByName(c *cli.Context, name string) *rpmmodel.Package {
	pkgs, err := a.Store.PackagesByName(name)
	if err != nil {
		fail(c, err)
	}
	if len(pkgs) == 0 {
		fail(c, xerrors.User("no such package: %s", name))
	}
	return pkgs[0]
}

func actionDepends(c *cli.Context) {
	name := oneArg(c, "depends")
	a := mustOpen(c)
	defer a.Close()

	p := a.packageByName(c, name)
	emit(c, p.Requires, func() {
		for _, req := range p.Requires {
			log.Printf("%s\n", formatCapability(req))
		}
	})
}

func actionRDepends(c *cli.Context) {
	name := oneArg(c, "rdepends")
	a := mustOpen(c)
	defer a.Close()

	target := a.packageByName(c, name)
	dependents := a.reverseSearch(c, func(p *rpmmodel.Package) bool {
		for _, req := range p.Requires {
			if target.Satisfies(req) {
				return true
			}
		}
		return false
	})

	emit(c, dependents, func() {
		for _, n := range dependents {
			log.Printf("%s\n", n)
		}
	})
}

// reverseSearch scans every enabled media for packages matching pred.
func (a *appState) reverseSearch(c *cli.Context, pred func(*rpmmodel.Package) bool) []string {
	media, err := a.Store.AllMedia()
	if err != nil {
		fail(c, err)
	}
	var out []string
	for _, m := range media {
		if !m.Enabled {
			continue
		}
		pkgs, err := a.Store.PackagesByMedia(m.Name)
		if err != nil {
			fail(c, err)
		}
		for _, p := range pkgs {
			if pred(p) {
				out = append(out, p.NEVRA.String())
			}
		}
	}
	return out
}

// capListAction lists one capability slice of a named package.
func capListAction(get func(*rpmmodel.Package) []rpmmodel.Capability) func(*cli.Context) {
	return func(c *cli.Context) {
		name := oneArg(c, c.Command.Name)
		a := mustOpen(c)
		defer a.Close()

		p := a.packageByName(c, name)
		caps := get(p)
		emit(c, caps, func() {
			for _, cp := range caps {
				log.Printf("%s\n", formatCapability(cp))
			}
		})
	}
}

// reverseCapAction lists packages whose given capability slice names the
// argument.
func reverseCapAction(get func(*rpmmodel.Package) []rpmmodel.Capability) func(*cli.Context) {
	return func(c *cli.Context) {
		capName := oneArg(c, c.Command.Name)
		a := mustOpen(c)
		defer a.Close()

		matches := a.reverseSearch(c, func(p *rpmmodel.Package) bool {
			for _, cp := range get(p) {
				if cp.Name == capName {
					return true
				}
			}
			return false
		})
		emit(c, matches, func() {
			for _, n := range matches {
				log.Printf("%s\n", n)
			}
		})
	}
}

func actionWhatProvides(c *cli.Context) {
	capName := oneArg(c, "whatprovides")
	a := mustOpen(c)
	defer a.Close()

	pkgs, err := a.Store.PackagesProviding(capName)
	if err != nil {
		fail(c, err)
	}

	var names []string
	for _, p := range pkgs {
		names = append(names, p.NEVRA.String())
	}
	emit(c, names, func() {
		for _, n := range names {
			log.Printf("%s\n", n)
		}
	})
}

func actionFind(c *cli.Context) {
	pattern := oneArg(c, "find")
	a := mustOpen(c)
	defer a.Close()

	results, err := a.Store.SearchFiles(pattern)
	if err != nil {
		fail(c, err)
	}

	emit(c, results, func() {
		for _, r := range results {
			log.Printf("%s: %s/%s\n", r.NEVRA, r.Directory, r.Basename)
		}
		if len(results) == 0 {
			log.Printf("No file matches %q.\n", pattern)
		}
	})
}

func actionFiles(c *cli.Context) {
	name := oneArg(c, "files")
	a := mustOpen(c)
	defer a.Close()

	p := a.packageByName(c, name)
	results, err := a.Store.FilesForPackage(p.MediaName, p.NEVRA.String())
	if err != nil {
		fail(c, err)
	}

	var files []string
	for _, r := range results {
		files = append(files, r.Directory+"/"+r.Basename)
	}
	emit(c, files, func() {
		for _, f := range files {
			log.Printf("%s\n", f)
		}
	})
}

// actionWhy walks installed reverse dependencies to explain an install.
func actionWhy(c *cli.Context) {
	name := oneArg(c, "why")
	a := mustOpen(c)
	defer a.Close()

	installed, err := engine.InstalledSnapshot(c.GlobalString("root"))
	if err != nil {
		fail(c, xerrors.Environment(err, "reading installed packages"))
	}

	var target *rpmmodel.Package
	for _, p := range installed {
		if p.Name == name {
			target = p
			break
		}
	}
	if target == nil {
		fail(c, xerrors.User("%s is not installed", name))
	}

	type reason struct {
		Package string `json:"package"`
		Via     string `json:"via"`
	}
	var reasons []reason
	for _, p := range installed {
		for _, req := range p.Requires {
			if target.Satisfies(req) {
				reasons = append(reasons, reason{p.Name, formatCapability(req)})
			}
		}
	}

	emit(c, reasons, func() {
		if len(reasons) == 0 {
			log.Printf("%s: nothing installed requires it (likely explicitly installed)\n", name)
			return
		}
		for _, r := range reasons {
			log.Printf("%s requires %s\n", r.Package, r.Via)
		}
	})
}

func formatCapability(cp rpmmodel.Capability) string {
	if cp.Op == rpmmodel.OpNone {
		return cp.Name
	}
	return fmt.Sprintf("%s %s %s", cp.Name, cp.Op, cp.EVR)
}
