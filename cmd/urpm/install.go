package main

import (
	"context"

	"github.com/codegangsta/cli"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/engine"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/resolver"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

// resolveFlags are shared by every transaction verb.
var resolveFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "prefer",
		Usage: "comma-separated preference tokens (name:version, pattern, -pattern)",
	},
	cli.BoolFlag{
		Name:  "allow-downgrade",
		Usage: "permit replacing an installed package with an older version",
	},
	cli.BoolFlag{
		Name:  "no-recommends",
		Usage: "do not pull in recommended packages",
	},
	cli.BoolFlag{
		Name:  "with-suggests",
		Usage: "also install suggested packages",
	},
	cli.BoolFlag{
		Name:  "force",
		Usage: "override holds",
	},
	cli.BoolFlag{
		Name:  "nodeps",
		Usage: "skip dependency resolution (dangerous)",
	},
}

func transactionCommands() []cli.Command {
	return []cli.Command{
		{
			Name:    "install",
			Aliases: []string{"i"},
			Usage:   "install packages, files, or capabilities",
			Flags:   resolveFlags,
			Action:  actionInstall,
		},
		{
			Name:    "remove",
			Aliases: []string{"e", "erase"},
			Usage:   "remove installed packages",
			Flags:   resolveFlags,
			Action:  actionRemove,
		},
		{
			Name:    "upgrade",
			Aliases: []string{"up"},
			Usage:   "upgrade named packages, or everything",
			Flags:   resolveFlags,
			Action:  actionUpgrade,
		},
		{
			Name:    "autoremove",
			Aliases: []string{"ar"},
			Usage:   "remove packages no longer required by anything installed",
			Flags:   resolveFlags,
			Action:  actionAutoremove,
		},
		{
			Name:   "distupgrade",
			Usage:  "full distribution upgrade (downgrades allowed)",
			Flags:  resolveFlags,
			Action: actionDistUpgrade,
		},
		{
			Name:   "download",
			Usage:  "download packages into the cache without installing",
			Flags:  resolveFlags,
			Action: actionDownload,
		},
	}
}

func actionInstall(c *cli.Context) {
	if len(c.Args()) == 0 {
		fail(c, xerrors.User("install: at least one package required"))
	}
	a := mustOpen(c)
	defer a.Close()

	var jobs []resolver.Job
	for _, arg := range c.Args() {
		jobs = append(jobs, resolver.Job{Kind: resolver.JobInstall, Target: arg})
	}
	a.runTransaction(c, jobs, catalog.ActionInstall)
}

func actionRemove(c *cli.Context) {
	if len(c.Args()) == 0 {
		fail(c, xerrors.User("remove: at least one package required"))
	}
	a := mustOpen(c)
	defer a.Close()

	var jobs []resolver.Job
	for _, arg := range c.Args() {
		jobs = append(jobs, resolver.Job{Kind: resolver.JobErase, Target: arg})
	}
	a.runTransaction(c, jobs, catalog.ActionErase)
}

func actionUpgrade(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	var jobs []resolver.Job
	if len(c.Args()) == 0 {
		jobs = []resolver.Job{{Kind: resolver.JobUpgrade, Target: "all"}}
	} else {
		for _, arg := range c.Args() {
			jobs = append(jobs, resolver.Job{Kind: resolver.JobUpgrade, Target: arg})
		}
	}
	a.runTransaction(c, jobs, catalog.ActionUpgrade)
}

func actionDistUpgrade(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()
	a.runTransaction(c, []resolver.Job{{Kind: resolver.JobDistUpgrade}}, catalog.ActionUpgrade)
}

// actionAutoremove erases installed packages nothing else requires,
// warning about redlisted names before removal.
func actionAutoremove(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	installed, err := engine.InstalledSnapshot(c.GlobalString("root"))
	if err != nil {
		fail(c, xerrors.Environment(err, "reading installed packages"))
	}

	orphans := findOrphans(installed)
	if len(orphans) == 0 {
		log.Printf("No orphaned packages.\n")
		return
	}

	redlist, err := a.Store.Redlist()
	if err != nil {
		fail(c, err)
	}
	red := make(map[string]bool, len(redlist))
	for _, r := range redlist {
		red[r] = true
	}

	var jobs []resolver.Job
	for _, name := range orphans {
		if red[name] {
			log.Warnf("%s is redlisted; remove explicitly if you really want it gone", name)
			continue
		}
		jobs = append(jobs, resolver.Job{Kind: resolver.JobErase, Target: name})
	}
	if len(jobs) == 0 {
		log.Printf("Nothing to do.\n")
		return
	}
	a.runTransaction(c, jobs, catalog.ActionAutoremove)
}

// findOrphans returns installed package names no other installed package
// requires. Packages that look like explicit installs (no reverse edge at
// all is the best signal the core has without an install-reason database)
// are conservative candidates only when they are libraries.
func findOrphans(installed []*rpmmodel.Package) []string {
	required := make(map[string]bool)
	for _, p := range installed {
		for _, req := range p.Requires {
			required[req.Name] = true
		}
	}

	var orphans []string
	for _, p := range installed {
		if required[p.Name] {
			continue
		}
		provided := false
		for _, prov := range p.Provides {
			if required[prov.Name] {
				provided = true
				break
			}
		}
		if provided {
			continue
		}
		// Only library-shaped names autoremove without an explicit mark.
		if looksLikeLibrary(p.Name) {
			orphans = append(orphans, p.Name)
		}
	}
	return orphans
}

func looksLikeLibrary(name string) bool {
	return len(name) > 3 && (name[:3] == "lib" || hasSuffix(name, "-libs"))
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// actionDownload acquires artifacts into the cache without any RPM handoff
// or history entry.
func actionDownload(c *cli.Context) {
	if len(c.Args()) == 0 {
		fail(c, xerrors.User("download: at least one package required"))
	}
	a := mustOpen(c)
	defer a.Close()

	opts, err := a.resolverOptions(c)
	if err != nil {
		fail(c, err)
	}
	pool, err := a.buildPool(c, &opts)
	if err != nil {
		fail(c, err)
	}

	var jobs []resolver.Job
	for _, arg := range c.Args() {
		jobs = append(jobs, resolver.Job{Kind: resolver.JobInstall, Target: arg})
	}
	tx, err := a.solveWithChoices(c, pool, jobs, opts)
	if err != nil {
		fail(c, err)
	}

	if err := a.Engine.DownloadOnly(context.Background(), tx); err != nil {
		fail(c, err)
	}
	log.Printf("Downloaded %d package(s) into the cache.\n", len(tx.ToInstall)+len(tx.ToUpgrade))
}
