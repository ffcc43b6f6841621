package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/codegangsta/cli"
	"github.com/dustin/go-humanize"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/gpgcheck"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/metadata/synthesis"
	"github.com/cavaliercoder/urpm-ng/internal/peernet"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

func maintenanceCommands() []cli.Command {
	return []cli.Command{
		{
			Name:  "peer",
			Usage: "inspect and manage LAN peers",
			Subcommands: []cli.Command{
				{Name: "list", Usage: "list discovered peers", Action: actionPeerList},
				{Name: "downloads", Usage: "show cached artifacts shareable with peers", Action: actionPeerDownloads},
				{Name: "blacklist", Usage: "peer blacklist <host> <port>", Action: peerBlacklistAction(true)},
				{Name: "unblacklist", Usage: "peer unblacklist <host> <port>", Action: peerBlacklistAction(false)},
				{Name: "clean", Usage: "drop stale peers now", Action: actionPeerClean},
			},
		},
		{
			Name:  "cache",
			Usage: "package cache maintenance",
			Subcommands: []cli.Command{
				{Name: "info", Usage: "per-media cache occupancy", Action: actionCacheInfo},
				{Name: "clean", Usage: "enforce quotas now", Action: actionCacheClean},
				{Name: "rebuild", Usage: "reconcile cache rows with the filesystem", Action: actionCacheRebuild},
				{Name: "stats", Usage: "alias of info", Action: actionCacheInfo},
			},
		},
		{
			Name:   "config",
			Usage:  "get or set persistent configuration: config [key [value]]",
			Action: actionConfig,
		},
		{
			Name:   "key",
			Usage:  "verify a package signature: key <keyfile> <package.rpm>",
			Action: actionKey,
		},
		{
			Name:   "build",
			Usage:  "build a source package with rpmbuild",
			Action: actionBuild,
		},
		{
			Name:   "mkimage",
			Usage:  "assemble an offline media image from the cache: mkimage <media> <dir>",
			Action: actionMkimage,
		},
	}
}

func actionPeerList(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	peers, err := a.Store.Peers()
	if err != nil {
		fail(c, err)
	}
	emit(c, peers, func() {
		for _, p := range peers {
			flags := ""
			if p.Blacklisted {
				flags += " [blacklisted]"
			}
			if p.DevMode {
				flags += " [dev]"
			}
			seen := time.Unix(p.LastSeen, 0).Format("15:04:05")
			log.Printf("%s:%d  %s  %s/%s  last-seen %s%s\n",
				p.Host, p.Port, p.MachineID, p.DistroRelease, p.Arch, seen, flags)
		}
		if len(peers) == 0 {
			log.Printf("No peers discovered.\n")
		}
	})
}

func actionPeerDownloads(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	media, err := a.Store.AllMedia()
	if err != nil {
		fail(c, err)
	}
	for _, m := range media {
		if !m.SharedWithPeers {
			continue
		}
		files, err := a.Store.CacheFilesForMedia(m.Name)
		if err != nil {
			fail(c, err)
		}
		for _, f := range files {
			log.Printf("%-30s %s (%s)\n", m.Name, f.NEVRA, humanize.Bytes(uint64(f.SizeBytes)))
		}
	}
}

func peerBlacklistAction(blacklist bool) func(*cli.Context) {
	return func(c *cli.Context) {
		if len(c.Args()) != 2 {
			fail(c, xerrors.User("peer blacklist: <host> <port> required"))
		}
		port, err := strconv.Atoi(c.Args()[1])
		if err != nil {
			fail(c, xerrors.User("invalid port %q", c.Args()[1]))
		}
		a := mustOpen(c)
		defer a.Close()
		if err := a.Store.SetPeerBlacklisted(c.Args()[0], port, blacklist); err != nil {
			fail(c, err)
		}
	}
}

func actionPeerClean(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	timeout := peernet.PeerTimeout
	if a.Ctx.Config.DevMode {
		timeout = peernet.DevPeerTimeout
	}
	n, err := a.Store.ExpirePeers(time.Now().Add(-timeout).Unix())
	if err != nil {
		fail(c, err)
	}
	log.Printf("Dropped %d peer(s).\n", n)
}

func actionCacheInfo(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	stats, err := a.Engine.CacheStatsAll()
	if err != nil {
		fail(c, err)
	}
	emit(c, stats, func() {
		for _, s := range stats {
			quota := "unlimited"
			if s.QuotaBytes > 0 {
				quota = humanize.Bytes(uint64(s.QuotaBytes))
			}
			log.Printf("%-30s %4d files  %s used, quota %s\n",
				s.MediaName, s.Files, humanize.Bytes(uint64(s.UsageBytes)), quota)
		}
	})
}

func actionCacheClean(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	media, err := a.Store.AllMedia()
	if err != nil {
		fail(c, err)
	}
	var total int64
	for _, m := range media {
		freed, err := a.Engine.EvictMedia(m)
		if err != nil {
			fail(c, err)
		}
		total += freed
	}
	log.Printf("Freed %s.\n", humanize.Bytes(uint64(total)))
}

// actionCacheRebuild drops bookkeeping rows whose files vanished and
// records files present on disk but missing from the catalog.
func actionCacheRebuild(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	media, err := a.Store.AllMedia()
	if err != nil {
		fail(c, err)
	}

	removed, added := 0, 0
	for _, m := range media {
		files, err := a.Store.CacheFilesForMedia(m.Name)
		if err != nil {
			fail(c, err)
		}
		known := make(map[string]bool)
		for _, f := range files {
			known[filepath.Base(f.Path)] = true
			if _, err := os.Stat(f.Path); err != nil {
				a.Store.RemoveCacheFile(f.MediaName, f.NEVRA)
				removed++
			}
		}

		dir := filepath.Join(a.Ctx.Paths.CachePath, m.ShortID)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			name := ent.Name()
			if known[name] || filepath.Ext(name) != ".rpm" {
				continue
			}
			info, err := ent.Info()
			if err != nil {
				continue
			}
			a.Store.RecordCacheFile(catalog.CacheFile{
				MediaName:  m.Name,
				NEVRA:      name[:len(name)-len(".rpm")],
				Path:       filepath.Join(dir, name),
				SizeBytes:  info.Size(),
				LastAccess: info.ModTime().Unix(),
			})
			added++
		}
	}
	log.Printf("Cache rebuilt: %d stale row(s) dropped, %d file(s) recorded.\n", removed, added)
}

func actionConfig(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	args := c.Args()
	switch len(args) {
	case 0:
		emit(c, a.Ctx.Config, func() {
			log.Printf("http_port: %d\n", a.Ctx.Config.HTTPPort)
			log.Printf("discovery_port: %d\n", a.Ctx.Config.DiscoveryPort)
			log.Printf("download_threads: %d\n", a.Ctx.Config.DownloadThreads)
			log.Printf("dev_mode: %v\n", a.Ctx.Config.DevMode)
		})
	case 1:
		v, err := a.Store.ConfigValue(args[0])
		if err != nil {
			fail(c, err)
		}
		log.Printf("%s\n", v)
	case 2:
		if err := a.Store.SetConfigValue(args[0], args[1]); err != nil {
			fail(c, err)
		}
	default:
		fail(c, xerrors.User("usage: config [key [value]]"))
	}
}

func actionKey(c *cli.Context) {
	if len(c.Args()) != 2 {
		fail(c, xerrors.User("key: <keyfile> <package.rpm> required"))
	}

	keyring, err := gpgcheck.OpenKeyRing(c.Args()[0])
	if err != nil {
		fail(c, xerrors.Environment(err, "opening keyring"))
	}
	signer, err := gpgcheck.Verify(c.Args()[1], keyring)
	if err != nil {
		fail(c, xerrors.Environment(err, "verification failed"))
	}
	log.Printf("%s: good signature from %s\n", c.Args()[1], signer)
}

// actionBuild shells out to rpmbuild, the same delegation the engine uses
// for rpm itself.
func actionBuild(c *cli.Context) {
	if len(c.Args()) == 0 {
		fail(c, xerrors.User("build: spec or source package required"))
	}

	args := append([]string{"-ba"}, c.Args()...)
	cmd := exec.Command("rpmbuild", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fail(c, xerrors.Environment(err, "rpmbuild failed"))
	}
}

// actionMkimage copies a media's cached packages into a directory and
// writes a synthesis for it, producing an offline-installable media tree.
func actionMkimage(c *cli.Context) {
	if len(c.Args()) != 2 {
		fail(c, xerrors.User("mkimage: <media> <dir> required"))
	}
	a := mustOpen(c)
	defer a.Close()

	m, err := a.Store.Media(c.Args().First())
	if err != nil {
		fail(c, xerrors.User("no such media: %s", c.Args().First()))
	}
	outDir := c.Args()[1]
	if err := os.MkdirAll(filepath.Join(outDir, "media_info"), 0755); err != nil {
		fail(c, xerrors.Environment(err, "creating image directory"))
	}

	pkgs, err := a.Store.PackagesByMedia(m.Name)
	if err != nil {
		fail(c, err)
	}

	copied := 0
	for _, p := range pkgs {
		nevra := p.NEVRA.String()
		src := a.Engine.CacheFilePath(m.ShortID, nevra)
		if _, err := os.Stat(src); err != nil {
			continue // not cached; mkimage packs what is on disk
		}
		if err := copyFile(src, filepath.Join(outDir, nevra+".rpm")); err != nil {
			fail(c, xerrors.Environment(err, "copying %s", nevra))
		}
		copied++
	}

	blob := synthesis.Encode(pkgs)
	synthPath := filepath.Join(outDir, "media_info", "synthesis.hdlist")
	if err := os.WriteFile(synthPath, blob, 0644); err != nil {
		fail(c, xerrors.Environment(err, "writing synthesis"))
	}

	log.Printf("Image at %s: %d of %d package(s) copied.\n", outDir, copied, len(pkgs))
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0644)
}
