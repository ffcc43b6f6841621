package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/codegangsta/cli"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/legacycfg"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

func mediaCommands() []cli.Command {
	return []cli.Command{
		{
			Name:  "media",
			Usage: "manage package media",
			Subcommands: []cli.Command{
				{Name: "list", Usage: "list configured media", Action: actionMediaList},
				{
					Name:  "add",
					Usage: "add a media: media add <name> <server> [path]",
					Flags: []cli.Flag{
						cli.BoolFlag{Name: "update", Usage: "media is eligible for upgrade"},
						cli.IntFlag{Name: "priority", Usage: "media priority"},
						cli.BoolFlag{Name: "files", Usage: "sync the file index"},
						cli.BoolFlag{Name: "share", Usage: "share cached packages with LAN peers"},
					},
					Action: actionMediaAdd,
				},
				{Name: "remove", Usage: "remove a media and its packages", Action: actionMediaRemove},
				{Name: "enable", Usage: "enable a media", Action: mediaEnableAction(true)},
				{Name: "disable", Usage: "disable a media", Action: mediaEnableAction(false)},
				{Name: "update", Usage: "refresh media metadata", Action: actionMediaUpdate},
				{
					Name:   "import",
					Usage:  "import legacy urpmi.cfg media",
					Flags:  []cli.Flag{cli.StringFlag{Name: "file, f", Value: legacycfg.DefaultPath}},
					Action: actionMediaImport,
				},
				{
					Name:   "set",
					Usage:  "set a media attribute: media set <name> <key> <value>",
					Action: actionMediaSet,
				},
				{Name: "link", Usage: "link a media to a server: media link <media> <server>", Action: actionMediaLink},
				{Name: "autoconfig", Usage: "configure standard media for this release", Action: actionMediaAutoconfig},
				{Name: "seed-info", Usage: "show replication settings", Action: actionMediaSeedInfo},
			},
		},
		{
			Name:  "server",
			Usage: "manage mirror servers",
			Subcommands: []cli.Command{
				{Name: "list", Usage: "list servers", Action: actionServerList},
				{Name: "add", Usage: "server add <name> <base-url>", Action: actionServerAdd},
				{Name: "remove", Usage: "remove a server", Action: actionServerRemove},
				{Name: "enable", Usage: "enable a server", Action: serverEnableAction(true)},
				{Name: "disable", Usage: "disable a server", Action: serverEnableAction(false)},
				{Name: "test", Usage: "probe a server and record the result", Action: actionServerTest},
				{Name: "priority", Usage: "server priority <name> <n>", Action: actionServerPriority},
				{Name: "ip-mode", Usage: "server ip-mode <name> <auto|v4|v6|dual>", Action: actionServerIPMode},
				{Name: "autoconfig", Usage: "pick a nearby mirror automatically", Action: actionServerAutoconfig},
			},
		},
		{
			Name:  "mirror",
			Usage: "mirror replication",
			Subcommands: []cli.Command{
				{Name: "sync", Usage: "replicate configured media locally", Action: actionMirrorSync},
			},
		},
	}
}

func actionMediaList(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	media, err := a.Store.AllMedia()
	if err != nil {
		fail(c, err)
	}
	emit(c, media, func() {
		for _, m := range media {
			state := "enabled"
			if !m.Enabled {
				state = "disabled"
			}
			update := ""
			if m.UpdateFlag {
				update = " [update]"
			}
			log.Printf("%-30s %-9s prio=%d%s\n", m.Name, state, m.Priority, update)
		}
	})
}

func actionMediaAdd(c *cli.Context) {
	if len(c.Args()) < 2 {
		fail(c, xerrors.User("media add: <name> <server> required"))
	}
	a := mustOpen(c)
	defer a.Close()

	name, serverName := c.Args()[0], c.Args()[1]
	m := catalog.Media{
		Name:            name,
		ShortID:         shortID(name),
		Enabled:         true,
		UpdateFlag:      c.Bool("update"),
		Priority:        c.Int("priority"),
		SyncFiles:       c.Bool("files"),
		SharedWithPeers: c.Bool("share"),
	}
	if len(c.Args()) > 2 {
		m.Path = c.Args()[2]
	}
	if err := a.Store.AddMedia(m); err != nil {
		fail(c, xerrors.User("adding media %s: %s", name, err))
	}
	if err := a.Store.LinkServerMedia(serverName, name); err != nil {
		fail(c, xerrors.User("linking media %s to server %s: %s", name, serverName, err))
	}
	log.Printf("Added media %s.\n", name)
}

func actionMediaRemove(c *cli.Context) {
	name := oneArg(c, "media remove")
	a := mustOpen(c)
	defer a.Close()

	if err := a.Store.RemoveMedia(name); err != nil {
		fail(c, err)
	}
	log.Printf("Removed media %s and its catalog rows.\n", name)
}

func mediaEnableAction(enable bool) func(*cli.Context) {
	return func(c *cli.Context) {
		name := oneArg(c, "media enable/disable")
		a := mustOpen(c)
		defer a.Close()

		if err := a.Store.EnableMedia(name, enable); err != nil {
			fail(c, err)
		}
	}
}

func actionMediaUpdate(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	ctx := context.Background()
	if len(c.Args()) == 0 {
		if err := a.Engine.RefreshAll(ctx); err != nil {
			fail(c, err)
		}
		log.Printf("All media refreshed.\n")
		return
	}

	for _, name := range c.Args() {
		m, err := a.Store.Media(name)
		if err != nil {
			fail(c, xerrors.User("no such media: %s", name))
		}
		if err := a.Engine.RefreshMedia(ctx, m); err != nil {
			fail(c, err)
		}
		log.Printf("Media %s refreshed.\n", name)
	}
}

func actionMediaImport(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	cfg, err := legacycfg.Load(c.String("file"))
	if err != nil {
		fail(c, xerrors.Environment(err, "reading legacy configuration"))
	}
	n, err := legacycfg.Import(a.Store, cfg)
	if err != nil {
		fail(c, err)
	}
	log.Printf("Imported %d media from %s.\n", n, c.String("file"))
}

func actionMediaSet(c *cli.Context) {
	if len(c.Args()) != 3 {
		fail(c, xerrors.User("media set: <name> <key> <value> required"))
	}
	a := mustOpen(c)
	defer a.Close()

	name, key, value := c.Args()[0], c.Args()[1], c.Args()[2]
	if _, err := a.Store.Media(name); err != nil {
		fail(c, xerrors.User("no such media: %s", name))
	}
	if err := a.Store.SetMediaAttr(name, key, value); err != nil {
		fail(c, xerrors.User("media set %s: %s", key, err))
	}
}

func actionMediaLink(c *cli.Context) {
	if len(c.Args()) != 2 {
		fail(c, xerrors.User("media link: <media> <server> required"))
	}
	a := mustOpen(c)
	defer a.Close()

	if err := a.Store.LinkServerMedia(c.Args()[1], c.Args()[0]); err != nil {
		fail(c, err)
	}
}

// actionMediaAutoconfig creates the conventional release media set against
// the best configured server.
func actionMediaAutoconfig(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	servers, err := a.Store.Servers()
	if err != nil {
		fail(c, err)
	}
	if len(servers) == 0 {
		fail(c, xerrors.User("no server configured; run `urpm server add` first"))
	}
	srv := servers[0]

	standard := []struct {
		name   string
		update bool
	}{
		{"core/release", false},
		{"core/updates", true},
		{"nonfree/release", false},
		{"nonfree/updates", true},
	}
	for _, sm := range standard {
		m := catalog.Media{
			Name:       sm.name,
			ShortID:    shortID(sm.name),
			Enabled:    true,
			UpdateFlag: sm.update,
		}
		if err := a.Store.AddMedia(m); err != nil {
			log.Warnf("media %s already configured, skipping", sm.name)
			continue
		}
		if err := a.Store.LinkServerMedia(srv.Name, sm.name); err != nil {
			fail(c, err)
		}
		log.Printf("Configured media %s on %s.\n", sm.name, srv.Name)
	}
}

func actionMediaSeedInfo(c *cli.Context) {
	name := oneArg(c, "media seed-info")
	a := mustOpen(c)
	defer a.Close()

	m, err := a.Store.Media(name)
	if err != nil {
		fail(c, xerrors.User("no such media: %s", name))
	}
	emit(c, m, func() {
		log.Printf("Media      : %s\n", m.Name)
		log.Printf("Replication: %s\n", m.Replication)
		log.Printf("Sections   : %s\n", m.SeedSections)
		log.Printf("Quota      : %d bytes\n", m.QuotaBytes)
		log.Printf("Shared     : %v\n", m.SharedWithPeers)
	})
}

func actionServerList(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	servers, err := a.Store.Servers()
	if err != nil {
		fail(c, err)
	}
	emit(c, servers, func() {
		for _, s := range servers {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			log.Printf("%-24s %-9s prio=%d ip=%s %s\n", s.Name, state, s.Priority, s.IPMode, s.BaseURL)
		}
	})
}

func actionServerAdd(c *cli.Context) {
	if len(c.Args()) != 2 {
		fail(c, xerrors.User("server add: <name> <base-url> required"))
	}
	a := mustOpen(c)
	defer a.Close()

	srv := catalog.Server{Name: c.Args()[0], BaseURL: c.Args()[1], Enabled: true, IPMode: "auto"}
	if err := a.Store.AddServer(srv); err != nil {
		fail(c, xerrors.User("adding server: %s", err))
	}
}

func actionServerRemove(c *cli.Context) {
	name := oneArg(c, "server remove")
	a := mustOpen(c)
	defer a.Close()
	if err := a.Store.RemoveServer(name); err != nil {
		fail(c, err)
	}
}

func serverEnableAction(enable bool) func(*cli.Context) {
	return func(c *cli.Context) {
		name := oneArg(c, "server enable/disable")
		a := mustOpen(c)
		defer a.Close()
		if err := a.Store.EnableServer(name, enable); err != nil {
			fail(c, err)
		}
	}
}

func actionServerTest(c *cli.Context) {
	name := oneArg(c, "server test")
	a := mustOpen(c)
	defer a.Close()

	servers, err := a.Store.Servers()
	if err != nil {
		fail(c, err)
	}
	var srv *catalog.Server
	for i := range servers {
		if servers[i].Name == name {
			srv = &servers[i]
			break
		}
	}
	if srv == nil {
		fail(c, xerrors.User("no such server: %s", name))
	}

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Head(srv.BaseURL)
	status := "ok"
	if err != nil {
		status = fmt.Sprintf("error: %s", err)
	} else {
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			status = fmt.Sprintf("error: %s", resp.Status)
		} else {
			status = fmt.Sprintf("ok (%s)", time.Since(start).Round(time.Millisecond))
		}
	}

	if err := a.Store.RecordServerTest(name, status); err != nil {
		fail(c, err)
	}
	log.Printf("%s: %s\n", name, status)
}

func actionServerPriority(c *cli.Context) {
	if len(c.Args()) != 2 {
		fail(c, xerrors.User("server priority: <name> <n> required"))
	}
	a := mustOpen(c)
	defer a.Close()

	n := 0
	if _, err := fmt.Sscanf(c.Args()[1], "%d", &n); err != nil {
		fail(c, xerrors.User("invalid priority %q", c.Args()[1]))
	}
	if err := a.Store.SetServerPriority(c.Args()[0], n); err != nil {
		fail(c, err)
	}
}

func actionServerIPMode(c *cli.Context) {
	if len(c.Args()) != 2 {
		fail(c, xerrors.User("server ip-mode: <name> <auto|v4|v6|dual> required"))
	}
	mode := c.Args()[1]
	switch mode {
	case "auto", "v4", "v6", "dual":
	default:
		fail(c, xerrors.User("invalid ip-mode %q", mode))
	}
	a := mustOpen(c)
	defer a.Close()
	if err := a.Store.SetServerIPMode(c.Args()[0], mode); err != nil {
		fail(c, err)
	}
}

// actionServerAutoconfig probes the configured servers and promotes the
// fastest responder.
func actionServerAutoconfig(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	servers, err := a.Store.Servers()
	if err != nil {
		fail(c, err)
	}
	if len(servers) == 0 {
		fail(c, xerrors.User("no servers configured"))
	}

	client := &http.Client{Timeout: 10 * time.Second}
	best := ""
	var bestRTT time.Duration
	for _, srv := range servers {
		start := time.Now()
		resp, err := client.Head(srv.BaseURL)
		if err != nil {
			continue
		}
		resp.Body.Close()
		rtt := time.Since(start)
		if best == "" || rtt < bestRTT {
			best, bestRTT = srv.Name, rtt
		}
	}
	if best == "" {
		fail(c, xerrors.Environment(nil, "no server responded"))
	}

	if err := a.Store.SetServerPriority(best, 100); err != nil {
		fail(c, err)
	}
	log.Printf("Promoted %s (rtt %s).\n", best, bestRTT.Round(time.Millisecond))
}

// actionMirrorSync replicates every media with a non-none replication
// policy by downloading all of its packages into the cache.
func actionMirrorSync(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	media, err := a.Store.AllMedia()
	if err != nil {
		fail(c, err)
	}

	ctx := context.Background()
	for _, m := range media {
		if !m.Enabled || m.Replication == "none" || m.Replication == "" {
			continue
		}
		if err := a.Engine.RefreshMedia(ctx, m); err != nil {
			fail(c, err)
		}
		if err := a.Engine.ReplicateMedia(ctx, m); err != nil {
			fail(c, err)
		}
		log.Printf("Media %s replicated.\n", m.Name)
	}
}

func shortID(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == ' ' || r == '-' || r == '_' || r == '/':
			out = append(out, '_')
		}
	}
	return string(out)
}
