package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codegangsta/cli"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/config"
	"github.com/cavaliercoder/urpm-ng/internal/daemon"
	"github.com/cavaliercoder/urpm-ng/internal/engine"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/peernet"
)

func main() {
	app := cli.NewApp()
	app.Name = "urpmd"
	app.Version = daemon.Version
	app.Usage = "package manager daemon: catalog API, peer coordination, background sync"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "dev",
			Usage:  "development mode: user-writable paths, dev ports, shorter scheduler tick",
			EnvVar: "URPMD_DEV",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "print debug output",
		},
	}
	app.Action = actionRun

	app.Run(os.Args)
}

func actionRun(c *cli.Context) {
	log.DebugMode = c.GlobalBool("debug")

	cctx, err := config.NewContext(c.GlobalBool("dev"))
	if err != nil {
		log.Fatalf(err, "initializing configuration")
	}

	log.InitDaemon(cctx.Paths.LogFile, 10, 3, 30)
	defer log.Close()

	if err := writePIDFile(cctx.Paths.PIDFile); err != nil {
		log.Fatalf(err, "writing pid file")
	}
	defer os.Remove(cctx.Paths.PIDFile)

	store, err := catalog.Open(cctx.Paths.DBPath)
	if err != nil {
		log.Fatalf(err, "opening catalog")
	}
	defer store.Close()

	peers := peernet.NewClient(store)
	dl := engine.NewDownloader(store, peers, cctx.Config.DownloadThreads)
	eng := engine.New(store, dl, &engine.ExecRPM{}, cctx.Paths.CachePath)

	d, err := daemon.New(cctx, store, eng)
	if err != nil {
		log.Fatalf(err, "assembling daemon")
	}

	// The reload callback only logs the change; edited settings take effect
	// on the next start.
	watcher, err := config.WatchConfig(cctx.Paths.ConfigFile, func(cfg config.Config) {
		log.Printf("configuration reloaded from %s\n", cctx.Paths.ConfigFile)
	})
	if err == nil {
		defer watcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("caught %s, shutting down\n", s)
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		log.Fatalf(err, "daemon exited")
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
