// Package daemon is urpmd: the HTTP control API, LAN peer discovery, and
// the background maintenance scheduler, wired around one catalog store and
// one transaction engine.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/config"
	"github.com/cavaliercoder/urpm-ng/internal/engine"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/peernet"
	"github.com/cavaliercoder/urpm-ng/internal/resolver"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

// Version is the daemon's reported service version.
const Version = "1.0.0"

// Daemon owns the long-running process state: one catalog store, one
// engine, the peer discovery loops, the scheduler, and the HTTP server.
type Daemon struct {
	Ctx       *config.Context
	Store     *catalog.Store
	Engine    *engine.Engine
	Peers     *peernet.Client
	Scheduler *Scheduler
	MachineID string

	// InstalledSnapshot is injectable so tests never need a real RPM
	// database.
	InstalledSnapshot func() ([]*rpmmodel.Package, error)

	discovery *peernet.Discovery
	started   time.Time
}

// New assembles a daemon. The machine id is a stable UUID persisted in the
// catalog's config table on first run.
func New(ctx *config.Context, store *catalog.Store, eng *engine.Engine) (*Daemon, error) {
	machineID, err := loadMachineID(store)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		Ctx:       ctx,
		Store:     store,
		Engine:    eng,
		Peers:     peernet.NewClient(store),
		Scheduler: NewScheduler(ctx.Config.DevMode, ctx.Config.DownloadThreads),
		MachineID: machineID,
		started:   time.Now(),
	}
	d.InstalledSnapshot = func() ([]*rpmmodel.Package, error) {
		return engine.InstalledSnapshot("")
	}

	d.discovery = &peernet.Discovery{
		Port:    ctx.Config.DiscoveryPort,
		DevMode: ctx.Config.DevMode,
		Self:    d.selfAnnouncement(),
		OnPeer:  d.onBroadcast,
	}

	sc := ctx.Config.SchedulerConfig
	d.Scheduler.Add("metadata-refresh", minutes(sc.MetadataRefreshMinutes), d.taskRefreshMetadata)
	d.Scheduler.Add("cache-evict", minutes(sc.CacheEvictMinutes), d.taskEvictCaches)
	d.Scheduler.Add("peer-cleanup", minutes(sc.PeerCleanupMinutes), d.taskCleanupPeers)
	d.Scheduler.Add("predictive-download", minutes(sc.PredictiveMinutes), d.taskPredictiveDownload)
	d.Scheduler.Add("files-refresh", minutes(sc.FilesXMLRefreshMinutes), d.taskRefreshFiles)

	return d, nil
}

func minutes(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * time.Minute
}

// Run starts discovery, the scheduler, and the HTTP server, and blocks
// until ctx is cancelled or the server fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.discovery.Start(ctx); err != nil {
		return err
	}
	go d.Scheduler.Run(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", d.Ctx.Config.HTTPPort),
		Handler: d.router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("urpmd %s listening on port %d (dev_mode=%v)\n", Version, d.Ctx.Config.HTTPPort, d.Ctx.Config.DevMode)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.WithMessage(err, "daemon HTTP server")
}

// selfAnnouncement describes this machine for broadcasts and announces.
func (d *Daemon) selfAnnouncement() peernet.Announcement {
	var served []string
	if media, err := d.Store.AllMedia(); err == nil {
		for _, m := range media {
			if m.SharedWithPeers {
				served = append(served, m.Name)
			}
		}
	}
	return peernet.Announcement{
		MachineID:       d.MachineID,
		Port:            d.Ctx.Config.HTTPPort,
		DistroRelease:   distroRelease(),
		Arch:            runtime.GOARCH,
		ServedMedia:     served,
		DevelopmentMode: d.Ctx.Config.DevMode,
	}
}

// onBroadcast reacts to a UDP broadcast: record the peer, then POST our own
// announcement back so both sides converge without waiting a full interval.
func (d *Daemon) onBroadcast(host string, a peernet.Announcement) {
	d.registerPeer(host, a)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Peers.Announce(ctx, host, a.Port, d.selfAnnouncement()); err != nil {
			log.Dprintf("announcing back to %s:%d: %s\n", host, a.Port, err)
		}
	}()
}

func (d *Daemon) registerPeer(host string, a peernet.Announcement) {
	err := d.Store.UpsertPeer(catalog.Peer{
		Host:          host,
		Port:          a.Port,
		MachineID:     a.MachineID,
		DistroRelease: a.DistroRelease,
		Arch:          a.Arch,
		LastSeen:      time.Now().Unix(),
		DevMode:       a.DevelopmentMode,
	})
	if err != nil {
		log.Errorf(err, "recording peer %s:%d", host, a.Port)
	}
}

// Scheduler tasks. Each returns its error to the scheduler, which logs it
// and retries at the next interval.

func (d *Daemon) taskRefreshMetadata(ctx context.Context) error {
	return d.Engine.RefreshAll(ctx)
}

func (d *Daemon) taskEvictCaches(ctx context.Context) error {
	media, err := d.Store.AllMedia()
	if err != nil {
		return err
	}
	for _, m := range media {
		if _, err := d.Engine.EvictMedia(m); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) taskCleanupPeers(ctx context.Context) error {
	timeout := peernet.PeerTimeout
	if d.Ctx.Config.DevMode {
		timeout = peernet.DevPeerTimeout
	}
	n, err := d.Store.ExpirePeers(time.Now().Add(-timeout).Unix())
	if n > 0 {
		log.Dprintf("expired %d stale peer(s)\n", n)
	}
	return err
}

// taskPredictiveDownload pre-fetches pending upgrade artifacts so the next
// user-initiated upgrade starts from a warm cache.
func (d *Daemon) taskPredictiveDownload(ctx context.Context) error {
	tx, err := d.pendingUpgrades(ctx)
	if err != nil {
		// An empty installed snapshot or resolver problem is not a daemon
		// fault; skip until the next interval.
		log.Dprintf("predictive download skipped: %s\n", err)
		return nil
	}
	if len(tx.ToUpgrade) == 0 {
		return nil
	}
	return d.Engine.DownloadOnly(ctx, tx)
}

func (d *Daemon) taskRefreshFiles(ctx context.Context) error {
	media, err := d.Store.AllMedia()
	if err != nil {
		return err
	}
	for _, m := range media {
		if !m.Enabled || !m.SyncFiles {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Engine.RefreshMedia(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// predownload fetches the named artifacts on behalf of a peer request.
func (d *Daemon) predownload(m catalog.Media, filenames []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	var jobs []engine.DownloadJob
	for _, fn := range filenames {
		if filepath.Base(fn) != fn || !strings.HasSuffix(fn, ".rpm") {
			continue
		}
		nevra := strings.TrimSuffix(fn, ".rpm")
		jobs = append(jobs, engine.DownloadJob{
			Label:      nevra,
			MediaName:  m.Name,
			RemotePath: m.Path,
			NEVRA:      nevra,
			Filename:   fn,
			Path:       d.Engine.CacheFilePath(m.ShortID, nevra),
		})
	}
	if err := d.Engine.Downloader.Download(ctx, jobs, nil); err != nil {
		log.Errorf(err, "peer-requested pre-download for media %s", m.Name)
	}
}

// availablePool loads every enabled media's packages and the resolver
// options derived from persisted holds, blacklist, preferences, and media
// priorities.
func (d *Daemon) availablePool() ([]*rpmmodel.Package, resolver.Options, error) {
	opts := resolver.NewOptions()
	opts.SystemArch = runtime.GOARCH

	holds, err := d.Store.Holds()
	if err != nil {
		return nil, opts, err
	}
	for _, h := range holds {
		opts.Held[h.Name] = h.Reason
	}

	blacklist, err := d.Store.Blacklist()
	if err != nil {
		return nil, opts, err
	}
	for _, b := range blacklist {
		opts.Blacklist[b] = true
	}

	media, err := d.Store.AllMedia()
	if err != nil {
		return nil, opts, err
	}

	var available []*rpmmodel.Package
	for _, m := range media {
		if !m.Enabled {
			continue
		}
		opts.MediaPriority[m.Name] = m.Priority
		pkgs, err := d.Store.PackagesByMedia(m.Name)
		if err != nil {
			return nil, opts, err
		}
		available = append(available, pkgs...)
	}
	return available, opts, nil
}

// loadMachineID reads the persisted machine UUID, generating one on first
// run.
func loadMachineID(store *catalog.Store) (string, error) {
	if id, err := store.ConfigValue("machine_id"); err == nil && id != "" {
		return id, nil
	}
	id := uuid.New().String()
	if err := store.SetConfigValue("machine_id", id); err != nil {
		return "", errors.WithMessage(err, "persisting machine id")
	}
	return id, nil
}

// distroRelease reads the distribution release from os-release; empty when
// unavailable.
func distroRelease() string {
	b, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(line, "VERSION_ID=") {
			return strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`)
		}
	}
	return ""
}
