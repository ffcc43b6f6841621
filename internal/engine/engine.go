// Package engine executes resolver output: it acquires package artifacts
// through the cache/peer/upstream tiers, hands the assembled transaction to
// the RPM executor, and records history atomically around the handoff.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/resolver"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

// Engine drives a resolved transaction to completion. Two user transactions
// are mutually exclusive: rpmMu guards the RPM database for the full
// download-and-handoff window.
type Engine struct {
	Store      *catalog.Store
	Downloader *Downloader
	RPM        RPMExecutor
	CachePath  string // <base>/cache/packages
	Progress   func(Progress)

	rpmMu sync.Mutex
}

// New assembles an engine around an opened catalog store.
func New(store *catalog.Store, dl *Downloader, rpm RPMExecutor, cachePath string) *Engine {
	return &Engine{Store: store, Downloader: dl, RPM: rpm, CachePath: cachePath}
}

// CacheFilePath returns the canonical on-disk cache location for a package:
// <base>/cache/packages/<media-shortid>/<NEVRA>.rpm.
func (e *Engine) CacheFilePath(mediaShortID, nevra string) string {
	return filepath.Join(e.CachePath, mediaShortID, nevra+".rpm")
}

// Run executes tx: inserts an in-progress history entry, downloads every
// install/upgrade artifact, hands off to RPM, and marks the entry complete
// or failed. The history entry is written in its own catalog transaction,
// never batched with other writes.
func (e *Engine) Run(ctx context.Context, tx *resolver.Transaction, action catalog.HistoryAction, command, user string) (historyID int64, err error) {
	e.rpmMu.Lock()
	defer e.rpmMu.Unlock()

	historyID, err = e.Store.InsertHistory(time.Now().Unix(), action, command, user)
	if err != nil {
		return 0, errors.WithMessage(err, "recording history entry")
	}

	jobs, elements, added, removed := e.plan(tx)

	if err := e.Downloader.Download(ctx, jobs, nil); err != nil {
		e.Store.FailHistory(historyID, err)
		return historyID, err
	}

	// The RPM handoff is not interruptible once started; cancellation
	// before this point aborts cleanly with a failed history entry.
	if err := ctx.Err(); err != nil {
		e.Store.FailHistory(historyID, err)
		return historyID, xerrors.Environment(err, "transaction cancelled")
	}

	if err := e.RPM.Run(ctx, elements, e.Progress); err != nil {
		e.Store.FailHistory(historyID, err)
		return historyID, xerrors.Transaction(err, "RPM handoff failed")
	}

	if err := e.Store.CompleteHistory(historyID, added, removed); err != nil {
		return historyID, errors.WithMessage(err, "completing history entry")
	}
	return historyID, nil
}

// plan projects a resolver transaction into download jobs, ordered RPM
// elements, and the added/removed NEVRA lists for the history record.
// Element order preserves the resolver's: installs and upgrades
// dependency-first, erases dependents-first.
func (e *Engine) plan(tx *resolver.Transaction) (jobs []DownloadJob, elements []Element, added, removed []string) {
	mediaByName := e.mediaIndex()

	addOne := func(c resolver.Candidate, op ElementOp) {
		nevra := c.Package.NEVRA.String()
		m := mediaByName[c.Package.MediaName]
		path := e.CacheFilePath(m.ShortID, nevra)
		jobs = append(jobs, DownloadJob{
			Label:        nevra,
			MediaName:    c.Package.MediaName,
			RemotePath:   m.Path,
			NEVRA:        nevra,
			Filename:     nevra + ".rpm",
			Size:         uint64(c.Package.PackageSize),
			Path:         path,
			Checksum:     c.Package.Checksum,
			ChecksumType: c.Package.ChecksumType,
		})
		elements = append(elements, Element{Op: op, NEVRA: nevra, Path: path})
		added = append(added, nevra)
	}

	for _, c := range tx.ToInstall {
		addOne(c, OpInstall)
	}
	for _, up := range tx.ToUpgrade {
		addOne(up.To, OpUpgrade)
		removed = append(removed, up.From.Package.NEVRA.String())
	}
	for _, c := range tx.ToErase {
		nevra := c.Package.NEVRA.String()
		elements = append(elements, Element{Op: OpErase, NEVRA: nevra})
		removed = append(removed, nevra)
	}
	return jobs, elements, added, removed
}

func (e *Engine) mediaIndex() map[string]catalog.Media {
	idx := make(map[string]catalog.Media)
	media, err := e.Store.AllMedia()
	if err != nil {
		log.Errorf(err, "listing media for cache layout")
		return idx
	}
	for _, m := range media {
		idx[m.Name] = m
	}
	return idx
}

// DownloadOnly acquires artifacts for tx without touching the RPM database
// or history; used by `urpm download` and the daemon's predictive
// pre-download task.
func (e *Engine) DownloadOnly(ctx context.Context, tx *resolver.Transaction) error {
	jobs, _, _, _ := e.plan(tx)
	return e.Downloader.Download(ctx, jobs, nil)
}

// MarkInstalledInCache flags a cached artifact as belonging to an installed
// package, which makes it reacquirable for phase-two eviction.
func (e *Engine) MarkInstalledInCache(mediaName, nevra string) {
	cf := catalog.CacheFile{MediaName: mediaName, NEVRA: nevra, Installed: true}
	if files, err := e.Store.CacheFilesForMedia(mediaName); err == nil {
		for _, f := range files {
			if f.NEVRA == nevra {
				cf = f
				cf.Installed = true
				break
			}
		}
	}
	if cf.Path == "" {
		return
	}
	if err := e.Store.RecordCacheFile(cf); err != nil {
		log.Dprintf("marking %s installed in cache: %s\n", nevra, err)
	}
}

// VerifyCachedArtifact re-checks a cached file against its recorded digest,
// removing the file and its row on mismatch so the next acquisition
// re-downloads it.
func (e *Engine) VerifyCachedArtifact(job DownloadJob) error {
	if !e.Downloader.cacheHit(job) {
		os.Remove(job.Path)
		e.Store.RemoveCacheFile(job.MediaName, job.NEVRA)
		return fmt.Errorf("cached artifact %s failed verification", job.NEVRA)
	}
	return nil
}
