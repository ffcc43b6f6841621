package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cavaliercoder/go-rpm/yum"
	"github.com/hashicorp/go-multierror"
	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

// DownloadJob describes one artifact the engine must acquire before the
// RPM handoff. Filename is the remote basename (<NEVRA>.rpm); Path is the
// cache destination.
type DownloadJob struct {
	Label     string
	MediaName string
	// RemotePath is the media's directory under a server base URL; empty
	// means MediaName.
	RemotePath   string
	NEVRA        string
	Filename     string
	Size         uint64
	Path         string
	Checksum     string
	ChecksumType string
	Index        int
}

// PeerSource locates and serves artifacts held by LAN peers. Implemented by
// peernet.Client; faked in tests.
type PeerSource interface {
	// Holders returns peers claiming to have filename, best first.
	Holders(ctx context.Context, filename string) []PeerRef
	// FetchURL returns the URL to fetch filename from the given peer.
	FetchURL(peer PeerRef, mediaName, filename string) string
}

// PeerRef identifies one peer endpoint.
type PeerRef struct {
	Host string
	Port int
}

// Downloader acquires package artifacts with a bounded worker pool,
// following the three-tier order: local cache, LAN peers, upstream servers
// with per-media failover.
type Downloader struct {
	Store   *catalog.Store
	Peers   PeerSource // nil disables the peer tier
	Threads int
	Client  *http.Client

	// unhealthy tracks sources that failed digest verification twice; keyed
	// by base URL or host:port.
	unhealthy map[string]bool
}

// NewDownloader returns a Downloader with the given worker count (minimum 1).
func NewDownloader(store *catalog.Store, peers PeerSource, threads int) *Downloader {
	if threads < 1 {
		threads = 1
	}
	return &Downloader{
		Store:   store,
		Peers:   peers,
		Threads: threads,
		Client: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
		},
		unhealthy: make(map[string]bool),
	}
}

// Download acquires all jobs in parallel. Completed jobs are sent on
// complete (if non-nil; closed on return). The producer/consumer channel
// shape follows the bounded pool the rest of the codebase uses for blocking
// I/O. Returns an aggregate error if any job could not be acquired from any
// tier.
func (d *Downloader) Download(ctx context.Context, jobs []DownloadJob, complete chan<- DownloadJob) error {
	defer func() {
		if complete != nil {
			close(complete)
		}
	}()

	if len(jobs) == 0 {
		return nil
	}

	c := make(chan DownloadJob)
	go func() {
		defer close(c)
		for i, job := range jobs {
			job.Index = i + 1
			select {
			case c <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	errc := make(chan error, d.Threads)
	for i := 0; i < d.Threads; i++ {
		go func() {
			var result error
			for job := range c {
				if err := d.acquire(ctx, job, len(jobs)); err != nil {
					result = multierror.Append(result, err)
					continue
				}
				if complete != nil {
					complete <- job
				}
			}
			errc <- result
		}()
	}

	var result error
	for i := 0; i < d.Threads; i++ {
		if err := <-errc; err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		return xerrors.New(xerrors.KindEnvironment, result, "download failed").WithExitCode(2)
	}
	return nil
}

// acquire fetches one artifact, trying cache, then peers, then upstream.
func (d *Downloader) acquire(ctx context.Context, job DownloadJob, total int) error {
	// Tier 1: verified local cache hit.
	if d.cacheHit(job) {
		log.Dprintf("[ %d / %d ] %s: cache hit\n", job.Index, total, job.Label)
		d.touchCache(job)
		return nil
	}

	log.Dprintf("[ %d / %d ] Downloading %s (%s)...\n", job.Index, total, job.Label, bytefmt.ByteSize(job.Size))

	// Tier 2: LAN peers, best-effort. Any failure falls through.
	if d.Peers != nil {
		for _, peer := range d.Peers.Holders(ctx, job.Filename) {
			key := fmt.Sprintf("%s:%d", peer.Host, peer.Port)
			if d.unhealthy[key] {
				continue
			}
			url := d.Peers.FetchURL(peer, job.MediaName, job.Filename)
			if err := d.fetchVerified(ctx, url, key, job); err != nil {
				log.Dprintf("peer %s failed for %s: %s\n", key, job.Label, err)
				continue
			}
			d.recordCache(job)
			return nil
		}
	}

	// Tier 3: upstream servers for the media, by priority, with failover.
	servers, err := d.Store.ServersForMedia(job.MediaName)
	if err != nil {
		return errors.WithMessagef(err, "listing servers for media %s", job.MediaName)
	}

	var result error
	for _, srv := range servers {
		if !srv.Enabled || d.unhealthy[srv.BaseURL] {
			continue
		}
		remote := job.RemotePath
		if remote == "" {
			remote = job.MediaName
		}
		url := urljoin(srv.BaseURL, remote, job.Filename)
		if err := d.fetchVerified(ctx, url, srv.BaseURL, job); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "server %s", srv.Name))
			continue
		}
		d.recordCache(job)
		return nil
	}

	if result == nil {
		result = errors.Errorf("no enabled server for media %s", job.MediaName)
	}
	return errors.WithMessagef(result, "acquiring %s", job.Label)
}

// fetchVerified downloads url to job.Path, resuming a partial file by byte
// range, and verifies the digest. A verification failure deletes the file
// and retries the same source once; a second failure marks the source
// unhealthy.
func (d *Downloader) fetchVerified(ctx context.Context, url, sourceKey string, job DownloadJob) error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := d.fetch(ctx, url, job.Path); err != nil {
			return err
		}
		if job.Checksum == "" {
			return nil
		}
		err := yum.ValidateFileChecksum(job.Path, job.Checksum, job.ChecksumType)
		if err == nil {
			return nil
		}
		os.Remove(job.Path)
		if err != yum.ErrChecksumMismatch {
			return errors.WithMessagef(err, "validating checksum for %s", job.Label)
		}
	}
	d.unhealthy[sourceKey] = true
	return errors.Errorf("digest verification failed twice for %s; source %s marked unhealthy", job.Label, sourceKey)
}

// fetch streams url into path+".part", resuming from the partial file's
// current length via a Range request, then renames into place.
func (d *Downloader) fetch(ctx context.Context, url, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}

	part := path + ".part"
	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the range; restart from zero.
		offset = 0
	case http.StatusPartialContent:
	default:
		return errors.Errorf("bad response downloading %s: %s", url, resp.Status)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	w, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return os.Rename(part, path)
}

// cacheHit reports whether job.Path already exists with a valid digest.
func (d *Downloader) cacheHit(job DownloadJob) bool {
	if _, err := os.Stat(job.Path); err != nil {
		return false
	}
	if job.Checksum == "" {
		return true
	}
	return yum.ValidateFileChecksum(job.Path, job.Checksum, job.ChecksumType) == nil
}

func (d *Downloader) recordCache(job DownloadJob) {
	fi, err := os.Stat(job.Path)
	if err != nil {
		return
	}
	d.Store.RecordCacheFile(catalog.CacheFile{
		MediaName:  job.MediaName,
		NEVRA:      job.NEVRA,
		Path:       job.Path,
		SizeBytes:  fi.Size(),
		LastAccess: time.Now().Unix(),
	})
}

func (d *Downloader) touchCache(job DownloadJob) {
	d.Store.TouchCacheFile(job.MediaName, job.NEVRA, time.Now().Unix())
}

// urljoin joins URL path segments with single '/' separators.
func urljoin(v ...string) string {
	url := ""
	for _, s := range v {
		if url == "" {
			url = s
		} else if s != "" {
			url = strings.TrimRight(url, "/") + "/" + strings.TrimLeft(s, "/")
		}
	}
	return url
}
