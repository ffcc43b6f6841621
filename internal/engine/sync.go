package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/compress"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

// Remote metadata locations relative to a media's directory on a server.
const (
	synthesisPath = "media_info/synthesis.hdlist.cz"
	filesXMLPath  = "media_info/files.xml.lzma"
)

// RefreshMedia synchronizes one media's catalog rows from its best
// available server: fetch synthesis, diff-import it, then (when the media
// has sync-files enabled) fetch and diff-import the file index. An
// unchanged remote (same md5 as the recorded state) is a no-op.
func (e *Engine) RefreshMedia(ctx context.Context, m catalog.Media) error {
	servers, err := e.Store.ServersForMedia(m.Name)
	if err != nil {
		return err
	}

	var result error
	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		if err := e.refreshFrom(ctx, m, srv); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "server %s", srv.Name))
			continue
		}
		return nil
	}
	if result == nil {
		return xerrors.User("media %s has no enabled server", m.Name)
	}
	return xerrors.Environment(result, "refreshing media %s", m.Name)
}

// mediaRemotePath returns the media's directory under a server's base URL.
func mediaRemotePath(m catalog.Media) string {
	if m.Path != "" {
		return m.Path
	}
	return m.Name
}

func (e *Engine) refreshFrom(ctx context.Context, m catalog.Media, srv catalog.Server) error {
	blob, size, err := e.fetchBlob(ctx, urljoin(srv.BaseURL, mediaRemotePath(m), synthesisPath))
	if err != nil {
		return err
	}
	defer os.Remove(blob)

	sum, err := fileMD5(blob)
	if err != nil {
		return err
	}

	state, err := e.Store.FilesStateFor(m.Name)
	if err != nil {
		return err
	}
	if state.MD5 == sum {
		log.Dprintf("media %s: synthesis unchanged (md5 %s)\n", m.Name, sum)
		return nil
	}

	f, err := os.Open(blob)
	if err != nil {
		return err
	}
	r, _, err := compress.NewReader(f)
	if err != nil {
		f.Close()
		return xerrors.MetadataCorrupt(m.Name, 0, err)
	}
	err = e.Store.DiffImportSynthesis(m.Name, r)
	f.Close()
	if err != nil {
		return err
	}

	pkgs, err := e.Store.PackagesByMedia(m.Name)
	if err != nil {
		return err
	}

	if m.SyncFiles {
		if err := e.refreshFiles(ctx, m, srv); err != nil {
			// File-index failure quarantines only the file index; the
			// synthesis import above already committed.
			log.Errorf(err, "refreshing file index for media %s", m.Name)
		}
	}

	return e.Store.UpdateFilesState(catalog.FilesState{
		MediaName:      m.Name,
		MD5:            sum,
		PackageCount:   int64(len(pkgs)),
		CompressedSize: size,
		LastSync:       time.Now().Unix(),
	})
}

// refreshFiles diff-imports the media's files.xml blob.
func (e *Engine) refreshFiles(ctx context.Context, m catalog.Media, srv catalog.Server) error {
	blob, _, err := e.fetchBlob(ctx, urljoin(srv.BaseURL, mediaRemotePath(m), filesXMLPath))
	if err != nil {
		return err
	}
	defer os.Remove(blob)

	return e.Store.DiffImportFiles(m.Name, func() (io.ReadCloser, error) {
		f, err := os.Open(blob)
		if err != nil {
			return nil, err
		}
		r, _, err := compress.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &readCloser{Reader: r, close: f.Close}, nil
	})
}

// RefreshAll refreshes every enabled media, aggregating per-media failures
// so one broken mirror never stops the sweep.
func (e *Engine) RefreshAll(ctx context.Context) error {
	media, err := e.Store.AllMedia()
	if err != nil {
		return err
	}

	var result error
	for _, m := range media {
		if !m.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.RefreshMedia(ctx, m); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// ReplicateMedia downloads every package of a media into the local cache,
// honoring the media's replication policy: "full" takes everything, "seed"
// only packages whose group matches one of the configured seed sections.
// On-demand and none policies replicate nothing here.
func (e *Engine) ReplicateMedia(ctx context.Context, m catalog.Media) error {
	if m.Replication != "full" && m.Replication != "seed" {
		return nil
	}

	pkgs, err := e.Store.PackagesByMedia(m.Name)
	if err != nil {
		return err
	}

	sections := strings.Split(m.SeedSections, ",")
	inSeed := func(group string) bool {
		for _, s := range sections {
			if s != "" && strings.HasPrefix(group, strings.TrimSpace(s)) {
				return true
			}
		}
		return false
	}

	var jobs []DownloadJob
	for _, p := range pkgs {
		if m.Replication == "seed" && !inSeed(p.Group) {
			continue
		}
		nevra := p.NEVRA.String()
		jobs = append(jobs, DownloadJob{
			Label:        nevra,
			MediaName:    m.Name,
			NEVRA:        nevra,
			Filename:     nevra + ".rpm",
			Size:         uint64(p.PackageSize),
			Path:         e.CacheFilePath(m.ShortID, nevra),
			Checksum:     p.Checksum,
			ChecksumType: p.ChecksumType,
		})
	}
	return e.Downloader.Download(ctx, jobs, nil)
}

// fetchBlob downloads url to a temp file and returns its path and size.
func (e *Engine) fetchBlob(ctx context.Context, url string) (path string, size int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := e.Downloader.Client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, errors.Errorf("bad response fetching %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp("", "urpm-meta-*")
	if err != nil {
		return "", 0, err
	}
	size, err = io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return tmp.Name(), size, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (rc *readCloser) Close() error { return rc.close() }
