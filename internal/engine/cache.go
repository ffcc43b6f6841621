package engine

import (
	"os"

	"github.com/dustin/go-humanize"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

// EvictMedia enforces a media's cache quota in two phases: first drop files
// whose NEVRA has left the current synthesis (unambiguously stale), then,
// if still over quota, drop installed-already files oldest-first by last
// access. Held packages are never evicted. Quota is the only trigger;
// file age alone never causes eviction.
func (e *Engine) EvictMedia(m catalog.Media) (freedBytes int64, err error) {
	if m.QuotaBytes <= 0 {
		return 0, nil
	}

	usage, err := e.Store.CacheUsageBytes(m.Name)
	if err != nil {
		return 0, err
	}
	if usage <= m.QuotaBytes {
		return 0, nil
	}

	held := make(map[string]bool)
	holds, err := e.Store.Holds()
	if err != nil {
		return 0, err
	}
	for _, h := range holds {
		held[h.Name] = true
	}

	stale, reacquirable, err := e.Store.EvictionCandidates(m.Name)
	if err != nil {
		return 0, err
	}

	evict := func(cf catalog.CacheFile) {
		if err := os.Remove(cf.Path); err != nil && !os.IsNotExist(err) {
			log.Dprintf("evicting %s: %s\n", cf.Path, err)
			return
		}
		if err := e.Store.RemoveCacheFile(cf.MediaName, cf.NEVRA); err != nil {
			log.Errorf(err, "removing cache row for %s", cf.NEVRA)
			return
		}
		usage -= cf.SizeBytes
		freedBytes += cf.SizeBytes
	}

	for _, cf := range stale {
		if usage <= m.QuotaBytes {
			break
		}
		if heldNEVRA(held, cf.NEVRA) {
			continue
		}
		evict(cf)
	}

	// Phase two: installed-already files, oldest last access first. Their
	// RPMs are reacquirable from the media if ever needed again.
	for _, cf := range reacquirable {
		if usage <= m.QuotaBytes {
			break
		}
		if heldNEVRA(held, cf.NEVRA) {
			continue
		}
		evict(cf)
	}

	if freedBytes > 0 {
		log.Printf("cache: media %s freed %s (%s used, quota %s)\n",
			m.Name, humanize.Bytes(uint64(freedBytes)), humanize.Bytes(uint64(usage)), humanize.Bytes(uint64(m.QuotaBytes)))
	}
	return freedBytes, nil
}

// heldNEVRA reports whether the NEVRA's package name is under a hold.
func heldNEVRA(held map[string]bool, nevra string) bool {
	if len(held) == 0 {
		return false
	}
	return held[rpmmodel.ParseNEVRA(nevra).Name]
}

// CacheStats summarizes one media's cache occupancy for `urpm cache info`.
type CacheStats struct {
	MediaName  string `json:"media"`
	Files      int    `json:"files"`
	UsageBytes int64  `json:"usage_bytes"`
	QuotaBytes int64  `json:"quota_bytes"`
}

// CacheStatsAll gathers per-media cache statistics.
func (e *Engine) CacheStatsAll() ([]CacheStats, error) {
	media, err := e.Store.AllMedia()
	if err != nil {
		return nil, err
	}
	var out []CacheStats
	for _, m := range media {
		files, err := e.Store.CacheFilesForMedia(m.Name)
		if err != nil {
			return nil, err
		}
		usage, err := e.Store.CacheUsageBytes(m.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, CacheStats{MediaName: m.Name, Files: len(files), UsageBytes: usage, QuotaBytes: m.QuotaBytes})
	}
	return out, nil
}
