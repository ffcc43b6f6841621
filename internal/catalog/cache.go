package catalog

import "database/sql"

// CacheFile is one on-disk cached package artifact, tracked for
// quota-based eviction.
type CacheFile struct {
	MediaName  string
	NEVRA      string
	Path       string
	SizeBytes  int64
	LastAccess int64
	Installed  bool
}

// RecordCacheFile upserts a cached artifact's bookkeeping row.
func (s *Store) RecordCacheFile(cf CacheFile) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO cache_file (media_name, nevra, path, size_bytes, last_access, installed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (media_name, nevra) DO UPDATE SET
			path=excluded.path, size_bytes=excluded.size_bytes,
			last_access=excluded.last_access, installed=excluded.installed;`,
		cf.MediaName, cf.NEVRA, cf.Path, cf.SizeBytes, cf.LastAccess, boolToInt(cf.Installed))
	return err
}

// TouchCacheFile updates a cache file's last-access time (a cache hit), used
// by the "oldest-first by last-access" eviction phase.
func (s *Store) TouchCacheFile(mediaName, nevra string, accessedAt int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE cache_file SET last_access = ? WHERE media_name = ? AND nevra = ?;`, accessedAt, mediaName, nevra)
	return err
}

// RemoveCacheFile drops the bookkeeping row for an evicted artifact. The
// caller is responsible for removing the file itself.
func (s *Store) RemoveCacheFile(mediaName, nevra string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`DELETE FROM cache_file WHERE media_name = ? AND nevra = ?;`, mediaName, nevra)
	return err
}

// CacheFilesForMedia lists every cached artifact for a media.
func (s *Store) CacheFilesForMedia(mediaName string) ([]CacheFile, error) {
	rows, err := s.db.Query(`SELECT media_name, nevra, path, size_bytes, last_access, installed FROM cache_file WHERE media_name = ?;`, mediaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCacheFiles(rows)
}

// CacheUsageBytes returns the total bytes currently cached for a media.
func (s *Store) CacheUsageBytes(mediaName string) (int64, error) {
	var total int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(size_bytes), 0) FROM cache_file WHERE media_name = ?;`, mediaName).Scan(&total)
	return total, err
}

// EvictionCandidates returns cached files for a media in two-phase
// eviction order: first files whose NEVRA is no longer present in
// the current synthesis (unambiguously stale), then oldest-first by
// last-access among files still in the synthesis that are marked installed.
// Held packages (by name, derived from the
// NEVRA) must be filtered by the caller, which is the only layer that knows
// how to parse a NEVRA back to a package name without importing rpmmodel
// here.
func (s *Store) EvictionCandidates(mediaName string) (stale, reacquirable []CacheFile, err error) {
	rows, err := s.db.Query(`
		SELECT cf.media_name, cf.nevra, cf.path, cf.size_bytes, cf.last_access, cf.installed
		FROM cache_file cf
		LEFT JOIN package pkg ON pkg.media_name = cf.media_name
			AND (pkg.name || '-' || CASE WHEN pkg.epoch != 0 THEN pkg.epoch || ':' ELSE '' END || pkg.version || '-' || pkg.release || '.' || pkg.arch) = cf.nevra
		WHERE cf.media_name = ? AND pkg.id IS NULL;`, mediaName)
	if err != nil {
		return nil, nil, err
	}
	stale, err = scanCacheFiles(rows)
	if err != nil {
		return nil, nil, err
	}

	rows2, err := s.db.Query(`
		SELECT cf.media_name, cf.nevra, cf.path, cf.size_bytes, cf.last_access, cf.installed
		FROM cache_file cf
		JOIN package pkg ON pkg.media_name = cf.media_name
			AND (pkg.name || '-' || CASE WHEN pkg.epoch != 0 THEN pkg.epoch || ':' ELSE '' END || pkg.version || '-' || pkg.release || '.' || pkg.arch) = cf.nevra
		WHERE cf.media_name = ? AND cf.installed = 1
		ORDER BY cf.last_access ASC;`, mediaName)
	if err != nil {
		return nil, nil, err
	}
	reacquirable, err = scanCacheFiles(rows2)
	return stale, reacquirable, err
}

func scanCacheFiles(rows *sql.Rows) ([]CacheFile, error) {
	defer rows.Close()

	var out []CacheFile
	for rows.Next() {
		var cf CacheFile
		var installed int
		if err := rows.Scan(&cf.MediaName, &cf.NEVRA, &cf.Path, &cf.SizeBytes, &cf.LastAccess, &installed); err != nil {
			return nil, err
		}
		cf.Installed = installed != 0
		out = append(out, cf)
	}
	return out, rows.Err()
}
