package catalog

import "database/sql"

// FilesState is the per-media file-index snapshot state used to decide
// between a full rebuild and a differential import, and to skip a refresh
// entirely when the remote blob's md5 is unchanged.
type FilesState struct {
	MediaName      string
	MD5            string
	FileCount      int64
	PackageCount   int64
	CompressedSize int64
	LastSync       int64
}

// FilesStateFor returns the recorded state for a media; a zero-valued state
// (empty md5) means no successful ingestion has happened yet.
func (s *Store) FilesStateFor(mediaName string) (FilesState, error) {
	st := FilesState{MediaName: mediaName}
	err := s.db.QueryRow(`
		SELECT md5, file_count, package_count, compressed_size, last_sync
		FROM files_xml_state WHERE media_name = ?;`, mediaName).
		Scan(&st.MD5, &st.FileCount, &st.PackageCount, &st.CompressedSize, &st.LastSync)
	if err == sql.ErrNoRows {
		return st, nil
	}
	return st, err
}

// UpdateFilesState records a successful ingestion. It is only called after
// the import transaction commits, so a failed import leaves the previous
// state intact and the next sync retries from scratch.
func (s *Store) UpdateFilesState(st FilesState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO files_xml_state (media_name, md5, file_count, package_count, compressed_size, last_sync)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (media_name) DO UPDATE SET
			md5=excluded.md5, file_count=excluded.file_count,
			package_count=excluded.package_count,
			compressed_size=excluded.compressed_size, last_sync=excluded.last_sync;`,
		st.MediaName, st.MD5, st.FileCount, st.PackageCount, st.CompressedSize, st.LastSync)
	return err
}
