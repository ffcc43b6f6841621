package catalog

import (
	"database/sql"

	"github.com/pkg/errors"
)

// Server is a reachable mirror endpoint.
type Server struct {
	Name     string
	BaseURL  string
	Enabled  bool
	Priority int
	IPMode   string
	LastTest string
}

// Media is a logical repository.
type Media struct {
	Name    string
	ShortID string
	// Path is the media's directory on its servers; empty means the media
	// name itself is the path (the conventional layout).
	Path            string
	Enabled         bool
	UpdateFlag      bool
	Priority        int
	Replication     string
	SeedSections    string
	QuotaBytes      int64
	RetentionDays   int
	SyncFiles       bool
	SharedWithPeers bool
}

// AddServer inserts a new server row.
func (s *Store) AddServer(srv Server) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ipMode := srv.IPMode
	if ipMode == "" {
		ipMode = "auto"
	}
	_, err := s.db.Exec(
		`INSERT INTO server (name, base_url, enabled, priority, ip_mode, last_test) VALUES (?, ?, ?, ?, ?, ?);`,
		srv.Name, srv.BaseURL, boolToInt(srv.Enabled), srv.Priority, ipMode, srv.LastTest,
	)
	return errors.WithMessagef(err, "adding server %q", srv.Name)
}

// EnableServer sets a server's enabled flag.
func (s *Store) EnableServer(name string, enabled bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE server SET enabled = ? WHERE name = ?;`, boolToInt(enabled), name)
	return err
}

// RemoveServer deletes a server and its media associations.
func (s *Store) RemoveServer(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`DELETE FROM server WHERE name = ?;`, name)
	return err
}

// SetServerPriority updates a server's mirror priority (higher = preferred).
func (s *Store) SetServerPriority(name string, priority int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE server SET priority = ? WHERE name = ?;`, priority, name)
	return err
}

// SetServerIPMode updates a server's preferred IP transport.
func (s *Store) SetServerIPMode(name, mode string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE server SET ip_mode = ? WHERE name = ?;`, mode, name)
	return err
}

// RecordServerTest stores the result of the last `server test` probe.
func (s *Store) RecordServerTest(name, status string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE server SET last_test = ? WHERE name = ?;`, status, name)
	return err
}

// Servers lists every configured server.
func (s *Store) Servers() ([]Server, error) {
	rows, err := s.db.Query(`SELECT name, base_url, enabled, priority, ip_mode, last_test FROM server ORDER BY priority DESC, name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		var srv Server
		var enabled int
		if err := rows.Scan(&srv.Name, &srv.BaseURL, &enabled, &srv.Priority, &srv.IPMode, &srv.LastTest); err != nil {
			return nil, err
		}
		srv.Enabled = enabled != 0
		out = append(out, srv)
	}
	return out, rows.Err()
}

// ServersForMedia returns the enabled servers capable of serving a media,
// ordered by priority then name, the failover order downloads use.
func (s *Store) ServersForMedia(mediaName string) ([]Server, error) {
	rows, err := s.db.Query(`
		SELECT srv.name, srv.base_url, srv.enabled, srv.priority, srv.ip_mode, srv.last_test
		FROM server srv
		JOIN server_media sm ON sm.server_name = srv.name
		WHERE sm.media_name = ? AND srv.enabled = 1
		ORDER BY srv.priority DESC, srv.name;`, mediaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		var srv Server
		var enabled int
		if err := rows.Scan(&srv.Name, &srv.BaseURL, &enabled, &srv.Priority, &srv.IPMode, &srv.LastTest); err != nil {
			return nil, err
		}
		srv.Enabled = enabled != 0
		out = append(out, srv)
	}
	return out, rows.Err()
}

// LinkServerMedia associates a server with a media it can serve.
func (s *Store) LinkServerMedia(serverName, mediaName string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO server_media (server_name, media_name) VALUES (?, ?);`,
		serverName, mediaName,
	)
	return err
}

// AddMedia inserts a new media row.
func (s *Store) AddMedia(m Media) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	replication := m.Replication
	if replication == "" {
		replication = "none"
	}
	_, err := s.db.Exec(`
		INSERT INTO media (name, short_id, path, enabled, update_flag, priority, replication, seed_sections, quota_bytes, retention_days, sync_files, shared_with_peers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		m.Name, m.ShortID, m.Path, boolToInt(m.Enabled), boolToInt(m.UpdateFlag), m.Priority,
		replication, m.SeedSections, m.QuotaBytes, m.RetentionDays, boolToInt(m.SyncFiles), boolToInt(m.SharedWithPeers),
	)
	return errors.WithMessagef(err, "adding media %q", m.Name)
}

// RemoveMedia deletes a media and cascades its package/file/state rows, per
// the media lifecycle.
func (s *Store) RemoveMedia(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM package_files_fts WHERE rowid IN (SELECT id FROM package_files WHERE media_name = ?);`, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM package_files WHERE media_name = ?;`, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM media WHERE name = ?;`, name); err != nil {
		return err
	}
	return tx.Commit()
}

// EnableMedia toggles a media's enabled flag.
func (s *Store) EnableMedia(name string, enabled bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE media SET enabled = ? WHERE name = ?;`, boolToInt(enabled), name)
	return err
}

// SetMediaPriority updates a media's resolver tie-break priority.
func (s *Store) SetMediaPriority(name string, priority int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE media SET priority = ? WHERE name = ?;`, priority, name)
	return err
}

// SetMediaAttr updates one operator-settable media attribute by key.
// Unknown keys are rejected rather than mapped blindly to columns.
func (s *Store) SetMediaAttr(name, key, value string) error {
	columns := map[string]string{
		"priority":    "priority",
		"replication": "replication",
		"sections":    "seed_sections",
		"quota":       "quota_bytes",
		"retention":   "retention_days",
		"files":       "sync_files",
		"share":       "shared_with_peers",
		"update":      "update_flag",
	}
	col, ok := columns[key]
	if !ok {
		return errors.Errorf("unknown media attribute %q", key)
	}

	switch col {
	case "sync_files", "shared_with_peers", "update_flag":
		switch value {
		case "true", "yes", "1":
			value = "1"
		case "false", "no", "0":
			value = "0"
		default:
			return errors.Errorf("attribute %q wants true or false, got %q", key, value)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`UPDATE media SET `+col+` = ? WHERE name = ?;`, value, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("no such media %q", name)
	}
	return nil
}

// Media returns a single media row by name.
func (s *Store) Media(name string) (Media, error) {
	row := s.db.QueryRow(`
		SELECT name, short_id, path, enabled, update_flag, priority, replication, seed_sections, quota_bytes, retention_days, sync_files, shared_with_peers
		FROM media WHERE name = ?;`, name)
	return scanMedia(row)
}

// AllMedia lists every configured media, highest priority first.
func (s *Store) AllMedia() ([]Media, error) {
	rows, err := s.db.Query(`
		SELECT name, short_id, path, enabled, update_flag, priority, replication, seed_sections, quota_bytes, retention_days, sync_files, shared_with_peers
		FROM media ORDER BY priority DESC, name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMedia(row scanner) (Media, error) {
	var m Media
	var enabled, update, syncFiles, shared int
	err := row.Scan(&m.Name, &m.ShortID, &m.Path, &enabled, &update, &m.Priority, &m.Replication,
		&m.SeedSections, &m.QuotaBytes, &m.RetentionDays, &syncFiles, &shared)
	if err == sql.ErrNoRows {
		return m, err
	}
	if err != nil {
		return m, err
	}
	m.Enabled = enabled != 0
	m.UpdateFlag = update != 0
	m.SyncFiles = syncFiles != 0
	m.SharedWithPeers = shared != 0
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
