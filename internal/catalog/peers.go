package catalog

// Peer is the ephemeral "Peer" entity, refreshed by discovery.
type Peer struct {
	Host          string
	Port          int
	MachineID     string
	DistroRelease string
	Arch          string
	LastSeen      int64
	Blacklisted   bool
	DevMode       bool
}

// UpsertPeer records or refreshes a discovered peer's last-seen timestamp.
func (s *Store) UpsertPeer(p Peer) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO peer (host, port, machine_id, distro_release, arch, last_seen, blacklisted, dev_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (host, port) DO UPDATE SET
			machine_id=excluded.machine_id, distro_release=excluded.distro_release,
			arch=excluded.arch, last_seen=excluded.last_seen, dev_mode=excluded.dev_mode;`,
		p.Host, p.Port, p.MachineID, p.DistroRelease, p.Arch, p.LastSeen, boolToInt(p.Blacklisted), boolToInt(p.DevMode))
	return err
}

// Peers lists every known peer, most recently seen first.
func (s *Store) Peers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT host, port, machine_id, distro_release, arch, last_seen, blacklisted, dev_mode FROM peer ORDER BY last_seen DESC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var p Peer
		var bl, dev int
		if err := rows.Scan(&p.Host, &p.Port, &p.MachineID, &p.DistroRelease, &p.Arch, &p.LastSeen, &bl, &dev); err != nil {
			return nil, err
		}
		p.Blacklisted = bl != 0
		p.DevMode = dev != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// ExpirePeers drops peer rows last seen before cutoff.
func (s *Store) ExpirePeers(cutoff int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`DELETE FROM peer WHERE last_seen < ?;`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetPeerBlacklisted blacklists or unblacklists a peer by host:port.
func (s *Store) SetPeerBlacklisted(host string, port int, blacklisted bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE peer SET blacklisted = ? WHERE host = ? AND port = ?;`, boolToInt(blacklisted), host, port)
	return err
}

// RemovePeer deletes one peer row by host:port.
func (s *Store) RemovePeer(host string, port int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`DELETE FROM peer WHERE host = ? AND port = ?;`, host, port)
	return err
}
