package catalog

import (
	"database/sql"

	"github.com/pkg/errors"
)

// HistoryAction enumerates the history entry actions.
type HistoryAction string

const (
	ActionInstall    HistoryAction = "install"
	ActionUpgrade    HistoryAction = "upgrade"
	ActionErase      HistoryAction = "erase"
	ActionAutoremove HistoryAction = "autoremove"
	ActionUndo       HistoryAction = "undo"
)

// HistoryStatus enumerates the terminal/non-terminal states.
type HistoryStatus string

const (
	StatusInProgress HistoryStatus = "in-progress"
	StatusComplete   HistoryStatus = "complete"
	StatusFailed     HistoryStatus = "failed"
	StatusRolledBack HistoryStatus = "rolled-back"
)

// HistoryEntry is one recorded transaction.
type HistoryEntry struct {
	ID         int64
	Timestamp  int64
	Action     HistoryAction
	Status     HistoryStatus
	Command    string
	User       string
	ReturnCode int
	Error      string
	Packages   []HistoryPackage
}

// HistoryPackage is one NEVRA affected by a history entry.
type HistoryPackage struct {
	NEVRA     string
	Direction string // added|removed
}

// InsertHistory creates an in-progress history entry, written inside its
// own transaction, never batched with other writes.
func (s *Store) InsertHistory(timestamp int64, action HistoryAction, command, user string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`INSERT INTO history (timestamp, action, status, command, user) VALUES (?, ?, ?, ?, ?);`,
		timestamp, action, StatusInProgress, command, user)
	if err != nil {
		return 0, errors.WithMessage(err, "inserting history entry")
	}
	return res.LastInsertId()
}

// CompleteHistory marks an entry complete with its final affected NEVRAs,
// for the invariant: an entry reaches complete only after the RPM
// handoff reports success.
func (s *Store) CompleteHistory(id int64, added, removed []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE history SET status = ? WHERE id = ?;`, StatusComplete, id); err != nil {
		return err
	}
	for _, n := range added {
		if _, err := tx.Exec(`INSERT INTO history_packages (history_id, nevra, direction) VALUES (?, ?, 'added');`, id, n); err != nil {
			return err
		}
	}
	for _, n := range removed {
		if _, err := tx.Exec(`INSERT INTO history_packages (history_id, nevra, direction) VALUES (?, ?, 'removed');`, id, n); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FailHistory marks an entry failed with the triggering error.
// the error string is preserved for `urpm history` display.
func (s *Store) FailHistory(id int64, cause error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.Exec(`UPDATE history SET status = ?, error = ? WHERE id = ?;`, StatusFailed, msg, id)
	return err
}

// MarkRolledBack transitions a completed entry to rolled-back, used by
// undo/rollback bookkeeping.
func (s *Store) MarkRolledBack(id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE history SET status = ? WHERE id = ?;`, StatusRolledBack, id)
	return err
}

// History returns a single entry with its affected package rows.
func (s *Store) History(id int64) (HistoryEntry, error) {
	e, err := scanHistoryEntry(s.db.QueryRow(
		`SELECT id, timestamp, action, status, command, user, return_code, error FROM history WHERE id = ?;`, id))
	if err != nil {
		return e, err
	}
	e.Packages, err = s.historyPackages(id)
	return e, err
}

// HistoryList returns the most recent n history entries, newest first (n<=0
// means all).
func (s *Store) HistoryList(n int) ([]HistoryEntry, error) {
	q := `SELECT id, timestamp, action, status, command, user, return_code, error FROM history ORDER BY id DESC`
	if n > 0 {
		q += " LIMIT " + itoa(n)
	}
	rows, err := s.db.Query(q + ";")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		e, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		pkgs, err := s.historyPackages(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Packages = pkgs
	}
	return out, nil
}

func (s *Store) historyPackages(id int64) ([]HistoryPackage, error) {
	rows, err := s.db.Query(`SELECT nevra, direction FROM history_packages WHERE history_id = ?;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryPackage
	for rows.Next() {
		var hp HistoryPackage
		if err := rows.Scan(&hp.NEVRA, &hp.Direction); err != nil {
			return nil, err
		}
		out = append(out, hp)
	}
	return out, rows.Err()
}

func scanHistoryEntry(row scanner) (HistoryEntry, error) {
	var e HistoryEntry
	err := row.Scan(&e.ID, &e.Timestamp, &e.Action, &e.Status, &e.Command, &e.User, &e.ReturnCode, &e.Error)
	return e, err
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Hold protects a package from upgrade and obsoletion.
type Hold struct {
	Name   string
	Reason string
}

// AddHold records a hold, protecting a package from upgrade/obsoletion.
func (s *Store) AddHold(name, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO hold (name, reason) VALUES (?, ?);`, name, reason)
	return err
}

// RemoveHold releases a hold.
func (s *Store) RemoveHold(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`DELETE FROM hold WHERE name = ?;`, name)
	return err
}

// Holds lists every held package.
func (s *Store) Holds() ([]Hold, error) {
	rows, err := s.db.Query(`SELECT name, reason FROM hold ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		var h Hold
		if err := rows.Scan(&h.Name, &h.Reason); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// IsHeld reports whether a package name is currently held.
func (s *Store) IsHeld(name string) (bool, string, error) {
	var reason string
	err := s.db.QueryRow(`SELECT reason FROM hold WHERE name = ?;`, name).Scan(&reason)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// Blacklist/Redlist: name-set operations.

func (s *Store) AddBlacklist(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO blacklist (name) VALUES (?);`, name)
	return err
}

func (s *Store) RemoveBlacklist(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`DELETE FROM blacklist WHERE name = ?;`, name)
	return err
}

func (s *Store) Blacklist() ([]string, error) {
	return stringSet(s.db, `SELECT name FROM blacklist ORDER BY name;`)
}

func (s *Store) IsBlacklisted(name string) (bool, error) {
	var n string
	err := s.db.QueryRow(`SELECT name FROM blacklist WHERE name = ?;`, name).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) AddRedlist(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO redlist (name) VALUES (?);`, name)
	return err
}

func (s *Store) Redlist() ([]string, error) {
	return stringSet(s.db, `SELECT name FROM redlist ORDER BY name;`)
}

func stringSet(db *sql.DB, query string) ([]string, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AddPreference persists a resolver preference token (name:version /
// pattern / -pattern) so it can be
// replayed when a choice point is re-entered.
func (s *Store) AddPreference(token string, weight int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`INSERT INTO preference (token, weight) VALUES (?, ?);`, token, weight)
	return err
}

// Preferences returns every persisted preference token and its weight.
func (s *Store) Preferences() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT token, weight FROM preference;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var tok string
		var w int
		if err := rows.Scan(&tok, &w); err != nil {
			return nil, err
		}
		out[tok] += w
	}
	return out, rows.Err()
}
