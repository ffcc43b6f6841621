package catalog

import (
	"database/sql"
	"io"

	"github.com/pkg/errors"

	"github.com/cavaliercoder/urpm-ng/internal/metadata/filesxml"
	"github.com/cavaliercoder/urpm-ng/internal/metadata/synthesis"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

var capabilityKinds = []struct {
	kind string
	get  func(*rpmmodel.Package) []rpmmodel.Capability
}{
	{"provides", func(p *rpmmodel.Package) []rpmmodel.Capability { return p.Provides }},
	{"requires", func(p *rpmmodel.Package) []rpmmodel.Capability { return p.Requires }},
	{"conflicts", func(p *rpmmodel.Package) []rpmmodel.Capability { return p.Conflicts }},
	{"obsoletes", func(p *rpmmodel.Package) []rpmmodel.Capability { return p.Obsoletes }},
	{"recommends", func(p *rpmmodel.Package) []rpmmodel.Capability { return p.Recommends }},
	{"suggests", func(p *rpmmodel.Package) []rpmmodel.Capability { return p.Suggests }},
}

// upsertPackageTx inserts or replaces a single package record (and its
// capability rows) for a media, inside an existing transaction.
func upsertPackageTx(tx *sql.Tx, p *rpmmodel.Package) error {
	res, err := tx.Exec(`
		INSERT INTO package (media_name, name, epoch, version, release, arch, summary, description, grp, license, url, changelog, package_size, checksum, checksum_type, location_href)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (media_name, name, epoch, version, release, arch) DO UPDATE SET
			summary=excluded.summary, description=excluded.description, grp=excluded.grp,
			license=excluded.license, url=excluded.url, changelog=excluded.changelog,
			package_size=excluded.package_size, checksum=excluded.checksum,
			checksum_type=excluded.checksum_type, location_href=excluded.location_href;`,
		p.MediaName, p.Name, p.Epoch, p.Version, p.Release, p.Arch, p.Summary, p.Description,
		p.Group, p.License, p.URL, p.Changelog, p.PackageSize, p.Checksum, p.ChecksumType, p.LocationHref,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if id == 0 {
		row := tx.QueryRow(`SELECT id FROM package WHERE media_name=? AND name=? AND epoch=? AND version=? AND release=? AND arch=?;`,
			p.MediaName, p.Name, p.Epoch, p.Version, p.Release, p.Arch)
		if err := row.Scan(&id); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM capability WHERE package_id = ?;`, id); err != nil {
		return err
	}
	for _, ck := range capabilityKinds {
		for _, c := range ck.get(p) {
			if _, err := tx.Exec(`INSERT INTO capability (package_id, kind, name, op, evr) VALUES (?, ?, ?, ?, ?);`,
				id, ck.kind, c.Name, c.Op.String(), c.EVR); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpsertPackages writes pkgs (already tagged with their MediaName) into the
// catalog, replacing any existing record with the same NEVRA.
func (s *Store) UpsertPackages(pkgs []*rpmmodel.Package) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range pkgs {
		if err := upsertPackageTx(tx, p); err != nil {
			return errors.WithMessagef(err, "upserting package %s", p.NEVRA)
		}
	}
	return tx.Commit()
}

// DeletePackagesByNEVRA removes the named NEVRAs from a media's package set.
func (s *Store) DeletePackagesByNEVRA(mediaName string, nevras []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deletePackagesByNEVRATx(tx, mediaName, nevras); err != nil {
		return err
	}
	return tx.Commit()
}

func deletePackagesByNEVRATx(tx *sql.Tx, mediaName string, nevras []string) error {
	stmt, err := tx.Prepare(`DELETE FROM package WHERE media_name = ? AND name = ? AND epoch = ? AND version = ? AND release = ? AND arch = ?;`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range nevras {
		n := rpmmodel.ParseNEVRA(s)
		if _, err := stmt.Exec(mediaName, n.Name, n.Epoch, n.Version, n.Release, n.Arch); err != nil {
			return err
		}
	}
	return nil
}

// mediaNEVRAs returns the set of NEVRA strings currently catalogued for a
// media (set "A" in the diff algorithm).
func (s *Store) mediaNEVRAs(mediaName string) (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT name, epoch, version, release, arch FROM package WHERE media_name = ?;`, mediaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var n rpmmodel.NEVRA
		if err := rows.Scan(&n.Name, &n.Epoch, &n.Version, &n.Release, &n.Arch); err != nil {
			return nil, err
		}
		out[n.String()] = struct{}{}
	}
	return out, rows.Err()
}

// DiffImportSynthesis implements the differential import algorithm for a
// media's synthesis blob: delete NEVRAs no longer present, insert only the
// newly-appeared ones, all inside one write transaction. The synthesis
// format needs only one parse pass, unlike files.xml's two-pass
// scan+stream split.
func (s *Store) DiffImportSynthesis(mediaName string, r io.Reader) error {
	pkgs, err := synthesis.Parse(r)
	if err != nil {
		return xerrors.MetadataCorrupt(mediaName, 0, err)
	}
	for _, p := range pkgs {
		p.MediaName = mediaName
	}

	setB := make(map[string]*rpmmodel.Package, len(pkgs))
	for _, p := range pkgs {
		setB[p.NEVRA.String()] = p
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	setA, err := s.mediaNEVRAs(mediaName)
	if err != nil {
		return err
	}

	bulk := len(setA) == 0
	var restore func()
	if bulk {
		restore, err = s.beginBulkImport()
		if err != nil {
			return err
		}
		defer restore()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var toDelete []string
	for n := range setA {
		if _, ok := setB[n]; !ok {
			toDelete = append(toDelete, n)
		}
	}
	if err := deletePackagesByNEVRATx(tx, mediaName, toDelete); err != nil {
		return errors.WithMessage(err, "deleting stale packages")
	}

	for n, p := range setB {
		if _, ok := setA[n]; ok {
			continue // unchanged NEVRA, zero row churn
		}
		if err := upsertPackageTx(tx, p); err != nil {
			return errors.WithMessagef(err, "inserting package %s", n)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// DiffImportFiles implements the differential import for a media's
// files.xml blob against the package_files table and its FTS5 mirror.
//
// newBlob is consumed twice: once via filesxml.ExtractNEVRAs's cheap
// attribute scan to compute set B, and once via a full filesxml.Parse to
// stream file rows for the NEVRAs that are actually new. Callers therefore
// pass a func returning a fresh io.Reader (e.g. re-opening a temp file)
// rather than a single io.Reader.
func (s *Store) DiffImportFiles(mediaName string, openBlob func() (io.ReadCloser, error)) error {
	scan, err := openBlob()
	if err != nil {
		return err
	}
	setB, err := filesxml.ExtractNEVRAs(scan)
	scan.Close()
	if err != nil {
		return xerrors.MetadataCorrupt(mediaName, 0, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	setA, err := s.mediaFileNEVRAs(mediaName)
	if err != nil {
		return err
	}

	bulk := len(setA) == 0
	var restore func()
	if bulk {
		restore, err = s.beginBulkImport()
		if err != nil {
			return err
		}
		defer restore()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var stale []string
	for n := range setA {
		if _, ok := setB[n]; !ok {
			stale = append(stale, n)
		}
	}
	if err := deleteFileRowsTx(tx, mediaName, stale); err != nil {
		return errors.WithMessage(err, "deleting stale file rows")
	}

	stream, err := openBlob()
	if err != nil {
		return err
	}
	defer stream.Close()

	parseErr := filesxml.Parse(stream, func(e filesxml.Entry) error {
		if _, existing := setA[e.NEVRA]; existing {
			return nil // unchanged NEVRA, zero row churn
		}
		if _, wanted := setB[e.NEVRA]; !wanted {
			return nil
		}
		return insertFileRowsTx(tx, mediaName, e)
	})
	if parseErr != nil {
		return xerrors.MetadataCorrupt(mediaName, 0, parseErr)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) mediaFileNEVRAs(mediaName string) (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT DISTINCT name FROM package_files WHERE media_name = ?;`, mediaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out[n] = struct{}{}
	}
	return out, rows.Err()
}

func deleteFileRowsTx(tx *sql.Tx, mediaName string, nevras []string) error {
	for _, n := range nevras {
		rows, err := tx.Query(`SELECT id FROM package_files WHERE media_name = ? AND name = ?;`, mediaName, n)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM package_files_fts WHERE rowid = ?;`, id); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`DELETE FROM package_files WHERE media_name = ? AND name = ?;`, mediaName, n); err != nil {
			return err
		}
	}
	return nil
}

func insertFileRowsTx(tx *sql.Tx, mediaName string, e filesxml.Entry) error {
	for _, f := range e.Files {
		dir, base := splitPath(f)
		res, err := tx.Exec(`INSERT OR IGNORE INTO package_files (media_name, name, directory, basename) VALUES (?, ?, ?, ?);`,
			mediaName, e.NEVRA, dir, base)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if id == 0 {
			continue // already present (shouldn't happen for a new NEVRA, but stay idempotent)
		}
		if _, err := tx.Exec(`INSERT INTO package_files_fts (rowid, directory, basename) VALUES (?, ?, ?);`, id, dir, base); err != nil {
			return err
		}
	}
	return nil
}

func splitPath(p string) (dir, base string) {
	i := len(p) - 1
	for i >= 0 && p[i] != '/' {
		i--
	}
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

func loadCapabilities(db *sql.DB, id int64, p *rpmmodel.Package) error {
	rows, err := db.Query(`SELECT kind, name, op, evr FROM capability WHERE package_id = ?;`, id)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var kind, name, op, evr string
		if err := rows.Scan(&kind, &name, &op, &evr); err != nil {
			return err
		}
		c := rpmmodel.Capability{Name: name, Op: rpmmodel.ParseOp(op), EVR: evr}
		switch kind {
		case "provides":
			p.Provides = append(p.Provides, c)
		case "requires":
			p.Requires = append(p.Requires, c)
		case "conflicts":
			p.Conflicts = append(p.Conflicts, c)
		case "obsoletes":
			p.Obsoletes = append(p.Obsoletes, c)
		case "recommends":
			p.Recommends = append(p.Recommends, c)
		case "suggests":
			p.Suggests = append(p.Suggests, c)
		}
	}
	return rows.Err()
}

const packageColumns = `id, media_name, name, epoch, version, release, arch, summary, description, grp, license, url, changelog, package_size, checksum, checksum_type, location_href`

// PackagesByMedia returns every package catalogued for a media, with
// capabilities loaded.
func (s *Store) PackagesByMedia(mediaName string) ([]*rpmmodel.Package, error) {
	rows, err := s.db.Query(`SELECT `+packageColumns+` FROM package WHERE media_name = ? ORDER BY name;`, mediaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rpmmodel.Package
	for rows.Next() {
		p := &rpmmodel.Package{}
		var id int64
		if err := rows.Scan(&id, &p.MediaName, &p.Name, &p.Epoch, &p.Version, &p.Release, &p.Arch,
			&p.Summary, &p.Description, &p.Group, &p.License, &p.URL, &p.Changelog,
			&p.PackageSize, &p.Checksum, &p.ChecksumType, &p.LocationHref); err != nil {
			return nil, err
		}
		if err := loadCapabilities(s.db, id, p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PackagesByName returns every package (across all enabled media) with the
// given name, highest media priority first.
func (s *Store) PackagesByName(name string) ([]*rpmmodel.Package, error) {
	rows, err := s.db.Query(`
		SELECT pkg.id, pkg.media_name, pkg.name, pkg.epoch, pkg.version, pkg.release, pkg.arch,
			pkg.summary, pkg.description, pkg.grp, pkg.license, pkg.url, pkg.changelog,
			pkg.package_size, pkg.checksum, pkg.checksum_type, pkg.location_href
		FROM package pkg
		JOIN media m ON m.name = pkg.media_name
		WHERE pkg.name = ? AND m.enabled = 1
		ORDER BY m.priority DESC;`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rpmmodel.Package
	for rows.Next() {
		p := &rpmmodel.Package{}
		var id int64
		if err := rows.Scan(&id, &p.MediaName, &p.Name, &p.Epoch, &p.Version, &p.Release, &p.Arch,
			&p.Summary, &p.Description, &p.Group, &p.License, &p.URL, &p.Changelog,
			&p.PackageSize, &p.Checksum, &p.ChecksumType, &p.LocationHref); err != nil {
			return nil, err
		}
		if err := loadCapabilities(s.db, id, p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PackagesProviding returns every package (across enabled media) whose
// provides list, implicit self-name capability, or files include the given
// capability name, for the resolver's alternative-search
func (s *Store) PackagesProviding(capabilityName string) ([]*rpmmodel.Package, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT pkg.id, pkg.media_name, pkg.name, pkg.epoch, pkg.version, pkg.release, pkg.arch,
			pkg.summary, pkg.description, pkg.grp, pkg.license, pkg.url, pkg.changelog,
			pkg.package_size, pkg.checksum, pkg.checksum_type, pkg.location_href
		FROM package pkg
		JOIN media m ON m.name = pkg.media_name
		LEFT JOIN capability cap ON cap.package_id = pkg.id AND cap.kind = 'provides' AND cap.name = ?
		WHERE m.enabled = 1 AND (cap.name IS NOT NULL OR pkg.name = ?)
		ORDER BY m.priority DESC;`, capabilityName, capabilityName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rpmmodel.Package
	for rows.Next() {
		p := &rpmmodel.Package{}
		var id int64
		if err := rows.Scan(&id, &p.MediaName, &p.Name, &p.Epoch, &p.Version, &p.Release, &p.Arch,
			&p.Summary, &p.Description, &p.Group, &p.License, &p.URL, &p.Changelog,
			&p.PackageSize, &p.Checksum, &p.ChecksumType, &p.LocationHref); err != nil {
			return nil, err
		}
		if err := loadCapabilities(s.db, id, p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FileSearchResult is one hit from SearchFiles.
type FileSearchResult struct {
	NEVRA     string
	Directory string
	Basename  string
}

// FilesForPackage lists the file rows recorded for one NEVRA in one media.
func (s *Store) FilesForPackage(mediaName, nevra string) ([]FileSearchResult, error) {
	rows, err := s.db.Query(`
		SELECT name, directory, basename FROM package_files
		WHERE media_name = ? AND name = ?
		ORDER BY directory, basename;`, mediaName, nevra)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileSearchResult
	for rows.Next() {
		var r FileSearchResult
		if err := rows.Scan(&r.NEVRA, &r.Directory, &r.Basename); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchFiles runs an FTS5 match against the package_files index for
// sub-second wildcard search.
func (s *Store) SearchFiles(pattern string) ([]FileSearchResult, error) {
	rows, err := s.db.Query(`
		SELECT pf.name, pf.directory, pf.basename
		FROM package_files_fts
		JOIN package_files pf ON pf.id = package_files_fts.rowid
		WHERE package_files_fts MATCH ?
		LIMIT 500;`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileSearchResult
	for rows.Next() {
		var r FileSearchResult
		if err := rows.Scan(&r.NEVRA, &r.Directory, &r.Basename); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
