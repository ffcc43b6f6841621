package catalog

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "packages.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMediaLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.AddMedia(Media{Name: "Core Release", ShortID: "core", Enabled: true, Priority: 10}); err != nil {
		t.Fatalf("AddMedia: %v", err)
	}
	m, err := s.Media("Core Release")
	if err != nil {
		t.Fatalf("Media: %v", err)
	}
	if m.ShortID != "core" || !m.Enabled || m.Priority != 10 {
		t.Fatalf("unexpected media: %+v", m)
	}

	if err := s.EnableMedia("Core Release", false); err != nil {
		t.Fatalf("EnableMedia: %v", err)
	}
	m, _ = s.Media("Core Release")
	if m.Enabled {
		t.Fatalf("media still enabled after disable")
	}
}

func TestDiffImportSynthesisNoChangeIsNoop(t *testing.T) {
	s := openTestStore(t)
	s.AddMedia(Media{Name: "core", Enabled: true})

	blob := `@info@a-1-1.x86_64@0@100@System
@info@b-1-1.x86_64@0@200@System
`
	if err := s.DiffImportSynthesis("core", strings.NewReader(blob)); err != nil {
		t.Fatalf("first import: %v", err)
	}
	pkgs, err := s.PackagesByMedia("core")
	if err != nil || len(pkgs) != 2 {
		t.Fatalf("PackagesByMedia after first import: %v %d", err, len(pkgs))
	}

	// Re-importing the unchanged blob should produce the same two packages
	//.
	if err := s.DiffImportSynthesis("core", strings.NewReader(blob)); err != nil {
		t.Fatalf("second import: %v", err)
	}
	pkgs, err = s.PackagesByMedia("core")
	if err != nil || len(pkgs) != 2 {
		t.Fatalf("PackagesByMedia after second import: %v %d", err, len(pkgs))
	}
}

func TestDiffImportSynthesisAddsAndRemoves(t *testing.T) {
	s := openTestStore(t)
	s.AddMedia(Media{Name: "core", Enabled: true})

	first := `@info@a-1-1.x86_64@0@100@System
@info@b-1-1.x86_64@0@200@System
`
	if err := s.DiffImportSynthesis("core", strings.NewReader(first)); err != nil {
		t.Fatalf("first import: %v", err)
	}

	second := `@info@a-1-1.x86_64@0@100@System
@info@c-1-1.x86_64@0@300@System
`
	if err := s.DiffImportSynthesis("core", strings.NewReader(second)); err != nil {
		t.Fatalf("second import: %v", err)
	}

	pkgs, err := s.PackagesByMedia("core")
	if err != nil {
		t.Fatalf("PackagesByMedia: %v", err)
	}
	names := map[string]bool{}
	for _, p := range pkgs {
		names[p.Name] = true
	}
	if !names["a"] || names["b"] || !names["c"] {
		t.Fatalf("unexpected package set after diff import: %v", names)
	}
}

func TestDiffImportFilesThreeCase(t *testing.T) {
	s := openTestStore(t)
	s.AddMedia(Media{Name: "X", Enabled: true})

	mkFiles := func(count int, nevra string) string {
		var b strings.Builder
		b.WriteString(`<files fn="` + nevra + `">`)
		for i := 0; i < count; i++ {
			b.WriteString("/usr/share/")
			b.WriteString(nevra)
			b.WriteString("/f")
			b.WriteString(itoa(i))
			b.WriteString("\n")
		}
		b.WriteString("</files>")
		return b.String()
	}

	first := mkFiles(3, "a-1-1.x86_64") + mkFiles(3, "b-1-1.x86_64")
	if err := s.DiffImportFiles("X", readerOpener(first)); err != nil {
		t.Fatalf("first DiffImportFiles: %v", err)
	}

	aBefore, err := s.mediaFileNEVRAs("X")
	if err != nil {
		t.Fatalf("mediaFileNEVRAs: %v", err)
	}
	if _, ok := aBefore["a-1-1.x86_64"]; !ok {
		t.Fatalf("expected a-1-1.x86_64 present before second import")
	}

	second := mkFiles(3, "a-1-1.x86_64") + mkFiles(4, "c-1-1.x86_64")
	if err := s.DiffImportFiles("X", readerOpener(second)); err != nil {
		t.Fatalf("second DiffImportFiles: %v", err)
	}

	after, err := s.mediaFileNEVRAs("X")
	if err != nil {
		t.Fatalf("mediaFileNEVRAs: %v", err)
	}
	if _, ok := after["b-1-1.x86_64"]; ok {
		t.Fatalf("b-1-1.x86_64 rows should have been deleted")
	}
	if _, ok := after["c-1-1.x86_64"]; !ok {
		t.Fatalf("c-1-1.x86_64 rows should have been inserted")
	}
	if _, ok := after["a-1-1.x86_64"]; !ok {
		t.Fatalf("a-1-1.x86_64 rows should have been left unchanged")
	}

	results, err := s.SearchFiles("f1")
	if err != nil {
		t.Fatalf("SearchFiles: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected FTS search to find file rows")
	}
}

func readerOpener(blob string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(blob)), nil
	}
}

func TestHoldAndHistory(t *testing.T) {
	s := openTestStore(t)

	if err := s.AddHold("dhcp-client", "keep dhcpd"); err != nil {
		t.Fatalf("AddHold: %v", err)
	}
	held, reason, err := s.IsHeld("dhcp-client")
	if err != nil || !held || reason != "keep dhcpd" {
		t.Fatalf("IsHeld: held=%v reason=%q err=%v", held, reason, err)
	}

	id, err := s.InsertHistory(1000, ActionInstall, "urpm install vim", "root")
	if err != nil {
		t.Fatalf("InsertHistory: %v", err)
	}
	if err := s.CompleteHistory(id, []string{"vim-1-1.x86_64", "vim-common-1-1.x86_64"}, nil); err != nil {
		t.Fatalf("CompleteHistory: %v", err)
	}

	e, err := s.History(id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if e.Status != StatusComplete || len(e.Packages) != 2 {
		t.Fatalf("unexpected history entry: %+v", e)
	}
}

func TestPackagesProvidingFindsCapabilityAndName(t *testing.T) {
	s := openTestStore(t)
	s.AddMedia(Media{Name: "core", Enabled: true, Priority: 0})

	p := &rpmmodel.Package{
		NEVRA:     rpmmodel.NEVRA{Name: "postfix", Version: "3.0", Release: "1", Arch: "x86_64"},
		MediaName: "core",
		Provides:  []rpmmodel.Capability{{Name: "mta"}},
	}
	if err := s.UpsertPackages([]*rpmmodel.Package{p}); err != nil {
		t.Fatalf("UpsertPackages: %v", err)
	}

	found, err := s.PackagesProviding("mta")
	if err != nil {
		t.Fatalf("PackagesProviding: %v", err)
	}
	if len(found) != 1 || found[0].Name != "postfix" {
		t.Fatalf("unexpected providers: %+v", found)
	}
}

func TestOpenCreatesParentlessFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "packages.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}
}
