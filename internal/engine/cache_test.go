package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

func writeCached(t *testing.T, store *catalog.Store, dir, nevra string, size int, lastAccess int64, installed bool) string {
	t.Helper()
	path := filepath.Join(dir, nevra+".rpm")
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	err := store.RecordCacheFile(catalog.CacheFile{
		MediaName: "core", NEVRA: nevra, Path: path,
		SizeBytes: int64(size), LastAccess: lastAccess, Installed: installed,
	})
	if err != nil {
		t.Fatalf("RecordCacheFile: %v", err)
	}
	return path
}

// Quota enforcement removes stale NEVRAs first, then oldest installed
// files, and never touches held packages.
func TestEvictMediaTwoPhase(t *testing.T) {
	store := openTestStore(t)
	if err := store.AddMedia(catalog.Media{Name: "core", ShortID: "core", Enabled: true, QuotaBytes: 2500}); err != nil {
		t.Fatal(err)
	}

	// current-1 is still in the synthesis; stale-1 is not.
	err := store.UpsertPackages([]*rpmmodel.Package{{
		NEVRA:     rpmmodel.NEVRA{Name: "current", Version: "1", Release: "1", Arch: "x86_64"},
		MediaName: "core",
	}})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	stalePath := writeCached(t, store, dir, "stale-1-1.x86_64", 1000, 100, false)
	currentPath := writeCached(t, store, dir, "current-1-1.x86_64", 1000, 200, true)
	writeCached(t, store, dir, "held-1-1.x86_64", 1000, 50, false)
	if err := store.AddHold("held", "keep it"); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t, store, &hookRPM{})
	freed, err := eng.EvictMedia(catalog.Media{Name: "core", ShortID: "core", QuotaBytes: 1000})
	if err != nil {
		t.Fatalf("EvictMedia: %v", err)
	}
	if freed < 1000 {
		t.Fatalf("want at least 1000 bytes freed, got %d", freed)
	}

	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Error("stale file should be evicted first")
	}
	// held-1 is not in the synthesis either, but its hold protects it.
	if _, err := os.Stat(filepath.Join(dir, "held-1-1.x86_64.rpm")); err != nil {
		t.Error("held package must never be evicted")
	}
	_ = currentPath
}

func TestEvictMediaUnderQuotaIsNoop(t *testing.T) {
	store := openTestStore(t)
	if err := store.AddMedia(catalog.Media{Name: "core", ShortID: "core", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := writeCached(t, store, dir, "a-1-1.x86_64", 100, 1, false)

	eng := newTestEngine(t, store, &hookRPM{})
	freed, err := eng.EvictMedia(catalog.Media{Name: "core", ShortID: "core", QuotaBytes: 10000})
	if err != nil {
		t.Fatalf("EvictMedia: %v", err)
	}
	if freed != 0 {
		t.Fatalf("under quota, want 0 freed, got %d", freed)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("file must survive when under quota")
	}
}

// Quota zero means unlimited; age alone never evicts.
func TestEvictMediaNoQuotaNeverEvicts(t *testing.T) {
	store := openTestStore(t)
	if err := store.AddMedia(catalog.Media{Name: "core", ShortID: "core", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := writeCached(t, store, dir, "old-1-1.x86_64", 100, 1, true)

	eng := newTestEngine(t, store, &hookRPM{})
	freed, err := eng.EvictMedia(catalog.Media{Name: "core", ShortID: "core"})
	if err != nil {
		t.Fatalf("EvictMedia: %v", err)
	}
	if freed != 0 {
		t.Fatal("quota-less media must never evict")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("ancient file must survive without a quota")
	}
}
