package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/resolver"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

func catalogPackage(t *testing.T, store *catalog.Store, name, version string) {
	t.Helper()
	err := store.UpsertPackages([]*rpmmodel.Package{{
		NEVRA:     rpmmodel.NEVRA{Name: name, Version: version, Release: "1", Arch: "x86_64"},
		MediaName: "core",
	}})
	if err != nil {
		t.Fatalf("UpsertPackages: %v", err)
	}
}

func completedEntry(t *testing.T, store *catalog.Store, added, removed []string) catalog.HistoryEntry {
	t.Helper()
	id, err := store.InsertHistory(time.Now().Unix(), catalog.ActionInstall, "urpm install", "root")
	if err != nil {
		t.Fatalf("InsertHistory: %v", err)
	}
	if err := store.CompleteHistory(id, added, removed); err != nil {
		t.Fatalf("CompleteHistory: %v", err)
	}
	entry, err := store.History(id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return entry
}

func TestInverseJobsForInstall(t *testing.T) {
	srv := rangeServer(t, []byte("rpm"))
	store := openTestStore(t)
	addTestMedia(t, store, srv.URL)
	eng := newTestEngine(t, store, &hookRPM{})

	entry := completedEntry(t, store,
		[]string{"vim-9.1-1.x86_64", "vim-common-9.1-1.x86_64"}, nil)

	jobs, err := eng.InverseJobs(entry)
	if err != nil {
		t.Fatalf("InverseJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("want 2 erase jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Kind != resolver.JobErase {
			t.Errorf("want erase job, got kind %d for %s", j.Kind, j.Target)
		}
	}
}

func TestInverseJobsReinstallsRemoved(t *testing.T) {
	srv := rangeServer(t, []byte("rpm"))
	store := openTestStore(t)
	addTestMedia(t, store, srv.URL)
	catalogPackage(t, store, "dhcp-client", "4.4")
	eng := newTestEngine(t, store, &hookRPM{})

	entry := completedEntry(t, store,
		[]string{"dhcpcd-10-1.x86_64"}, []string{"dhcp-client-4.4-1.x86_64"})

	jobs, err := eng.InverseJobs(entry)
	if err != nil {
		t.Fatalf("InverseJobs: %v", err)
	}

	var sawInstall, sawErase bool
	for _, j := range jobs {
		switch j.Kind {
		case resolver.JobInstall:
			sawInstall = true
			if j.Target != "dhcp-client-4.4-1.x86_64" {
				t.Errorf("install target should be the exact recorded NEVRA, got %s", j.Target)
			}
		case resolver.JobErase:
			sawErase = true
		}
	}
	if !sawInstall || !sawErase {
		t.Fatalf("want one install and one erase job, got %+v", jobs)
	}
}

// A removed NEVRA no longer present in any media aborts the undo.
func TestInverseJobsNEVRAUnavailable(t *testing.T) {
	srv := rangeServer(t, []byte("rpm"))
	store := openTestStore(t)
	addTestMedia(t, store, srv.URL)
	eng := newTestEngine(t, store, &hookRPM{})

	entry := completedEntry(t, store, nil, []string{"ghost-1.0-1.x86_64"})

	_, err := eng.InverseJobs(entry)
	if err == nil {
		t.Fatal("want nevra-unavailable error")
	}
	var xe *xerrors.Error
	if !errors.As(err, &xe) || xe.Kind != xerrors.KindResolver {
		t.Fatalf("want resolver-kind error, got %v", err)
	}
}

// Undoing an entry and then running the inverse through the full engine
// records a new complete undo entry.
func TestUndoRecordsNewEntry(t *testing.T) {
	srv := rangeServer(t, []byte("rpm"))
	store := openTestStore(t)
	addTestMedia(t, store, srv.URL)
	catalogPackage(t, store, "vim", "9.1")
	eng := newTestEngine(t, store, &hookRPM{})

	entry := completedEntry(t, store, []string{"vim-9.1-1.x86_64"}, nil)

	jobs, err := eng.InverseJobs(entry)
	if err != nil {
		t.Fatalf("InverseJobs: %v", err)
	}

	installed := []*rpmmodel.Package{{
		NEVRA: rpmmodel.NEVRA{Name: "vim", Version: "9.1", Release: "1", Arch: "x86_64"},
	}}
	pool := resolver.NewPool(installed, nil, nil)
	tx, err := resolver.Solve(pool, jobs, resolver.NewOptions())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(tx.ToErase) != 1 || tx.ToErase[0].Package.Name != "vim" {
		t.Fatalf("want vim erased, got %+v", tx.ToErase)
	}

	id, err := eng.Run(context.Background(), tx, catalog.ActionUndo, UndoDescription(entry), "root")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	undoEntry, err := store.History(id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if undoEntry.Action != catalog.ActionUndo || undoEntry.Status != catalog.StatusComplete {
		t.Fatalf("want complete undo entry, got %+v", undoEntry)
	}
}

func TestRollbackPlanNewestFirst(t *testing.T) {
	srv := rangeServer(t, []byte("rpm"))
	store := openTestStore(t)
	addTestMedia(t, store, srv.URL)
	eng := newTestEngine(t, store, &hookRPM{})

	first := completedEntry(t, store, []string{"a-1-1.x86_64"}, nil)
	second := completedEntry(t, store, []string{"b-1-1.x86_64"}, nil)

	plan, err := eng.RollbackPlan(2)
	if err != nil {
		t.Fatalf("RollbackPlan: %v", err)
	}
	if len(plan) != 2 || plan[0].ID != second.ID || plan[1].ID != first.ID {
		t.Fatalf("want newest-first [%d %d], got %+v", second.ID, first.ID, plan)
	}

	if _, err := eng.RollbackPlan(3); err == nil {
		t.Error("want error when asking for more rollbacks than history holds")
	}
}
