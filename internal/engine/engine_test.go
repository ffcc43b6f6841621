package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/resolver"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

// hookRPM captures every element handed to it, standing in for the RPM
// library.
type hookRPM struct {
	elements []Element
	err      error
}

func (h *hookRPM) Run(ctx context.Context, elements []Element, progress func(Progress)) error {
	h.elements = append(h.elements, elements...)
	return h.err
}

func testCandidate(name, version string) resolver.Candidate {
	return resolver.Candidate{
		Package: &rpmmodel.Package{
			NEVRA:     rpmmodel.NEVRA{Name: name, Version: version, Release: "1", Arch: "x86_64"},
			MediaName: "core",
		},
	}
}

func newTestEngine(t *testing.T, store *catalog.Store, rpmExec RPMExecutor) *Engine {
	t.Helper()
	d := NewDownloader(store, nil, 1)
	return New(store, d, rpmExec, t.TempDir())
}

// A completed run's history entry must record exactly the NEVRAs the RPM
// handoff saw, in a terminal complete state.
func TestRunRecordsHistory(t *testing.T) {
	body := []byte("rpm")
	srv := rangeServer(t, body)
	store := openTestStore(t)
	addTestMedia(t, store, srv.URL)

	hook := &hookRPM{}
	eng := newTestEngine(t, store, hook)

	tx := &resolver.Transaction{
		ToInstall: []resolver.Candidate{testCandidate("vim", "9.1"), testCandidate("vim-common", "9.1")},
	}
	id, err := eng.Run(context.Background(), tx, catalog.ActionInstall, "urpm install vim", "alice")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entry, err := store.History(id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if entry.Status != catalog.StatusComplete {
		t.Fatalf("want complete, got %s", entry.Status)
	}

	want := map[string]bool{"vim-9.1-1.x86_64": true, "vim-common-9.1-1.x86_64": true}
	handed := make(map[string]bool)
	for _, el := range hook.elements {
		handed[el.NEVRA] = true
	}
	recorded := make(map[string]bool)
	for _, hp := range entry.Packages {
		if hp.Direction == "added" {
			recorded[hp.NEVRA] = true
		}
	}
	for n := range want {
		if !handed[n] {
			t.Errorf("RPM handoff never saw %s", n)
		}
		if !recorded[n] {
			t.Errorf("history entry missing %s", n)
		}
	}
	if len(recorded) != len(want) {
		t.Errorf("history records %d added packages, want %d", len(recorded), len(want))
	}
}

func TestRunFailureMarksHistoryFailed(t *testing.T) {
	srv := rangeServer(t, []byte("rpm"))
	store := openTestStore(t)
	addTestMedia(t, store, srv.URL)

	hook := &hookRPM{err: errors.New("scriptlet exploded")}
	eng := newTestEngine(t, store, hook)

	tx := &resolver.Transaction{ToInstall: []resolver.Candidate{testCandidate("broken", "1.0")}}
	id, err := eng.Run(context.Background(), tx, catalog.ActionInstall, "urpm install broken", "root")
	if err == nil {
		t.Fatal("want error from failed handoff")
	}

	entry, herr := store.History(id)
	if herr != nil {
		t.Fatalf("History: %v", herr)
	}
	if entry.Status != catalog.StatusFailed {
		t.Fatalf("want failed, got %s", entry.Status)
	}
}

func TestRunElementsOrderPreserved(t *testing.T) {
	srv := rangeServer(t, []byte("rpm"))
	store := openTestStore(t)
	addTestMedia(t, store, srv.URL)

	hook := &hookRPM{}
	eng := newTestEngine(t, store, hook)

	tx := &resolver.Transaction{
		ToInstall: []resolver.Candidate{testCandidate("dep", "1.0"), testCandidate("app", "1.0")},
		ToErase:   []resolver.Candidate{testCandidate("old", "0.9")},
	}
	if _, err := eng.Run(context.Background(), tx, catalog.ActionInstall, "", ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(hook.elements) != 3 {
		t.Fatalf("want 3 elements, got %d", len(hook.elements))
	}
	if hook.elements[0].NEVRA != "dep-1.0-1.x86_64" || hook.elements[1].NEVRA != "app-1.0-1.x86_64" {
		t.Errorf("install order not preserved: %+v", hook.elements)
	}
	if hook.elements[2].Op != OpErase {
		t.Errorf("erase element not last: %+v", hook.elements[2])
	}
}
