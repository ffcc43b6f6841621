package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/config"
	"github.com/cavaliercoder/urpm-ng/internal/engine"
	"github.com/cavaliercoder/urpm-ng/internal/peernet"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

func testDaemon(t *testing.T) *Daemon {
	t.Helper()

	base := t.TempDir()
	store, err := catalog.Open(filepath.Join(base, "packages.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cctx := &config.Context{
		Paths: config.Paths{
			BaseDir:   base,
			DBPath:    filepath.Join(base, "packages.db"),
			CachePath: filepath.Join(base, "cache", "packages"),
		},
		Config: config.Default(),
	}

	dl := engine.NewDownloader(store, nil, 1)
	eng := engine.New(store, dl, nil, cctx.Paths.CachePath)

	d, err := New(cctx, store, eng)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.InstalledSnapshot = func() ([]*rpmmodel.Package, error) { return nil, nil }
	return d
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestPingAndStatus(t *testing.T) {
	d := testDaemon(t)
	srv := httptest.NewServer(d.router())
	defer srv.Close()

	var ping map[string]string
	if code := getJSON(t, srv, "/api/ping", &ping); code != http.StatusOK {
		t.Fatalf("ping: status %d", code)
	}
	if ping["status"] != "ok" {
		t.Fatalf("ping: %+v", ping)
	}

	var status map[string]interface{}
	if code := getJSON(t, srv, "/api/status", &status); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if status["machine_id"] == "" {
		t.Error("status missing machine_id")
	}
}

func TestMachineIDIsStable(t *testing.T) {
	d := testDaemon(t)

	again, err := New(d.Ctx, d.Store, d.Engine)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if again.MachineID != d.MachineID {
		t.Fatalf("machine id changed across restarts: %s vs %s", d.MachineID, again.MachineID)
	}
}

func TestMediaEndpoint(t *testing.T) {
	d := testDaemon(t)
	if err := d.Store.AddMedia(catalog.Media{Name: "core", ShortID: "core", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(d.router())
	defer srv.Close()

	var body struct {
		Media []catalog.Media `json:"media"`
	}
	if code := getJSON(t, srv, "/api/media", &body); code != http.StatusOK {
		t.Fatalf("media: %d", code)
	}
	if len(body.Media) != 1 || body.Media[0].Name != "core" {
		t.Fatalf("media list: %+v", body.Media)
	}
}

func TestAnnounceRegistersPeer(t *testing.T) {
	d := testDaemon(t)
	srv := httptest.NewServer(d.router())
	defer srv.Close()

	a := peernet.Announcement{
		MachineID:     "peer-uuid",
		Host:          "10.1.2.3",
		Port:          9876,
		DistroRelease: "10",
		Arch:          "x86_64",
	}
	payload, _ := json.Marshal(a)
	resp, err := http.Post(srv.URL+"/api/announce", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST announce: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("announce: %d", resp.StatusCode)
	}

	peers, err := d.Store.Peers()
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].MachineID != "peer-uuid" || peers[0].Host != "10.1.2.3" {
		t.Fatalf("peer table: %+v", peers)
	}
}

func TestHaveReportsCachedArtifacts(t *testing.T) {
	d := testDaemon(t)
	if err := d.Store.AddMedia(catalog.Media{Name: "core", ShortID: "core", Enabled: true, SharedWithPeers: true}); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(d.Ctx.Paths.CachePath, "core")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "x-1-1.noarch.rpm"), []byte("rpm"), 0644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(d.router())
	defer srv.Close()

	req := peernet.HaveRequest{Filenames: []string{"x-1-1.noarch.rpm", "missing.rpm", "../../etc/passwd"}}
	payload, _ := json.Marshal(req)
	resp, err := http.Post(srv.URL+"/api/have", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST have: %v", err)
	}
	defer resp.Body.Close()

	var have peernet.HaveResponse
	if err := json.NewDecoder(resp.Body).Decode(&have); err != nil {
		t.Fatal(err)
	}
	if len(have.Have) != 1 || have.Have[0] != "x-1-1.noarch.rpm" {
		t.Fatalf("have: %+v", have)
	}
}

func TestRefreshRejectsRemoteCallers(t *testing.T) {
	d := testDaemon(t)

	// Simulate a non-loopback caller; the handler inspects RemoteAddr.
	req := httptest.NewRequest(http.MethodPost, "/api/refresh", bytes.NewReader([]byte("{}")))
	req.RemoteAddr = "203.0.113.9:51515"
	rec := httptest.NewRecorder()
	d.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote refresh: want 403, got %d", rec.Code)
	}
}
