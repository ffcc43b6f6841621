package peernet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/engine"
)

func openTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "packages.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// peerStub answers /api/have with the canned holdings.
func peerStub(t *testing.T, holdings map[string]bool) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/have" {
			http.NotFound(w, r)
			return
		}
		var req HaveRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := HaveResponse{Have: []string{}}
		for _, fn := range req.Filenames {
			if holdings[fn] {
				resp.Have = append(resp.Have, fn)
			}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	p, _ := strconv.Atoi(u.Port())
	return u.Hostname(), p
}

func TestHaveQueriesPeer(t *testing.T) {
	host, port := peerStub(t, map[string]bool{"x-1-1.noarch.rpm": true})
	c := NewClient(openTestStore(t))

	have, err := c.Have(context.Background(), host, port, []string{"x-1-1.noarch.rpm", "y-1-1.noarch.rpm"})
	if err != nil {
		t.Fatalf("Have: %v", err)
	}
	if len(have) != 1 || have[0] != "x-1-1.noarch.rpm" {
		t.Fatalf("want [x-1-1.noarch.rpm], got %v", have)
	}
}

func TestHoldersSkipsBlacklistedPeers(t *testing.T) {
	host, port := peerStub(t, map[string]bool{"x.rpm": true})
	store := openTestStore(t)
	now := time.Now().Unix()

	if err := store.UpsertPeer(catalog.Peer{Host: host, Port: port, MachineID: "m1", LastSeen: now}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetPeerBlacklisted(host, port, true); err != nil {
		t.Fatal(err)
	}

	c := NewClient(store)
	if holders := c.Holders(context.Background(), "x.rpm"); len(holders) != 0 {
		t.Fatalf("blacklisted peer must not be consulted, got %v", holders)
	}
}

func TestHoldersFindsHoldingPeer(t *testing.T) {
	host, port := peerStub(t, map[string]bool{"x.rpm": true})
	store := openTestStore(t)

	if err := store.UpsertPeer(catalog.Peer{Host: host, Port: port, MachineID: "m1", LastSeen: time.Now().Unix()}); err != nil {
		t.Fatal(err)
	}

	c := NewClient(store)
	holders := c.Holders(context.Background(), "x.rpm")
	if len(holders) != 1 || holders[0].Host != host || holders[0].Port != port {
		t.Fatalf("want the stub peer as holder, got %v", holders)
	}

	// A filename the peer lacks is remembered as a miss.
	if holders := c.Holders(context.Background(), "absent.rpm"); len(holders) != 0 {
		t.Fatalf("want no holders, got %v", holders)
	}
	if miss, ok := c.haveCache.Get(host + ":" + strconv.Itoa(port) + "/absent.rpm"); !ok || !miss {
		t.Error("negative have result was not cached")
	}
}

func TestFetchURL(t *testing.T) {
	c := NewClient(openTestStore(t))
	got := c.FetchURL(engine.PeerRef{Host: "10.0.0.7", Port: 9876}, "core", "x-1-1.noarch.rpm")
	want := "http://10.0.0.7:9876/media/core/x-1-1.noarch.rpm"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
