package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
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

// rangeServer serves body with byte-range support, like a real mirror.
func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := 0
		if rng := r.Header.Get("Range"); rng != "" {
			fmt.Sscanf(rng, "bytes=%d-", &offset)
			w.Header().Set("Content-Range",
				fmt.Sprintf("bytes %d-%d/%d", offset, len(body)-1, len(body)))
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Write(body[offset:])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sha256hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func addTestMedia(t *testing.T, s *catalog.Store, baseURL string) {
	t.Helper()
	if err := s.AddServer(catalog.Server{Name: "m1", BaseURL: baseURL, Enabled: true}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := s.AddMedia(catalog.Media{Name: "core", ShortID: "core", Enabled: true}); err != nil {
		t.Fatalf("AddMedia: %v", err)
	}
	if err := s.LinkServerMedia("m1", "core"); err != nil {
		t.Fatalf("LinkServerMedia: %v", err)
	}
}

func TestDownloadFromUpstream(t *testing.T) {
	body := []byte(strings.Repeat("rpm-bytes.", 1000))
	srv := rangeServer(t, body)
	store := openTestStore(t)
	addTestMedia(t, store, srv.URL)

	dest := filepath.Join(t.TempDir(), "x-1.0-1.x86_64.rpm")
	d := NewDownloader(store, nil, 2)
	job := DownloadJob{
		Label:        "x-1.0-1.x86_64",
		MediaName:    "core",
		NEVRA:        "x-1.0-1.x86_64",
		Filename:     "x-1.0-1.x86_64.rpm",
		Path:         dest,
		Checksum:     sha256hex(body),
		ChecksumType: "sha256",
	}

	if err := d.Download(context.Background(), []DownloadJob{job}, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("downloaded bytes differ: got %d bytes, want %d", len(got), len(body))
	}
}

// A partial file left by a dropped peer connection must resume from its
// offset against upstream with no duplicated bytes.
func TestDownloadResumesFromPartial(t *testing.T) {
	body := []byte(strings.Repeat("0123456789", 1000))
	var sawRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange = r.Header.Get("Range")
		offset := 0
		if sawRange != "" {
			fmt.Sscanf(sawRange, "bytes=%d-", &offset)
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Write(body[offset:])
	}))
	defer srv.Close()

	store := openTestStore(t)
	addTestMedia(t, store, srv.URL)

	dest := filepath.Join(t.TempDir(), "x-1.0-1.x86_64.rpm")
	// 4000 bytes already on disk from the interrupted transfer.
	if err := os.WriteFile(dest+".part", body[:4000], 0644); err != nil {
		t.Fatal(err)
	}

	d := NewDownloader(store, nil, 1)
	job := DownloadJob{
		Label:        "x-1.0-1.x86_64",
		MediaName:    "core",
		NEVRA:        "x-1.0-1.x86_64",
		Filename:     "x-1.0-1.x86_64.rpm",
		Path:         dest,
		Checksum:     sha256hex(body),
		ChecksumType: "sha256",
	}
	if err := d.Download(context.Background(), []DownloadJob{job}, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}

	if sawRange != "bytes=4000-" {
		t.Errorf("want Range: bytes=4000-, got %q", sawRange)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != string(body) {
		t.Fatalf("resumed file corrupt: %d bytes, want %d", len(got), len(body))
	}
}

// fakePeers implements PeerSource with a canned holder list.
type fakePeers struct {
	holders []PeerRef
	baseURL map[string]string // host:port -> httptest URL
}

func (f *fakePeers) Holders(ctx context.Context, filename string) []PeerRef { return f.holders }

func (f *fakePeers) FetchURL(peer PeerRef, mediaName, filename string) string {
	return f.baseURL[peer.Host+":"+strconv.Itoa(peer.Port)] + "/" + filename
}

func TestDownloadPrefersPeerOverUpstream(t *testing.T) {
	body := []byte(strings.Repeat("peer-data.", 500))

	upstreamHit := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
		w.Write(body)
	}))
	defer upstream.Close()

	peer := rangeServer(t, body)

	store := openTestStore(t)
	addTestMedia(t, store, upstream.URL)

	peers := &fakePeers{
		holders: []PeerRef{{Host: "127.0.0.1", Port: 1}},
		baseURL: map[string]string{"127.0.0.1:1": peer.URL},
	}

	dest := filepath.Join(t.TempDir(), "y-2.0-1.noarch.rpm")
	d := NewDownloader(store, peers, 1)
	job := DownloadJob{
		Label:        "y-2.0-1.noarch",
		MediaName:    "core",
		NEVRA:        "y-2.0-1.noarch",
		Filename:     "y-2.0-1.noarch.rpm",
		Path:         dest,
		Checksum:     sha256hex(body),
		ChecksumType: "sha256",
	}
	if err := d.Download(context.Background(), []DownloadJob{job}, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if upstreamHit {
		t.Error("upstream was contacted although a peer held the artifact")
	}
}

func TestDownloadPeerFailureFallsThrough(t *testing.T) {
	body := []byte("fallback-bytes")
	upstream := rangeServer(t, body)

	// Peer claims to hold the file but serves garbage, so digest
	// verification rejects it and the engine falls through to upstream.
	badPeer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not the right bytes"))
	}))
	defer badPeer.Close()

	store := openTestStore(t)
	addTestMedia(t, store, upstream.URL)

	peers := &fakePeers{
		holders: []PeerRef{{Host: "127.0.0.1", Port: 2}},
		baseURL: map[string]string{"127.0.0.1:2": badPeer.URL},
	}

	dest := filepath.Join(t.TempDir(), "z-1-1.noarch.rpm")
	d := NewDownloader(store, peers, 1)
	job := DownloadJob{
		Label:        "z-1-1.noarch",
		MediaName:    "core",
		NEVRA:        "z-1-1.noarch",
		Filename:     "z-1-1.noarch.rpm",
		Path:         dest,
		Checksum:     sha256hex(body),
		ChecksumType: "sha256",
	}
	if err := d.Download(context.Background(), []DownloadJob{job}, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != string(body) {
		t.Fatalf("want upstream bytes after peer failure, got %q", got)
	}
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	body := []byte("cached-bytes")
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer srv.Close()

	store := openTestStore(t)
	addTestMedia(t, store, srv.URL)

	dest := filepath.Join(t.TempDir(), "c-1-1.noarch.rpm")
	if err := os.WriteFile(dest, body, 0644); err != nil {
		t.Fatal(err)
	}

	d := NewDownloader(store, nil, 1)
	job := DownloadJob{
		Label:        "c-1-1.noarch",
		MediaName:    "core",
		NEVRA:        "c-1-1.noarch",
		Filename:     "c-1-1.noarch.rpm",
		Path:         dest,
		Checksum:     sha256hex(body),
		ChecksumType: "sha256",
	}
	if err := d.Download(context.Background(), []DownloadJob{job}, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if hit {
		t.Error("network was contacted despite a verified cache hit")
	}
}
