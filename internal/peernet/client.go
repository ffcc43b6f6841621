package peernet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/engine"
)

// peerQueryTimeout bounds every peer HTTP round-trip so a slow peer cannot
// stall a user transaction.
const peerQueryTimeout = 2 * time.Second

// negative-have results are remembered in a bounded LRU (no time expiry) so a
// transaction with many
// artifacts doesn't re-ask the same peer for the same file.
const haveCacheSize = 4096

// HaveRequest is the POST body for /api/have.
type HaveRequest struct {
	Filenames []string `json:"filenames"`
}

// HaveResponse lists the subset of requested filenames the peer holds.
type HaveResponse struct {
	Have []string `json:"have"`
}

// Client queries discovered peers for artifacts and asks them to
// pre-download. It satisfies engine.PeerSource.
type Client struct {
	Store *catalog.Store
	HTTP  *http.Client

	haveCache *lru.Cache[string, bool]
}

// NewClient builds a peer client over the catalog's peer table.
func NewClient(store *catalog.Store) *Client {
	cache, _ := lru.New[string, bool](haveCacheSize)
	return &Client{
		Store:     store,
		HTTP:      &http.Client{Timeout: peerQueryTimeout},
		haveCache: cache,
	}
}

// Holders returns healthy peers claiming to hold filename, in peer-table
// order. Blacklisted and stale peers are never consulted. Failures are
// best-effort: a peer that errors is simply skipped.
func (c *Client) Holders(ctx context.Context, filename string) []engine.PeerRef {
	peers, err := c.Store.Peers()
	if err != nil {
		return nil
	}

	var holders []engine.PeerRef
	for _, p := range peers {
		if p.Blacklisted {
			continue
		}
		if time.Since(time.Unix(p.LastSeen, 0)) > PeerTimeout {
			continue
		}
		key := fmt.Sprintf("%s:%d/%s", p.Host, p.Port, filename)
		if miss, ok := c.haveCache.Get(key); ok && miss {
			continue
		}

		have, err := c.Have(ctx, p.Host, p.Port, []string{filename})
		if err != nil {
			continue
		}
		if len(have) == 0 {
			c.haveCache.Add(key, true)
			continue
		}
		holders = append(holders, engine.PeerRef{Host: p.Host, Port: p.Port})
	}
	return holders
}

// FetchURL returns the peer URL serving a cached artifact.
func (c *Client) FetchURL(peer engine.PeerRef, mediaName, filename string) string {
	return fmt.Sprintf("http://%s:%d/media/%s/%s", peer.Host, peer.Port, mediaName, filename)
}

// Have asks one peer which of the listed filenames it holds.
func (c *Client) Have(ctx context.Context, host string, port int, filenames []string) ([]string, error) {
	var resp HaveResponse
	err := c.post(ctx, host, port, "/api/have", HaveRequest{Filenames: filenames}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Have, nil
}

// Announce POSTs our full announcement to a peer discovered via UDP, so
// the peer can record us without waiting for our next broadcast.
func (c *Client) Announce(ctx context.Context, host string, port int, a Announcement) error {
	return c.post(ctx, host, port, "/api/announce", a, nil)
}

// RequestDownload asks a peer to pre-download the listed filenames for a
// media, so a seed machine can warm caches for the LAN.
func (c *Client) RequestDownload(ctx context.Context, host string, port int, mediaName string, filenames []string) error {
	body := struct {
		Media     string   `json:"media"`
		Filenames []string `json:"filenames"`
	}{mediaName, filenames}
	return c.post(ctx, host, port, "/api/request-download", body, nil)
}

func (c *Client) post(ctx context.Context, host string, port int, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d%s", host, port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("peer %s:%d returned %s for %s", host, port, resp.Status, path)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
