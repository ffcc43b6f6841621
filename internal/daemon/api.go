package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/peernet"
	"github.com/cavaliercoder/urpm-ng/internal/resolver"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

// router builds the daemon's HTTP control API. Read endpoints are open;
// /api/refresh accepts only loopback callers, and the peer-coordination
// POST endpoints (announce, have, request-download) have no origin check.
func (d *Daemon) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", d.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/api/ping", d.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/api/status", d.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/media", d.handleMedia).Methods(http.MethodGet)
	r.HandleFunc("/api/available", d.handleAvailable).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/api/updates", d.handleUpdates).Methods(http.MethodGet)
	r.HandleFunc("/api/peers", d.handlePeers).Methods(http.MethodGet)

	r.HandleFunc("/api/refresh", d.localOnly(d.handleRefresh)).Methods(http.MethodPost)
	r.HandleFunc("/api/announce", d.handleAnnounce).Methods(http.MethodPost)
	r.HandleFunc("/api/have", d.handleHave).Methods(http.MethodPost)
	r.HandleFunc("/api/request-download", d.handleRequestDownload).Methods(http.MethodPost)

	// Cached artifacts served to peers, with a per-request access log.
	r.PathPrefix("/media/").Handler(http.StripPrefix("/media/", d.mediaFileHandler()))

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// localOnly rejects write requests from non-loopback addresses. The richer
// polkit integration lives outside the core; local socket peer identity is
// the trust boundary here.
func (d *Daemon) localOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || !net.ParseIP(host).IsLoopback() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}

func (d *Daemon) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"service": "urpmd",
		"version": Version,
		"api": []string{
			"/api/ping", "/api/status", "/api/media", "/api/available",
			"/api/updates", "/api/peers", "/api/refresh", "/api/announce",
			"/api/have", "/api/request-download",
		},
	})
}

func (d *Daemon) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"machine_id": d.MachineID,
		"dev_mode":   d.Ctx.Config.DevMode,
		"uptime":     time.Since(d.started).String(),
		"scheduler":  d.Scheduler.State(),
	})
}

func (d *Daemon) handleMedia(w http.ResponseWriter, r *http.Request) {
	media, err := d.Store.AllMedia()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"media": media})
}

func (d *Daemon) handleAvailable(w http.ResponseWriter, r *http.Request) {
	var names []string
	if r.Method == http.MethodPost {
		var body struct {
			Names []string `json:"names"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		names = body.Names
	} else if q := r.URL.Query().Get("name"); q != "" {
		names = []string{q}
	}

	var pkgs []*packageInfo
	if len(names) == 0 {
		media, err := d.Store.AllMedia()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, m := range media {
			if !m.Enabled {
				continue
			}
			mp, err := d.Store.PackagesByMedia(m.Name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			for _, p := range mp {
				pkgs = append(pkgs, newPackageInfo(p))
			}
		}
	} else {
		for _, name := range names {
			byName, err := d.Store.PackagesByName(name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			for _, p := range byName {
				pkgs = append(pkgs, newPackageInfo(p))
			}
		}
	}
	writeJSON(w, map[string]interface{}{"packages": pkgs})
}

func (d *Daemon) handleUpdates(w http.ResponseWriter, r *http.Request) {
	tx, err := d.pendingUpgrades(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type update struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	var updates []update
	for _, up := range tx.ToUpgrade {
		updates = append(updates, update{
			From: up.From.Package.NEVRA.String(),
			To:   up.To.Package.NEVRA.String(),
		})
	}
	writeJSON(w, map[string]interface{}{"updates": updates, "skipped": tx.Skipped})
}

func (d *Daemon) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := d.Store.Peers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"peers": peers})
}

func (d *Daemon) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Media string `json:"media,omitempty"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	var err error
	if body.Media != "" {
		var m catalog.Media
		if m, err = d.Store.Media(body.Media); err == nil {
			err = d.Engine.RefreshMedia(r.Context(), m)
		}
	} else {
		err = d.Engine.RefreshAll(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (d *Daemon) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var a peernet.Announcement
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if a.Port == 0 || a.MachineID == "" {
		http.Error(w, "announcement missing port or machine id", http.StatusBadRequest)
		return
	}

	host := a.Host
	if host == "" {
		host, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	d.registerPeer(host, a)
	writeJSON(w, map[string]interface{}{"status": "ok", "registered": true})
}

func (d *Daemon) handleHave(w http.ResponseWriter, r *http.Request) {
	var req peernet.HaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := peernet.HaveResponse{Have: []string{}}
	for _, fn := range req.Filenames {
		if d.haveCachedFile(fn) {
			resp.Have = append(resp.Have, fn)
		}
	}
	writeJSON(w, resp)
}

func (d *Daemon) handleRequestDownload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Media     string   `json:"media"`
		Filenames []string `json:"filenames"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m, err := d.Store.Media(body.Media)
	if err != nil {
		http.Error(w, "unknown media", http.StatusNotFound)
		return
	}
	if !m.SharedWithPeers {
		http.Error(w, "media not shared with peers", http.StatusForbidden)
		return
	}

	// Run the pre-download in its own goroutine; the peer doesn't wait for
	// the bytes.
	go d.predownload(m, body.Filenames)
	writeJSON(w, map[string]string{"status": "queued"})
}

// mediaFileHandler serves the package cache to peers, logging each request
// with its duration.
func (d *Daemon) mediaFileHandler() http.Handler {
	fs := http.FileServer(http.Dir(d.Ctx.Paths.CachePath))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		defer func() {
			log.Dprintf("%v %v /media/%v %v\n", r.RemoteAddr, r.Method, r.URL.Path, time.Since(t))
		}()
		fs.ServeHTTP(w, r)
	})
}

// haveCachedFile reports whether a <NEVRA>.rpm exists in any shared media's
// cache directory.
func (d *Daemon) haveCachedFile(filename string) bool {
	if filepath.Base(filename) != filename {
		return false // no path traversal
	}
	media, err := d.Store.AllMedia()
	if err != nil {
		return false
	}
	for _, m := range media {
		if !m.SharedWithPeers {
			continue
		}
		p := filepath.Join(d.Ctx.Paths.CachePath, m.ShortID, filename)
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// packageInfo is the wire shape of one available package.
type packageInfo struct {
	NEVRA   string `json:"nevra"`
	Media   string `json:"media"`
	Summary string `json:"summary"`
	Group   string `json:"group"`
	Size    int64  `json:"size"`
}

func newPackageInfo(p *rpmmodel.Package) *packageInfo {
	return &packageInfo{
		NEVRA:   p.NEVRA.String(),
		Media:   p.MediaName,
		Summary: p.Summary,
		Group:   p.Group,
		Size:    p.PackageSize,
	}
}

// pendingUpgrades resolves an upgrade-all against the current installed
// snapshot without executing anything.
func (d *Daemon) pendingUpgrades(ctx context.Context) (*resolver.Transaction, error) {
	installed, err := d.InstalledSnapshot()
	if err != nil {
		return nil, err
	}

	available, opts, err := d.availablePool()
	if err != nil {
		return nil, err
	}

	pool := resolver.NewPool(installed, available, opts.MediaPriority)
	return resolver.Solve(pool, []resolver.Job{{Kind: resolver.JobUpgrade, Target: "all"}}, opts)
}
