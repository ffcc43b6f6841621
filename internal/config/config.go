// Package config holds the process-wide state (paths, YAML config,
// ports), resolved once at startup and threaded explicitly through
// cmd/urpm and cmd/urpmd rather than living in ambient globals.
package config

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

const (
	// ProdPort is the daemon's production HTTP control-API port.
	ProdPort = 9876
	// DevPort is the daemon's development HTTP control-API port, distinct
	// from ProdPort so both daemons can coexist on one machine.
	DevPort = 9877
	// ProdDiscoveryPort is the production UDP peer-discovery broadcast port.
	ProdDiscoveryPort = 9878
	// DevDiscoveryPort is the development UDP peer-discovery broadcast port.
	DevDiscoveryPort = 9879
)

// Paths holds every filesystem location the core touches, resolved once at
// startup for either the production or development root.
type Paths struct {
	BaseDir    string
	DBPath     string
	PIDFile    string
	CachePath  string
	ConfigFile string
	LogFile    string
}

// ProdPaths returns the system install path layout.
func ProdPaths() Paths {
	base := "/var/lib/urpm"
	return Paths{
		BaseDir:    base,
		DBPath:     filepath.Join(base, "packages.db"),
		PIDFile:    "/run/urpmd.pid",
		CachePath:  filepath.Join(base, "cache", "packages"),
		ConfigFile: "/etc/urpm-ng/config.yaml",
		LogFile:    "/var/log/urpmd.log",
	}
}

// DevPaths returns a user-writable development path layout, so a
// development daemon never contends with a system install.
func DevPaths() Paths {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".local", "share", "urpm-dev")
	return Paths{
		BaseDir:    base,
		DBPath:     filepath.Join(base, "packages.db"),
		PIDFile:    filepath.Join(base, "urpmd.pid"),
		CachePath:  filepath.Join(base, "cache", "packages"),
		ConfigFile: filepath.Join(base, "config.yaml"),
		LogFile:    filepath.Join(base, "urpmd.log"),
	}
}

// Config is the on-disk, operator-editable configuration: daemon ports,
// download threads and scheduler intervals. Media/server/hold state
// lives in the catalog, not here — this file only covers settings that must
// be readable before the catalog is opened.
type Config struct {
	DevMode          bool              `yaml:"dev_mode"`
	HTTPPort         int               `yaml:"http_port"`
	DiscoveryPort    int               `yaml:"discovery_port"`
	DownloadThreads  int               `yaml:"download_threads"`
	DefaultCacheDays int               `yaml:"-"` // intentionally unused: quota-only retention, see DESIGN.md
	SchedulerConfig  SchedulerSettings `yaml:"scheduler"`
}

// SchedulerSettings configures the daemon's cooperative task loop intervals,
// one interval per background task.
type SchedulerSettings struct {
	MetadataRefreshMinutes int `yaml:"metadata_refresh_minutes"`
	CacheEvictMinutes      int `yaml:"cache_evict_minutes"`
	PeerCleanupMinutes     int `yaml:"peer_cleanup_minutes"`
	PredictiveMinutes      int `yaml:"predictive_minutes"`
	FilesXMLRefreshMinutes int `yaml:"files_xml_refresh_minutes"`
}

// Default returns the built-in configuration applied when no config file is
// present on disk.
func Default() Config {
	return Config{
		HTTPPort:        ProdPort,
		DiscoveryPort:   ProdDiscoveryPort,
		DownloadThreads: 4,
		SchedulerConfig: SchedulerSettings{
			MetadataRefreshMinutes: 60,
			CacheEvictMinutes:      30,
			PeerCleanupMinutes:     5,
			PredictiveMinutes:      120,
			FilesXMLRefreshMinutes: 360,
		},
	}
}

// Load reads the YAML config file at path, falling back to Default() values
// for any field absent from the file. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0640)
}

// Context is the process-wide state threaded explicitly through the CLI and
// daemon entrypoints
type Context struct {
	Paths  Paths
	Config Config
}

// NewContext resolves paths for dev or production mode and loads config.
func NewContext(devMode bool) (*Context, error) {
	paths := ProdPaths()
	if devMode {
		paths = DevPaths()
	}

	if err := os.MkdirAll(paths.BaseDir, 0750); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(paths.CachePath, 0750); err != nil {
		return nil, err
	}

	cfg, err := Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	cfg.DevMode = devMode
	if devMode {
		if cfg.HTTPPort == ProdPort {
			cfg.HTTPPort = DevPort
		}
		if cfg.DiscoveryPort == ProdDiscoveryPort {
			cfg.DiscoveryPort = DevDiscoveryPort
		}
	}

	return &Context{Paths: paths, Config: cfg}, nil
}

// WatchConfig reloads the config file on write and invokes onChange with the
// newly parsed value. The caller owns the returned watcher's lifetime and
// must call Close when done.
func WatchConfig(path string, onChange func(Config)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if cfg, err := Load(path); err == nil {
					onChange(cfg)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}
