package legacycfg

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
)

const sampleCfg = `# generated by urpmi
{
  downloader wget
  curl-options --retry 3
}

Core\ Release http://mirror.example.org/distro/release/media/core {
  key-ids 80420f66
  update
}

Core\ Updates http://mirror.example.org/distro/updates/media/core {
  update;
  priority 5
}

Broken\ Media http://old.example.org/gone {
  ignore
}
`

func TestParseLegacyConfig(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleCfg))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Global["downloader"] != "wget" {
		t.Errorf("global downloader: %+v", cfg.Global)
	}
	if cfg.Global["curl-options"] != "--retry 3" {
		t.Errorf("global curl-options: %+v", cfg.Global)
	}

	if len(cfg.Media) != 3 {
		t.Fatalf("want 3 media, got %d: %+v", len(cfg.Media), cfg.Media)
	}

	core := cfg.Media[0]
	if core.Name != "Core Release" {
		t.Errorf("escaped space not unescaped: %q", core.Name)
	}
	if core.URL != "http://mirror.example.org/distro/release/media/core" {
		t.Errorf("url: %q", core.URL)
	}
	if core.Options["key-ids"] != "80420f66" {
		t.Errorf("options: %+v", core.Options)
	}
	if !hasFlag(core, "update") {
		t.Errorf("update flag lost: %+v", core.Flags)
	}

	// Semicolon-terminated flags parse the same as bare ones.
	if !hasFlag(cfg.Media[1], "update") {
		t.Errorf("update; flag lost: %+v", cfg.Media[1].Flags)
	}
	if cfg.Media[1].Options["priority"] != "5" {
		t.Errorf("priority option: %+v", cfg.Media[1].Options)
	}

	if !hasFlag(cfg.Media[2], "ignore") {
		t.Errorf("ignore flag lost: %+v", cfg.Media[2].Flags)
	}
}

func TestParseUnterminatedBlock(t *testing.T) {
	if _, err := Parse(strings.NewReader("Core http://x.org/core {\n  update\n")); err == nil {
		t.Fatal("unterminated block must error")
	}
}

func TestImportCreatesMediaAndServers(t *testing.T) {
	store, err := catalog.Open(filepath.Join(t.TempDir(), "packages.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	cfg, err := Parse(strings.NewReader(sampleCfg))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	n, err := Import(store, cfg)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 3 {
		t.Fatalf("want 3 imported, got %d", n)
	}

	m, err := store.Media("Core Updates")
	if err != nil {
		t.Fatalf("Media: %v", err)
	}
	if !m.UpdateFlag || m.Priority != 5 {
		t.Errorf("update/priority not carried over: %+v", m)
	}

	broken, err := store.Media("Broken Media")
	if err != nil {
		t.Fatalf("Media: %v", err)
	}
	if broken.Enabled {
		t.Error("ignored media must import as disabled")
	}

	// Both core media share one server row for the same host.
	servers, err := store.Servers()
	if err != nil {
		t.Fatal(err)
	}
	hosts := make(map[string]int)
	for _, s := range servers {
		hosts[s.Name]++
	}
	if hosts["mirror.example.org"] != 1 {
		t.Errorf("same-host media must share a server: %+v", servers)
	}
}
