// Package legacycfg reads the legacy urpmi media configuration at
// /etc/urpmi/urpmi.cfg so existing installs can be imported into the
// catalog on demand. The file is never written back.
//
// The grammar is a global option stanza followed by media blocks:
//
//	{ key value }
//	<name> <url> {
//	  key value
//	  flag
//	}
//
// Media names may escape embedded spaces with a backslash.
package legacycfg

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
)

// DefaultPath is where urpmi kept its media configuration.
const DefaultPath = "/etc/urpmi/urpmi.cfg"

var (
	blockHeadPattern = regexp.MustCompile(`^(.*?)\s*\{\s*$`)
	keyValPattern    = regexp.MustCompile(`^(\S+)\s+(.*?)\s*;?\s*$`)
	flagPattern      = regexp.MustCompile(`^([\w-]+)\s*;?\s*$`)
	commentPattern   = regexp.MustCompile(`(^$)|(^\s+$)|(^#)`)
)

// MediaEntry is one parsed media block.
type MediaEntry struct {
	Name    string
	URL     string
	Options map[string]string // key value pairs
	Flags   []string          // bare flags like "update" or "ignore"
}

// Config is the parsed legacy configuration.
type Config struct {
	Global map[string]string
	Media  []MediaEntry
}

// Load parses the legacy config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the legacy grammar from r.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{Global: make(map[string]string)}

	var current *MediaEntry
	inGlobal := false

	n := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		n++
		s := strings.TrimSpace(scanner.Text())

		if commentPattern.MatchString(s) {
			continue
		}

		if matches := blockHeadPattern.FindStringSubmatch(s); matches != nil {
			head := strings.TrimSpace(matches[1])
			if head == "" {
				// Anonymous block is the global stanza.
				inGlobal = true
				continue
			}
			name, url, err := splitNameURL(head)
			if err != nil {
				return nil, errors.WithMessagef(err, "line %d", n)
			}
			current = &MediaEntry{Name: name, URL: url, Options: make(map[string]string)}
			continue
		}

		if s == "}" {
			if current != nil {
				cfg.Media = append(cfg.Media, *current)
				current = nil
			}
			inGlobal = false
			continue
		}

		if matches := flagPattern.FindStringSubmatch(s); matches != nil {
			if current != nil {
				current.Flags = append(current.Flags, matches[1])
			} else if inGlobal {
				cfg.Global[matches[1]] = ""
			}
			continue
		}

		if matches := keyValPattern.FindStringSubmatch(s); matches != nil {
			key, val := matches[1], matches[2]
			switch {
			case current != nil:
				current.Options[key] = val
			case inGlobal:
				cfg.Global[key] = val
			}
			continue
		}

		return nil, errors.Errorf("line %d: cannot parse %q", n, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current != nil {
		return nil, errors.Errorf("unterminated media block %q", current.Name)
	}
	return cfg, nil
}

// splitNameURL separates "<name> <url>" where the name may contain
// backslash-escaped spaces.
func splitNameURL(head string) (name, url string, err error) {
	var b strings.Builder
	i := 0
	for i < len(head) {
		c := head[i]
		if c == '\\' && i+1 < len(head) {
			b.WriteByte(head[i+1])
			i += 2
			continue
		}
		if c == ' ' || c == '\t' {
			break
		}
		b.WriteByte(c)
		i++
	}
	name = b.String()
	url = strings.TrimSpace(head[i:])
	if name == "" || url == "" {
		return "", "", errors.Errorf("malformed media header %q", head)
	}
	return name, url, nil
}

// Import creates catalog media and server rows from a parsed legacy
// config. Each distinct URL host becomes a server; media marked "ignore"
// import as disabled, and the "update" flag carries over.
func Import(store *catalog.Store, cfg *Config) (imported int, err error) {
	for _, m := range cfg.Media {
		base, mediaPath := splitServerURL(m.URL)

		srvName := serverNameFor(base)
		srv := catalog.Server{Name: srvName, BaseURL: base, Enabled: true}
		if err := store.AddServer(srv); err != nil {
			// An already-imported server is fine; media from several blocks
			// share it.
			if existing, lookupErr := store.Servers(); lookupErr != nil || !containsServer(existing, srvName) {
				return imported, errors.WithMessagef(err, "importing server %s", srvName)
			}
		}

		media := catalog.Media{
			Name:       m.Name,
			ShortID:    shortIDFor(m.Name),
			Path:       mediaPath,
			Enabled:    !hasFlag(m, "ignore"),
			UpdateFlag: hasFlag(m, "update"),
		}
		if v, ok := m.Options["priority"]; ok {
			media.Priority, _ = strconv.Atoi(v)
		}
		if err := store.AddMedia(media); err != nil {
			return imported, errors.WithMessagef(err, "importing media %s", m.Name)
		}
		if err := store.LinkServerMedia(srvName, m.Name); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func hasFlag(m MediaEntry, flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func containsServer(servers []catalog.Server, name string) bool {
	for _, s := range servers {
		if s.Name == name {
			return true
		}
	}
	return false
}

// splitServerURL separates a media URL into the server base (scheme+host)
// and the media path under it.
func splitServerURL(url string) (base, mediaPath string) {
	rest := url
	scheme := ""
	if i := strings.Index(url, "://"); i >= 0 {
		scheme = url[:i+3]
		rest = url[i+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		return scheme + rest[:i], strings.Trim(rest[i:], "/")
	}
	return url, ""
}

func serverNameFor(base string) string {
	name := base
	if i := strings.Index(name, "://"); i >= 0 {
		name = name[i+3:]
	}
	return name
}

func shortIDFor(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('_')
		}
	}
	return b.String()
}
