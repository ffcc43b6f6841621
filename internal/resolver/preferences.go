package resolver

import (
	"strings"

	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

// ParsePreferences parses the preference token list:
// "name:version" (require/prefer a versioned capability), "pattern"
// (upweight any candidate matching on provides/requires), "-pattern"
// (downweight/forbid). Example: `--prefer=php:8.4,apache,php-fpm,-apache-mod_php`.
func ParsePreferences(tokens []string) []Preference {
	out := make([]Preference, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		negative := false
		if strings.HasPrefix(tok, "-") {
			negative = true
			tok = tok[1:]
		}

		if i := strings.Index(tok, ":"); i >= 0 {
			name, version := tok[:i], tok[i+1:]
			cap := rpmmodel.Capability{Name: name, Op: rpmmodel.OpEQ, EVR: version}
			out = append(out, Preference{NameVersion: &cap, Negative: negative})
			continue
		}

		out = append(out, Preference{Pattern: tok, Negative: negative})
	}
	return out
}
