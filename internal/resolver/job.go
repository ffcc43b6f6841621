package resolver

import (
	"strings"

	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

// JobKind enumerates the job types.
type JobKind int

const (
	JobInstall JobKind = iota
	JobErase
	JobUpgrade
	JobDistUpgrade
)

// Job is one requested operation paragraph. Target
// is interpreted per Kind: for JobInstall it may be a package name, a file
// path, or a capability expression string; for JobErase/JobUpgrade it is a
// package name, or "all" for a full-system upgrade.
type Job struct {
	Kind   JobKind
	Target string
}

// Options configures a single resolver run.
type Options struct {
	AllowDowngrade  bool
	WithRecommends  bool // default true, set by NewOptions
	WithSuggests    bool // default false
	EraseRecommends bool
	Force           bool
	NoDeps          bool
	Preferences     []Preference
	Held            map[string]string // name -> reason
	Blacklist       map[string]bool
	MediaPriority   map[string]int
	SystemArch      string
	Locale          string
}

// NewOptions returns Options with the documented defaults applied
// (with-recommends on, with-suggests off).
func NewOptions() Options {
	return Options{
		WithRecommends: true,
		Held:           map[string]string{},
		Blacklist:      map[string]bool{},
		MediaPriority:  map[string]int{},
	}
}

// Preference is one parsed token from the preferences syntax.
type Preference struct {
	// Exactly one of NameVersion or Pattern is set.
	NameVersion *rpmmodel.Capability
	Pattern     string
	Negative    bool // "-pattern": downweight/forbid
}

// matchesPackage reports whether a preference applies to a candidate
// package: "guidance applied to the capability layer...
// a candidate is favored if any of its provides/requires match."
func (pr Preference) matchesPackage(pkg *rpmmodel.Package) bool {
	if pr.NameVersion != nil {
		return pkg.Satisfies(*pr.NameVersion)
	}
	for _, c := range pkg.Provides {
		if containsSubstring(c.Name, pr.Pattern) {
			return true
		}
	}
	for _, c := range pkg.Requires {
		if containsSubstring(c.Name, pr.Pattern) {
			return true
		}
	}
	return containsSubstring(pkg.Name, pr.Pattern)
}

func containsSubstring(s, sub string) bool {
	if sub == "" {
		return false
	}
	return strings.Contains(s, sub)
}
