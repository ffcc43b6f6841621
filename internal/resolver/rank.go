package resolver

import "github.com/cavaliercoder/urpm-ng/internal/rpmmodel"

// preferenceScore sums how strongly prefs favor (positive) or disfavor
// (negative) a candidate package. Preferences are guidance, never a hard
// override, so a "-pattern" match is a heavy downweight rather than an
// outright exclusion, and an unmatched preference is a no-op.
func preferenceScore(prefs []Preference, pkg *rpmmodel.Package) int {
	score := 0
	for _, pr := range prefs {
		if !pr.matchesPackage(pkg) {
			continue
		}
		if pr.Negative {
			score -= 1000
		} else {
			score += 10
		}
	}
	return score
}

// better reports whether a ranks ahead of b under the candidate
// ranking tie-break order: held-and-installed → preference-favored →
// higher media priority → newer EVR → same-arch-as-system → locale match.
func better(opts Options, prefs []Preference, a, b Candidate) bool {
	aHeld := a.Installed && isHeld(opts, a.Package.Name)
	bHeld := b.Installed && isHeld(opts, b.Package.Name)
	if aHeld != bHeld {
		return aHeld
	}

	aScore := preferenceScore(prefs, a.Package)
	bScore := preferenceScore(prefs, b.Package)
	if aScore != bScore {
		return aScore > bScore
	}

	if a.MediaPriority != b.MediaPriority {
		return a.MediaPriority > b.MediaPriority
	}

	if cmp := rpmmodel.CompareEVR(a.Package.EVRString(), b.Package.EVRString()); cmp != 0 {
		return cmp > 0
	}

	aArch := a.Package.Arch == opts.SystemArch
	bArch := b.Package.Arch == opts.SystemArch
	if aArch != bArch {
		return aArch
	}

	aLocale := opts.Locale != "" && hasSuffix(a.Package.Name, opts.Locale)
	bLocale := opts.Locale != "" && hasSuffix(b.Package.Name, opts.Locale)
	if aLocale != bLocale {
		return aLocale
	}

	return a.Package.NEVRA.String() < b.Package.NEVRA.String()
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func isHeld(opts Options, name string) bool {
	_, ok := opts.Held[name]
	return ok
}

// bestCandidate picks a winner from cands:
// candidates are first grouped by package name (different versions of the
// same provider are never ambiguous with each other — better() picks the
// top one per name), then the per-name representatives are compared on
// preference score alone. If more than one distinct-named provider ties for
// the top preference score, the choice is genuinely ambiguous and tied is
// true; otherwise the top-scoring representative wins.
func bestCandidate(opts Options, prefs []Preference, cands []Candidate) (best Candidate, tied bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}

	var order []string
	groups := make(map[string][]Candidate)
	for _, c := range cands {
		if _, ok := groups[c.Package.Name]; !ok {
			order = append(order, c.Package.Name)
		}
		groups[c.Package.Name] = append(groups[c.Package.Name], c)
	}

	type rep struct {
		cand  Candidate
		score int
	}
	reps := make([]rep, 0, len(order))
	for _, name := range order {
		group := groups[name]
		top := group[0]
		for _, c := range group[1:] {
			if better(opts, prefs, c, top) {
				top = c
			}
		}
		reps = append(reps, rep{cand: top, score: preferenceScore(prefs, top.Package)})
	}

	bestRep := reps[0]
	for _, r := range reps[1:] {
		if r.score > bestRep.score {
			bestRep = r
		}
	}

	tiedCount := 0
	for _, r := range reps {
		if r.score == bestRep.score {
			tiedCount++
		}
	}
	return bestRep.cand, tiedCount > 1
}
