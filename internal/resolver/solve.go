package resolver

import (
	"fmt"
	"strings"

	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

// solver holds the mutable state of a single Solve run: which candidates
// end up selected (present after the transaction), which are freshly
// scheduled for install, and which are scheduled for removal. Plain maps
// stand in for a SAT solver's decision queue; the dependency shape here
// never needs clause learning.
type solver struct {
	pool *Pool
	opts Options

	selected  map[PackageID]bool
	toInstall map[PackageID]bool
	toErase   map[PackageID]bool
	upgrades  []Upgrade
	skipped   []SkippedHeld
	visiting  map[PackageID]bool
}

// Upgrade pairs an installed candidate with the candidate replacing it.
type Upgrade struct {
	From Candidate
	To   Candidate
}

// SkippedHeld records a held package that blocked an automatic
// replacement; upgrade reports these instead of failing.
type SkippedHeld struct {
	Package string
	By      string
	Reason  string
}

// Transaction is the resolver's output:
// ToInstall/ToUpgrade are ordered dependency-first, ToErase is ordered
// dependents-first.
type Transaction struct {
	ToInstall []Candidate
	ToUpgrade []Upgrade
	ToErase   []Candidate
	Skipped   []SkippedHeld
}

func newSolver(pool *Pool, opts Options) *solver {
	s := &solver{
		pool:      pool,
		opts:      opts,
		selected:  make(map[PackageID]bool),
		toInstall: make(map[PackageID]bool),
		toErase:   make(map[PackageID]bool),
		visiting:  make(map[PackageID]bool),
	}
	for i := 0; i < pool.Len(); i++ {
		c := pool.Get(PackageID(i))
		if c.Installed {
			s.selected[c.ID] = true
		}
	}
	return s
}

// Solve translates jobs against pool into a Transaction, or returns one of
// Unsatisfiable, *Conflicting, *HeldWouldBeObsoleted, or *Ambiguous.
func Solve(pool *Pool, jobs []Job, opts Options) (*Transaction, error) {
	s := newSolver(pool, opts)

	for _, job := range jobs {
		if err := s.applyJob(job); err != nil {
			return nil, err
		}
	}

	return s.buildTransaction(), nil
}

func (s *solver) applyJob(job Job) error {
	switch job.Kind {
	case JobInstall:
		return s.install(job)
	case JobErase:
		return s.eraseJob(job)
	case JobUpgrade:
		if job.Target == "" || job.Target == "all" {
			return s.upgradeAll(job)
		}
		return s.upgradeOne(job, job.Target)
	case JobDistUpgrade:
		s.opts.AllowDowngrade = true
		return s.upgradeAll(job)
	default:
		return fmt.Errorf("unknown job kind %d", job.Kind)
	}
}

func (s *solver) install(job Job) error {
	cands := filterBlacklist(s.opts, s.candidatesForTarget(job.Target))
	if len(cands) == 0 {
		return &Unsatisfiable{Job: job, ProblemChain: []ProblemStep{
			{Job: job, Reason: fmt.Sprintf("nothing provides %s", job.Target)},
		}}
	}

	best, tied := bestCandidate(s.opts, s.opts.Preferences, cands)
	if tied {
		return &Ambiguous{Choice: ChoicePoint{Capability: job.Target, Candidates: cands}}
	}

	return s.selectCandidate(job, best, true)
}

func (s *solver) eraseJob(job Job) error {
	var installed *Candidate
	for _, c := range s.pool.ByName(job.Target) {
		if c.Installed && s.selected[c.ID] {
			cc := c
			installed = &cc
			break
		}
	}
	if installed == nil {
		return &Unsatisfiable{Job: job, ProblemChain: []ProblemStep{
			{Job: job, Reason: fmt.Sprintf("%s is not installed", job.Target)},
		}}
	}

	if isHeld(s.opts, installed.Package.Name) && !s.opts.Force {
		return &HeldWouldBeObsoleted{
			Package: installed.Package.Name,
			By:      "erase",
			Reason:  s.opts.Held[installed.Package.Name],
		}
	}

	s.toErase[installed.ID] = true
	delete(s.selected, installed.ID)

	if s.opts.EraseRecommends {
		for _, rec := range installed.Package.Recommends {
			for _, c := range s.pool.WhatProvides(rec) {
				if c.Installed && s.selected[c.ID] {
					s.toErase[c.ID] = true
					delete(s.selected, c.ID)
				}
			}
		}
	}
	return nil
}

// upgradeOne resolves a single-package upgrade. Held packages are skipped
// rather than failing the job, the same as upgradeAll, since "upgrade" never
// names a package the caller explicitly wants removed (unlike erase).
func (s *solver) upgradeOne(job Job, name string) error {
	var installed *Candidate
	for _, c := range s.pool.ByName(name) {
		if c.Installed && s.selected[c.ID] {
			cc := c
			installed = &cc
			break
		}
	}
	if installed == nil {
		return &Unsatisfiable{Job: job, ProblemChain: []ProblemStep{
			{Job: job, Reason: fmt.Sprintf("%s is not installed", name)},
		}}
	}

	var available []Candidate
	for _, c := range s.pool.ByName(name) {
		if !c.Installed {
			available = append(available, c)
		}
	}
	available = filterBlacklist(s.opts, available)
	if len(available) == 0 {
		return nil
	}

	best, tied := bestCandidate(s.opts, s.opts.Preferences, available)
	if tied {
		return &Ambiguous{Choice: ChoicePoint{Capability: name, RequiredBy: "upgrade", Candidates: available}}
	}

	cmp := rpmmodel.CompareEVR(best.Package.EVRString(), installed.Package.EVRString())
	if cmp < 0 && !s.opts.AllowDowngrade {
		return nil
	}
	if cmp == 0 {
		return nil
	}

	return s.selectCandidate(job, best, false)
}

func (s *solver) upgradeAll(job Job) error {
	// Cross-name obsoletions first: a candidate like dhcpcd carrying
	// Obsoletes: dhcp-client must be discovered by a bare upgrade even
	// though no installed package shares its name.
	if err := s.obsoletionPass(job); err != nil {
		return err
	}

	seen := map[string]bool{}
	var names []string
	for id := range s.selected {
		c := s.pool.Get(id)
		if c.Installed && !seen[c.Package.Name] {
			seen[c.Package.Name] = true
			names = append(names, c.Package.Name)
		}
	}
	sortStrings(names)

	for _, name := range names {
		if s.opts.Blacklist[name] {
			continue
		}
		if err := s.upgradeOne(job, name); err != nil {
			if _, ok := err.(*Unsatisfiable); ok {
				continue // nothing to upgrade to, not a failure for a bulk job
			}
			return err
		}
	}
	return nil
}

// obsoletionPass routes every available candidate whose Obsoletes is
// satisfied by an installed package of a different name through
// selectCandidate, the same replacement path an explicit install takes.
// Held targets are skipped and recorded, never fatal for a bulk upgrade.
func (s *solver) obsoletionPass(job Job) error {
	byName := map[string][]Candidate{}
	var names []string
	for i := 0; i < s.pool.Len(); i++ {
		cand := s.pool.Get(PackageID(i))
		if cand.Installed || s.selected[cand.ID] || s.opts.Blacklist[cand.Package.Name] {
			continue
		}
		if !s.obsoletesInstalled(cand) {
			continue
		}
		if _, ok := byName[cand.Package.Name]; !ok {
			names = append(names, cand.Package.Name)
		}
		byName[cand.Package.Name] = append(byName[cand.Package.Name], cand)
	}
	sortStrings(names)

	for _, name := range names {
		best, tied := bestCandidate(s.opts, s.opts.Preferences, byName[name])
		if tied {
			return &Ambiguous{Choice: ChoicePoint{Capability: name, RequiredBy: "upgrade", Candidates: byName[name]}}
		}
		if err := s.selectCandidate(job, best, false); err != nil {
			return err
		}
	}
	return nil
}

// obsoletesInstalled reports whether cand obsoletes a still-selected
// installed package under a different name.
func (s *solver) obsoletesInstalled(cand Candidate) bool {
	for _, obs := range cand.Package.Obsoletes {
		for _, c := range s.pool.WhatProvides(obs) {
			if c.Installed && s.selected[c.ID] && c.Package.Name != cand.Package.Name {
				return true
			}
		}
	}
	return false
}

// selectCandidate schedules cand to be present after the transaction,
// replacing any installed package of the same name, enforcing conflicts,
// and recursively resolving cand's requires (and, if enabled, recommends).
// topLevel controls whether a held-package obstruction fails the job
// outright (true, for an explicit install target) or is silently skipped
// and recorded (false, while resolving a dependency or an upgrade).
func (s *solver) selectCandidate(job Job, cand Candidate, topLevel bool) error {
	if s.selected[cand.ID] {
		return nil
	}

	for _, prev := range s.installedSameName(cand.Package.Name) {
		if prev.ID == cand.ID {
			continue
		}
		if blocked := s.replaceInstalled(prev, cand, true); blocked {
			if topLevel {
				return &HeldWouldBeObsoleted{
					Package: prev.Package.Name,
					By:      cand.Package.NEVRA.String(),
					Reason:  s.opts.Held[prev.Package.Name],
				}
			}
			return nil
		}
	}

	for _, obs := range cand.Package.Obsoletes {
		for _, c := range s.pool.WhatProvides(obs) {
			if !c.Installed || !s.selected[c.ID] || c.ID == cand.ID {
				continue
			}
			if blocked := s.replaceInstalled(c, cand, false); blocked {
				if topLevel {
					return &HeldWouldBeObsoleted{
						Package: c.Package.Name,
						By:      cand.Package.NEVRA.String(),
						Reason:  s.opts.Held[c.Package.Name],
					}
				}
				return nil
			}
		}
	}

	if err := s.checkConflicts(cand); err != nil {
		return err
	}

	s.selected[cand.ID] = true
	if !cand.Installed {
		s.toInstall[cand.ID] = true
	}
	delete(s.toErase, cand.ID)

	if !s.opts.NoDeps {
		for _, req := range cand.Package.Requires {
			if err := s.satisfyRequirement(job, req, cand); err != nil {
				return err
			}
		}
	}

	if s.opts.WithRecommends {
		for _, rec := range cand.Package.Recommends {
			_ = s.satisfyRequirement(job, rec, cand) // soft: failure never fails the job
		}
	}
	// Suggests are never auto-included unless explicitly requested.
	if s.opts.WithSuggests {
		for _, sug := range cand.Package.Suggests {
			_ = s.satisfyRequirement(job, sug, cand)
		}
	}

	return nil
}

func (s *solver) satisfyRequirement(job Job, req rpmmodel.Capability, requiredBy Candidate) error {
	for id := range s.selected {
		if s.toErase[id] {
			continue
		}
		if s.pool.Get(id).Package.Satisfies(req) {
			return nil
		}
	}

	cands := filterBlacklist(s.opts, s.pool.WhatProvides(req))
	if len(cands) == 0 {
		return &Unsatisfiable{Job: job, ProblemChain: []ProblemStep{
			{Job: job, Reason: fmt.Sprintf("nothing provides %s required by %s", req, requiredBy.Package.Name)},
		}}
	}

	best, tied := bestCandidate(s.opts, s.opts.Preferences, cands)
	if tied {
		return &Ambiguous{Choice: ChoicePoint{
			Capability: req.String(), RequiredBy: requiredBy.Package.Name, Candidates: cands,
		}}
	}

	if s.visiting[best.ID] {
		return nil
	}
	s.visiting[best.ID] = true
	defer delete(s.visiting, best.ID)

	return s.selectCandidate(job, best, false)
}

// replaceInstalled schedules prev's removal in favor of by, unless prev is
// held, in which case the replacement is skipped and recorded. A same-name
// replacement is an upgrade pair; an obsoletion keeps its install and erase
// sides separate.
func (s *solver) replaceInstalled(prev, by Candidate, asUpgrade bool) (blocked bool) {
	if isHeld(s.opts, prev.Package.Name) && !s.opts.Force {
		s.skipped = append(s.skipped, SkippedHeld{
			Package: prev.Package.Name,
			By:      by.Package.NEVRA.String(),
			Reason:  s.opts.Held[prev.Package.Name],
		})
		return true
	}

	s.toErase[prev.ID] = true
	delete(s.selected, prev.ID)
	if asUpgrade {
		s.upgrades = append(s.upgrades, Upgrade{From: prev, To: by})
	}
	return false
}

func (s *solver) checkConflicts(cand Candidate) error {
	for _, cf := range cand.Package.Conflicts {
		for _, c := range s.pool.WhatProvides(cf) {
			if c.ID == cand.ID || !s.selected[c.ID] || s.toErase[c.ID] {
				continue
			}
			if s.opts.Force {
				continue
			}
			return &Conflicting{A: cand, B: c}
		}
	}

	for id := range s.selected {
		if s.toErase[id] || id == cand.ID {
			continue
		}
		c := s.pool.Get(id)
		for _, cf := range c.Package.Conflicts {
			if cand.Package.Satisfies(cf) {
				if s.opts.Force {
					continue
				}
				return &Conflicting{A: c, B: cand}
			}
		}
	}
	return nil
}

func (s *solver) installedSameName(name string) []Candidate {
	var out []Candidate
	for _, c := range s.pool.ByName(name) {
		if c.Installed && s.selected[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// candidatesForTarget resolves an install target: a name, a
// file path, or a bare/versioned capability expression.
func (s *solver) candidatesForTarget(target string) []Candidate {
	if strings.HasPrefix(target, "/") {
		return s.pool.WhatProvides(rpmmodel.Capability{Name: target})
	}
	if cands := s.pool.ByName(target); len(cands) > 0 {
		return cands
	}
	// An exact NEVRA string pins one concrete build (the undo path installs
	// at the recorded NEVRA, never "latest").
	if n := rpmmodel.ParseNEVRA(target); n.Release != "" {
		var exact []Candidate
		for _, c := range s.pool.ByName(n.Name) {
			if c.Package.NEVRA.String() == target {
				exact = append(exact, c)
			}
		}
		if len(exact) > 0 {
			return exact
		}
	}
	return s.pool.WhatProvides(parseCapabilityExpr(target))
}

// parseCapabilityExpr parses "name", "name = evr", "name >= evr", etc.
func parseCapabilityExpr(target string) rpmmodel.Capability {
	for _, op := range []string{">=", "<=", "==", "=", ">", "<"} {
		if i := strings.Index(target, op); i >= 0 {
			name := strings.TrimSpace(target[:i])
			evr := strings.TrimSpace(target[i+len(op):])
			return rpmmodel.Capability{Name: name, Op: rpmmodel.ParseOp(op), EVR: evr}
		}
	}
	return rpmmodel.Capability{Name: strings.TrimSpace(target)}
}

func filterBlacklist(opts Options, cands []Candidate) []Candidate {
	if len(opts.Blacklist) == 0 {
		return cands
	}
	out := cands[:0:0]
	for _, c := range cands {
		if !opts.Blacklist[c.Package.Name] {
			out = append(out, c)
		}
	}
	return out
}

func (s *solver) buildTransaction() *Transaction {
	// Upgrade pairs are reported once, in ToUpgrade: drop their To side
	// from the install set and their From side from the erase set.
	installs := make(map[PackageID]bool, len(s.toInstall))
	for id := range s.toInstall {
		installs[id] = true
	}
	erases := make(map[PackageID]bool, len(s.toErase))
	for id := range s.toErase {
		erases[id] = true
	}
	for _, up := range s.upgrades {
		delete(installs, up.To.ID)
		delete(erases, up.From.ID)
	}

	installOrder := s.topoSort(installs)
	eraseOrder := reverseCandidates(s.topoSort(erases))

	return &Transaction{
		ToInstall: installOrder,
		ToUpgrade: s.upgrades,
		ToErase:   eraseOrder,
		Skipped:   s.skipped,
	}
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

func reverseCandidates(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	for i, c := range cands {
		out[len(cands)-1-i] = c
	}
	return out
}
