package resolver

import "fmt"

// ChoicePoint is an unresolved alternative: a required capability with
// two or more non-installed providers and no preference to disambiguate.
// The front-end resolves it and re-enters the solver.
type ChoicePoint struct {
	Capability  string
	RequiredBy  string
	Candidates  []Candidate
	ReasonChain []string
}

// ProblemStep is one link in an unsatisfiable job's reason chain.
type ProblemStep struct {
	Job    Job
	Reason string
}

// Unsatisfiable is returned when a job list cannot be satisfied at all.
type Unsatisfiable struct {
	Job          Job
	ProblemChain []ProblemStep
}

func (e *Unsatisfiable) Error() string {
	return fmt.Sprintf("nothing provides a candidate for %s %s", jobKindName(e.Job.Kind), e.Job.Target)
}

// Conflicting is returned when the satisfying set would contain two
// mutually-conflicting candidates and -force was not given.
type Conflicting struct {
	A, B Candidate
}

func (e *Conflicting) Error() string {
	return fmt.Sprintf("%s conflicts with %s", e.A.Package.NEVRA, e.B.Package.NEVRA)
}

// HeldWouldBeObsoleted is returned when an upgrade/distupgrade would
// obsolete a held package.
type HeldWouldBeObsoleted struct {
	Package string
	By      string
	Reason  string
}

func (e *HeldWouldBeObsoleted) Error() string {
	return fmt.Sprintf("%s is held (%s), would be obsoleted by %s", e.Package, e.Reason, e.By)
}

// Ambiguous wraps a ChoicePoint as an error so a single resolver run can
// either succeed or fail with one of these four kinds uniformly.
type Ambiguous struct {
	Choice ChoicePoint
}

func (e *Ambiguous) Error() string {
	return fmt.Sprintf("ambiguous: capability %q has %d candidate providers", e.Choice.Capability, len(e.Choice.Candidates))
}

func jobKindName(k JobKind) string {
	switch k {
	case JobInstall:
		return "install"
	case JobErase:
		return "erase"
	case JobUpgrade:
		return "upgrade"
	case JobDistUpgrade:
		return "distupgrade"
	default:
		return "job"
	}
}
