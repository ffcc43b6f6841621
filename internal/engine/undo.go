package engine

import (
	"fmt"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/resolver"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

// InverseJobs constructs the inverse of a completed history entry: packages
// the entry added become erase jobs; packages it removed become install
// jobs at the exact recorded NEVRA, sourced from the catalog. If a removed
// NEVRA is no longer present in any media, the inverse cannot be built and
// a nevra-unavailable error is returned.
func (e *Engine) InverseJobs(entry catalog.HistoryEntry) ([]resolver.Job, error) {
	if entry.Status != catalog.StatusComplete {
		return nil, xerrors.User("history entry %d is %s, not complete; nothing to undo", entry.ID, entry.Status)
	}

	var jobs []resolver.Job
	for _, hp := range entry.Packages {
		switch hp.Direction {
		case "added":
			n := rpmmodel.ParseNEVRA(hp.NEVRA)
			jobs = append(jobs, resolver.Job{Kind: resolver.JobErase, Target: n.Name})
		case "removed":
			if err := e.nevraAvailable(hp.NEVRA); err != nil {
				return nil, err
			}
			jobs = append(jobs, resolver.Job{Kind: resolver.JobInstall, Target: hp.NEVRA})
		}
	}
	return jobs, nil
}

// nevraAvailable verifies a recorded NEVRA is still reachable in some media.
func (e *Engine) nevraAvailable(nevra string) error {
	n := rpmmodel.ParseNEVRA(nevra)
	pkgs, err := e.Store.PackagesByName(n.Name)
	if err != nil {
		return err
	}
	for _, p := range pkgs {
		if p.NEVRA.String() == nevra {
			return nil
		}
	}
	return xerrors.Resolver("nevra-unavailable: %s is no longer present in any media", nevra)
}

// RollbackPlan returns the history entries an n-step rollback must undo,
// newest first. Entries already rolled back or failed are skipped; only
// complete entries count toward n.
func (e *Engine) RollbackPlan(n int) ([]catalog.HistoryEntry, error) {
	entries, err := e.Store.HistoryList(0)
	if err != nil {
		return nil, err
	}

	var plan []catalog.HistoryEntry
	for _, entry := range entries {
		if len(plan) == n {
			break
		}
		if entry.Status == catalog.StatusComplete {
			plan = append(plan, entry)
		}
	}
	if len(plan) < n {
		return nil, xerrors.User("only %d complete transaction(s) in history, cannot roll back %d", len(plan), n)
	}
	return plan, nil
}

// RollbackToPlan returns the complete entries applied strictly after t,
// newest first, so undoing them in order reaches the state recorded at t.
func (e *Engine) RollbackToPlan(t int64) ([]catalog.HistoryEntry, error) {
	entries, err := e.Store.HistoryList(0)
	if err != nil {
		return nil, err
	}

	var plan []catalog.HistoryEntry
	for _, entry := range entries {
		if entry.Timestamp <= t {
			break
		}
		if entry.Status == catalog.StatusComplete {
			plan = append(plan, entry)
		}
	}
	return plan, nil
}

// UndoDescription renders the originating command of an entry for the new
// undo entry's command field.
func UndoDescription(entry catalog.HistoryEntry) string {
	return fmt.Sprintf("undo %d (%s)", entry.ID, entry.Command)
}
