package resolver

import "sort"

// topoSort orders ids dependency-first: if A requires a capability B
// provides, B precedes A. Residual cycles (two packages in a mutual
// requires loop; the pool makes no acyclicity guarantee) fall back to
// NEVRA order for the tied remainder rather than failing the transaction.
func (s *solver) topoSort(ids map[PackageID]bool) []Candidate {
	if len(ids) == 0 {
		return nil
	}

	indeg := make(map[PackageID]int, len(ids))
	dependents := make(map[PackageID][]PackageID)
	for id := range ids {
		indeg[id] = 0
	}

	for id := range ids {
		cand := s.pool.Get(id)
		for _, req := range cand.Package.Requires {
			for _, p := range s.pool.WhatProvides(req) {
				if p.ID == id || !ids[p.ID] {
					continue
				}
				dependents[p.ID] = append(dependents[p.ID], id)
				indeg[id]++
			}
		}
	}

	less := func(a, b PackageID) bool {
		return s.pool.Get(a).Package.NEVRA.String() < s.pool.Get(b).Package.NEVRA.String()
	}

	var ready []PackageID
	for id := range ids {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	var order []PackageID
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var freed []PackageID
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Slice(freed, func(i, j int) bool { return less(freed[i], freed[j]) })
		ready = append(ready, freed...)
	}

	if len(order) < len(ids) {
		placed := make(map[PackageID]bool, len(order))
		for _, id := range order {
			placed[id] = true
		}
		var leftover []PackageID
		for id := range ids {
			if !placed[id] {
				leftover = append(leftover, id)
			}
		}
		sort.Slice(leftover, func(i, j int) bool { return less(leftover[i], leftover[j]) })
		order = append(order, leftover...)
	}

	out := make([]Candidate, len(order))
	for i, id := range order {
		out[i] = s.pool.Get(id)
	}
	return out
}
