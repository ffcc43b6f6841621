// Package resolver implements the dependency resolver:
// given an installed-package set, the catalog, a job list, and options, it
// produces a concrete transaction or a structured failure.
//
// This is a purpose-built solver for the package-dependency shape, not a
// SAT solver: each requirement takes its best-ranked provider once, and no
// earlier choice is revisited when a later requirement fails. It works
// over an id-keyed package pool in the style of libsolv's arena of
// solvables. Records are arena-allocated and keyed by id; dependency edges
// carry ids, never owning references, so cyclic package graphs cost
// nothing.
package resolver

import (
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

// PackageID is an arena index into a Pool, used for every dependency edge
// instead of a pointer, so cyclic package graphs need no owning refs.
type PackageID int

// Candidate is one package known to the pool, either already installed or
// available from a media.
type Candidate struct {
	ID        PackageID
	Package   *rpmmodel.Package
	Installed bool
	// MediaPriority is copied from the owning media at pool build time so
	// ranking doesn't need to look the media back up.
	MediaPriority int
}

// Pool is the arena of every package the resolver can reason about:
// installed-set ∪ catalog, a plain Go slice indexed by PackageID.
type Pool struct {
	candidates []Candidate
	byName     map[string][]PackageID
	byProvides map[string][]PackageID
	byFile     map[string][]PackageID
}

// NewPool builds a pool from the installed-package set and the catalog's
// available packages. Installed packages are interned first so their ids
// are stable regardless of how many media candidates follow.
func NewPool(installed []*rpmmodel.Package, available []*rpmmodel.Package, mediaPriority map[string]int) *Pool {
	p := &Pool{
		byName:     make(map[string][]PackageID),
		byProvides: make(map[string][]PackageID),
		byFile:     make(map[string][]PackageID),
	}

	for _, pkg := range installed {
		p.intern(pkg, true, 0)
	}
	for _, pkg := range available {
		p.intern(pkg, false, mediaPriority[pkg.MediaName])
	}
	return p
}

func (p *Pool) intern(pkg *rpmmodel.Package, installed bool, mediaPriority int) PackageID {
	id := PackageID(len(p.candidates))
	p.candidates = append(p.candidates, Candidate{
		ID: id, Package: pkg, Installed: installed, MediaPriority: mediaPriority,
	})

	p.byName[pkg.Name] = append(p.byName[pkg.Name], id)
	for _, c := range pkg.Provides {
		p.byProvides[c.Name] = append(p.byProvides[c.Name], id)
	}
	// A package's own name is an implicit capability (versioned at its own
	// EVR), and its files are capabilities too
	p.byProvides[pkg.Name] = append(p.byProvides[pkg.Name], id)
	for _, f := range pkg.Files {
		p.byFile[f] = append(p.byFile[f], id)
	}
	return id
}

// Get returns the candidate at id.
func (p *Pool) Get(id PackageID) Candidate { return p.candidates[id] }

// Len returns the number of interned candidates.
func (p *Pool) Len() int { return len(p.candidates) }

// ByName returns every candidate (installed or available) with the given
// package name.
func (p *Pool) ByName(name string) []Candidate {
	return p.resolveIDs(p.byName[name])
}

// WhatProvides returns every candidate satisfying the given capability,
// across both file-path and symbolic capability lookups
// ("a file path is a capability with name = path and no version").
func (p *Pool) WhatProvides(req rpmmodel.Capability) []Candidate {
	var ids []PackageID
	if req.IsFilePath() {
		ids = p.byFile[req.Name]
	} else {
		ids = p.byProvides[req.Name]
	}

	var out []Candidate
	for _, id := range ids {
		c := p.candidates[id]
		if c.Package.Satisfies(req) {
			out = append(out, c)
		}
	}
	return out
}

// resolveIDs materializes a slice of Candidate from a slice of PackageID.
func (p *Pool) resolveIDs(ids []PackageID) []Candidate {
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.candidates[id])
	}
	return out
}
