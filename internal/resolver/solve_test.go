package resolver

import (
	"testing"

	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

func pkg(name, version, release, arch string) *rpmmodel.Package {
	return &rpmmodel.Package{
		NEVRA: rpmmodel.NEVRA{Name: name, Version: version, Release: release, Arch: arch},
	}
}

func requires(p *rpmmodel.Package, names ...string) *rpmmodel.Package {
	for _, n := range names {
		p.Requires = append(p.Requires, rpmmodel.Capability{Name: n})
	}
	return p
}

func provides(p *rpmmodel.Package, names ...string) *rpmmodel.Package {
	for _, n := range names {
		p.Provides = append(p.Provides, rpmmodel.Capability{Name: n})
	}
	return p
}

func TestInstallResolvesTransitiveRequires(t *testing.T) {
	top := requires(pkg("httpd", "2.4.58", "1", "x86_64"), "libc")
	dep := pkg("glibc", "2.38", "1", "x86_64")
	dep = provides(dep, "libc")

	pool := NewPool(nil, []*rpmmodel.Package{top, dep}, nil)

	tx, err := Solve(pool, []Job{{Kind: JobInstall, Target: "httpd"}}, NewOptions())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(tx.ToInstall) != 2 {
		t.Fatalf("want 2 packages installed, got %d: %+v", len(tx.ToInstall), tx.ToInstall)
	}
	if tx.ToInstall[0].Package.Name != "glibc" {
		t.Errorf("want glibc installed before httpd (dependency-first), got order %v", namesOf(tx.ToInstall))
	}
}

func TestInstallAmbiguousWithoutPreference(t *testing.T) {
	mta1 := provides(pkg("postfix", "3.8", "1", "x86_64"), "MTA")
	mta2 := provides(pkg("exim", "4.97", "1", "x86_64"), "MTA")

	pool := NewPool(nil, []*rpmmodel.Package{mta1, mta2}, nil)

	_, err := Solve(pool, []Job{{Kind: JobInstall, Target: "MTA"}}, NewOptions())
	amb, ok := err.(*Ambiguous)
	if !ok {
		t.Fatalf("want *Ambiguous, got %v (%T)", err, err)
	}
	if len(amb.Choice.Candidates) != 2 {
		t.Fatalf("want 2 candidates, got %d", len(amb.Choice.Candidates))
	}
}

func TestInstallDisambiguatedByPreference(t *testing.T) {
	mta1 := provides(pkg("postfix", "3.8", "1", "x86_64"), "MTA")
	mta2 := provides(pkg("exim", "4.97", "1", "x86_64"), "MTA")

	pool := NewPool(nil, []*rpmmodel.Package{mta1, mta2}, nil)

	opts := NewOptions()
	opts.Preferences = ParsePreferences([]string{"postfix"})

	tx, err := Solve(pool, []Job{{Kind: JobInstall, Target: "MTA"}}, opts)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(tx.ToInstall) != 1 || tx.ToInstall[0].Package.Name != "postfix" {
		t.Fatalf("want postfix selected, got %+v", tx.ToInstall)
	}
}

func TestUpgradeAllSkipsHeldPackage(t *testing.T) {
	installed := pkg("dhcp-client", "4.4.3", "1", "x86_64")
	newer := pkg("dhcp-client", "4.4.5", "1", "x86_64")

	pool := NewPool([]*rpmmodel.Package{installed}, []*rpmmodel.Package{newer}, nil)

	opts := NewOptions()
	opts.Held = map[string]string{"dhcp-client": "pinned by site policy"}

	tx, err := Solve(pool, []Job{{Kind: JobUpgrade, Target: "all"}}, opts)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(tx.ToInstall) != 0 || len(tx.ToUpgrade) != 0 {
		t.Fatalf("want no changes for held package, got install=%v upgrade=%v", tx.ToInstall, tx.ToUpgrade)
	}
	if len(tx.Skipped) != 1 || tx.Skipped[0].Package != "dhcp-client" {
		t.Fatalf("want dhcp-client reported as skipped, got %+v", tx.Skipped)
	}
}

// A bare upgrade must discover a replacement living under a different
// name. dhcpcd obsoletes dhcp-client, so upgrade-all retires dhcp-client
// in its favor.
func TestUpgradeAllAppliesCrossNameObsoletion(t *testing.T) {
	installed := pkg("dhcp-client", "4.4", "1", "x86_64")
	repl := pkg("dhcpcd", "10", "1", "x86_64")
	repl.Obsoletes = []rpmmodel.Capability{{Name: "dhcp-client"}}

	pool := NewPool([]*rpmmodel.Package{installed}, []*rpmmodel.Package{repl}, nil)

	tx, err := Solve(pool, []Job{{Kind: JobUpgrade, Target: "all"}}, NewOptions())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(tx.ToInstall) != 1 || tx.ToInstall[0].Package.Name != "dhcpcd" {
		t.Fatalf("want dhcpcd installed, got %+v", tx.ToInstall)
	}
	if len(tx.ToErase) != 1 || tx.ToErase[0].Package.Name != "dhcp-client" {
		t.Fatalf("want dhcp-client erased, got %+v", tx.ToErase)
	}
}

// The same scenario with a hold on dhcp-client: upgrade must report the
// skip, leave dhcpcd out of the transaction, and succeed.
func TestUpgradeAllHeldBlocksObsoletion(t *testing.T) {
	installed := pkg("dhcp-client", "4.4", "1", "x86_64")
	repl := pkg("dhcpcd", "10", "1", "x86_64")
	repl.Obsoletes = []rpmmodel.Capability{{Name: "dhcp-client"}}

	pool := NewPool([]*rpmmodel.Package{installed}, []*rpmmodel.Package{repl}, nil)

	opts := NewOptions()
	opts.Held = map[string]string{"dhcp-client": "keep dhcpd"}

	tx, err := Solve(pool, []Job{{Kind: JobUpgrade, Target: "all"}}, opts)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(tx.ToInstall) != 0 || len(tx.ToUpgrade) != 0 || len(tx.ToErase) != 0 {
		t.Fatalf("held package must block the whole replacement, got %+v", tx)
	}
	if len(tx.Skipped) != 1 || tx.Skipped[0].Package != "dhcp-client" {
		t.Fatalf("want dhcp-client reported as skipped, got %+v", tx.Skipped)
	}
	if tx.Skipped[0].Reason != "keep dhcpd" {
		t.Errorf("skip must carry the hold reason, got %q", tx.Skipped[0].Reason)
	}
}

func TestEraseHeldPackageFails(t *testing.T) {
	installed := pkg("dhcp-client", "4.4.3", "1", "x86_64")
	pool := NewPool([]*rpmmodel.Package{installed}, nil, nil)

	opts := NewOptions()
	opts.Held = map[string]string{"dhcp-client": "pinned by site policy"}

	_, err := Solve(pool, []Job{{Kind: JobErase, Target: "dhcp-client"}}, opts)
	if _, ok := err.(*HeldWouldBeObsoleted); !ok {
		t.Fatalf("want *HeldWouldBeObsoleted, got %v (%T)", err, err)
	}
}

func TestInstallDetectsConflict(t *testing.T) {
	a := pkg("postfix", "3.8", "1", "x86_64")
	a.Conflicts = []rpmmodel.Capability{{Name: "exim"}}
	b := pkg("exim", "4.97", "1", "x86_64")

	pool := NewPool([]*rpmmodel.Package{b}, []*rpmmodel.Package{a}, nil)

	_, err := Solve(pool, []Job{{Kind: JobInstall, Target: "postfix"}}, NewOptions())
	if _, ok := err.(*Conflicting); !ok {
		t.Fatalf("want *Conflicting, got %v (%T)", err, err)
	}
}

func TestInstallObsoletesReplacesInstalledPackage(t *testing.T) {
	old := pkg("sendmail", "8.15", "1", "x86_64")
	repl := pkg("postfix", "3.8", "1", "x86_64")
	repl.Obsoletes = []rpmmodel.Capability{{Name: "sendmail"}}

	pool := NewPool([]*rpmmodel.Package{old}, []*rpmmodel.Package{repl}, nil)

	tx, err := Solve(pool, []Job{{Kind: JobInstall, Target: "postfix"}}, NewOptions())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(tx.ToErase) != 1 || tx.ToErase[0].Package.Name != "sendmail" {
		t.Fatalf("want sendmail erased, got %+v", tx.ToErase)
	}
	if len(tx.ToInstall) != 1 || tx.ToInstall[0].Package.Name != "postfix" {
		t.Fatalf("want postfix installed, got %+v", tx.ToInstall)
	}
}

func namesOf(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Package.Name
	}
	return out
}
