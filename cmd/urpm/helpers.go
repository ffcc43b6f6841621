package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/codegangsta/cli"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/config"
	"github.com/cavaliercoder/urpm-ng/internal/engine"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/peernet"
	"github.com/cavaliercoder/urpm-ng/internal/resolver"
	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

// appState is the per-invocation process state, assembled once and passed
// explicitly to every action.
type appState struct {
	Ctx    *config.Context
	Store  *catalog.Store
	Engine *engine.Engine
}

// open assembles the app state for an action. Callers must Close it.
func open(c *cli.Context) (*appState, error) {
	cctx, err := config.NewContext(c.GlobalBool("dev"))
	if err != nil {
		return nil, xerrors.Environment(err, "initializing configuration")
	}

	store, err := catalog.Open(cctx.Paths.DBPath)
	if err != nil {
		return nil, xerrors.Environment(err, "opening catalog")
	}

	peers := peernet.NewClient(store)
	dl := engine.NewDownloader(store, peers, cctx.Config.DownloadThreads)
	rpmExec := &engine.ExecRPM{Root: c.GlobalString("root"), Test: c.GlobalBool("test")}
	eng := engine.New(store, dl, rpmExec, cctx.Paths.CachePath)
	eng.Progress = func(p engine.Progress) {
		if p.Message != "" {
			log.Printf("%s\n", p.Message)
		}
	}

	return &appState{Ctx: cctx, Store: store, Engine: eng}, nil
}

func (a *appState) Close() {
	a.Store.Close()
}

// mustOpen is open with the standard failure path.
func mustOpen(c *cli.Context) *appState {
	a, err := open(c)
	if err != nil {
		fail(c, err)
	}
	return a
}

// resolverOptions loads persisted holds/blacklist/preferences plus any
// --prefer tokens into resolver options.
func (a *appState) resolverOptions(c *cli.Context) (resolver.Options, error) {
	opts := resolver.NewOptions()
	opts.SystemArch = runtime.GOARCH
	opts.Locale = localeTag()
	opts.AllowDowngrade = c.Bool("allow-downgrade")
	opts.Force = c.Bool("force")
	opts.NoDeps = c.Bool("nodeps")
	if c.IsSet("no-recommends") {
		opts.WithRecommends = false
	}
	opts.WithSuggests = c.Bool("with-suggests")

	holds, err := a.Store.Holds()
	if err != nil {
		return opts, err
	}
	for _, h := range holds {
		opts.Held[h.Name] = h.Reason
	}

	blacklist, err := a.Store.Blacklist()
	if err != nil {
		return opts, err
	}
	for _, b := range blacklist {
		opts.Blacklist[b] = true
	}

	persisted, err := a.Store.Preferences()
	if err != nil {
		return opts, err
	}
	var tokens []string
	for tok := range persisted {
		tokens = append(tokens, tok)
	}
	if prefer := c.String("prefer"); prefer != "" {
		tokens = append(tokens, strings.Split(prefer, ",")...)
	}
	opts.Preferences = resolver.ParsePreferences(tokens)

	return opts, nil
}

// buildPool loads the installed snapshot and every enabled media's packages.
func (a *appState) buildPool(c *cli.Context, opts *resolver.Options) (*resolver.Pool, error) {
	installed, err := engine.InstalledSnapshot(c.GlobalString("root"))
	if err != nil {
		return nil, xerrors.Environment(err, "reading installed packages")
	}

	media, err := a.Store.AllMedia()
	if err != nil {
		return nil, err
	}

	var available []*rpmmodel.Package
	for _, m := range media {
		if !m.Enabled {
			continue
		}
		opts.MediaPriority[m.Name] = m.Priority
		pkgs, err := a.Store.PackagesByMedia(m.Name)
		if err != nil {
			return nil, err
		}
		available = append(available, pkgs...)
	}

	return resolver.NewPool(installed, available, opts.MediaPriority), nil
}

// solveWithChoices runs the resolver, resolving choice points by prompt (or
// first-choice in auto mode) and re-entering with the selection as a
// preference until the solver converges.
func (a *appState) solveWithChoices(c *cli.Context, pool *resolver.Pool, jobs []resolver.Job, opts resolver.Options) (*resolver.Transaction, error) {
	for {
		tx, err := resolver.Solve(pool, jobs, opts)
		if err == nil {
			return tx, nil
		}

		var amb *resolver.Ambiguous
		if !errors.As(err, &amb) {
			return nil, err
		}

		choice, cerr := chooseAlternative(c, amb.Choice)
		if cerr != nil {
			return nil, cerr
		}
		opts.Preferences = append(opts.Preferences,
			resolver.ParsePreferences([]string{choice})...)
	}
}

// chooseAlternative resolves one choice point: auto mode takes the first
// candidate, interactive mode prompts.
func chooseAlternative(c *cli.Context, cp resolver.ChoicePoint) (string, error) {
	if len(cp.Candidates) == 0 {
		return "", xerrors.Resolver("no candidate provides %s", cp.Capability)
	}
	if c.GlobalBool("auto") {
		return cp.Candidates[0].Package.Name, nil
	}

	fmt.Printf("Several packages provide %s:\n", cp.Capability)
	for i, cand := range cp.Candidates {
		fmt.Printf("  %d) %s (%s)\n", i+1, cand.Package.NEVRA.String(), cand.Package.Summary)
	}
	fmt.Printf("Choose [1-%d]: ", len(cp.Candidates))

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", xerrors.User("no selection made")
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(cp.Candidates) {
		return "", xerrors.User("invalid selection %q", strings.TrimSpace(line))
	}
	return cp.Candidates[n-1].Package.Name, nil
}

// confirmTransaction shows the plan and asks for confirmation unless auto
// mode is set. Returns false if the user declined.
func confirmTransaction(c *cli.Context, tx *resolver.Transaction) bool {
	printTransaction(tx)

	if len(tx.ToInstall) == 0 && len(tx.ToUpgrade) == 0 && len(tx.ToErase) == 0 {
		log.Printf("Nothing to do.\n")
		return false
	}
	if c.GlobalBool("auto") {
		return true
	}

	fmt.Printf("Proceed? [y/N] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printTransaction(tx *resolver.Transaction) {
	for _, s := range tx.Skipped {
		log.Warnf("skipping %s: held (%s)", s.Package, s.Reason)
	}
	if len(tx.ToInstall) > 0 {
		log.Printf("Installing:\n")
		for _, cand := range tx.ToInstall {
			log.Printf("  %s\n", cand.Package.NEVRA.String())
		}
	}
	if len(tx.ToUpgrade) > 0 {
		log.Printf("Upgrading:\n")
		for _, up := range tx.ToUpgrade {
			log.Printf("  %s -> %s\n", up.From.Package.NEVRA.String(), up.To.Package.NEVRA.String())
		}
	}
	if len(tx.ToErase) > 0 {
		log.Printf("Removing:\n")
		for _, cand := range tx.ToErase {
			log.Printf("  %s\n", cand.Package.NEVRA.String())
		}
	}
}

// runTransaction resolves jobs and executes the result, with confirmation.
func (a *appState) runTransaction(c *cli.Context, jobs []resolver.Job, action catalog.HistoryAction) {
	a.runTransactionWithCommand(c, jobs, action, commandLine())
}

// runTransactionWithCommand is runTransaction with an explicit history
// command string (used by undo, whose history rows reference the entry
// they invert rather than the raw argv).
func (a *appState) runTransactionWithCommand(c *cli.Context, jobs []resolver.Job, action catalog.HistoryAction, command string) (committed bool) {
	opts, err := a.resolverOptions(c)
	if err != nil {
		fail(c, err)
	}
	pool, err := a.buildPool(c, &opts)
	if err != nil {
		fail(c, err)
	}

	tx, err := a.solveWithChoices(c, pool, jobs, opts)
	if err != nil {
		fail(c, err)
	}

	if c.GlobalBool("json") {
		emit(c, transactionJSON(tx), nil)
	}
	if !confirmTransaction(c, tx) {
		return false
	}

	// Ctrl-C aborts cleanly before the RPM handoff: in-flight downloads
	// stop at their next read, and the history entry is marked failed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Dry-run: acquire artifacts but record no history and commit nothing.
	if c.GlobalBool("test") {
		if err := a.Engine.DownloadOnly(ctx, tx); err != nil {
			fail(c, err)
		}
		log.Printf("Dry run: transaction not committed.\n")
		return false
	}

	id, err := a.Engine.Run(ctx, tx, action, command, userName())
	if err != nil {
		fail(c, err)
	}
	log.Printf("Transaction %d complete.\n", id)
	return true
}

func commandLine() string {
	return strings.Join(os.Args, " ")
}

func userName() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

func localeTag() string {
	lang := os.Getenv("LANG")
	if i := strings.IndexAny(lang, "._"); i > 0 {
		lang = lang[:i]
	}
	if i := strings.Index(lang, "-"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// Output shapes for --json mode.

type transactionOut struct {
	Install []string               `json:"install"`
	Upgrade map[string]string      `json:"upgrade"`
	Erase   []string               `json:"erase"`
	Skipped []resolver.SkippedHeld `json:"skipped,omitempty"`
}

func transactionJSON(tx *resolver.Transaction) transactionOut {
	out := transactionOut{Upgrade: make(map[string]string), Skipped: tx.Skipped}
	for _, cand := range tx.ToInstall {
		out.Install = append(out.Install, cand.Package.NEVRA.String())
	}
	for _, up := range tx.ToUpgrade {
		out.Upgrade[up.From.Package.NEVRA.String()] = up.To.Package.NEVRA.String()
	}
	for _, cand := range tx.ToErase {
		out.Erase = append(out.Erase, cand.Package.NEVRA.String())
	}
	return out
}

type errorOut struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Chain   string `json:"chain,omitempty"`
}

func errorJSON(err error) errorOut {
	var xe *xerrors.Error
	if errors.As(err, &xe) {
		out := errorOut{Kind: xe.Kind.String(), Message: xe.Message}
		if cause := xe.Unwrap(); cause != nil {
			out.Chain = cause.Error()
		}
		return out
	}
	return errorOut{Kind: "internal", Message: err.Error()}
}

func exitCode(err error) int {
	if errors.Is(err, os.ErrPermission) {
		return 5
	}
	var xe *xerrors.Error
	if errors.As(err, &xe) {
		return xe.ExitCode()
	}
	var unsat *resolver.Unsatisfiable
	var conf *resolver.Conflicting
	var held *resolver.HeldWouldBeObsoleted
	var amb *resolver.Ambiguous
	if errors.As(err, &unsat) || errors.As(err, &conf) || errors.As(err, &held) || errors.As(err, &amb) {
		return 1
	}
	return 1
}
