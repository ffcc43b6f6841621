package main

import (
	"strconv"
	"time"

	"github.com/codegangsta/cli"

	"github.com/cavaliercoder/urpm-ng/internal/catalog"
	"github.com/cavaliercoder/urpm-ng/internal/engine"
	"github.com/cavaliercoder/urpm-ng/internal/log"
	"github.com/cavaliercoder/urpm-ng/internal/xerrors"
)

func historyCommands() []cli.Command {
	return []cli.Command{
		{
			Name:   "history",
			Usage:  "show transaction history",
			Flags:  []cli.Flag{cli.IntFlag{Name: "n", Usage: "limit entries", Value: 20}},
			Action: actionHistory,
		},
		{
			Name:   "undo",
			Usage:  "undo a transaction: undo <id>",
			Flags:  resolveFlags,
			Action: actionUndo,
		},
		{
			Name:   "rollback",
			Usage:  "rollback <n> | rollback to <timestamp>",
			Flags:  resolveFlags,
			Action: actionRollback,
		},
		{
			Name:   "hold",
			Usage:  "hold <name> [reason]: protect a package from upgrade and obsoletion",
			Action: actionHold,
		},
		{
			Name:   "unhold",
			Usage:  "release a hold",
			Action: actionUnhold,
		},
		{
			Name:   "mark",
			Usage:  "mark <blacklist|redlist|unmark> <name>",
			Action: actionMark,
		},
	}
}

func actionHistory(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	entries, err := a.Store.HistoryList(c.Int("n"))
	if err != nil {
		fail(c, err)
	}

	emit(c, entries, func() {
		for _, e := range entries {
			t := time.Unix(e.Timestamp, 0).Format("2006-01-02 15:04")
			log.Printf("%4d  %s  %-10s %-11s %s\n", e.ID, t, e.Action, e.Status, e.Command)
		}
	})
}

func actionUndo(c *cli.Context) {
	idStr := oneArg(c, "undo")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		fail(c, xerrors.User("undo: invalid transaction id %q", idStr))
	}

	a := mustOpen(c)
	defer a.Close()

	entry, err := a.Store.History(id)
	if err != nil {
		fail(c, xerrors.User("no history entry %d", id))
	}

	jobs, err := a.Engine.InverseJobs(entry)
	if err != nil {
		fail(c, err)
	}
	if len(jobs) == 0 {
		log.Printf("Transaction %d affected no packages; nothing to undo.\n", id)
		return
	}

	if !a.runTransactionWithCommand(c, jobs, catalog.ActionUndo, engine.UndoDescription(entry)) {
		return
	}
	if err := a.Store.MarkRolledBack(id); err != nil {
		fail(c, err)
	}
}

// actionRollback undoes the last n complete transactions newest-first, or
// every transaction applied after a given time.
func actionRollback(c *cli.Context) {
	a := mustOpen(c)
	defer a.Close()

	var plan []catalog.HistoryEntry
	args := c.Args()
	switch {
	case len(args) == 1:
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			fail(c, xerrors.User("rollback: invalid count %q", args[0]))
		}
		plan, err = a.Engine.RollbackPlan(n)
		if err != nil {
			fail(c, err)
		}
	case len(args) == 2 && args[0] == "to":
		t, err := parseWhen(args[1])
		if err != nil {
			fail(c, xerrors.User("rollback to: invalid time %q", args[1]))
		}
		plan, err = a.Engine.RollbackToPlan(t)
		if err != nil {
			fail(c, err)
		}
	default:
		fail(c, xerrors.User("usage: rollback <n> | rollback to <time>"))
	}

	if len(plan) == 0 {
		log.Printf("Nothing to roll back.\n")
		return
	}

	// Each step re-runs the resolver so dependency drift since the original
	// transaction is caught. A nevra-unavailable failure aborts with the
	// partial rollback left applied up to the previous reverted step.
	for _, entry := range plan {
		jobs, err := a.Engine.InverseJobs(entry)
		if err != nil {
			fail(c, err)
		}
		if len(jobs) == 0 {
			continue
		}
		if !a.runTransactionWithCommand(c, jobs, catalog.ActionUndo, engine.UndoDescription(entry)) {
			return
		}
		if err := a.Store.MarkRolledBack(entry.ID); err != nil {
			fail(c, err)
		}
		log.Printf("Rolled back transaction %d.\n", entry.ID)
	}
}

// parseWhen accepts a unix timestamp or an RFC3339/date string.
func parseWhen(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, xerrors.User("unparseable time %q", s)
}

func actionHold(c *cli.Context) {
	if len(c.Args()) < 1 {
		fail(c, xerrors.User("hold: package name required"))
	}
	a := mustOpen(c)
	defer a.Close()

	reason := ""
	if len(c.Args()) > 1 {
		reason = c.Args()[1]
	}
	if err := a.Store.AddHold(c.Args()[0], reason); err != nil {
		fail(c, err)
	}
	log.Printf("Held %s.\n", c.Args()[0])
}

func actionUnhold(c *cli.Context) {
	name := oneArg(c, "unhold")
	a := mustOpen(c)
	defer a.Close()
	if err := a.Store.RemoveHold(name); err != nil {
		fail(c, err)
	}
	log.Printf("Released hold on %s.\n", name)
}

func actionMark(c *cli.Context) {
	if len(c.Args()) != 2 {
		fail(c, xerrors.User("mark: <blacklist|redlist|unmark> <name> required"))
	}
	a := mustOpen(c)
	defer a.Close()

	kind, name := c.Args()[0], c.Args()[1]
	var err error
	switch kind {
	case "blacklist":
		err = a.Store.AddBlacklist(name)
	case "redlist":
		err = a.Store.AddRedlist(name)
	case "unmark":
		err = a.Store.RemoveBlacklist(name)
	default:
		fail(c, xerrors.User("mark: unknown kind %q", kind))
	}
	if err != nil {
		fail(c, err)
	}
}
