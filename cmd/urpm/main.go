package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/codegangsta/cli"

	"github.com/cavaliercoder/urpm-ng/internal/log"
)

const version = "1.0.0"

func main() {
	app := cli.NewApp()
	app.Name = "urpm"
	app.Version = version
	app.Usage = "distribution package manager"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "auto, y",
			Usage: "assume yes; never prompt",
		},
		cli.BoolFlag{
			Name:  "test",
			Usage: "resolve and download but do not commit the transaction",
		},
		cli.StringFlag{
			Name:  "root",
			Usage: "operate on an alternate root filesystem",
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "machine-readable output",
		},
		cli.BoolFlag{
			Name:  "flat",
			Usage: "flat output, one item per line",
		},
		cli.BoolFlag{
			Name:  "show-all",
			Usage: "include disabled media and non-newest versions",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "print debug output",
		},
		cli.BoolFlag{
			Name:  "quiet, q",
			Usage: "less verbose",
		},
		cli.BoolFlag{
			Name:   "dev",
			Usage:  "development mode paths and ports",
			EnvVar: "URPM_DEV",
		},
		cli.StringFlag{
			Name:   "logfile, l",
			Usage:  "redirect output to a log file",
			EnvVar: "URPM_LOGFILE",
		},
	}

	app.Before = func(c *cli.Context) error {
		log.QuietMode = c.GlobalBool("quiet")
		log.DebugMode = c.GlobalBool("verbose")
		return log.InitCLI(c.GlobalString("logfile"))
	}

	app.Commands = append(app.Commands, transactionCommands()...)
	app.Commands = append(app.Commands, queryCommands()...)
	app.Commands = append(app.Commands, mediaCommands()...)
	app.Commands = append(app.Commands, historyCommands()...)
	app.Commands = append(app.Commands, maintenanceCommands()...)

	app.Run(os.Args)
}

// fail renders an error per the output mode and exits with its taxonomy
// code.
func fail(c *cli.Context, err error) {
	if c.GlobalBool("json") {
		json.NewEncoder(os.Stderr).Encode(errorJSON(err))
	} else {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
	}
	os.Exit(exitCode(err))
}

// emit writes v as JSON in json mode, or calls text() otherwise.
func emit(c *cli.Context, v interface{}, text func()) {
	if c.GlobalBool("json") {
		json.NewEncoder(os.Stdout).Encode(v)
		return
	}
	text()
}
