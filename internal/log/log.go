// Package log provides the leveled, optionally-file-backed logging used by
// both the CLI and the daemon. Both use the same Printf/Errorf/Fatalf
// helpers over go-logging; the daemon additionally writes through
// lumberjack so a long-running process gets rotated, timestamped output
// instead of growing a single logfile forever.
package log

import (
	"fmt"
	"os"

	"github.com/natefinch/lumberjack"
	logging "github.com/op/go-logging"
)

var (
	QuietMode bool
	DebugMode bool

	backendLogger = logging.MustGetLogger("urpm")
	fileLogger    *lumberjack.Logger
)

// InitCLI wires plain stdout/stderr output, optionally redirected to a
// logfile (output then goes only to the file).
// A missing logfile path leaves output on stdout/stderr.
func InitCLI(logfile string) error {
	if logfile == "" {
		return nil
	}

	f, err := os.OpenFile(logfile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	backend := logging.NewLogBackend(f, "", 0)
	logging.SetBackend(backend)
	return nil
}

// InitDaemon configures rotating logfile output for urpmd via lumberjack,
// with go-logging formatting timestamps and levels.
func InitDaemon(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	fileLogger = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}

	format := logging.MustStringFormatter(
		`%{time:2006-01-02 15:04:05} %{level:.4s} %{message}`,
	)
	backend := logging.NewLogBackend(fileLogger, "", 0)
	backendFormatter := logging.NewBackendFormatter(backend, format)
	logging.SetBackend(backendFormatter)
}

// Close flushes and releases any open logfile handle.
func Close() error {
	if fileLogger != nil {
		return fileLogger.Close()
	}
	return nil
}

// Printf prints informational output unless quiet mode is enabled.
func Printf(format string, a ...interface{}) {
	if QuietMode {
		return
	}
	backendLogger.Infof(format, a...)
}

// Errorf prints an error message, optionally wrapping an underlying error.
func Errorf(err error, format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	if err != nil {
		backendLogger.Errorf("%s: %s", msg, err.Error())
	} else {
		backendLogger.Error(msg)
	}
}

// Fatalf logs an error and terminates the process with a non-zero exit code.
// Callers that need a specific exit code should use
// the error's ExitCode method and os.Exit directly instead.
func Fatalf(err error, format string, a ...interface{}) {
	Errorf(err, format, a...)
	os.Exit(1)
}

// Dprintf prints verbose output only when debug mode is enabled.
func Dprintf(format string, a ...interface{}) {
	if DebugMode {
		backendLogger.Debugf(format, a...)
	}
}

// Warnf prints a warning.
func Warnf(format string, a ...interface{}) {
	backendLogger.Warningf(format, a...)
}
