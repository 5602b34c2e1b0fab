package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/mit-dci/utxosync/commitment"
	"github.com/mit-dci/utxosync/csn"
	"github.com/mit-dci/utxosync/quorum"
	"github.com/mit-dci/utxosync/transport"
)

// logWriter duplicates log output to stdout and the rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	backendLog = btclog.NewBackend(logWriter{})
	logRotator *rotator.Rotator

	mainLog = backendLog.Logger("MAIN")
	cmtLog  = backendLog.Logger("CMTT")
	qrmLog  = backendLog.Logger("QRUM")
	trnLog  = backendLog.Logger("TRNS")
	syncLog = backendLog.Logger("SYNC")
)

var subsystemLoggers = map[string]btclog.Logger{
	"MAIN": mainLog,
	"CMTT": cmtLog,
	"QRUM": qrmLog,
	"TRNS": trnLog,
	"SYNC": syncLog,
}

func init() {
	commitment.UseLogger(cmtLog)
	quorum.UseLogger(qrmLog)
	transport.UseLogger(trnLog)
	csn.UseLogger(syncLog)
}

// initLogRotator starts the log file rotator.  Must run before any use
// of the loggers or output only reaches stdout.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}
	logRotator = r
	return nil
}

// setLogLevels applies one debug level spec to every subsystem, or
// per-subsystem with the subsystem=level,... form.
func setLogLevels(levelSpec string) error {
	if !strings.Contains(levelSpec, "=") {
		level, ok := btclog.LevelFromString(levelSpec)
		if !ok {
			return fmt.Errorf("invalid log level %q", levelSpec)
		}
		for _, l := range subsystemLoggers {
			l.SetLevel(level)
		}
		return nil
	}
	for _, part := range strings.Split(levelSpec, ",") {
		fields := strings.SplitN(part, "=", 2)
		if len(fields) != 2 {
			return fmt.Errorf("invalid log level pair %q", part)
		}
		l, ok := subsystemLoggers[strings.ToUpper(fields[0])]
		if !ok {
			return fmt.Errorf("unknown log subsystem %q", fields[0])
		}
		level, ok := btclog.LevelFromString(fields[1])
		if !ok {
			return fmt.Errorf("invalid log level %q", fields[1])
		}
		l.SetLevel(level)
	}
	return nil
}
