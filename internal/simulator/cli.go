package simulator

import (
	"fmt"
	"io"
	"os"

	"github.com/okian/tally/pkg/logger"
)

// File permission constants.
const (
	logFilePermission = 0600
)

// SetupLogging configures logging to stdout and, when logFile is set, to
// that file as well.
func SetupLogging(logFile string, verbose bool) error {
	var out io.Writer = os.Stdout
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, file)
	}
	if err := logger.Init(logger.WithFormat("text"), logger.WithOutput(out)); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		return logger.SetLevelString("debug")
	}
	return nil
}

// ShowHelp prints usage information for the judge simulator.
func ShowHelp() {
	os.Stdout.WriteString(`Tally Judge Simulator
=====================

Drives a scoring round against a running tally server: opens and activates
a session, connects a judge panel over WebSocket, submits every team and
criterion score and prints the resulting standings.

Usage:
  go run ./cmd/judge-sim [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -admin-token string
        Admin token for session management
  -judges string
        Judge panel as id:token pairs (default "j1:j1-token,j2:j2-token,j3:j3-token")
  -competition string
        Competition id (default "sim")
  -category string
        Category id (default "freestyle")
  -teams int
        Number of teams (default 10)
  -criteria string
        Comma separated criteria (default "execution,difficulty,artistry")
  -max float
        Maximum score (default 100)
  -spread float
        Max distance of a judge from the true score (default 4)
  -outliers float
        Chance of one far-off score per team and criterion (default 0.1)
  -seed uint
        Random seed (default current time)
  -rate float
        Per-judge scores per second, 0 for unlimited (default 10)
  -complete
        Complete the session after scoring
  -timeout duration
        Request and acknowledgement timeout (default 10s)
  -log string
        Also write logs to this file
  -verbose
        Enable verbose logging
  -help
        Show this help message

Examples:
  # Ten teams scored by the default panel
  go run ./cmd/judge-sim -admin-token admin-token

  # A noisy panel that leaves conflicts for the head judge
  go run ./cmd/judge-sim -admin-token admin-token -spread 12 -outliers 0.3
`)
}
