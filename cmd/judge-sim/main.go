package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/okian/tally/internal/simulator"
)

// Default configuration constants.
const (
	defaultTeams       = 10
	defaultMaxScore    = 100
	defaultSpread      = 4
	defaultOutliers    = 0.1
	defaultRate        = 10
	defaultTimeout     = 10 * time.Second
	defaultTestTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:9080", "Base URL of the service")
		adminToken  = flag.String("admin-token", "", "Admin token for session management")
		judges      = flag.String("judges", "j1:j1-token,j2:j2-token,j3:j3-token", "Judge panel as id:token pairs")
		competition = flag.String("competition", "sim", "Competition id")
		category    = flag.String("category", "freestyle", "Category id")
		teams       = flag.Int("teams", defaultTeams, "Number of teams")
		criteria    = flag.String("criteria", "execution,difficulty,artistry", "Comma separated criteria")
		maxScore    = flag.Float64("max", defaultMaxScore, "Maximum score")
		spread      = flag.Float64("spread", defaultSpread, "Max distance of a judge from the true score")
		outliers    = flag.Float64("outliers", defaultOutliers, "Chance of one far-off score per team and criterion")
		seed        = flag.Uint64("seed", uint64(time.Now().UnixNano()), "Random seed")
		ratePerSec  = flag.Float64("rate", defaultRate, "Per-judge scores per second, 0 for unlimited")
		complete    = flag.Bool("complete", false, "Complete the session after scoring")
		timeout     = flag.Duration("timeout", defaultTimeout, "Request and acknowledgement timeout")
		logFile     = flag.String("log", "", "Also write logs to this file")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
		help        = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		simulator.ShowHelp()
		return
	}

	if err := simulator.SetupLogging(*logFile, *verbose); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	panel, err := simulator.ParseJudges(*judges)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultTestTimeout)
	defer cancel()

	cfg := &simulator.Config{
		BaseURL:       *baseURL,
		AdminToken:    *adminToken,
		Judges:        panel,
		CompetitionID: *competition,
		CategoryID:    *category,
		Teams:         *teams,
		Criteria:      splitCriteria(*criteria),
		MaxScore:      *maxScore,
		Spread:        *spread,
		OutlierRate:   *outliers,
		Seed:          *seed,
		RatePerSec:    *ratePerSec,
		Complete:      *complete,
		Timeout:       *timeout,
		Verbose:       *verbose,
	}

	if _, err := simulator.Run(ctx, cfg); err != nil {
		os.Stderr.WriteString("Simulation failed: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func splitCriteria(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
