package cmd

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/DominicWuest/bugmon/internal/sandbox"
	"github.com/DominicWuest/bugmon/pkg/bugmon"
)

var monitorDryRun bool

var monitorCmd = &cobra.Command{
	Use:   "monitor config.yml bug.json...",
	Short: "Run one monitoring pass over a batch of bug snapshots",
	Long: `Run one monitoring pass over a batch of bug snapshots.
The first argument is the monitoring config, every further argument is a bug snapshot in JSON format as exported from the tracker.

Each bug is confirmed against the current tip build of its branch. If its reproducibility status changed, the build history is bisected to find the introducing or fixing revision, and the outcome is rendered as a tracker update.

The command exits with code 0 if all bugs were processed, and non-zero if any bug hit a fatal or inconclusive condition requiring manual triage.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger()

		monitor, ids := setupMonitor(log, args[0], args[1:])
		monitor.DryRun = monitorDryRun

		runner := &bugmon.Runner{
			Monitor:           monitor,
			MaxConcurrentBugs: monitor.Config.MaxConcurrentBugs,
			Log:               log,
		}

		reports, err := runner.Run(context.Background(), ids)
		if err != nil {
			logrus.Fatalf("Failed to start monitoring run - %v", err)
		}

		failed := false
		for report := range reports {
			if report.Err != nil {
				log.Errorf("Bug %d failed - %v", report.BugID, report.Err)
				failed = true
				continue
			}
			log.Infof("Bug %d finished in state %s (tip verdict: %s)", report.BugID, report.State, report.TipVerdict)
			if report.Inconclusive {
				log.Warnf("Bug %d needs manual triage", report.BugID)
				failed = true
			}
		}

		if failed {
			os.Exit(1)
		}
	},
}

// setupMonitor wires the monitor from the config file and the bug snapshots.
func setupMonitor(log *logrus.Logger, configPath string, bugPaths []string) (*bugmon.Monitor, []int) {
	configFile, err := os.Open(configPath)
	if err != nil {
		logrus.Fatalf("Failed to open config - %v", err)
	}
	defer configFile.Close()
	config, err := bugmon.GetConfigFromReader(configFile)
	if err != nil {
		logrus.Fatalf("Failed to read config - %v", err)
	}

	manifestFile, err := os.Open(config.BuildsManifest)
	if err != nil {
		logrus.Fatalf("Failed to open builds manifest - %v", err)
	}
	defer manifestFile.Close()
	resolver, err := bugmon.GetResolverFromManifest(manifestFile)
	if err != nil {
		logrus.Fatalf("Failed to read builds manifest - %v", err)
	}

	harness, err := sandbox.New(config.Dockerfile, config.DockerfilePath, log)
	if err != nil {
		logrus.Fatalf("Failed to initialize sandbox harness - %v", err)
	}

	tracker := bugmon.NewLocalTracker()
	ids := make([]int, 0, len(bugPaths))
	for _, path := range bugPaths {
		file, err := os.Open(path)
		if err != nil {
			logrus.Fatalf("Failed to open bug snapshot %s - %v", path, err)
		}
		bug, err := tracker.LoadBug(file)
		file.Close()
		if err != nil {
			logrus.Fatalf("Failed to read bug snapshot %s - %v", path, err)
		}
		ids = append(ids, bug.ID)
	}

	entry := logrus.NewEntry(log)
	tester := bugmon.NewTester(harness, config, entry)

	return &bugmon.Monitor{
		Tracker:  tracker,
		Resolver: resolver,
		Tester:   tester,
		Bisector: bugmon.NewBisector(resolver, tester, config, entry),
		Config:   config,
		Log:      log,
	}, ids
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().BoolVarP(&monitorDryRun, "dry-run", "d", false, "Disable bug modification")
}
