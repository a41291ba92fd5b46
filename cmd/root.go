package cmd

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var verbosity int

var rootCmd = &cobra.Command{
	Use:   "bugmon",
	Short: "Automatic Confirmation, Bisection and Verification of Tracked Crash Bugs",
	Long:  ``,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase logging verbosity, may be repeated")
}

// newLogger creates the command's logger with the configured verbosity.
func newLogger() *logrus.Logger {
	log := logrus.New()

	formatter := prefixed.TextFormatter{
		DisableTimestamp: true,
	}
	formatter.SetColorScheme(&prefixed.ColorScheme{})
	log.SetFormatter(&formatter)

	if verbosity < 0 {
		log.SetOutput(io.Discard)
	} else if verbosity == 0 {
		log.SetLevel(logrus.WarnLevel)
	} else if verbosity == 1 {
		log.SetLevel(logrus.InfoLevel)
	} else if verbosity == 2 {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.TraceLevel)
	}

	return log
}
