package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/DominicWuest/bugmon/internal/server"
	"github.com/DominicWuest/bugmon/pkg/bugmon"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve config.yml bug.json...",
	Short: "Start a server accepting bug ids to monitor",
	Long: `Start a server accepting bug ids to monitor.
The first argument is the monitoring config, every further argument is a bug snapshot in JSON format as exported from the tracker.

Calling this command results in a RESTful HTTP server being created. Bugs are enqueued for a monitoring pass via POST /bugs/:bugId and finished pass reports are polled via GET /report.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger()

		monitor, _ := setupMonitor(log, args[0], args[1:])

		// TODO: Don't hardcode channel size
		ids, reports := make(chan int, 100), make(chan bugmon.PassReport, 100)

		go func() {
			for id := range ids {
				go func(id int) {
					bug, err := monitor.Tracker.FetchBug(context.Background(), id)
					if err != nil {
						reports <- bugmon.PassReport{BugID: id, Err: err}
						return
					}
					report, err := monitor.Process(context.Background(), bug)
					if err != nil {
						reports <- bugmon.PassReport{BugID: id, Err: err}
						return
					}
					reports <- *report
				}(id)
			}
		}()

		if _, err := server.NewServer(server.HTTP, servePort, ids, reports); err != nil {
			logrus.Fatalf("Failed to start webserver - %v", err)
		}

		select {}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 40033, "The port on which to start the server")
}
