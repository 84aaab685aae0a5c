package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zhubert/canopy/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the node API, progress stream and metrics over HTTP",
	Long: `Runs the initialization engine behind an HTTP API:

  POST   /nodes                 create a node (202)
  POST   /nodes/{id}/retry      retry a failed node
  DELETE /nodes/{id}            delete a node
  GET    /nodes/{id}/progress   latest progress event
  GET    /nodes/{id}/wait       block until initialization finishes
  GET    /progress/ws           websocket progress stream
  GET    /metrics               prometheus metrics
  GET    /healthz               liveness

In-flight jobs are cancelled and awaited on interrupt.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (defaults to settings.listen_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	settings := rt.cfg.GetSettings()
	addr := serveAddr
	if addr == "" {
		addr = settings.Addr()
	}
	srv := server.New(rt.nodes, rt.engine, rt.metrics.Handler(), settings.WaitTimeout())
	return srv.ListenAndServe(cmd.Context(), addr)
}
