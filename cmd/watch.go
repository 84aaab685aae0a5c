package cmd

import (
	"fmt"
	"io"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/zhubert/canopy/internal/config"
	"github.com/zhubert/canopy/internal/progress"
)

var watchServer string

var nodeWatchCmd = &cobra.Command{
	Use:   "watch [id]",
	Short: "Stream progress from a running canopy serve",
	Long: `Connects to the progress websocket of a running 'canopy serve' and prints
events. With a node ID the stream is limited to that node and ends when it
reaches ready or failed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNodeWatch,
}

func init() {
	nodeWatchCmd.Flags().StringVar(&watchServer, "server", "", "Server address (defaults to settings.listen_addr)")
	nodeCmd.AddCommand(nodeWatchCmd)
}

func progressURL(addr, nodeID string) string {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/progress/ws"}
	if nodeID != "" {
		u.RawQuery = url.Values{"node_id": {nodeID}}.Encode()
	}
	return u.String()
}

func runNodeWatch(cmd *cobra.Command, args []string) error {
	addr := watchServer
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		addr = cfg.GetSettings().Addr()
	}
	var nodeID string
	if len(args) == 1 {
		nodeID = args[0]
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), progressURL(addr, nodeID), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s (is 'canopy serve' running?): %w", addr, err)
	}
	resp.Body.Close()
	defer conn.Close()

	go func() {
		<-cmd.Context().Done()
		conn.Close()
	}()
	return streamEvents(conn, cmd.OutOrStdout(), nodeID)
}

// eventReader is the part of a websocket connection streamEvents needs.
type eventReader interface {
	ReadJSON(v any) error
}

// streamEvents prints events until the connection closes, or until nodeID
// reaches a terminal step when nodeID is set.
func streamEvents(r eventReader, out io.Writer, nodeID string) error {
	for {
		var e progress.Event
		if err := r.ReadJSON(&e); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("progress stream closed: %w", err)
		}
		fmt.Fprintln(out, formatEvent(e))
		if nodeID != "" && e.NodeID == nodeID && e.Step.Terminal() {
			if e.Step == progress.StepFailed {
				return fmt.Errorf("node %s failed", nodeID)
			}
			return nil
		}
	}
}
