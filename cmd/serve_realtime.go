package cmd

import (
	"github.com/prepio/relay/pkg/cmd/server"
	"github.com/spf13/cobra"
)

// serveRealtimeCmd represents the serve realtime command
var serveRealtimeCmd = &cobra.Command{
	Use:   "realtime",
	Short: "Serve realtime relay instance",
	Run:   server.RunServeRealtime(c),
}

func init() {
	serveCmd.AddCommand(serveRealtimeCmd)
}
