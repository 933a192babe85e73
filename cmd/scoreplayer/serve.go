// ABOUTME: serve command: run this device as the primary of a session
// ABOUTME: Binds the listeners, advertises over mDNS and drives playback
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a session as its primary",
	Long:  `Start a session as its primary. Secondaries that join follow this device's transport.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDevice(cmd.Context(), func(ctx context.Context, d *device) error {
			srv, err := d.core.InitializeServer(ctx, topologyConfig(d.name))
			if err != nil {
				return fmt.Errorf("starting server: %w", err)
			}
			d.server.Store(srv)
			srv.Browse()

			log.Printf("Serving %q on port %d", d.score.Name, srv.Port())
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
