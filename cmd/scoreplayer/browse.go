// ABOUTME: browse command: list the primaries advertised on the local network
// ABOUTME: Runs a single mDNS query and prints what answered
package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/decibel/scoreplayer-go/internal/discovery"
	"github.com/decibel/scoreplayer-go/internal/version"
	"github.com/spf13/cobra"
)

var browseTimeout time.Duration

// browseCmd represents the browse command
var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "List primaries on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := discovery.NewManager(discovery.Config{ServiceType: version.ServiceType, Debug: flags.debug})
		defer mgr.Stop()

		found := mgr.Lookup(browseTimeout)
		if len(found) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No primaries found after %v\n", browseTimeout)
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDEVICE\tADDRESS\tVERSION")
		for _, info := range found {
			compat := ""
			if info.ProtocolVersion != version.NetworkProtocolVersion {
				compat = " (incompatible)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d%s\n", info.Name, info.DeviceName, info.Address(), info.ProtocolVersion, compat)
		}
		return w.Flush()
	},
}

func init() {
	browseCmd.Flags().DurationVar(&browseTimeout, "timeout", 3*time.Second, "How long to wait for answers")
	rootCmd.AddCommand(browseCmd)
}
