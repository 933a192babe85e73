// ABOUTME: status command: follow another device's status feed
// ABOUTME: Prints one line per snapshot from a device started with --monitor
package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/decibel/scoreplayer-go/internal/monitor"
	"github.com/spf13/cobra"
)

var statusOnce bool

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status host:port",
	Short: "Watch a device's status feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := monitor.NewClient(monitor.ClientConfig{Addr: args[0], Debug: flags.debug})
		first, err := c.Connect()
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		printSnapshot(out, first)
		if statusOnce {
			return nil
		}

		ctx := cmd.Context()
		for {
			select {
			case snap, ok := <-c.Snapshots:
				if !ok {
					return fmt.Errorf("feed from %s closed", args[0])
				}
				printSnapshot(out, snap)
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusOnce, "once", false, "Print one snapshot and exit")
	rootCmd.AddCommand(statusCmd)
}

func printSnapshot(w io.Writer, s monitor.Snapshot) {
	p := s.Playback
	line := fmt.Sprintf("%s %s [%s]", s.Time.Format("15:04:05"), s.Device, s.Role)
	if p.Loaded {
		line += fmt.Sprintf(" %q %s %d", p.Score, p.StateName, p.Progress)
		if p.Duration > 0 {
			line += fmt.Sprintf("/%.0f", p.Duration)
		}
	} else {
		line += " no score"
	}
	if p.AwaitingNetwork {
		line += " (unsynced)"
	}
	if peers := s.Roster; len(peers) > 0 {
		line += " peers: " + strings.Join(peers, ", ")
	}
	fmt.Fprintln(w, line)
}
