// ABOUTME: join command: follow another device's session as a secondary
// ABOUTME: Finds the primary by address, advertised name, mDNS or the last session
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/decibel/scoreplayer-go/internal/discovery"
	"github.com/decibel/scoreplayer-go/internal/version"
	"github.com/decibel/scoreplayer-go/pkg/osc"
	"github.com/spf13/cobra"
)

var (
	joinLast    bool
	joinTimeout time.Duration
)

// joinCmd represents the join command
var joinCmd = &cobra.Command{
	Use:   "join [host[:port] | name]",
	Short: "Join a session as a secondary",
	Long: `Join a session as a secondary. The primary is given as an address or an
advertised name. Without an argument the previous primary is used with --last,
otherwise the first primary found over mDNS.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDevice(cmd.Context(), func(ctx context.Context, d *device) error {
			cfg := topologyConfig(d.name)

			host, err := pickPrimary(args, cfg.LastAddress)
			if err != nil {
				return err
			}

			srv, welcome, err := d.core.ConnectToServer(ctx, cfg, host)
			if err != nil {
				return err
			}
			d.server.Store(srv)
			srv.Browse()
			logWelcome(host, welcome)
			return nil
		})
	},
}

func init() {
	joinCmd.Flags().BoolVar(&joinLast, "last", false, "Rejoin the primary of the previous session")
	joinCmd.Flags().DurationVar(&joinTimeout, "timeout", 5*time.Second, "How long to look for a primary over mDNS")
	rootCmd.AddCommand(joinCmd)
}

func pickPrimary(args []string, lastAddress string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if joinLast {
		if lastAddress == "" {
			return "", errors.New("no previous session to rejoin")
		}
		return lastAddress, nil
	}

	log.Printf("Looking for a primary...")
	mgr := discovery.NewManager(discovery.Config{ServiceType: version.ServiceType, Debug: flags.debug})
	defer mgr.Stop()
	for _, info := range mgr.Lookup(joinTimeout) {
		if info.ProtocolVersion != version.NetworkProtocolVersion {
			log.Printf("Skipping %q: protocol version %d", info.Name, info.ProtocolVersion)
			continue
		}
		log.Printf("Discovered %q at %s", info.Name, info.Address())
		return info.Address(), nil
	}
	return "", fmt.Errorf("no primary found after %v", joinTimeout)
}

// logWelcome reports who we joined and what they offer
func logWelcome(host string, welcome *osc.Message) {
	if welcome == nil {
		log.Printf("Joined %s", host)
		return
	}
	device, _ := welcome.StringAt(0)
	var scores []string
	for i := 3; i < welcome.Len(); i++ {
		if name, err := welcome.StringAt(i); err == nil {
			scores = append(scores, name)
		}
	}
	log.Printf("Joined %s (%s), scores: %v", device, host, scores)
}
