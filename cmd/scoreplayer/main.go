// ABOUTME: Entry point for the ScorePlayer device
// ABOUTME: Defines the root command, shared flags and logging setup
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/decibel/scoreplayer-go/internal/version"
	"github.com/spf13/cobra"
)

// deviceFlags are shared by every command that runs a device
type deviceFlags struct {
	name        string
	port        int
	logFile     string
	noTUI       bool
	debug       bool
	monitorAddr string
	noAdvertise bool

	scoreName    string
	duration     float64
	frameRate    float64
	subdivisions int
}

var flags deviceFlags

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "scoreplayer",
	Short:         "Play scores in sync across devices",
	Long:          `Run a ScorePlayer device as the primary of a session, join one as a secondary, or list the primaries on the local network.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.name, "name", "", "Device name (default: hostname-scoreplayer)")
	pf.IntVar(&flags.port, "port", version.DefaultPort, "Preferred TCP and UDP port")
	pf.StringVar(&flags.logFile, "log-file", "scoreplayer.log", "Log file path")
	pf.BoolVar(&flags.noTUI, "no-tui", false, "Disable TUI, use streaming logs instead")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&flags.monitorAddr, "monitor", "", "Serve the status feed on this address, e.g. :8927")
	pf.BoolVar(&flags.noAdvertise, "no-mdns", false, "Disable mDNS advertisement")

	pf.StringVar(&flags.scoreName, "score", "Untitled", "Score name")
	pf.Float64Var(&flags.duration, "duration", 300, "Score duration in frames; 0 or less plays without end")
	pf.Float64Var(&flags.frameRate, "fps", 1, "Frames per second")
	pf.IntVar(&flags.subdivisions, "subdivisions", 1, "Subframes per frame")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging sends logs to the log file, and to stdout as well unless
// the TUI owns the terminal. The returned function closes the file.
func setupLogging(useTUI bool) (func(), error) {
	f, err := os.OpenFile(flags.logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}

	if useTUI {
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return func() { _ = f.Close() }, nil
}

// deviceName returns the configured name or one derived from the hostname
func deviceName() string {
	if flags.name != "" {
		return flags.name
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-scoreplayer", hostname)
}
